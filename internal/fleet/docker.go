package fleet

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/l2succes/remote-claude-sub003/internal/remote"
)

const (
	containerWorkspace = "/workspace"
	taskStateDir       = ".rc"
	tmpfsRunSize       = 64 * units.MiB

	labelManaged    = "rc.managed"
	labelRepository = "rc.repository"
)

// addedCapabilities is the minimum needed for the agent to manage file
// ownership inside its workspace. Everything else is dropped.
var addedCapabilities = []string{"CHOWN", "DAC_OVERRIDE", "FOWNER"}

// runSpec describes one isolated container.
type runSpec struct {
	Name      string
	Image     string
	Network   string
	Workspace string
	CPUs      float64
	MemoryMB  int
	DiskGB    int
	Ports     nat.PortMap
	Env       map[string]string
	Labels    map[string]string
}

// portMap publishes containerPort/tcp on hostPort for each pair.
func portMap(pairs map[int]int) (nat.PortMap, error) {
	pm := make(nat.PortMap, len(pairs))
	for containerPort, hostPort := range pairs {
		p, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return nil, fmt.Errorf("container port %d: %w", containerPort, err)
		}
		pm[p] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}
	return pm, nil
}

// dockerRunArgs renders spec as `docker run` arguments. Output is
// deterministic so commands can be compared in tests and logs.
func dockerRunArgs(spec runSpec) []string {
	args := []string{
		"docker", "run", "-d",
		"--name", spec.Name,
		"--hostname", spec.Name,
		"--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64),
		"--memory", strconv.FormatInt(int64(spec.MemoryMB)*units.MiB, 10),
		"--storage-opt", fmt.Sprintf("size=%dG", spec.DiskGB),
		"--cap-drop", "ALL",
	}
	for _, c := range addedCapabilities {
		args = append(args, "--cap-add", c)
	}
	args = append(args,
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", fmt.Sprintf("/run:rw,noexec,nosuid,size=%d", tmpfsRunSize),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,size=%d", tmpfsRunSize),
		"-v", spec.Workspace+":"+containerWorkspace,
		"-w", containerWorkspace,
	)
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}

	ports := make([]nat.Port, 0, len(spec.Ports))
	for p := range spec.Ports {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Int() < ports[j].Int() })
	for _, p := range ports {
		for _, b := range spec.Ports[p] {
			hostPart := b.HostPort
			if b.HostIP != "" {
				hostPart = b.HostIP + ":" + b.HostPort
			}
			args = append(args, "-p", hostPart+":"+p.Port()+"/"+p.Proto())
		}
	}

	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	return append(args, spec.Image)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneCommand(repository, branch, dir string) string {
	args := []string{"git", "clone", "--quiet"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	return remote.Join(append(args, "--", repository, dir)...)
}

func createWorkspaceCommand(dir string) string {
	return fmt.Sprintf("mkdir -p %[1]s && chmod 700 %[1]s", remote.Quote(dir))
}

// stopCommand is safe to repeat after a partial teardown.
func stopCommand(name string, timeout int) string {
	q := remote.Quote(name)
	return fmt.Sprintf("if docker inspect %[1]s >/dev/null 2>&1; then docker stop -t %[2]d %[1]s >/dev/null && docker rm %[1]s >/dev/null; fi", q, timeout)
}

func forceRemoveCommand(name string) string {
	return remote.Join("docker", "rm", "-f", name)
}

func archiveCommand(workspace, archive string) string {
	return fmt.Sprintf("if [ -d %[1]s ]; then mkdir -p %[2]s && tar czf %[3]s -C %[1]s .; fi",
		remote.Quote(workspace), remote.Quote(path.Dir(archive)), remote.Quote(archive))
}

func removeWorkspaceCommand(workspace string) string {
	return remote.Join("rm", "-rf", "--", workspace)
}

func inspectStatusCommand(name string) string {
	return remote.Join("docker", "inspect", "-f", "{{.State.Status}}", name)
}

func logsCommand(name string, tail int) string {
	args := []string{"docker", "logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	return remote.Join(append(args, name)...) + " 2>&1"
}

// execCommand runs a shell command inside the container's workspace.
func execCommand(name, workdir string, env map[string]string, command string) string {
	args := []string{"docker", "exec", "-w", workdir}
	for _, k := range sortedKeys(env) {
		args = append(args, "-e", k+"="+env[k])
	}
	return remote.Join(append(args, name, "sh", "-c", command)...)
}

// taskScript records the task's pid, then replaces itself with the task so
// the pid file names the process to signal on cancel.
func taskScript(taskID, command string) string {
	dir := path.Join(containerWorkspace, taskStateDir)
	return fmt.Sprintf("mkdir -p %[1]s && echo $$ > %[2]s && exec sh -c %[3]s > %[4]s 2>&1",
		dir,
		remote.Quote(path.Join(dir, taskID+".pid")),
		remote.Quote(command),
		remote.Quote(path.Join(dir, taskID+".log")))
}

func killScript(taskID string) string {
	pid := remote.Quote(path.Join(containerWorkspace, taskStateDir, taskID+".pid"))
	return fmt.Sprintf("if [ -f %[1]s ]; then kill -TERM $(cat %[1]s) 2>/dev/null || true; fi", pid)
}

func statsCommand(names []string) string {
	args := []string{"docker", "stats", "--no-stream", "--format", statsFormat}
	return remote.Join(append(args, names...)...)
}

func psCommand() string {
	return remote.Join("docker", "ps", "-a", "--filter", "label="+labelManaged+"=true", "--format", psFormat)
}

func fileSizeCommand(p string) string {
	return fmt.Sprintf("if [ -f %[1]s ]; then wc -c < %[1]s; else echo 0; fi", remote.Quote(p))
}

func readFromCommand(p string, offset int64) string {
	return fmt.Sprintf("if [ -f %[1]s ]; then tail -c +%[2]d %[1]s; fi", remote.Quote(p), offset+1)
}

func trimNumber(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
