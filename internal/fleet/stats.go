package fleet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

// statsFormat is the Go template handed to `docker stats --format`.
const statsFormat = "{{.Name}}\t{{.CPUPerc}}\t{{.MemUsage}}\t{{.NetIO}}"

// ContainerStats is one container's resource usage sample.
type ContainerStats struct {
	Host        string  `json:"host"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsage int64   `json:"memory_usage"`
	MemoryLimit int64   `json:"memory_limit"`
	NetIn       int64   `json:"net_in"`
	NetOut      int64   `json:"net_out"`
}

// parseStats reads `docker stats` output in statsFormat. Lines that do not
// parse are skipped and reported in the second return value.
func parseStats(host, out string) ([]ContainerStats, []error) {
	var (
		stats []ContainerStats
		skip  []error
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s, err := parseStatsLine(line)
		if err != nil {
			skip = append(skip, fmt.Errorf("stats line %q: %w", line, err))
			continue
		}
		s.Host = host
		stats = append(stats, s)
	}
	return stats, skip
}

func parseStatsLine(line string) (ContainerStats, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 4 {
		return ContainerStats{}, fmt.Errorf("want 4 fields, got %d", len(fields))
	}
	s := ContainerStats{Name: strings.TrimSpace(fields[0])}

	cpu, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(fields[1]), "%"), 64)
	if err != nil {
		return ContainerStats{}, fmt.Errorf("cpu: %w", err)
	}
	s.CPUPercent = cpu

	// Memory is reported in binary units ("12.5MiB / 1.944GiB").
	if s.MemoryUsage, s.MemoryLimit, err = parsePair(fields[2], units.RAMInBytes); err != nil {
		return ContainerStats{}, fmt.Errorf("memory: %w", err)
	}
	// Network is reported in decimal units ("1.2kB / 648B").
	if s.NetIn, s.NetOut, err = parsePair(fields[3], units.FromHumanSize); err != nil {
		return ContainerStats{}, fmt.Errorf("network: %w", err)
	}
	return s, nil
}

func parsePair(field string, parse func(string) (int64, error)) (int64, int64, error) {
	left, right, ok := strings.Cut(field, "/")
	if !ok {
		return 0, 0, fmt.Errorf("missing separator in %q", field)
	}
	a, err := parse(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, err
	}
	b, err := parse(strings.TrimSpace(right))
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// psFormat is the Go template handed to `docker ps --format`.
const psFormat = "{{.Names}}\t{{.Label \"" + labelRepository + "\"}}\t{{.State}}\t{{.Status}}"

// RuntimeContainer is a managed container as the host's runtime reports it.
type RuntimeContainer struct {
	Host   string `json:"host"`
	Name   string `json:"name"`
	// Key is the container key recorded in the repository label.
	Key    string `json:"key"`
	State  string `json:"state"`
	Status string `json:"status"`
}

// parsePS reads `docker ps` output in psFormat, skipping malformed lines
// the same way parseStats does.
func parsePS(host, out string) ([]RuntimeContainer, []error) {
	var (
		found []RuntimeContainer
		skip  []error
	)
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) != 4 || fields[0] == "" {
			skip = append(skip, fmt.Errorf("ps line %q: want 4 fields", line))
			continue
		}
		found = append(found, RuntimeContainer{
			Host:   host,
			Name:   fields[0],
			Key:    fields[1],
			State:  strings.ToLower(fields[2]),
			Status: fields[3],
		})
	}
	return found, skip
}
