package fleet

import (
	"fmt"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const maxSlugLen = 40

// repoKey derives a stable, DNS-safe key from a repository URL. Two URLs
// that slug the same still differ in the hash suffix.
//
//	https://github.com/acme/widgets.git -> acme-widgets-1b2c3d4e
func repoKey(repository string) string {
	return fmt.Sprintf("%s-%08x", repoSlug(repository), uint32(xxhash.Sum64String(repository)))
}

func repoSlug(repository string) string {
	s := repository
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	// Drop the host; owner/name is what people recognize.
	if i := strings.IndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	if out == "" {
		out = "repo"
	}
	return out
}

// containerName is unique per creation so a leftover container from an
// earlier run of the same repository never collides with a new one.
func containerName(key, suffix string) string {
	return "rc-" + key + "-" + suffix
}

func workspacePath(root, key, suffix string) string {
	return path.Join(root, key+"-"+suffix)
}

func archivePath(root, key, stamp string) string {
	return path.Join(root, key, stamp+".tar.gz")
}

// hostFor places a repository on a host. Placement is stable for a fixed
// host list.
func hostFor(repository string, hosts []string) string {
	if len(hosts) == 0 {
		return ""
	}
	return hosts[xxhash.Sum64String(repository)%uint64(len(hosts))]
}
