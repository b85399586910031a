package connfile

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultPattern matches the files kernels write into the runtime dir.
const DefaultPattern = "kernel-*.json"

// ErrNotFound is returned when no readable connection file matches.
var ErrNotFound = errors.New("connection file not found")

// RuntimeDir returns the directory kernels write their connection files
// into: $JUPYTER_RUNTIME_DIR, then $XDG_RUNTIME_DIR/jupyter, then the
// per-user data dir.
func RuntimeDir() string {
	if dir := os.Getenv("JUPYTER_RUNTIME_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "jupyter")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "jupyter", "runtime")
	}
	return filepath.Join(home, ".local", "share", "jupyter", "runtime")
}

type Resolver struct {
	runtimeDir string
}

func NewResolver(runtimeDir string) *Resolver {
	if runtimeDir == "" {
		runtimeDir = RuntimeDir()
	}
	return &Resolver{runtimeDir: runtimeDir}
}

// Resolve finds the connection file for pattern. With an empty dir the
// current directory and the runtime dir are searched. A literal file name
// wins over a glob; a name without '*' is searched as *name*. When several
// files match, the most recently modified one is returned and ties go to
// the lexicographically smallest absolute path.
func (r *Resolver) Resolve(pattern, dir string) (string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	var searchPath []string
	if dir != "" {
		searchPath = []string{dir}
	} else {
		searchPath = []string{".", r.runtimeDir}
	}

	if path, ok := findLiteral(pattern, searchPath); ok {
		log.Debug().Msgf("Connection file %s matched literally", path)
		return path, nil
	}

	glob := pattern
	if !strings.Contains(glob, "*") {
		glob = "*" + glob + "*"
	}
	globs := make([]string, 0, len(searchPath))
	if filepath.IsAbs(glob) {
		globs = append(globs, glob)
	} else {
		for _, p := range searchPath {
			globs = append(globs, filepath.Join(p, glob))
		}
	}
	var matches []candidate
	seen := map[string]bool{}
	for _, g := range globs {
		found, err := filepath.Glob(g)
		if err != nil {
			return "", errors.Wrapf(ErrNotFound, "bad pattern %q: %v", pattern, err)
		}
		for _, m := range found {
			abs, err := filepath.Abs(m)
			if err != nil || seen[abs] {
				continue
			}
			seen[abs] = true
			info, err := os.Stat(abs)
			if err != nil || !info.Mode().IsRegular() || !readable(abs) {
				continue
			}
			matches = append(matches, candidate{path: abs, modTime: info.ModTime().UnixNano()})
		}
	}
	if len(matches) == 0 {
		return "", errors.Wrapf(ErrNotFound, "could not find %q in %v", pattern, searchPath)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].modTime != matches[j].modTime {
			return matches[i].modTime > matches[j].modTime
		}
		return matches[i].path < matches[j].path
	})
	if len(matches) > 1 {
		log.Debug().Msgf("%d connection files match %q, picking %s", len(matches), pattern, matches[0].path)
	}
	return matches[0].path, nil
}

type candidate struct {
	path    string
	modTime int64
}

func findLiteral(name string, searchPath []string) (string, bool) {
	if strings.ContainsAny(name, "*?[") {
		return "", false
	}
	var tries []string
	if filepath.IsAbs(name) {
		tries = []string{name}
	} else {
		for _, p := range searchPath {
			tries = append(tries, filepath.Join(p, name))
		}
	}
	for _, t := range tries {
		info, err := os.Stat(t)
		if err != nil || !info.Mode().IsRegular() || !readable(t) {
			continue
		}
		abs, err := filepath.Abs(t)
		if err != nil {
			continue
		}
		return abs, true
	}
	return "", false
}

func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
