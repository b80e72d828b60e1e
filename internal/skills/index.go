// Package skills indexes executables shipped by trusted skills so that
// invoking them by bare name needs no further approval.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/agentsh/execgate/internal/shellcmd"
)

// Bin is one trusted skill executable.
type Bin struct {
	Name         string `yaml:"name" json:"name"`
	ResolvedPath string `yaml:"resolved_path" json:"resolved_path"`
	Skill        string `yaml:"skill,omitempty" json:"skill,omitempty"`
}

// Index maps a lowercased executable name to the set of trusted paths.
type Index struct {
	byName map[string]map[string]struct{}
}

// NewIndex builds an index from a snapshot of trusted bins. Entries missing a
// name or an absolute path are ignored.
func NewIndex(bins []Bin) *Index {
	ix := &Index{byName: map[string]map[string]struct{}{}}
	for _, b := range bins {
		name := strings.ToLower(strings.TrimSpace(b.Name))
		p := strings.TrimSpace(b.ResolvedPath)
		if name == "" || p == "" || !filepath.IsAbs(p) {
			continue
		}
		set := ix.byName[name]
		if set == nil {
			set = map[string]struct{}{}
			ix.byName[name] = set
		}
		set[filepath.Clean(p)] = struct{}{}
	}
	return ix
}

// Len returns the number of distinct names.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.byName)
}

// Names returns the indexed names, sorted.
func (ix *Index) Names() []string {
	if ix == nil {
		return nil
	}
	out := make([]string, 0, len(ix.byName))
	for n := range ix.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Trusts reports whether res names a trusted skill bin. Only bare names
// qualify; a path-scoped invocation such as ./tool is never trusted here.
func (ix *Index) Trusts(res *shellcmd.CommandResolution) bool {
	if ix == nil || res == nil || res.ResolvedPath == "" {
		return false
	}
	if strings.ContainsAny(res.RawExecutable, `/\`) {
		return false
	}
	set := ix.byName[res.ExecutableName]
	if set == nil {
		return false
	}
	_, ok := set[filepath.Clean(res.ResolvedPath)]
	return ok
}

// Scan collects executables laid out as <dir>/<skill>/bin/<name>. A missing
// dir yields no bins.
func Scan(dir string) ([]Bin, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve skills dir: %w", err)
	}
	skillDirs, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var bins []Bin
	for _, sd := range skillDirs {
		if !sd.IsDir() {
			continue
		}
		binDir := filepath.Join(root, sd.Name(), "bin")
		files, err := os.ReadDir(binDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			p := filepath.Join(binDir, f.Name())
			info, err := os.Stat(p)
			if err != nil || !info.Mode().IsRegular() || !executable(info) {
				continue
			}
			bins = append(bins, Bin{
				Name:         shellcmd.ExecutableName(f.Name(), runtime.GOOS == "windows"),
				ResolvedPath: p,
				Skill:        sd.Name(),
			})
		}
	}
	return bins, nil
}

func executable(info os.FileInfo) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
