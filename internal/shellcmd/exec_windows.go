//go:build windows

package shellcmd

import (
	"os"
	"path/filepath"
	"strings"
)

// isExecutableFile reports whether path is a regular file whose extension is
// listed in PATHEXT.
func isExecutableFile(path string, pathext []string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range pathext {
		if ext == e {
			return true
		}
	}
	return false
}
