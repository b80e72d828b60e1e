//go:build !unix && !windows

package shellcmd

import "os"

func isExecutableFile(path string, _ []string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
