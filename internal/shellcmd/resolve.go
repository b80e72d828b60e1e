package shellcmd

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// PlatformWindows selects cmd.exe-style segmentation and case-insensitive
// executable naming.
const PlatformWindows = "windows"

var defaultPathExt = []string{".com", ".exe", ".bat", ".cmd"}

// Options carries the execution context used for analysis. A nil Env falls
// back to the process environment, an empty Cwd to the process working
// directory, and an empty Platform means runtime.GOOS.
type Options struct {
	Cwd      string
	Env      map[string]string
	Platform string
}

func (o Options) platform() string {
	if o.Platform == "" {
		return runtime.GOOS
	}
	return o.Platform
}

func (o Options) windows() bool { return o.platform() == PlatformWindows }

func (o Options) cwd() string {
	if o.Cwd != "" {
		return o.Cwd
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

func (o Options) getenv(key string) string {
	if o.Env == nil {
		return os.Getenv(key)
	}
	if v, ok := o.Env[key]; ok {
		return v
	}
	if o.windows() {
		for k, v := range o.Env {
			if strings.EqualFold(k, key) {
				return v
			}
		}
	}
	return ""
}

func (o Options) pathExt() []string {
	if !o.windows() {
		return nil
	}
	raw := o.getenv("PATHEXT")
	if raw == "" {
		return defaultPathExt
	}
	var out []string
	for _, e := range strings.Split(raw, ";") {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// ExecutableName returns the lowercased basename of an executable token. On
// Windows the directory separator may be either slash and a PATHEXT extension
// is dropped.
func ExecutableName(raw string, windows bool) string {
	base := raw
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if windows {
		if idx := strings.LastIndex(base, `\`); idx >= 0 {
			base = base[idx+1:]
		}
	}
	base = strings.ToLower(base)
	if windows {
		ext := filepath.Ext(base)
		for _, e := range defaultPathExt {
			if ext == e {
				return strings.TrimSuffix(base, ext)
			}
		}
	}
	return base
}

func isPathLike(raw string, windows bool) bool {
	if strings.Contains(raw, "/") || strings.HasPrefix(raw, "~") {
		return true
	}
	return windows && strings.Contains(raw, `\`)
}

// ResolveExecutable determines which file argv[0] would run. ResolvedPath is
// left empty when the token cannot be mapped to an executable file; symlinks
// are not followed.
func ResolveExecutable(argv []string, opts Options) CommandResolution {
	if len(argv) == 0 {
		return CommandResolution{}
	}
	raw := argv[0]
	windows := opts.windows()
	res := CommandResolution{
		RawExecutable:  raw,
		ExecutableName: ExecutableName(raw, windows),
		EffectiveArgv:  argv,
	}
	if raw == "" {
		return res
	}
	pathext := opts.pathExt()

	if isPathLike(raw, windows) {
		p, ok := expandPath(raw, opts)
		if !ok {
			return res
		}
		if found, ok := probe(p, windows, pathext); ok {
			res.ResolvedPath = found
		}
		return res
	}

	sep := ":"
	if windows {
		sep = ";"
	}
	for _, dir := range strings.Split(opts.getenv("PATH"), sep) {
		dir = strings.TrimSpace(dir)
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		if found, ok := probe(filepath.Join(dir, raw), windows, pathext); ok {
			res.ResolvedPath = found
			return res
		}
	}
	return res
}

func expandPath(raw string, opts Options) (string, bool) {
	p := raw
	if p == "~" || strings.HasPrefix(p, "~/") || (opts.windows() && strings.HasPrefix(p, `~\`)) {
		home := opts.getenv("HOME")
		if home == "" && opts.windows() {
			home = opts.getenv("USERPROFILE")
		}
		if home == "" {
			return "", false
		}
		p = filepath.Join(home, p[1:])
	} else if strings.HasPrefix(p, "~") {
		return "", false
	}
	if !filepath.IsAbs(p) {
		cwd := opts.cwd()
		if cwd == "" {
			return "", false
		}
		p = filepath.Join(cwd, p)
	}
	return filepath.Clean(p), true
}

func probe(p string, windows bool, pathext []string) (string, bool) {
	p = filepath.Clean(p)
	if isExecutableFile(p, pathext) {
		return p, true
	}
	if windows && filepath.Ext(p) == "" {
		for _, ext := range pathext {
			if isExecutableFile(p+ext, pathext) {
				return p + ext, true
			}
		}
	}
	return "", false
}
