package shellcmd

import (
	"regexp"
	"strings"
)

// MaxWrapperDepth bounds how many wrapper layers are peeled off a command,
// counted across nested inline commands.
const MaxWrapperDepth = 3

// UnwrapStatus is the outcome of trying to peel one wrapper layer.
type UnwrapStatus int

const (
	NotApplicable UnwrapStatus = iota
	Unwrapped
	Blocked
)

func (s UnwrapStatus) String() string {
	switch s {
	case NotApplicable:
		return "not_applicable"
	case Unwrapped:
		return "unwrapped"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// WrapperKind distinguishes wrappers that run an inline command string from
// wrappers that dispatch to a trailing argv.
type WrapperKind int

const (
	NoWrapper WrapperKind = iota
	Multiplexer
	Dispatch
)

// UnwrapResult describes one wrapper layer. Exactly one of Argv or Inline is
// set when Status is Unwrapped.
type UnwrapResult struct {
	Status  UnwrapStatus
	Kind    WrapperKind
	Wrapper string
	Argv    []string
	Inline  string
	// InlineWindows marks an inline command meant for cmd.exe or PowerShell.
	InlineWindows bool
	// AppendsArgs is set for wrappers that add arguments to the command they
	// run (xargs).
	AppendsArgs bool
	Reason      string
}

func blocked(wrapper, reason string) UnwrapResult {
	return UnwrapResult{Status: Blocked, Wrapper: wrapper, Reason: reason}
}

var posixShells = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "dash": {}, "ksh": {}, "mksh": {}, "ash": {}, "fish": {},
}

// IsShell reports whether name is a POSIX-style shell interpreter.
func IsShell(name string) bool {
	_, ok := posixShells[name]
	return ok
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// Assignments to these change how the following command is located or loaded,
// so the command cannot be resolved from the surrounding environment.
var sensitiveEnv = []string{"PATH", "PATHEXT", "IFS", "ENV", "BASH_ENV", "SHELLOPTS", "BASHOPTS", "PS4"}

func isAssignment(tok string) bool { return envNamePattern.MatchString(tok) }

func sensitiveAssignment(tok string) bool {
	name := tok[:strings.IndexByte(tok, '=')]
	upper := strings.ToUpper(name)
	for _, s := range sensitiveEnv {
		if upper == s {
			return true
		}
	}
	return strings.HasPrefix(upper, "LD_") || strings.HasPrefix(upper, "DYLD_")
}

// Unwrap peels a single wrapper layer from argv.
func Unwrap(argv []string, windows bool) UnwrapResult {
	if len(argv) == 0 {
		return UnwrapResult{}
	}
	name := ExecutableName(argv[0], windows)
	// Windows interpreters are recognized by name on every platform since their
	// names never collide with POSIX tools.
	switch name {
	case "cmd":
		return unwrapCmd(argv)
	case "powershell", "pwsh":
		return unwrapPowerShell(argv)
	case "env":
		return unwrapEnv(argv)
	}
	if IsShell(name) {
		return unwrapShell(name, argv)
	}
	if spec, ok := dispatchers[name]; ok {
		return unwrapDispatch(name, spec, argv)
	}
	return UnwrapResult{}
}

func inlineResult(wrapper, inline string, windows bool) UnwrapResult {
	trimmed := strings.TrimSpace(inline)
	if trimmed == "" {
		return blocked(wrapper, "empty inline command")
	}
	if strings.HasPrefix(trimmed, "$") || strings.ContainsAny(trimmed, "`") || strings.Contains(trimmed, "$(") {
		return blocked(wrapper, "dynamically built inline command")
	}
	return UnwrapResult{Status: Unwrapped, Kind: Multiplexer, Wrapper: wrapper, Inline: inline, InlineWindows: windows}
}

// unwrapShell handles "sh -c CMD". Without -c the shell runs a script or
// reads stdin and is evaluated as itself.
func unwrapShell(name string, argv []string) UnwrapResult {
	hasC := false
	for i := 1; i < len(argv); i++ {
		tok := argv[i]
		if tok == "--" || tok == "-" {
			if !hasC {
				return UnwrapResult{}
			}
			if i+1 >= len(argv) {
				return blocked(name, "missing inline command")
			}
			return inlineResult(name, argv[i+1], false)
		}
		if len(tok) > 1 && (tok[0] == '-' || tok[0] == '+') {
			if strings.HasPrefix(tok, "--") {
				if tok == "--command" {
					hasC = true
				}
				continue
			}
			flags := tok[1:]
			if tok[0] == '-' && strings.ContainsRune(flags, 'c') {
				hasC = true
			}
			if strings.HasSuffix(flags, "o") || strings.HasSuffix(flags, "O") {
				i++
			}
			continue
		}
		if !hasC {
			return UnwrapResult{}
		}
		return inlineResult(name, tok, false)
	}
	if hasC {
		return blocked(name, "missing inline command")
	}
	return UnwrapResult{}
}

func unwrapCmd(argv []string) UnwrapResult {
	for i := 1; i < len(argv); i++ {
		switch strings.ToLower(argv[i]) {
		case "/c", "/k", "/r":
			return inlineResult("cmd", strings.Join(argv[i+1:], " "), true)
		}
		if !strings.HasPrefix(argv[i], "/") {
			return UnwrapResult{}
		}
	}
	return UnwrapResult{}
}

func unwrapPowerShell(argv []string) UnwrapResult {
	name := ExecutableName(argv[0], true)
	for i := 1; i < len(argv); i++ {
		flag := strings.ToLower(argv[i])
		if !strings.HasPrefix(flag, "-") && !strings.HasPrefix(flag, "/") {
			return UnwrapResult{}
		}
		flag = strings.TrimLeft(flag, "-/")
		switch {
		case flag == "c" || flag == "command":
			return inlineResult(name, strings.Join(argv[i+1:], " "), true)
		case flag == "e" || flag == "ec" || strings.HasPrefix(flag, "enc"):
			return blocked(name, "encoded command")
		case flag == "f" || flag == "file":
			return UnwrapResult{}
		case flag == "executionpolicy" || flag == "ep" || flag == "windowstyle" || flag == "w":
			i++
		}
	}
	return UnwrapResult{}
}

func unwrapEnv(argv []string) UnwrapResult {
	i := 1
	for ; i < len(argv); i++ {
		tok := argv[i]
		if tok == "--" {
			i++
			break
		}
		if !strings.HasPrefix(tok, "-") || tok == "-" {
			break
		}
		switch {
		case tok == "-0" || tok == "--null" || tok == "-v" || tok == "--debug":
		case tok == "-u" || tok == "--unset":
			i++
		case strings.HasPrefix(tok, "--unset=") || (strings.HasPrefix(tok, "-u") && len(tok) > 2):
		case tok == "-S" || strings.HasPrefix(tok, "-S") || strings.HasPrefix(tok, "--split-string"):
			return blocked("env", "split-string is not analyzable")
		case tok == "-i" || tok == "--ignore-environment" || tok == "-":
			return blocked("env", "environment reset changes command lookup")
		case tok == "-C" || strings.HasPrefix(tok, "--chdir"):
			return blocked("env", "working directory change")
		default:
			return blocked("env", "unsupported env option "+tok)
		}
	}
	for ; i < len(argv) && isAssignment(argv[i]); i++ {
		if sensitiveAssignment(argv[i]) {
			return blocked("env", "assignment to "+argv[i][:strings.IndexByte(argv[i], '=')])
		}
	}
	if i >= len(argv) {
		return UnwrapResult{}
	}
	return UnwrapResult{Status: Unwrapped, Kind: Multiplexer, Wrapper: "env", Argv: argv[i:]}
}

// dispatchSpec describes the option grammar of a wrapper that runs a trailing
// command.
type dispatchSpec struct {
	value       []string
	boolean     []string
	block       []string
	leading     int  // positional operands before the command (timeout DURATION)
	numeric     bool // accepts "-N" (nice)
	assignments bool // accepts VAR=value before the command (sudo)
	appendsArgs bool
}

func (d dispatchSpec) has(list []string, flag string) bool {
	for _, f := range list {
		if f == flag {
			return true
		}
	}
	return false
}

var dispatchers = map[string]dispatchSpec{
	"sudo": {
		value:       []string{"-u", "--user", "-g", "--group", "-C", "--close-from", "-p", "--prompt", "-r", "--role", "-t", "--type", "-U", "--other-user", "-T", "--command-timeout", "-h", "--host"},
		boolean:     []string{"-A", "--askpass", "-B", "--bell", "-b", "--background", "-E", "--preserve-env", "-H", "--set-home", "-n", "--non-interactive", "-P", "--preserve-groups", "-S", "--stdin", "-k", "--reset-timestamp"},
		block:       []string{"-e", "--edit", "-l", "--list", "-v", "--validate", "-K", "--remove-timestamp", "-s", "--shell", "-i", "--login", "-V", "--version", "--help", "-D", "--chdir", "-R", "--chroot"},
		assignments: true,
	},
	"doas": {
		value:   []string{"-u"},
		boolean: []string{"-n"},
		block:   []string{"-s", "-L", "-C"},
	},
	"nice": {
		value:   []string{"-n", "--adjustment"},
		block:   []string{"--help", "--version"},
		numeric: true,
	},
	"nohup": {
		block: []string{"--help", "--version"},
	},
	"timeout": {
		value:   []string{"-s", "--signal", "-k", "--kill-after"},
		boolean: []string{"--preserve-status", "--foreground", "-v", "--verbose"},
		block:   []string{"--help", "--version"},
		leading: 1,
	},
	"xargs": {
		value:       []string{"-I", "--replace", "-n", "--max-args", "-P", "--max-procs", "-L", "--max-lines", "-s", "--max-chars", "-d", "--delimiter", "-E", "--eof"},
		boolean:     []string{"-0", "--null", "-r", "--no-run-if-empty", "-t", "--verbose", "-x", "--exit", "-p", "--interactive", "-o", "--open-tty"},
		block:       []string{"-a", "--arg-file", "--help", "--version"},
		appendsArgs: true,
	},
	"time": {
		value:   []string{"-f", "--format"},
		boolean: []string{"-p", "--portability", "-v", "--verbose", "-q", "--quiet"},
		block:   []string{"-o", "--output", "-a", "--append", "--help", "-V", "--version"},
	},
	"stdbuf": {
		value: []string{"-i", "--input", "-o", "--output", "-e", "--error"},
		block: []string{"--help", "--version"},
	},
}

func unwrapDispatch(name string, spec dispatchSpec, argv []string) UnwrapResult {
	leading := spec.leading
	i := 1
scan:
	for i < len(argv) {
		tok := argv[i]
		switch {
		case tok == "--":
			i++
			break scan
		case strings.HasPrefix(tok, "--"):
			flag, _, hasInline := strings.Cut(tok, "=")
			switch {
			case spec.has(spec.block, flag):
				return blocked(name, "unsupported option "+flag)
			case spec.has(spec.value, flag):
				if !hasInline {
					i++
				}
			case spec.has(spec.boolean, flag):
			default:
				return blocked(name, "unknown option "+flag)
			}
			i++
		case len(tok) > 1 && tok[0] == '-':
			if spec.numeric && isDigits(tok[1:]) {
				i++
				continue
			}
			consumed := false
			for j := 1; j < len(tok); j++ {
				flag := "-" + string(tok[j])
				switch {
				case spec.has(spec.block, flag):
					return blocked(name, "unsupported option "+flag)
				case spec.has(spec.value, flag):
					if j == len(tok)-1 {
						i++
					}
					consumed = true
				case spec.has(spec.boolean, flag):
				default:
					return blocked(name, "unknown option "+flag)
				}
				if consumed {
					break
				}
			}
			i++
		case spec.assignments && isAssignment(tok):
			if sensitiveAssignment(tok) {
				return blocked(name, "assignment to "+tok[:strings.IndexByte(tok, '=')])
			}
			i++
		case leading > 0:
			leading--
			i++
		default:
			break scan
		}
	}
	for ; leading > 0 && i < len(argv); leading-- {
		i++
	}
	if leading > 0 || i >= len(argv) {
		return blocked(name, "no command to run")
	}
	return UnwrapResult{Status: Unwrapped, Kind: Dispatch, Wrapper: name, Argv: argv[i:], AppendsArgs: spec.appendsArgs}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
