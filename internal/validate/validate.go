// Package validate implements the Safety Validator (spec §4.1): a pure,
// total function from an exec block to an {Allow, Warn, Block} decision.
//
// Rule ordering and literals follow the larger of the two prototype
// implementations under _examples/original_source (orchestrator-core's
// safety.rs), reconciled against the spec's own rule table, per the
// spec's Open Question (a) that the larger/more recent surface wins where
// prototypes disagree. The ordered-rule-list shape itself is grounded on
// probe/executor/classifier.go's ClassifyCommand.
package validate

import (
	"fmt"
	"strings"

	"github.com/marcus-qen/legator/internal/protocol"
)

// Decision is the validator's verdict.
type Decision string

const (
	Allow Decision = "allow"
	Warn  Decision = "warn"
	Block Decision = "block"
)

// Result carries the decision plus accumulated warnings/violations.
type Result struct {
	Decision   Decision
	Warnings   []string
	Violations []string
}

var shellEntrypoints = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "fish": {}, "dash": {}, "ksh": {},
	"cmd": {}, "cmd.exe": {}, "powershell": {}, "pwsh": {},
}

var hardDeny = map[string]struct{}{
	"sudo": {}, "doas": {}, "shutdown": {}, "reboot": {}, "halt": {}, "poweroff": {},
	"mkfs": {}, "fdisk": {}, "parted": {}, "wipefs": {}, "dd": {}, "mount": {},
	"umount": {}, "chown": {}, "chmod": {},
}

var destructivePathTools = map[string]struct{}{
	"rm": {}, "rmdir": {}, "unlink": {}, "mv": {}, "cp": {}, "ln": {},
}

// Validate evaluates an exec block against the ordered rule set in spec §4.1.
// The first Block halts evaluation and is returned immediately; Warns and
// violations otherwise accumulate across the whole block.
func Validate(block protocol.ExecBlockSpec) Result {
	var warnings, violations []string

	if strings.TrimSpace(block.Workdir) == "" {
		return Result{Decision: Block, Violations: []string{"workdir must not be empty"}}
	}
	if len(block.Commands) == 0 {
		return Result{Decision: Block, Violations: []string{"at least one command required"}}
	}

	for _, cmd := range block.Commands {
		prog := strings.ToLower(strings.TrimSpace(cmd.Program))

		if _, isShell := shellEntrypoints[prog]; isShell && !block.AllowShell {
			violations = append(violations, fmt.Sprintf("shell entrypoint '%s' is blocked", cmd.Program))
			return Result{Decision: Block, Warnings: warnings, Violations: violations}
		}

		if isHardDenied(prog) {
			violations = append(violations, fmt.Sprintf("command '%s' is not allowed by policy", cmd.Program))
			return Result{Decision: Block, Warnings: warnings, Violations: violations}
		}

		if _, destructive := destructivePathTools[prog]; destructive {
			pathArgs := nonFlagArgs(cmd.Args)
			if prog == "rm" && len(pathArgs) == 0 {
				warnings = append(warnings, "'rm' with no target paths")
			} else {
				for _, arg := range pathArgs {
					if !isSafeRelativePath(arg) {
						violations = append(violations, fmt.Sprintf("'%s' path '%s' is not allowed", cmd.Program, arg))
						return Result{Decision: Block, Warnings: warnings, Violations: violations}
					}
				}
			}
			warnings = append(warnings, fmt.Sprintf("'%s' is audited within workdir", cmd.Program))
		}

		if prog == "git" && len(cmd.Args) > 0 {
			sub := strings.ToLower(cmd.Args[0])
			if sub == "clean" {
				violations = append(violations, "'git clean' is blocked by policy")
				return Result{Decision: Block, Warnings: warnings, Violations: violations}
			}
			if sub == "reset" && containsArg(cmd.Args, "--hard") {
				violations = append(violations, "'git reset --hard' is blocked by policy")
				return Result{Decision: Block, Warnings: warnings, Violations: violations}
			}
		}

		if cmd.Cwd != "" && !isSafeRelativePath(cmd.Cwd) {
			violations = append(violations, fmt.Sprintf("command cwd '%s' is not a safe relative path", cmd.Cwd))
			return Result{Decision: Block, Warnings: warnings, Violations: violations}
		}
	}

	if !strings.HasPrefix(block.Workdir, "/") {
		warnings = append(warnings, "workdir is not absolute: boundaries enforced lexically")
	}

	decision := Allow
	if len(warnings) > 0 {
		decision = Warn
	}
	return Result{Decision: decision, Warnings: warnings, Violations: violations}
}

func isHardDenied(prog string) bool {
	if _, ok := hardDeny[prog]; ok {
		return true
	}
	return strings.HasPrefix(prog, "mkfs.")
}

func nonFlagArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

// IsSafeRelativePath reports whether p is not absolute, contains no parent-dir
// component, and has no root/volume-prefix component (spec §4.1 "safe relative path").
func IsSafeRelativePath(p string) bool {
	return isSafeRelativePath(p)
}

func isSafeRelativePath(p string) bool {
	if p == "" {
		return false
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return false
	}
	if len(p) >= 2 && p[1] == ':' {
		return false // volume prefix, e.g. "C:"
	}
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return false
		}
	}
	return true
}
