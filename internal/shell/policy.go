// Package shell manages interactive shell sessions: per-session child
// processes, command safety filtering, streamed output, and idle eviction.
package shell

import (
	"path/filepath"
	"strings"
)

// Verdict is the result of checking one command against the safety policy.
type Verdict struct {
	Safe   bool   `json:"is_safe"`
	Reason string `json:"reason,omitempty"`
}

// Executables that are never run, matched against the first token of the
// command with any path prefix stripped.
var deniedExecutables = map[string]bool{
	"rm":       true,
	"rmdir":    true,
	"del":      true,
	"format":   true,
	"mkfs":     true,
	"dd":       true,
	"shutdown": true,
	"reboot":   true,
	"poweroff": true,
	"halt":     true,
	"sudo":     true,
	"su":       true,
	"chmod":    true,
	"chown":    true,
	"kill":     true,
	"killall":  true,
	"pkill":    true,
}

// Substrings anywhere in the command that make it unsafe regardless of the
// executable: destructive flags, redirection, chaining, and inline eval.
var dangerousPatterns = []string{
	"-rf",
	"--no-preserve-root",
	">",
	";",
	"&&",
	"||",
	"`",
	"$(",
	"eval",
	"exec",
}

// CheckCommand applies the safety policy: the first token (path stripped,
// lowercased) must not be a denied executable, and the full command must not
// contain a dangerous pattern. An allow list is intentionally not enforced;
// anything passing both checks runs.
func CheckCommand(command string) Verdict {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return Verdict{Safe: false, Reason: "empty command"}
	}

	executable := strings.ToLower(filepath.Base(fields[0]))
	if deniedExecutables[executable] {
		return Verdict{Safe: false, Reason: "blocked: " + executable}
	}

	for _, p := range dangerousPatterns {
		if strings.Contains(command, p) {
			return Verdict{Safe: false, Reason: "dangerous pattern: " + p}
		}
	}
	return Verdict{Safe: true}
}
