package instance

import (
	"os/exec"
	"strings"
)

// BuildCommand constructs an *exec.Cmd for an opaque start/stop command string.
// It avoids invoking a shell when not necessary; when shell metacharacters are
// present the command is wrapped with /bin/sh -c.
func BuildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}
