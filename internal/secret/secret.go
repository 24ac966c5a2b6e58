// Package secret executes mujmap.toml's password_command to retrieve the
// JMAP account credential, per spec.md §6.
//
// Grounded on the teacher's own subprocess use (notmuch.New's "notmuch
// config get" call, gmailhttp.ssoTokenSource.Token's external sso
// program): run a command, capture stdout, surface a nonzero exit as
// fatal.
package secret

import (
	"bytes"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Password runs command as a subshell and returns its stdout with
// surrounding whitespace stripped. A nonzero exit is fatal; the
// subprocess's stderr is included in the returned error for diagnostics.
func Password(command string) (string, error) {
	cmd := exec.Command("sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "password_command failed: %s", strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
