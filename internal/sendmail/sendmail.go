// Package sendmail shells out to a sendmail-compatible submission command,
// the "out of scope (external collaborator)" surface spec.md §1/§6 names
// for the send subcommand: mujmap itself never speaks SMTP or JMAP
// EmailSubmission.
//
// Grounded on the same subprocess idiom as internal/secret.Password.
package sendmail

import (
	"bytes"
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// DefaultCommand matches most systems' local MTA entrypoint.
const DefaultCommand = "sendmail -t"

// Send runs command as a subshell, piping msg to its stdin. A nonzero exit
// is fatal; the subprocess's stderr is surfaced in diagnostics.
func Send(command string, msg io.Reader) error {
	if command == "" {
		command = DefaultCommand
	}
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdin = msg
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "send_command failed: %s", strings.TrimSpace(stderr.String()))
	}
	return nil
}
