// internal/prompt/prompt.go

package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter is the interactive boundary the connection flow talks to. The
// core never assumes a terminal exists; headless callers substitute their
// own implementation.
type Prompter interface {
	// Password asks the operator for a secret; input is not echoed.
	Password(label string) (string, error)

	// ConfirmHostKey presents a captured host identity for trust approval.
	ConfirmHostKey(hostname, keyType, fingerprint string) (bool, error)
}

// Terminal prompts on the controlling terminal.
type Terminal struct {
	In  *os.File
	Out io.Writer
}

func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

func (t *Terminal) Password(label string) (string, error) {
	fmt.Fprintf(t.Out, "%s: ", label)
	secret, err := term.ReadPassword(int(t.In.Fd()))
	fmt.Fprintln(t.Out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %v", err)
	}
	return string(secret), nil
}

func (t *Terminal) ConfirmHostKey(hostname, keyType, fingerprint string) (bool, error) {
	fmt.Fprintf(t.Out, "The authenticity of host %s can't be established.\n", hostname)
	fmt.Fprintf(t.Out, "%s key fingerprint is %s.\n", keyType, fingerprint)
	fmt.Fprint(t.Out, "Do you trust this host and want to add it to known hosts? [y/N] ")

	reader := bufio.NewReader(t.In)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("failed to read answer: %v", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
