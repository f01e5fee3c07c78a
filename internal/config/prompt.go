package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/drover-project/drover/internal/types"
)

// Prompter supplies the two input primitives interactive resolution needs.
// Tests substitute their own functions; the terminal prompter reads lines
// from stdin and secrets with echo disabled.
type Prompter struct {
	ReadLine   func(prompt string) (string, error)
	ReadSecret func(prompt string) (string, error)
}

// NewTerminalPrompter builds a prompter bound to the controlling terminal
func NewTerminalPrompter() *Prompter {
	stdin := bufio.NewReader(os.Stdin)
	return &Prompter{
		ReadLine: func(prompt string) (string, error) {
			fmt.Fprint(os.Stderr, prompt)
			line, err := stdin.ReadString('\n')
			if err != nil {
				return "", err
			}
			return strings.TrimRight(line, "\r\n"), nil
		},
		ReadSecret: func(prompt string) (string, error) {
			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				return "", types.NewError(types.ErrConfiguration,
					"no terminal available for the password prompt")
			}
			fmt.Fprint(os.Stderr, prompt)
			secret, err := term.ReadPassword(fd)
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return "", err
			}
			return string(secret), nil
		},
	}
}

// PromptMissing fills in the interactively promptable fields, in a fixed
// order. Kerberos sessions never prompt for a password: the negotiation
// layer does not use one.
func PromptMissing(s Settings, p *Prompter) (Settings, error) {
	prompts := []struct {
		needed func(Settings) bool
		ask    func() (string, error)
		assign func(*Settings, string)
	}{
		{
			needed: func(s Settings) bool { return s.User == "" },
			ask:    func() (string, error) { return p.ReadLine("Username: ") },
			assign: func(s *Settings, v string) { s.User = v },
		},
		{
			needed: func(s Settings) bool { return s.Password == "" && s.Eauth != "kerberos" },
			ask:    func() (string, error) { return p.ReadSecret("Password: ") },
			assign: func(s *Settings, v string) { s.Password = v },
		},
	}

	for _, prompt := range prompts {
		if !prompt.needed(s) {
			continue
		}
		value, err := prompt.ask()
		if err != nil {
			return s, err
		}
		prompt.assign(&s, value)
	}

	return s, nil
}
