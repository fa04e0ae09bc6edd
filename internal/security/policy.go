// Package security vets what remediation handlers derive from untrusted log
// text: the paths they create or chmod, the binaries they run and the values
// substituted into command templates.
package security

import (
	"errors"
	"fmt"
)

// ErrDenied wraps every policy refusal.
var ErrDenied = errors.New("security: denied")

// Policy restricts remediation side effects.
type Policy struct {
	// AllowedRoots confines path changes when non-empty.
	AllowedRoots []string

	// ForbiddenPaths are never touched, whatever AllowedRoots says.
	ForbiddenPaths []string

	// AllowedCommands lists binaries (base names) handlers may run. Empty or
	// "*" allows any configured command.
	AllowedCommands []string
}

// DefaultForbiddenPaths are system and credential locations.
var DefaultForbiddenPaths = []string{
	"/etc", "/boot", "/proc", "/sys", "/dev", "/bin", "/sbin", "/usr",
	"~/.ssh", "~/.gnupg", "~/.aws",
}

// DefaultPolicy returns a policy that forbids system paths and allows any
// configured command.
func DefaultPolicy() *Policy {
	return &Policy{ForbiddenPaths: DefaultForbiddenPaths}
}

// CheckPath reports whether path may be created or modified.
func (p *Policy) CheckPath(path string) error {
	if err := validatePath(path, p.ForbiddenPaths, p.AllowedRoots); err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	return nil
}

// CheckCommand reports whether argv's binary may be run.
func (p *Policy) CheckCommand(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("%w: empty command", ErrDenied)
	}
	if err := validateBinary(argv[0], p.AllowedCommands); err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	return nil
}

// CheckArg reports whether a value taken from log text is safe to substitute
// into a command template.
func (p *Policy) CheckArg(value string) error {
	if err := validateArg(value); err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	return nil
}
