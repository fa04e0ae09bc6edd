package security

import (
	"fmt"
	"strings"
)

// shellInjectionPatterns are patterns that indicate potential shell injection.
var shellInjectionPatterns = []string{
	"$(", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r", "\x00",
}

// validateArg rejects values that could change a command's meaning if the
// template hands them to a shell or parses them as flags.
func validateArg(v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("empty argument")
	}
	if strings.HasPrefix(v, "-") {
		return fmt.Errorf("argument %q looks like a flag", v)
	}
	for _, pattern := range shellInjectionPatterns {
		if strings.Contains(v, pattern) {
			return fmt.Errorf("argument contains blocked pattern %q", pattern)
		}
	}
	return nil
}

// validateBinary checks that a binary is on the allowlist.
func validateBinary(bin string, allowedCommands []string) error {
	binary := extractBinary(bin)
	if binary == "" {
		return fmt.Errorf("empty command")
	}
	if len(allowedCommands) == 0 {
		return nil
	}
	for _, allowed := range allowedCommands {
		if allowed == "*" || binary == allowed {
			return nil
		}
	}
	return fmt.Errorf("command %q is not in the allowed list", binary)
}

// extractBinary returns the base binary name: /usr/bin/npm -> npm.
func extractBinary(bin string) string {
	bin = strings.TrimSpace(bin)
	if idx := strings.LastIndex(bin, "/"); idx >= 0 {
		bin = bin[idx+1:]
	}
	return bin
}
