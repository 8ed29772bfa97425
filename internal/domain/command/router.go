package command

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
)

// Command is the routed, injection-safe result. Argv holds discrete
// argument elements for the tool's entrypoint; it is never joined into a
// shell string.
type Command struct {
	Tool         string
	Image        string
	Target       string
	Argv         []string
	SuccessCodes []int
	Timeout      time.Duration
}

// Success reports whether the exit code counts as the tool's defined
// success status.
func (c Command) Success(exitCode int) bool {
	for _, code := range c.SuccessCodes {
		if code == exitCode {
			return true
		}
	}
	return false
}

// Display renders a cosmetic command line for logs and audit records.
// It is never executed.
func (c Command) Display() string {
	parts := make([]string, 0, len(c.Argv)+1)
	parts = append(parts, c.Tool)
	for _, a := range c.Argv {
		if strings.ContainsAny(a, " \t") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Route maps {tool, target, flags} to an argv built from the tool's
// allow-listed template. Unknown tools fail with ErrUnsupportedTool,
// flags outside the allow-list with ErrRejectedFlag, bad targets with
// ErrInvalidTarget.
func Route(tool, target string, flags []string) (Command, error) {
	spec, ok := Spec(strings.ToLower(strings.TrimSpace(tool)))
	if !ok {
		return Command{}, fmt.Errorf("%w: %q (allowed: %s)", scanerr.ErrUnsupportedTool, tool, strings.Join(Tools(), ", "))
	}

	var sanitized string
	var err error
	switch spec.TargetKind {
	case TargetURL:
		sanitized, err = SanitizeTargetURL(target)
	default:
		sanitized, err = SanitizeTargetHost(target)
	}
	if err != nil {
		return Command{}, err
	}

	argv := make([]string, 0, len(spec.BaseArgs)+len(flags))
	for _, a := range spec.BaseArgs {
		if a == targetPlaceholder {
			a = sanitized
		}
		argv = append(argv, a)
	}

	for i := 0; i < len(flags); i++ {
		flag := flags[i]
		fs, ok := spec.AllowedFlags[flag]
		if !ok {
			return Command{}, fmt.Errorf("%w: %q for tool %s", scanerr.ErrRejectedFlag, flag, spec.Name)
		}
		argv = append(argv, flag)
		if fs.TakesValue {
			i++
			if i >= len(flags) {
				return Command{}, fmt.Errorf("%w: %q requires a value", scanerr.ErrRejectedFlag, flag)
			}
			value := flags[i]
			if err := checkFlagValue(value); err != nil {
				return Command{}, err
			}
			argv = append(argv, value)
		}
	}

	return Command{
		Tool:         spec.Name,
		Image:        spec.Image,
		Target:       sanitized,
		Argv:         argv,
		SuccessCodes: spec.SuccessCodes,
		Timeout:      spec.DefaultTimeout,
	}, nil
}

// checkFlagValue keeps flag values to plain option tokens: no leading
// dash (option smuggling), no whitespace, no shell metacharacters.
func checkFlagValue(value string) error {
	if value == "" || strings.HasPrefix(value, "-") {
		return fmt.Errorf("%w: value %q", scanerr.ErrRejectedFlag, value)
	}
	for _, r := range value {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: value %q", scanerr.ErrRejectedFlag, value)
		}
	}
	for _, m := range shellMeta {
		if strings.Contains(value, m) {
			return fmt.Errorf("%w: value %q", scanerr.ErrRejectedFlag, value)
		}
	}
	return nil
}
