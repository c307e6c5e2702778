package profile

import (
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName rejects names that cannot be used as a profile directory or
// that would be read as a flag on the command line.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("profile name is empty")
	}
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: use up to 64 lowercase letters, digits, '-' or '_', starting with a letter or digit", name)
	}
	return nil
}
