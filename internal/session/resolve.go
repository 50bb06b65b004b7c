package session

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/matheus3301/parley/internal/config"
)

const (
	DefaultSessionName = "main"
	// EnvSession selects the session when no --session flag is given.
	EnvSession = "PARLEY_SESSION"

	// Names end up in the socket path, which Unix caps at about 104 bytes.
	maxNameLen = 32
)

var ErrInvalidName = errors.New("invalid session name")

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Resolve picks the session name: the --session flag, then $PARLEY_SESSION,
// then default_session from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv(EnvSession); name != "" {
		return name
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// ValidateName rejects names that are unsafe as a directory name.
func ValidateName(name string) error {
	if len(name) > maxNameLen || !namePattern.MatchString(name) {
		return fmt.Errorf("%w %q: up to %d of a-z, 0-9, '-' and '_', not starting with a separator", ErrInvalidName, name, maxNameLen)
	}
	return nil
}
