// Package provision prepares a Linux host to run the bot behind nginx and systemd.
package provision

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
)

var (
	// ErrNotRoot is returned when a host-changing command runs without root.
	ErrNotRoot = errors.New("must be run as root")
	// ErrInvalidDomain is returned for a domain that is not a hostname.
	ErrInvalidDomain = errors.New("invalid domain")
	// ErrMissingEnv is returned when the application .env does not exist.
	ErrMissingEnv = errors.New(".env not found")
)

// hostnameRe matches a DNS hostname with at least two labels.
var hostnameRe = regexp.MustCompile(`(?i)^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z][a-z0-9-]{0,61}[a-z0-9]$`)

// Settings are the provisioner parameters read from the environment.
type Settings struct {
	AppDir      string `env:"APP_DIR" envDefault:"/opt/avito-autoanswer"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"avito-autoanswer"`
	ServiceUser string `env:"SERVICE_USER" envDefault:"root"`
	RepoURL     string `env:"REPO_URL" envDefault:"https://github.com/edgard/avito-autoanswer.git"`
	Branch      string `env:"BRANCH" envDefault:"main"`
}

// LoadSettings parses Settings from the process environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse provisioner settings: %w", err)
	}
	return s, nil
}

// RequireRoot fails with ErrNotRoot unless euid is 0.
func RequireRoot(euid int) error {
	if euid != 0 {
		return fmt.Errorf("%w (euid %d)", ErrNotRoot, euid)
	}
	return nil
}

// NormalizeDomain returns the lowercased host part of domain and validates it
// as a hostname.
func NormalizeDomain(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimRight(d, "/")
	if len(d) > 253 || !hostnameRe.MatchString(d) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return d, nil
}
