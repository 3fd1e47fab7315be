package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// certbotMarker tags the lines certbot adds to an nginx site.
const certbotMarker = "# managed by Certbot"

// Packages are the apt packages the host needs.
var Packages = []string{"git", "golang-go", "nginx", "certbot", "python3-certbot-nginx", "ufw", "rsync"}

// Runner executes a host command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec, streaming their output.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	if r.Logger != nil {
		r.Logger.InfoContext(ctx, "Running command", "command", name+" "+strings.Join(args, " "))
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout, cmd.Stderr = r.Stdout, r.Stderr
	cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Options are the per-run installer inputs.
type Options struct {
	Domain string
	// Email enables certbot when set.
	Email string
	// SkipPackages skips apt.
	SkipPackages bool
}

// Installer applies the provisioning steps to the host.
type Installer struct {
	Settings Settings
	Runner   Runner
	Logger   *slog.Logger
	// Euid returns the effective user id. Defaults to os.Geteuid.
	Euid func() int
	// Root prefixes every file path the installer writes. Empty means "/".
	Root string
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// Install runs every step in order and stops at the first failure.
func (i *Installer) Install(ctx context.Context, opts Options) error {
	if err := i.requireRoot(); err != nil {
		return fmt.Errorf("step %q: %w", "root check", err)
	}
	domain, err := NormalizeDomain(opts.Domain)
	if err != nil {
		return err
	}

	steps := []step{
		{"packages", func(ctx context.Context) error {
			if opts.SkipPackages {
				return nil
			}
			return i.packages(ctx)
		}},
		{"checkout", i.checkout},
		{"build", i.build},
		{"env file", func(context.Context) error { return i.requireEnv() }},
		{"systemd unit", i.InstallUnit},
		{"nginx site", func(ctx context.Context) error { return i.InstallNginx(ctx, domain) }},
		{"certificate", func(ctx context.Context) error {
			if opts.Email == "" {
				i.logger().InfoContext(ctx, "No email given, skipping certbot")
				return nil
			}
			return i.certificate(ctx, domain, opts.Email)
		}},
		{"firewall", i.firewall},
		{"public url", func(ctx context.Context) error {
			scheme := "http"
			if opts.Email != "" || i.hasTLS(domain) {
				scheme = "https"
			}
			_, err := i.SetPublicURL(ctx, scheme+"://"+domain)
			return err
		}},
		{"service", i.restart},
	}

	log := i.logger()
	for n, s := range steps {
		start := time.Now()
		log.InfoContext(ctx, "Provisioning step", "step", s.name, "index", n+1, "total", len(steps))
		if err := s.run(ctx); err != nil {
			log.ErrorContext(ctx, "Provisioning step failed", "step", s.name, "error", err)
			return fmt.Errorf("step %q: %w", s.name, err)
		}
		log.DebugContext(ctx, "Provisioning step done", "step", s.name, "duration", time.Since(start))
	}
	log.InfoContext(ctx, "Provisioning complete", "domain", domain, "service", i.Settings.ServiceName)
	return nil
}

// InstallUnit writes the systemd unit and reloads systemd when it changed.
func (i *Installer) InstallUnit(ctx context.Context) error {
	unit, err := RenderSystemdUnit(Unit{
		Name:   i.Settings.ServiceName,
		User:   i.Settings.ServiceUser,
		AppDir: i.Settings.AppDir,
		Binary: i.binary(),
	})
	if err != nil {
		return err
	}
	changed, err := EnsureFile(i.path("/etc/systemd/system", i.Settings.ServiceName+".service"), unit, 0o644)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return i.Runner.Run(ctx, "systemctl", "daemon-reload")
}

// InstallNginx writes and enables the site, then tests and reloads nginx. A
// site certbot already edited for domain is left in place. A freshly written
// site gets an existing certificate reinstalled.
func (i *Installer) InstallNginx(ctx context.Context, domain string) error {
	name := i.Settings.ServiceName
	changed := false
	if i.siteManagedByCertbot(domain) {
		i.logger().InfoContext(ctx, "Nginx site managed by certbot, keeping it", "domain", domain)
	} else {
		site, err := RenderNginx(domain)
		if err != nil {
			return err
		}
		if changed, err = EnsureFile(i.sitePath(), site, 0o644); err != nil {
			return err
		}
	}
	if err := i.Runner.Run(ctx, "ln", "-sfn", "/etc/nginx/sites-available/"+name, "/etc/nginx/sites-enabled/"+name); err != nil {
		return err
	}
	if changed && i.hasCertificate(domain) {
		if err := i.Runner.Run(ctx, "certbot", "install", "--nginx", "--cert-name", domain,
			"--non-interactive", "--redirect"); err != nil {
			return err
		}
	}
	if err := i.Runner.Run(ctx, "nginx", "-t"); err != nil {
		return err
	}
	return i.Runner.Run(ctx, "systemctl", "reload", "nginx")
}

// SetPublicURL stores PUBLIC_BASE_URL in the application .env and reports
// whether it changed. An https URL for the same host is never replaced by
// its http form.
func (i *Installer) SetPublicURL(ctx context.Context, baseURL string) (bool, error) {
	if err := i.requireEnv(); err != nil {
		return false, err
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if current := i.publicURL(); strings.HasPrefix(baseURL, "http://") &&
		current == "https://"+strings.TrimPrefix(baseURL, "http://") {
		i.logger().InfoContext(ctx, "Keeping https PUBLIC_BASE_URL", "value", current)
		return false, nil
	}
	changed, err := UpsertEnv(i.envPath(), "PUBLIC_BASE_URL", baseURL)
	if err != nil {
		return false, err
	}
	i.logger().InfoContext(ctx, "PUBLIC_BASE_URL updated", "value", baseURL, "changed", changed)
	return changed, nil
}

// Restart restarts the service.
func (i *Installer) Restart(ctx context.Context) error {
	return i.Runner.Run(ctx, "systemctl", "restart", i.Settings.ServiceName)
}

func (i *Installer) requireRoot() error {
	euid := os.Geteuid
	if i.Euid != nil {
		euid = i.Euid
	}
	return RequireRoot(euid())
}

func (i *Installer) packages(ctx context.Context) error {
	if err := i.Runner.Run(ctx, "apt-get", "update"); err != nil {
		return err
	}
	return i.Runner.Run(ctx, "apt-get", append([]string{"install", "-y"}, Packages...)...)
}

func (i *Installer) checkout(ctx context.Context) error {
	dir, branch := i.Settings.AppDir, i.Settings.Branch
	if _, err := os.Stat(i.path(dir)); errors.Is(err, os.ErrNotExist) {
		return i.Runner.Run(ctx, "git", "clone", "--branch", branch, i.Settings.RepoURL, dir)
	}

	// An existing directory may hold only the operator's .env.
	if _, err := os.Stat(i.path(dir, ".git")); errors.Is(err, os.ErrNotExist) {
		if err := i.Runner.Run(ctx, "git", "-C", dir, "init", "-q"); err != nil {
			return err
		}
		if err := i.Runner.Run(ctx, "git", "-C", dir, "remote", "add", "origin", i.Settings.RepoURL); err != nil {
			return err
		}
	}
	if err := i.Runner.Run(ctx, "git", "-C", dir, "fetch", "origin", branch); err != nil {
		return err
	}
	return i.Runner.Run(ctx, "git", "-C", dir, "reset", "--hard", "origin/"+branch)
}

func (i *Installer) build(ctx context.Context) error {
	return i.Runner.Run(ctx, "go", "-C", i.Settings.AppDir, "build", "-o", i.binary(), "./cmd/bot")
}

func (i *Installer) requireEnv() error {
	if _, err := os.Stat(i.envPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w at %s: create it before provisioning", ErrMissingEnv, filepath.Join(i.Settings.AppDir, ".env"))
		}
		return err
	}
	return nil
}

func (i *Installer) certificate(ctx context.Context, domain, email string) error {
	return i.Runner.Run(ctx, "certbot", "--nginx", "-d", domain,
		"--non-interactive", "--agree-tos", "-m", email, "--redirect")
}

// hasTLS reports whether certbot has already set up TLS for domain.
func (i *Installer) hasTLS(domain string) bool {
	return i.hasCertificate(domain) || i.siteManagedByCertbot(domain)
}

func (i *Installer) hasCertificate(domain string) bool {
	_, err := os.Stat(i.path("/etc/letsencrypt/live", domain))
	return err == nil
}

func (i *Installer) siteManagedByCertbot(domain string) bool {
	data, err := os.ReadFile(i.sitePath())
	if err != nil {
		return false
	}
	return bytes.Contains(data, []byte(certbotMarker)) &&
		bytes.Contains(data, []byte("server_name "+domain+";"))
}

func (i *Installer) publicURL() string {
	env, err := godotenv.Read(i.envPath())
	if err != nil {
		return ""
	}
	return strings.TrimRight(env["PUBLIC_BASE_URL"], "/")
}

func (i *Installer) firewall(ctx context.Context) error {
	for _, args := range [][]string{
		{"allow", "OpenSSH"},
		{"allow", "Nginx Full"},
		{"--force", "enable"},
	} {
		if err := i.Runner.Run(ctx, "ufw", args...); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) restart(ctx context.Context) error {
	if err := i.Runner.Run(ctx, "systemctl", "enable", i.Settings.ServiceName); err != nil {
		return err
	}
	return i.Restart(ctx)
}

func (i *Installer) binary() string {
	return filepath.Join(i.Settings.AppDir, "bin", i.Settings.ServiceName)
}

func (i *Installer) sitePath() string {
	return i.path("/etc/nginx/sites-available", i.Settings.ServiceName)
}

func (i *Installer) envPath() string {
	return i.path(i.Settings.AppDir, ".env")
}

func (i *Installer) path(parts ...string) string {
	root := i.Root
	if root == "" {
		root = "/"
	}
	return filepath.Join(append([]string{root}, parts...)...)
}

func (i *Installer) logger() *slog.Logger {
	if i.Logger == nil {
		return slog.Default().With("component", "provision")
	}
	return i.Logger.With("component", "provision")
}
