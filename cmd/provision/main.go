// Package main contains the host provisioning tool for the Avito autoanswer bot.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/edgard/avito-autoanswer/internal/logger"
	"github.com/edgard/avito-autoanswer/internal/provision"
)

const usage = `usage: provision COMMAND [ARGS]

commands:
  install [--email EMAIL] [--skip-packages] [DOMAIN]   full host setup
  nginx [DOMAIN]                                       write and reload the nginx site
  systemd                                              write the systemd unit
  env PUBLIC_BASE_URL URL                              set the public URL in the app .env
  webhook [DOMAIN]                                     set PUBLIC_BASE_URL and restart
  workflow                                             print the deploy workflow

settings: APP_DIR, SERVICE_NAME, SERVICE_USER, REPO_URL, BRANCH
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Geteuid)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, euid func() int) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	settings, err := provision.LoadSettings()
	if err != nil {
		fmt.Fprintf(stderr, "provision: %v\n", err)
		return 1
	}
	log := logger.New(stderr, "info", false)
	inst := &provision.Installer{
		Settings: settings,
		Runner:   provision.ExecRunner{Stdout: stdout, Stderr: stderr, Logger: log},
		Logger:   log,
		Euid:     euid,
	}
	c := &cli{inst: inst, in: bufio.NewReader(stdin), out: stdout, euid: euid}

	if err := c.dispatch(ctx, args[0], args[1:]); err != nil {
		fmt.Fprintf(stderr, "provision: %v\n", err)
		switch {
		case errors.Is(err, provision.ErrNotRoot):
			return 2
		case errors.Is(err, errUsage):
			fmt.Fprint(stderr, usage)
			return 2
		}
		return 1
	}
	return 0
}

type cli struct {
	inst *provision.Installer
	in   *bufio.Reader
	out  io.Writer
	euid func() int
}

func (c *cli) dispatch(ctx context.Context, name string, args []string) error {
	// workflow only prints, everything else changes the host.
	if name != "workflow" {
		if err := provision.RequireRoot(c.euid()); err != nil {
			return err
		}
	}

	switch name {
	case "install":
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		email := fs.String("email", "", "certbot account email; empty skips TLS")
		skipPackages := fs.Bool("skip-packages", false, "skip apt")
		if err := fs.Parse(args); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		domain, err := c.domain(fs.Args())
		if err != nil {
			return err
		}
		return c.inst.Install(ctx, provision.Options{Domain: domain, Email: *email, SkipPackages: *skipPackages})
	case "nginx":
		domain, err := c.domain(args)
		if err != nil {
			return err
		}
		return c.inst.InstallNginx(ctx, domain)
	case "systemd":
		return c.inst.InstallUnit(ctx)
	case "env":
		if len(args) != 2 {
			return fmt.Errorf("%w: env PUBLIC_BASE_URL URL", errUsage)
		}
		if args[0] != "PUBLIC_BASE_URL" {
			return fmt.Errorf("%w: only PUBLIC_BASE_URL can be set, edit %s for %s", errUsage, c.inst.Settings.AppDir+"/.env", args[0])
		}
		baseURL, err := publicURL(args[1])
		if err != nil {
			return err
		}
		changed, err := c.inst.SetPublicURL(ctx, baseURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "PUBLIC_BASE_URL updated: %v\n", changed)
		return nil
	case "webhook":
		domain, err := c.domain(args)
		if err != nil {
			return err
		}
		d, err := provision.NormalizeDomain(domain)
		if err != nil {
			return err
		}
		changed, err := c.inst.SetPublicURL(ctx, "https://"+d)
		if err != nil {
			return err
		}
		if changed {
			if err := c.inst.Restart(ctx); err != nil {
				return err
			}
		}
		fmt.Fprintf(c.out, "Webhook URL: https://%s/avito/webhook\nRun `avitoctl subscribe` to register it with Avito.\n", d)
		return nil
	case "workflow":
		wf, err := provision.RenderWorkflow(provision.Workflow{
			Branch:      c.inst.Settings.Branch,
			AppDir:      c.inst.Settings.AppDir,
			ServiceName: c.inst.Settings.ServiceName,
			SSHUser:     c.inst.Settings.ServiceUser,
		})
		if err != nil {
			return err
		}
		_, err = io.WriteString(c.out, wf)
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

// domain takes the domain from args or prompts for it.
func (c *cli) domain(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	fmt.Fprint(c.out, "Domain (e.g. bot.example.com): ")
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read domain: %w", err)
	}
	if line = strings.TrimSpace(line); line == "" {
		return "", fmt.Errorf("%w: a domain is required", errUsage)
	}
	return line, nil
}

// publicURL validates an http(s) base URL with a public hostname.
func publicURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an http(s) URL", errUsage, raw)
	}
	host, err := provision.NormalizeDomain(u.Host)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + host, nil
}
