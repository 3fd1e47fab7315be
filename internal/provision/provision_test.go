package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/edgard/avito-autoanswer/internal/logger"
)

type fakeRunner struct {
	calls  []string
	failOn string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	call := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, call)
	if f.failOn != "" && strings.HasPrefix(call, f.failOn) {
		return errors.New("exit status 1")
	}
	return nil
}

func TestRequireRoot(t *testing.T) {
	t.Parallel()
	if err := RequireRoot(0); err != nil {
		t.Errorf("RequireRoot(0) = %v", err)
	}
	if err := RequireRoot(1000); !errors.Is(err, ErrNotRoot) {
		t.Errorf("RequireRoot(1000) = %v, want ErrNotRoot", err)
	}
}

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "bot.example.com", want: "bot.example.com"},
		{in: "  Bot.Example.COM ", want: "bot.example.com"},
		{in: "https://bot.example.com/", want: "bot.example.com"},
		{in: "a-b.c-d.ru", want: "a-b.c-d.ru"},
		{in: "", wantErr: true},
		{in: "localhost", wantErr: true},
		{in: "bot.example.com:8443", wantErr: true},
		{in: "bot.example.com; rm -rf /", wantErr: true},
		{in: "-bad.example.com", wantErr: true},
		{in: "bot.example.com/path", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeDomain(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidDomain) {
				t.Errorf("NormalizeDomain(%q) error = %v, want ErrInvalidDomain", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("NormalizeDomain(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestRenderNginxAlwaysProxiesToLocalPort(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		domain := rapid.StringMatching(`[a-z][a-z0-9]{0,12}(\.[a-z0-9]{1,8}){0,2}\.[a-z]{2,6}`).Draw(t, "domain")

		conf, err := RenderNginx(domain)
		if err != nil {
			t.Fatalf("RenderNginx(%q) error = %v", domain, err)
		}
		if !strings.Contains(conf, "server_name "+domain+";") {
			t.Fatalf("server_name missing for %q", domain)
		}
		for _, line := range strings.Split(conf, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "proxy_pass ") && line != "proxy_pass http://127.0.0.1:8080;" {
				t.Fatalf("unexpected upstream %q", line)
			}
		}
		if n := strings.Count(conf, "proxy_pass http://127.0.0.1:8080;"); n != 3 {
			t.Fatalf("proxy_pass count = %d, want 3", n)
		}
	})
}

func TestRenderNginxRoutes(t *testing.T) {
	t.Parallel()
	conf, err := RenderNginx("bot.example.com")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"location = /health", "location /avito/webhook", "location / {"} {
		if !strings.Contains(conf, want) {
			t.Errorf("config missing %q", want)
		}
	}
	if _, err := RenderNginx("not a domain"); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("RenderNginx(invalid) error = %v", err)
	}
}

func TestRenderSystemdUnit(t *testing.T) {
	t.Parallel()
	unit, err := RenderSystemdUnit(Unit{Name: "avito-bot", AppDir: "/opt/app"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"Restart=always",
		"EnvironmentFile=/opt/app/.env",
		"WorkingDirectory=/opt/app",
		"ExecStart=/opt/app/bin/avito-bot -env /opt/app/.env",
		"User=root",
		"WantedBy=multi-user.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
	if _, err := RenderSystemdUnit(Unit{Name: "x"}); err == nil {
		t.Error("RenderSystemdUnit without app dir: error = nil")
	}
}

func TestRenderWorkflow(t *testing.T) {
	t.Parallel()
	wf, err := RenderWorkflow(Workflow{Branch: "prod", AppDir: "/opt/app", ServiceName: "avito-bot"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`branches: [ "prod" ]`,
		"${{ secrets.SSH_PRIVATE_KEY }}",
		"${{ secrets.SERVER_HOST }}",
		"rsync -az --delete",
		"root@${{ secrets.SERVER_HOST }}:/opt/app/",
		"systemctl restart avito-bot",
	} {
		if !strings.Contains(wf, want) {
			t.Errorf("workflow missing %q", want)
		}
	}
}

func TestUpsertEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		initial     *string
		key, value  string
		want        string
		wantChanged bool
	}{
		{
			name:        "appends and keeps comments",
			initial:     ptr("# bot\nTELEGRAM_BOT_TOKEN=123:abc\n\nADMINS=1,2"),
			key:         "PUBLIC_BASE_URL",
			value:       "https://bot.example.com",
			want:        "# bot\nTELEGRAM_BOT_TOKEN=123:abc\n\nADMINS=1,2\nPUBLIC_BASE_URL=https://bot.example.com\n",
			wantChanged: true,
		},
		{
			name:        "replaces in place",
			initial:     ptr("A=1\nPUBLIC_BASE_URL=http://old\n# tail\n"),
			key:         "PUBLIC_BASE_URL",
			value:       "https://new",
			want:        "A=1\nPUBLIC_BASE_URL=https://new\n# tail\n",
			wantChanged: true,
		},
		{
			name:        "drops duplicate definitions",
			initial:     ptr("export PUBLIC_BASE_URL=a\nB=2\nPUBLIC_BASE_URL=b\n"),
			key:         "PUBLIC_BASE_URL",
			value:       "c",
			want:        "PUBLIC_BASE_URL=c\nB=2\n",
			wantChanged: true,
		},
		{
			name:    "unchanged value",
			initial: ptr("A=1\nPUBLIC_BASE_URL=\"https://same\"\n"),
			key:     "PUBLIC_BASE_URL",
			value:   "https://same",
			want:    "A=1\nPUBLIC_BASE_URL=\"https://same\"\n",
		},
		{
			name:        "quotes values with spaces",
			initial:     ptr("A=1\n"),
			key:         "NAME",
			value:       `Иван "Петров"`,
			want:        "A=1\nNAME=\"Иван \\\"Петров\\\"\"\n",
			wantChanged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), ".env")
			if err := os.WriteFile(path, []byte(*tt.initial), 0o640); err != nil {
				t.Fatal(err)
			}

			changed, err := UpsertEnv(path, tt.key, tt.value)
			if err != nil {
				t.Fatalf("UpsertEnv() error = %v", err)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}
			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("file = %q, want %q", got, tt.want)
			}
			if fi, _ := os.Stat(path); fi.Mode().Perm() != 0o640 {
				t.Errorf("mode = %v, want 0640", fi.Mode().Perm())
			}
		})
	}

	if _, err := UpsertEnv(filepath.Join(t.TempDir(), ".env"), "BAD KEY", "x"); err == nil {
		t.Error("UpsertEnv(invalid key) error = nil")
	}
}

func TestUpsertEnvRequiresExistingFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".env")

	changed, err := UpsertEnv(path, "PUBLIC_BASE_URL", "https://bot.example.com")
	if !errors.Is(err, ErrMissingEnv) || changed {
		t.Fatalf("UpsertEnv(missing) = %v, %v, want ErrMissingEnv", changed, err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("UpsertEnv created the missing file")
	}
}

func TestUpsertEnvIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rapid.Check(t, func(t *rapid.T) {
		value := rapid.StringMatching(`[A-Za-z0-9:/._ #-]{0,30}`).Draw(t, "value")
		path := filepath.Join(dir, rapid.StringMatching(`[a-z]{8}`).Draw(t, "file")+".env")
		if err := os.WriteFile(path, []byte("# keep\nA=1\n"), 0o600); err != nil {
			t.Fatal(err)
		}

		if _, err := UpsertEnv(path, "PUBLIC_BASE_URL", value); err != nil {
			t.Fatalf("first UpsertEnv() error = %v", err)
		}
		first, _ := os.ReadFile(path)
		changed, err := UpsertEnv(path, "PUBLIC_BASE_URL", value)
		if err != nil {
			t.Fatalf("second UpsertEnv() error = %v", err)
		}
		second, _ := os.ReadFile(path)
		if changed || string(first) != string(second) {
			t.Fatalf("second run changed the file: %q -> %q", first, second)
		}
		if !strings.HasPrefix(string(second), "# keep\nA=1\n") {
			t.Fatalf("existing lines not kept: %q", second)
		}
	})
}

func TestEnsureFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "etc", "site.conf")

	changed, err := EnsureFile(path, "v1", 0o644)
	if err != nil || !changed {
		t.Fatalf("first EnsureFile() = %v, %v", changed, err)
	}
	changed, err = EnsureFile(path, "v1", 0o644)
	if err != nil || changed {
		t.Fatalf("EnsureFile() with same content = %v, %v", changed, err)
	}
	changed, err = EnsureFile(path, "v2", 0o644)
	if err != nil || !changed {
		t.Fatalf("EnsureFile() with new content = %v, %v", changed, err)
	}
	if got, _ := os.ReadFile(path); string(got) != "v2" {
		t.Errorf("content = %q", got)
	}
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("APP_DIR", "/srv/bot")
	t.Setenv("BRANCH", "prod")

	s, err := LoadSettings()
	if err != nil {
		t.Fatal(err)
	}
	if s.AppDir != "/srv/bot" || s.Branch != "prod" || s.ServiceName != "avito-autoanswer" {
		t.Errorf("settings = %+v", s)
	}
}

const testAppDir = "/opt/app"

func newTestInstaller(t *testing.T, runner *fakeRunner, withEnv bool) *Installer {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, testAppDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if withEnv {
		if err := os.WriteFile(filepath.Join(root, testAppDir, ".env"), []byte("TELEGRAM_BOT_TOKEN=1:x\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return &Installer{
		Settings: Settings{
			AppDir:      testAppDir,
			ServiceName: "avito-bot",
			ServiceUser: "root",
			RepoURL:     "https://example.com/repo.git",
			Branch:      "main",
		},
		Runner: runner,
		Logger: logger.Discard(),
		Euid:   func() int { return 0 },
		Root:   root,
	}
}

func TestInstall(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	inst := newTestInstaller(t, runner, true)
	opts := Options{Domain: "bot.example.com", Email: "ops@example.com"}

	if err := inst.Install(context.Background(), opts); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	want := []string{
		"apt-get update",
		"apt-get install -y " + strings.Join(Packages, " "),
		"git -C /opt/app init -q",
		"git -C /opt/app remote add origin https://example.com/repo.git",
		"git -C /opt/app fetch origin main",
		"git -C /opt/app reset --hard origin/main",
		"go -C /opt/app build -o /opt/app/bin/avito-bot ./cmd/bot",
		"systemctl daemon-reload",
		"ln -sfn /etc/nginx/sites-available/avito-bot /etc/nginx/sites-enabled/avito-bot",
		"nginx -t",
		"systemctl reload nginx",
		"certbot --nginx -d bot.example.com --non-interactive --agree-tos -m ops@example.com --redirect",
		"ufw allow OpenSSH",
		"ufw allow Nginx Full",
		"ufw --force enable",
		"systemctl enable avito-bot",
		"systemctl restart avito-bot",
	}
	if !slices.Equal(runner.calls, want) {
		t.Errorf("calls =\n%s\nwant\n%s", strings.Join(runner.calls, "\n"), strings.Join(want, "\n"))
	}

	env, err := os.ReadFile(filepath.Join(inst.Root, testAppDir, ".env"))
	if err != nil {
		t.Fatal(err)
	}
	if string(env) != "TELEGRAM_BOT_TOKEN=1:x\nPUBLIC_BASE_URL=https://bot.example.com\n" {
		t.Errorf(".env = %q", env)
	}
	for _, p := range []string{"etc/systemd/system/avito-bot.service", "etc/nginx/sites-available/avito-bot"} {
		if _, err := os.Stat(filepath.Join(inst.Root, p)); err != nil {
			t.Errorf("%s not written: %v", p, err)
		}
	}

	// A second run leaves the configuration alone.
	runner.calls = nil
	if err := inst.Install(context.Background(), opts); err != nil {
		t.Fatalf("second Install() error = %v", err)
	}
	if slices.Contains(runner.calls, "systemctl daemon-reload") {
		t.Error("unchanged unit reloaded systemd")
	}
	again, _ := os.ReadFile(filepath.Join(inst.Root, testAppDir, ".env"))
	if string(again) != string(env) {
		t.Errorf(".env changed on re-run: %q", again)
	}
}

func TestInstallWithoutEmailUsesHTTP(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	inst := newTestInstaller(t, runner, true)
	if err := os.MkdirAll(filepath.Join(inst.Root, testAppDir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := inst.Install(context.Background(), Options{Domain: "bot.example.com", SkipPackages: true}); err != nil {
		t.Fatal(err)
	}
	for _, c := range runner.calls {
		if strings.HasPrefix(c, "certbot") || strings.HasPrefix(c, "apt-get") || strings.Contains(c, " init ") {
			t.Errorf("unexpected call %q", c)
		}
	}
	env, _ := os.ReadFile(filepath.Join(inst.Root, testAppDir, ".env"))
	if !strings.Contains(string(env), "PUBLIC_BASE_URL=http://bot.example.com\n") {
		t.Errorf(".env = %q", env)
	}
}

func TestInstallKeepsCertbotTLS(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	inst := newTestInstaller(t, runner, true)
	ctx := context.Background()

	if err := inst.Install(ctx, Options{Domain: "bot.example.com", Email: "ops@example.com", SkipPackages: true}); err != nil {
		t.Fatal(err)
	}

	// certbot --nginx edits the site in place.
	site := filepath.Join(inst.Root, "etc/nginx/sites-available/avito-bot")
	f, err := os.OpenFile(site, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("    listen 443 ssl; # managed by Certbot\n"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	edited, _ := os.ReadFile(site)

	runner.calls = nil
	if err := inst.Install(ctx, Options{Domain: "bot.example.com", SkipPackages: true}); err != nil {
		t.Fatalf("second Install() error = %v", err)
	}
	got, _ := os.ReadFile(site)
	if string(got) != string(edited) {
		t.Errorf("site rewritten:\n%s", got)
	}
	env, _ := os.ReadFile(filepath.Join(inst.Root, testAppDir, ".env"))
	if !strings.Contains(string(env), "PUBLIC_BASE_URL=https://bot.example.com\n") {
		t.Errorf(".env = %q, want https kept", env)
	}
	for _, c := range runner.calls {
		if strings.HasPrefix(c, "certbot") {
			t.Errorf("unexpected call %q", c)
		}
	}

	// provision nginx goes through the same path.
	if err := inst.InstallNginx(ctx, "bot.example.com"); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(site); string(got) != string(edited) {
		t.Error("InstallNginx rewrote the certbot site")
	}
}

func TestInstallNginxReinstallsCertificate(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	inst := newTestInstaller(t, runner, true)
	if err := os.MkdirAll(filepath.Join(inst.Root, "etc/letsencrypt/live/bot.example.com"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := inst.InstallNginx(context.Background(), "bot.example.com"); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"ln -sfn /etc/nginx/sites-available/avito-bot /etc/nginx/sites-enabled/avito-bot",
		"certbot install --nginx --cert-name bot.example.com --non-interactive --redirect",
		"nginx -t",
		"systemctl reload nginx",
	}
	if !slices.Equal(runner.calls, want) {
		t.Errorf("calls =\n%s\nwant\n%s", strings.Join(runner.calls, "\n"), strings.Join(want, "\n"))
	}

	// An unchanged site does not trigger certbot again.
	runner.calls = nil
	if err := inst.InstallNginx(context.Background(), "bot.example.com"); err != nil {
		t.Fatal(err)
	}
	if slices.ContainsFunc(runner.calls, func(c string) bool { return strings.HasPrefix(c, "certbot") }) {
		t.Errorf("calls = %v", runner.calls)
	}

	if err := inst.Install(context.Background(), Options{Domain: "bot.example.com", SkipPackages: true}); err != nil {
		t.Fatal(err)
	}
	env, _ := os.ReadFile(filepath.Join(inst.Root, testAppDir, ".env"))
	if !strings.Contains(string(env), "PUBLIC_BASE_URL=https://bot.example.com\n") {
		t.Errorf(".env = %q, want https with an existing certificate", env)
	}
}

func TestSetPublicURLNeverDowngrades(t *testing.T) {
	t.Parallel()
	inst := newTestInstaller(t, &fakeRunner{}, true)
	ctx := context.Background()
	envPath := filepath.Join(inst.Root, testAppDir, ".env")

	if _, err := inst.SetPublicURL(ctx, "https://bot.example.com/"); err != nil {
		t.Fatal(err)
	}
	changed, err := inst.SetPublicURL(ctx, "http://bot.example.com")
	if err != nil || changed {
		t.Fatalf("SetPublicURL(http) = %v, %v, want unchanged", changed, err)
	}
	if env, _ := os.ReadFile(envPath); !strings.Contains(string(env), "PUBLIC_BASE_URL=https://bot.example.com\n") {
		t.Errorf(".env = %q", env)
	}

	// A different host is a real change.
	if changed, err := inst.SetPublicURL(ctx, "http://other.example.com"); err != nil || !changed {
		t.Errorf("SetPublicURL(other host) = %v, %v", changed, err)
	}
}

func TestInstallNonRoot(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	inst := newTestInstaller(t, runner, true)
	inst.Euid = func() int { return 1000 }

	err := inst.Install(context.Background(), Options{Domain: "bot.example.com"})
	if !errors.Is(err, ErrNotRoot) {
		t.Fatalf("Install() error = %v, want ErrNotRoot", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("commands ran before root check: %v", runner.calls)
	}
	if _, err := os.Stat(filepath.Join(inst.Root, "etc")); !errors.Is(err, os.ErrNotExist) {
		t.Error("files written before root check")
	}
}

func TestInstallFailsFast(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{failOn: "nginx -t"}
	inst := newTestInstaller(t, runner, true)

	err := inst.Install(context.Background(), Options{Domain: "bot.example.com", Email: "ops@example.com"})
	if err == nil || !strings.Contains(err.Error(), `step "nginx site"`) {
		t.Fatalf("Install() error = %v", err)
	}
	if last := runner.calls[len(runner.calls)-1]; last != "nginx -t" {
		t.Errorf("last call = %q, want nginx -t", last)
	}
}

func TestInstallRequiresEnv(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	inst := newTestInstaller(t, runner, false)

	err := inst.Install(context.Background(), Options{Domain: "bot.example.com", SkipPackages: true})
	if !errors.Is(err, ErrMissingEnv) {
		t.Fatalf("Install() error = %v, want ErrMissingEnv", err)
	}
	if slices.Contains(runner.calls, "systemctl daemon-reload") {
		t.Error("unit installed without .env")
	}
}

func TestInstallInvalidDomain(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	inst := newTestInstaller(t, runner, true)
	if err := inst.Install(context.Background(), Options{Domain: "nope"}); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("Install() error = %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("calls = %v", runner.calls)
	}
}

func ptr(s string) *string { return &s }
