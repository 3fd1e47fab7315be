package provision

import (
	"bytes"
	"fmt"
	"text/template"
)

// Upstream is the local address nginx proxies to.
const Upstream = "127.0.0.1:8080"

var nginxTmpl = template.Must(template.New("nginx").Parse(`server {
    listen 80;
    listen [::]:80;
    server_name {{.Domain}};

    client_max_body_size 10m;

    location = /health {
        proxy_pass http://{{.Upstream}};
    }

    location /avito/webhook {
        proxy_pass http://{{.Upstream}};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_read_timeout 30s;
    }

    location / {
        proxy_pass http://{{.Upstream}};
        proxy_set_header Host $host;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`))

// RenderNginx renders the site config for domain.
func RenderNginx(domain string) (string, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return "", err
	}
	return render(nginxTmpl, struct{ Domain, Upstream string }{d, Upstream})
}

// Unit describes the systemd service.
type Unit struct {
	Name        string
	Description string
	User        string
	AppDir      string
	Binary      string
}

var unitTmpl = template.Must(template.New("unit").Parse(`[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User={{.User}}
WorkingDirectory={{.AppDir}}
EnvironmentFile={{.AppDir}}/.env
ExecStart={{.Binary}} -env {{.AppDir}}/.env
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`))

// RenderSystemdUnit renders the service unit. Empty fields get defaults.
func RenderSystemdUnit(u Unit) (string, error) {
	if u.Name == "" || u.AppDir == "" {
		return "", fmt.Errorf("unit name and app dir are required")
	}
	if u.Description == "" {
		u.Description = "Avito autoanswer bot (" + u.Name + ")"
	}
	if u.User == "" {
		u.User = "root"
	}
	if u.Binary == "" {
		u.Binary = u.AppDir + "/bin/" + u.Name
	}
	return render(unitTmpl, u)
}

// Workflow describes the GitHub Actions deploy job.
type Workflow struct {
	Branch      string
	AppDir      string
	ServiceName string
	SSHUser     string
}

// The workflow uses GitHub's ${{ }} syntax, so the template uses [[ ]].
var workflowTmpl = template.Must(template.New("workflow").Delims("[[", "]]").Parse(`name: Deploy

on:
  push:
    branches: [ "[[.Branch]]" ]

jobs:
  deploy:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4

      - uses: actions/setup-go@v5
        with:
          go-version-file: go.mod

      - name: Test
        run: go test ./...

      - name: Configure SSH
        run: |
          mkdir -p ~/.ssh
          echo "${{ secrets.SSH_PRIVATE_KEY }}" > ~/.ssh/id_ed25519
          chmod 600 ~/.ssh/id_ed25519
          ssh-keyscan -H "${{ secrets.SERVER_HOST }}" >> ~/.ssh/known_hosts

      - name: Sync
        run: |
          rsync -az --delete --exclude '.git' --exclude '.env' --exclude 'data/' \
            ./ [[.SSHUser]]@${{ secrets.SERVER_HOST }}:[[.AppDir]]/

      - name: Build and restart
        run: |
          ssh [[.SSHUser]]@${{ secrets.SERVER_HOST }} \
            'cd [[.AppDir]] && go build -o bin/[[.ServiceName]] ./cmd/bot && systemctl restart [[.ServiceName]]'
`))

// RenderWorkflow renders the deploy workflow YAML.
func RenderWorkflow(w Workflow) (string, error) {
	if w.AppDir == "" || w.ServiceName == "" {
		return "", fmt.Errorf("app dir and service name are required")
	}
	if w.Branch == "" {
		w.Branch = "main"
	}
	if w.SSHUser == "" {
		w.SSHUser = "root"
	}
	return render(workflowTmpl, w)
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
