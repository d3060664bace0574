package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imgdispatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if len(cfg.Routes) != 4 {
		t.Fatalf("expected 4 default routes, got %d", len(cfg.Routes))
	}

	wantPaths := []string{"/process", "/scan", "/draw", "/show"}
	for i, want := range wantPaths {
		if cfg.Routes[i].Path != want {
			t.Errorf("routes[%d].Path = %q, want %q", i, cfg.Routes[i].Path, want)
		}
	}
	if cfg.Routes[3].ResultPath != "//path//to//keypoints.jpg//" {
		t.Errorf("show result path = %q", cfg.Routes[3].ResultPath)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9000"
invoker:
  max_concurrent: 2
  default_timeout: 30s
vars:
  bin_dir: /srv/bin
routes:
  - name: show
    path: /show
    description: draw the keypoints
    executable: ${bin_dir}/show.exe
    heading: SHOWING KEYPOINTS
    summary: done
    result_path: /tmp/keypoints.jpg
    timeout: 2m
    args:
      - flag: -i
        value: ${seed_image}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.Server.ListenAddr)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("ReadTimeout = %s, want default 5s", cfg.Server.ReadTimeout)
	}
	if cfg.Invoker.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", cfg.Invoker.MaxConcurrent)
	}
	if cfg.Invoker.DefaultTimeout != 30*time.Second {
		t.Errorf("DefaultTimeout = %s, want 30s", cfg.Invoker.DefaultTimeout)
	}
	if len(cfg.Routes) != 1 {
		t.Fatalf("expected the file's route table to replace defaults, got %d routes", len(cfg.Routes))
	}
	if cfg.Routes[0].Timeout != 2*time.Minute {
		t.Errorf("route timeout = %s, want 2m", cfg.Routes[0].Timeout)
	}

	// File vars merge over default vars.
	if got := cfg.Expand(cfg.Routes[0].Executable); got != "/srv/bin/show.exe" {
		t.Errorf("executable = %q, want /srv/bin/show.exe", got)
	}
	if got := cfg.Expand(cfg.Routes[0].Args[0].Value); got != "/var/lib/imgdispatch/seed.jpg" {
		t.Errorf("seed image = %q, want default var", got)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := Load("/nonexistent/imgdispatch.yaml"); err == nil {
			t.Fatal("expected error for missing file")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "server: [unclosed")
		if _, err := Load(path); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IMGDISPATCH_LISTEN_ADDR", "127.0.0.1:18080")
	t.Setenv("IMGDISPATCH_LOG_LEVEL", "debug")
	t.Setenv("IMGDISPATCH_PROCESS_LOG", "/var/log/imgdispatch/process.log")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:18080" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.ProcessLog.File != "/var/log/imgdispatch/process.log" {
		t.Errorf("ProcessLog.File = %q", cfg.ProcessLog.File)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name: "duplicate path",
			mutate: func(c *Config) {
				c.Routes[1].Path = c.Routes[0].Path
			},
			wantErr: "already used",
		},
		{
			name: "duplicate name",
			mutate: func(c *Config) {
				c.Routes[1].Name = c.Routes[0].Name
			},
			wantErr: "duplicate name",
		},
		{
			name: "reserved path",
			mutate: func(c *Config) {
				c.Routes[0].Path = "/healthz"
			},
			wantErr: "reserved",
		},
		{
			name: "index path is reserved",
			mutate: func(c *Config) {
				c.Routes[0].Path = "/"
			},
			wantErr: "reserved",
		},
		{
			name: "relative path",
			mutate: func(c *Config) {
				c.Routes[0].Path = "process"
			},
			wantErr: "must start with /",
		},
		{
			name: "wildcard path",
			mutate: func(c *Config) {
				c.Routes[0].Path = "/*"
			},
			wantErr: "must be literal",
		},
		{
			name: "parameter path",
			mutate: func(c *Config) {
				c.Routes[0].Path = "/show/{id}"
			},
			wantErr: "must be literal",
		},
		{
			name: "timeout with no_timeout",
			mutate: func(c *Config) {
				c.Routes[0].Timeout = time.Minute
				c.Routes[0].NoTimeout = true
			},
			wantErr: "mutually exclusive",
		},
		{
			name: "no_timeout alone is valid",
			mutate: func(c *Config) {
				c.Routes[0].NoTimeout = true
			},
		},
		{
			name: "relative executable",
			mutate: func(c *Config) {
				c.Routes[0].Executable = "processImages.exe"
			},
			wantErr: "absolute path",
		},
		{
			name: "executable expands to empty",
			mutate: func(c *Config) {
				c.Routes[0].Executable = "${undefined}"
			},
			wantErr: "executable is required",
		},
		{
			name: "empty flag",
			mutate: func(c *Config) {
				c.Routes[0].Args[0].Flag = ""
			},
			wantErr: "flag is required",
		},
		{
			name: "no routes",
			mutate: func(c *Config) {
				c.Routes = nil
			},
			wantErr: "at least one route",
		},
		{
			name: "zero concurrency",
			mutate: func(c *Config) {
				c.Invoker.MaxConcurrent = 0
			},
			wantErr: "max_concurrent",
		},
		{
			name: "cert without key",
			mutate: func(c *Config) {
				c.TLS.Cert = "/etc/imgdispatch/tls.crt"
			},
			wantErr: "cert and key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "imgdispatch.example.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(cfg.Routes))
	}
	if got := cfg.Expand(cfg.Routes[0].Executable); got != "/opt/imgdispatch/bin/processImages.exe" {
		t.Errorf("process executable = %q", got)
	}
	if cfg.Routes[0].Timeout != 30*time.Minute {
		t.Errorf("process timeout = %v, want 30m", cfg.Routes[0].Timeout)
	}
	if !cfg.Routes[1].NoTimeout {
		t.Errorf("show no_timeout not loaded")
	}
	// Vars absent from the file keep their defaults.
	if cfg.Vars["match_output"] != "/var/lib/imgdispatch/output.jpg" {
		t.Errorf("match_output = %q", cfg.Vars["match_output"])
	}
	if !cfg.Metrics.Enabled || !cfg.ProcessLog.Compress {
		t.Errorf("metrics/process_log settings not loaded: %+v %+v", cfg.Metrics, cfg.ProcessLog)
	}
}
