package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	var c BridgeConfig
	c.SetDefaults()
	if c.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q", c.LogLevel)
	}
	if len(c.Superuser) == 0 {
		t.Fatalf("no default superuser bridges")
	}
	if c.ConfigFile == "" {
		t.Fatalf("no default config path")
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	yaml := `log_level: debug
host: filehost
superuser:
  - label: sudo
    spawn: ["sudo", "-A", "hostbridge", "--privileged"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	var c BridgeConfig
	c.SetDefaults()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.LogLevel != "debug" || c.Host != "filehost" {
		t.Fatalf("file values not applied: %+v", c)
	}
	if len(c.Superuser) != 1 || c.Superuser[0].Label != "sudo" {
		t.Fatalf("superuser = %+v", c.Superuser)
	}

	t.Setenv("HOSTBRIDGE_LOG_LEVEL", "error")
	t.Setenv("HOSTBRIDGE_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	c.ApplyEnv()
	if c.LogLevel != "error" {
		t.Fatalf("env did not override file: %q", c.LogLevel)
	}
	if c.Host != "filehost" {
		t.Fatalf("unset env clobbered file value: %q", c.Host)
	}
	if len(c.AllowedOrigins) != 2 || c.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins = %v", c.AllowedOrigins)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("HOSTBRIDGE_PROBE", "set")
	if got := GetEnv("PROBE", "fallback"); got != "set" {
		t.Fatalf("GetEnv = %q", got)
	}
	if got := GetEnv("UNSET_PROBE", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv = %q", got)
	}
}

func TestResolveConfigPath(t *testing.T) {
	cases := []struct {
		goos, home, programData, want string
	}{
		{"linux", "/home/u", "", "/etc/hostbridge/bridge.yaml"},
		{"darwin", "/Users/u", "", "/Users/u/Library/Application Support/hostbridge/bridge.yaml"},
		{"windows", "", "C:/ProgramData", filepath.Join("C:/ProgramData", "hostbridge", "bridge.yaml")},
		{"windows", "", "", filepath.Join("C:/ProgramData", "hostbridge", "bridge.yaml")},
	}
	for _, tc := range cases {
		got := ResolveConfigPath(tc.goos, tc.home, tc.programData, "bridge.yaml")
		if got != tc.want {
			t.Fatalf("ResolveConfigPath(%s) = %q, want %q", tc.goos, got, tc.want)
		}
	}
}
