package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFilename)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
cluster:
  name: prod
node:
  name: node-1
  address: 10.0.0.1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.ExtentSizeMB != 4 {
		t.Fatalf("extent size = %d, want default 4", cfg.Pool.ExtentSizeMB)
	}
	if cfg.Sched.DefaultPolicy != "spread" {
		t.Fatalf("default policy = %q, want spread", cfg.Sched.DefaultPolicy)
	}
	if cfg.Sched.CPUOvercommitRatio != 100 {
		t.Fatalf("cpu overcommit ratio = %d, want 100", cfg.Sched.CPUOvercommitRatio)
	}
}

func TestLoadRejectsMissingClusterName(t *testing.T) {
	path := writeTemp(t, `
node:
  name: node-1
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for missing cluster.name")
	}
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	path := writeTemp(t, `
cluster:
  name: prod
  seeds: ["10.0.0.1:7000", "10.0.0.2:7000"]
node:
  name: node-2
  address: 10.0.0.2
  roles: ["compute", "storage"]
  tags: ["ssd"]
pool:
  extentSizeMB: 8
  devices:
    - path: /dev/sdb
      name: disk0
scheduler:
  defaultPolicy: pack
  enableOvercommit: true
  cpuOvercommitRatio: 200
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Cluster.Seeds) != 2 {
		t.Fatalf("seeds = %v, want 2 entries", cfg.Cluster.Seeds)
	}
	if cfg.Pool.ExtentSizeMB != 8 {
		t.Fatalf("extent size = %d, want 8", cfg.Pool.ExtentSizeMB)
	}
	if cfg.Sched.DefaultPolicy != "pack" {
		t.Fatalf("policy = %q, want pack", cfg.Sched.DefaultPolicy)
	}
	if !cfg.Sched.EnableOvercommit {
		t.Fatalf("expected overcommit enabled")
	}
	if cfg.Sched.MemOvercommitRatio != 100 {
		t.Fatalf("mem overcommit ratio = %d, want default 100", cfg.Sched.MemOvercommitRatio)
	}
}
