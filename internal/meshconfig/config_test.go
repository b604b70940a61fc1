package meshconfig

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"meshgate/internal/testutil"
)

func TestLoadConfigSandbox(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	data := []byte("server:\n  listen_addr: \":9999\"\nmesh:\n  node_name: sandbox-node\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}

	if _, err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if AppConfig.Server.ListenAddr != ":9999" {
		t.Fatalf("expected listen_addr :9999, got %s", AppConfig.Server.ListenAddr)
	}
	if AppConfig.Mesh.NodeName != "sandbox-node" {
		t.Fatalf("expected node_name sandbox-node, got %s", AppConfig.Mesh.NodeName)
	}
}

func TestLoadConfigOverrideMerge(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := sb.WriteFile("config/default.yaml", []byte("mesh:\n  role: agent\n"), 0600); err != nil {
		t.Fatalf("WriteFile default: %v", err)
	}
	if err := sb.WriteFile("config/staging.yaml", []byte("mesh:\n  role: gateway\n"), 0600); err != nil {
		t.Fatalf("WriteFile staging: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}

	if _, err := Load("staging"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if AppConfig.Mesh.Role != "gateway" {
		t.Fatalf("expected staging override role=gateway, got %s", AppConfig.Mesh.Role)
	}
}
