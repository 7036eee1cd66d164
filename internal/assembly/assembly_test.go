package assembly

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "vigil.db")
	cfg.Transport.ListenAddr = "127.0.0.1:0"
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	cfg.Pipeline.MaxConcurrentBatches = 1
	return &cfg
}

func TestBuild_ConstructsEveryComponent(t *testing.T) {
	sys, err := Build(testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer sys.Store.Close()

	if sys.Store == nil || sys.Sandbox == nil || sys.Auth == nil || sys.Queue == nil ||
		sys.Tailer == nil || sys.Errors == nil || sys.RateLimit == nil || sys.Audit == nil ||
		sys.Broadcast == nil || sys.Pipeline == nil || sys.Transport == nil {
		t.Fatal("Build left a component nil")
	}
}

func TestSystem_StartStopIsGraceful(t *testing.T) {
	sys, err := Build(testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := sys.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	cancel()
	sys.Stop(2 * time.Second)
}

func TestSystem_ReloadAppliesSandboxRoots(t *testing.T) {
	sys, err := Build(testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer sys.Store.Close()

	newCfg := testConfig(t)
	newCfg.Sandbox.AllowRoots = []string{"/tmp"}
	sys.Reload(newCfg)

	if _, err := sys.Sandbox.Resolve("/tmp/does-not-matter.log"); err != nil {
		t.Fatalf("Resolve after reload: %v", err)
	}
}
