package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stellarlinkco/recall/internal/config"
	"github.com/stellarlinkco/recall/internal/conversation"
	"github.com/stellarlinkco/recall/internal/memory"
	"github.com/stellarlinkco/recall/internal/strategy"
)

type stubCompleter struct {
	reply string
	err   error
}

func (s *stubCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return s.reply, s.err
}

func stubFactory(c strategy.Completer) CompleterFactory {
	return func(cfg *config.Config) (strategy.Completer, error) { return c, nil }
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Gateway.Port = 0
	cfg.Memory.DBPath = filepath.Join(t.TempDir(), "memory.db")
	return cfg
}

func TestNewWithOptions_Wiring(t *testing.T) {
	cfg := testConfig(t)
	store := memory.NewMemStore()
	completer := &stubCompleter{reply: "ok"}

	svc, err := NewWithOptions(cfg, Options{
		CompleterFactory: stubFactory(completer),
		Store:            store,
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	defer svc.Shutdown()

	if svc.Manager() == nil {
		t.Fatal("manager not wired")
	}
	if svc.Store() != memory.Store(store) {
		t.Error("injected store not used")
	}
	if svc.completer != completer {
		t.Error("injected completer not used")
	}
	if svc.extractor == nil {
		t.Error("extractor should be enabled with a completer present")
	}

	jobs := svc.cron.Jobs()
	if len(jobs) != 2 || jobs[0].Name != "sweep-expired-sessions" || jobs[1].Name != "consolidate-daily" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestNewWithOptions_NoAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.APIKey = ""

	svc, err := NewWithOptions(cfg, Options{Store: memory.NewMemStore()})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	defer svc.Shutdown()

	if svc.completer != nil {
		t.Error("completer should be nil without an API key")
	}
	if svc.extractor != nil {
		t.Error("extractor should stay off without a completer")
	}
}

func TestNewWithOptions_ExtractionDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Extraction.Enabled = false

	svc, err := NewWithOptions(cfg, Options{
		CompleterFactory: stubFactory(&stubCompleter{reply: "ok"}),
		Store:            memory.NewMemStore(),
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	defer svc.Shutdown()

	if svc.extractor != nil {
		t.Error("extractor should respect extraction.enabled = false")
	}
}

func TestNewWithOptions_FactoryError(t *testing.T) {
	cfg := testConfig(t)
	boom := errors.New("no provider")

	_, err := NewWithOptions(cfg, Options{
		CompleterFactory: func(cfg *config.Config) (strategy.Completer, error) { return nil, boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped factory error", err)
	}
}

func TestNewWithOptions_DefaultSQLiteStore(t *testing.T) {
	cfg := testConfig(t)

	svc, err := NewWithOptions(cfg, Options{})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	defer svc.Shutdown()

	rec, err := svc.Manager().Remember(context.Background(), "alice", "uses sqlite", memory.KindSemantic, nil)
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if rec.ID == 0 {
		t.Error("record not persisted")
	}
	if _, err := os.Stat(cfg.Memory.DBPath); err != nil {
		t.Errorf("db file missing: %v", err)
	}
}

func TestService_RunStopsOnSignal(t *testing.T) {
	cfg := testConfig(t)
	sigCh := make(chan os.Signal, 1)

	svc, err := NewWithOptions(cfg, Options{
		Store:      memory.NewMemStore(),
		SignalChan: sigCh,
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	sigCh <- syscall.SIGTERM

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after signal")
	}
}

func TestService_RunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)

	svc, err := NewWithOptions(cfg, Options{
		Store:      memory.NewMemStore(),
		SignalChan: make(chan os.Signal, 1),
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestService_ShutdownFlushesExtractor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Extraction.QuietGap = "10s" // never fires on its own during the test

	store := memory.NewMemStore()
	completer := &stubCompleter{reply: `{"facts":[{"text":"studies go","kind":"semantic","topics":["go"]}]}`}

	svc, err := NewWithOptions(cfg, Options{
		CompleterFactory: stubFactory(completer),
		Store:            store,
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}

	_, err = svc.Manager().AppendTurn(context.Background(), "s1", "alice", conversation.RoleUser, "I study go")
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	if err := svc.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Records != 1 {
		t.Errorf("records after shutdown = %d, want 1 flushed fact", stats.Records)
	}
}

func TestParseDuration(t *testing.T) {
	if got := parseDuration("45s", time.Minute, "f"); got != 45*time.Second {
		t.Errorf("parseDuration(45s) = %s", got)
	}
	if got := parseDuration("", time.Minute, "f"); got != time.Minute {
		t.Errorf("parseDuration(empty) = %s", got)
	}
	if got := parseDuration("bogus", time.Minute, "f"); got != time.Minute {
		t.Errorf("parseDuration(bogus) = %s", got)
	}
	if got := parseDuration("-5s", time.Minute, "f"); got != time.Minute {
		t.Errorf("parseDuration(negative) = %s", got)
	}
}

func TestParseProfileFallbacks(t *testing.T) {
	if got := parseQuality("high"); got != strategy.QualityHigh {
		t.Errorf("parseQuality(high) = %q", got)
	}
	if got := parseQuality("bogus"); got != strategy.QualityMedium {
		t.Errorf("parseQuality(bogus) = %q", got)
	}
	if got := parseLatency("slow_ok"); got != strategy.LatencySlowOK {
		t.Errorf("parseLatency(slow_ok) = %q", got)
	}
	if got := parseCost("low"); got != strategy.CostLow {
		t.Errorf("parseCost(low) = %q", got)
	}
}
