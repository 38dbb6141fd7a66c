package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/stellarlinkco/recall/internal/config"
	"github.com/stellarlinkco/recall/internal/cron"
	"github.com/stellarlinkco/recall/internal/llm"
	"github.com/stellarlinkco/recall/internal/memory"
	"github.com/stellarlinkco/recall/internal/score"
	"github.com/stellarlinkco/recall/internal/server"
	"github.com/stellarlinkco/recall/internal/strategy"
	"github.com/stellarlinkco/recall/internal/tokens"
)

// CompleterFactory creates the completion capability for the service.
type CompleterFactory func(cfg *config.Config) (strategy.Completer, error)

// Options for creating a Service.
type Options struct {
	CompleterFactory CompleterFactory // for test injection
	Store            memory.Store     // overrides the SQLite store
	SignalChan       chan os.Signal   // for testing signal handling
}

// Service wires the memory engine, the long-term store, the extractor,
// the maintenance jobs, and the HTTP gateway into one runnable unit.
type Service struct {
	cfg        *config.Config
	completer  strategy.Completer
	store      memory.Store
	extractor  *memory.Extractor
	manager    *memory.Manager
	server     *server.Server
	cron       *cron.Service
	signalChan chan os.Signal
}

// New creates a Service with default options.
func New(cfg *config.Config) (*Service, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Service with custom options for testing.
func NewWithOptions(cfg *config.Config, opts Options) (*Service, error) {
	s := &Service{cfg: cfg}

	// Completion capability. Without it summarization degrades to
	// truncation and extraction stays off; the engine still runs.
	if opts.CompleterFactory != nil {
		completer, err := opts.CompleterFactory(cfg)
		if err != nil {
			return nil, fmt.Errorf("create completer: %w", err)
		}
		s.completer = completer
	} else if cfg.Provider.APIKey != "" {
		client, err := llm.New(llm.Options{
			APIType:   cfg.Provider.Type,
			APIKey:    cfg.Provider.APIKey,
			APIBase:   cfg.Provider.BaseURL,
			Model:     cfg.Provider.Model,
			MaxTokens: cfg.Provider.MaxTokens,
			Timeout:   time.Duration(cfg.Provider.Timeout) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("create llm client: %w", err)
		}
		s.completer = client
	} else {
		log.Printf("[service] no API key configured; running without summarization or extraction")
	}

	// Long-term store (SQLite is the primary runtime backend)
	store := opts.Store
	if store == nil {
		dbPath := strings.TrimSpace(cfg.Memory.DBPath)
		if dbPath == "" {
			dbPath = filepath.Join(config.ConfigDir(), "memory.db")
		}
		st, err := memory.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open long-term store: %w", err)
		}
		store = st
	}
	s.store = store

	if cfg.Extraction.Enabled && s.completer != nil {
		s.extractor = memory.NewExtractor(s.completer, store, memory.ExtractorOptions{
			QuietGap:    parseDuration(cfg.Extraction.QuietGap, 2*time.Minute, "extraction.quietGap"),
			TokenCap:    cfg.Extraction.TokenCap,
			MaxAttempts: cfg.Extraction.MaxAttempts,
		})
	}

	s.manager = memory.NewManager(memory.Options{
		Counter:   tokens.NewEstimator(cfg.Provider.Model),
		Scorer:    score.NewHeuristic(),
		Completer: s.completer,
		Store:     store,
		Extractor: s.extractor,
		TTL:       parseDuration(cfg.Memory.SessionTTL, memory.DefaultSessionTTL, "memory.sessionTtl"),
		Trigger: strategy.Policy{
			TokenThreshold:        cfg.Memory.TokenThreshold,
			MessageCountThreshold: cfg.Memory.MessageCountThreshold,
			KeepRecent:            cfg.Memory.KeepRecent,
		},
		KeepRecent: cfg.Memory.KeepRecent,
		WindowSize: cfg.Memory.WindowSize,
		Strategy:   cfg.Memory.Strategy,
		Quality:    parseQuality(cfg.Memory.Quality),
		Latency:    parseLatency(cfg.Memory.Latency),
		Cost:       parseCost(cfg.Memory.Cost),
	})

	// Maintenance jobs
	s.cron = cron.NewService()
	if err := s.cron.Add(cron.Job{
		Name:     "sweep-expired-sessions",
		Schedule: "0 */5 * * * *",
		Run: func() error {
			if n := s.manager.SweepExpired(context.Background()); n > 0 {
				log.Printf("[service] swept %d expired session(s)", n)
			}
			return nil
		},
	}); err != nil {
		return nil, fmt.Errorf("register sweep job: %w", err)
	}
	if err := s.cron.Add(cron.Job{
		Name:     "consolidate-daily",
		Schedule: "0 0 3 * * *",
		Run: func() error {
			return s.manager.ConsolidateDaily(context.Background())
		},
	}); err != nil {
		return nil, fmt.Errorf("register consolidation job: %w", err)
	}

	s.server = server.New(server.Options{
		Host:      cfg.Gateway.Host,
		Port:      cfg.Gateway.Port,
		Manager:   s.manager,
		Completer: s.completer,
		Cron:      s.cron,
	})

	s.signalChan = opts.SignalChan
	return s, nil
}

// Manager exposes the engine for embedding callers (the CLI drives it
// directly instead of going through HTTP).
func (s *Service) Manager() *memory.Manager { return s.manager }

// Store exposes the long-term store for status reporting.
func (s *Service) Store() memory.Store { return s.store }

// Completer exposes the completion capability; nil when no provider is
// configured.
func (s *Service) Completer() strategy.Completer { return s.completer }

// Run starts the gateway and the maintenance jobs, then blocks until a
// shutdown signal or context cancellation arrives.
func (s *Service) Run(ctx context.Context) error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	s.cron.Start()

	log.Printf("[service] running on %s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)

	// Use injected signal channel for testing, or create default
	sigCh := s.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[service] shutting down...")
	return s.Shutdown()
}

// Shutdown stops intake first, then drains the pipeline: gateway, jobs,
// extractor flush, session teardown, store.
func (s *Service) Shutdown() error {
	_ = s.server.Stop()
	s.cron.Stop()
	if s.extractor != nil {
		s.extractor.Stop()
	}
	if err := s.manager.Close(); err != nil {
		log.Printf("[service] close manager warning: %v", err)
	}
	if err := s.store.Close(); err != nil {
		log.Printf("[service] close store warning: %v", err)
	}
	log.Printf("[service] shutdown complete")
	return nil
}

func parseDuration(raw string, fallback time.Duration, field string) time.Duration {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Printf("[service] invalid %s %q, using %s", field, raw, fallback)
		return fallback
	}
	return d
}

func parseQuality(raw string) strategy.Quality {
	q, err := strategy.ParseQuality(raw)
	if err != nil {
		log.Printf("[service] %v, using %q", err, strategy.QualityMedium)
		return strategy.QualityMedium
	}
	return q
}

func parseLatency(raw string) strategy.Latency {
	l, err := strategy.ParseLatency(raw)
	if err != nil {
		log.Printf("[service] %v, using %q", err, strategy.LatencyNormal)
		return strategy.LatencyNormal
	}
	return l
}

func parseCost(raw string) strategy.Cost {
	c, err := strategy.ParseCost(raw)
	if err != nil {
		log.Printf("[service] %v, using %q", err, strategy.CostMedium)
		return strategy.CostMedium
	}
	return c
}
