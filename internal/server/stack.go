package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/execgate/internal/allowlist"
	"github.com/agentsh/execgate/internal/approvals"
	"github.com/agentsh/execgate/internal/audit"
	"github.com/agentsh/execgate/internal/config"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/metrics"
	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/internal/safebin"
	"github.com/agentsh/execgate/internal/skills"
	"github.com/agentsh/execgate/internal/store"
	"github.com/agentsh/execgate/internal/store/composite"
	"github.com/agentsh/execgate/internal/store/jsonl"
	"github.com/agentsh/execgate/internal/store/otel"
	"github.com/agentsh/execgate/internal/store/sqlite"
	"github.com/agentsh/execgate/internal/store/webhook"
	"github.com/agentsh/execgate/pkg/hotreload"
	"github.com/agentsh/execgate/pkg/types"
)

// StackOptions adjusts how a Stack is built.
type StackOptions struct {
	// Mode overrides approvals.mode when set.
	Mode types.ApprovalMode
	// NoApprover applies exec.ask_fallback instead of registering approvals.
	NoApprover bool
	Logger     *slog.Logger
}

// Stack is the evaluation pipeline assembled from a Config.
type Stack struct {
	Config    *config.Config
	Allowlist *allowlist.FileStore
	Profiles  *safebin.Registry
	Skills    *skills.Index
	Checker   *policy.Checker
	Approvals *approvals.Manager
	Gate      *approvals.Gate
	Broker    *events.Broker
	Emitter   *events.Emitter
	Metrics   *metrics.Collector

	// Audit and Events are nil when audit is disabled. Events wraps Audit
	// and any configured sinks with the integrity chain and metrics.
	Audit  *sqlite.Store
	Events store.EventStore

	logger  *slog.Logger
	watcher *hotreload.FileWatcher
}

func NewStack(ctx context.Context, cfg *config.Config, opts StackOptions) (*Stack, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stack{Config: cfg, logger: logger}

	s.Allowlist = allowlist.NewFileStore(cfg.Allowlist.Path, logger)
	if err := s.Allowlist.Load(); err != nil {
		return nil, err
	}

	profiles, err := safebin.NewRegistry(cfg.Exec.SafeBinProfiles)
	if err != nil {
		return nil, fmt.Errorf("safe-bin profiles: %w", err)
	}
	s.Profiles = profiles

	bins, err := skillBins(cfg)
	if err != nil {
		return nil, err
	}
	s.Skills = skills.NewIndex(bins)

	s.Metrics = metrics.New()
	s.Broker = events.NewBroker()

	if cfg.AuditEnabled() {
		if err := s.openAudit(ctx); err != nil {
			return nil, err
		}
	}
	// A nil interface keeps the emitter from touching a store.
	var sink store.EventStore
	if s.Events != nil {
		sink = s.Events
	}
	s.Emitter = events.NewEmitter(sink, s.Broker, events.NewDefaultSanitizer())

	mode := cfg.Mode()
	s.Checker = policy.NewChecker(policy.CheckerConfig{
		Mode:               mode,
		SafeBins:           cfg.Exec.SafeBins,
		Profiles:           profiles,
		TrustedSafeBinDirs: cfg.Exec.TrustedSafeBinDirs,
		Skills:             s.Skills,
		AutoAllowSkills:    cfg.Exec.AutoAllowSkills,
		Allowlist:          s.Allowlist,
		Platform:           cfg.Exec.Platform,
		Logger:             logger,
	})

	approvalMode := opts.Mode
	if approvalMode == "" {
		approvalMode = types.ApprovalMode(cfg.Approvals.Mode)
	}
	s.Approvals = approvals.New(approvalMode, cfg.ApprovalTTL(), s.Emitter, logger)

	var approver approvals.Collaborator
	if !opts.NoApprover {
		approver = s.Approvals
	}
	gate, err := approvals.NewGate(approvals.GateConfig{
		Checker:  s.Checker,
		Approver: approver,
		Sink:     s.Allowlist,
		Usage:    s.Allowlist,
		Timeout:  cfg.ApprovalTimeout(),
		Fallback: mode.Fallback,
		Emitter:  s.Emitter,
		Metrics:  s.Metrics,
		Logger:   logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Gate = gate
	return s, nil
}

func (s *Stack) openAudit(ctx context.Context) error {
	cfg := s.Config
	if dir := filepath.Dir(cfg.Audit.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create audit dir: %w", err)
		}
	}
	db, err := sqlite.Open(cfg.Audit.SQLitePath)
	if err != nil {
		return err
	}
	s.Audit = db

	sinks, err := s.openSinks(ctx)
	if err != nil {
		_ = db.Close()
		return err
	}
	var es store.EventStore = db
	if len(sinks) > 0 {
		es = composite.New(s.logger, db, sinks...)
	}

	if cfg.Audit.Integrity.Enabled {
		wrapped, err := newIntegrityStore(ctx, cfg, es)
		if err != nil {
			_ = es.Close()
			return err
		}
		es = wrapped
	}
	s.Events = metrics.WrapEventStore(es, s.Metrics)
	return nil
}

func newIntegrityStore(ctx context.Context, cfg *config.Config, inner store.EventStore) (*store.IntegrityStore, error) {
	key, err := audit.LoadKey(cfg.Audit.Integrity.KeyFile, cfg.Audit.Integrity.KeyEnv)
	if err != nil {
		return nil, err
	}
	chain, err := audit.NewIntegrityChainWithAlgorithm(key, cfg.Audit.Integrity.Algorithm)
	if err != nil {
		return nil, err
	}
	return store.NewIntegrityStore(ctx, inner, chain)
}

// openSinks opens the optional audit sinks. On error the ones already opened
// are closed.
func (s *Stack) openSinks(ctx context.Context) (sinks []store.EventStore, err error) {
	defer func() {
		if err != nil {
			for _, o := range sinks {
				_ = o.Close()
			}
			sinks = nil
		}
	}()
	a := s.Config.Audit

	if a.JSONL.Path != "" {
		st, err := jsonl.New(a.JSONL.Path, a.JSONL.MaxSizeMB, a.JSONL.MaxBackups)
		if err != nil {
			return sinks, fmt.Errorf("audit jsonl: %w", err)
		}
		sinks = append(sinks, st)
	}
	if a.Webhook.URL != "" {
		st, err := webhook.New(webhook.Config{
			URL:           a.Webhook.URL,
			Headers:       a.Webhook.Headers,
			Events:        a.Webhook.Events,
			BatchSize:     a.Webhook.BatchSize,
			FlushInterval: s.Config.WebhookFlushInterval(),
			Timeout:       s.Config.WebhookTimeout(),
			RetryCount:    a.Webhook.RetryCount,
			Logger:        s.logger,
		})
		if err != nil {
			return sinks, fmt.Errorf("audit webhook: %w", err)
		}
		sinks = append(sinks, st)
	}
	if a.OTel.Endpoint != "" {
		st, err := otel.New(ctx, otel.Config{
			Endpoint: a.OTel.Endpoint,
			Protocol: a.OTel.Protocol,
			Insecure: a.OTel.Insecure,
			Headers:  a.OTel.Headers,
			Filter:   otel.Filter{IncludeTypes: a.OTel.IncludeTypes, ExcludeTypes: a.OTel.ExcludeTypes},
			Resource: otel.BuildResource(a.OTel.ServiceName, nil),
		})
		if err != nil {
			return sinks, fmt.Errorf("audit otel: %w", err)
		}
		sinks = append(sinks, st)
	}
	return sinks, nil
}

func skillBins(cfg *config.Config) ([]skills.Bin, error) {
	bins := make([]skills.Bin, 0, len(cfg.Skills.Bins))
	for _, b := range cfg.Skills.Bins {
		bins = append(bins, skills.Bin{Name: b.Name, ResolvedPath: b.Path, Skill: b.Skill})
	}
	if cfg.Skills.Dir != "" {
		scanned, err := skills.Scan(cfg.Skills.Dir)
		if err != nil {
			return nil, err
		}
		bins = append(bins, scanned...)
	}
	return bins, nil
}

// WatchAllowlist reloads the allowlist file when it changes on disk and
// records each reload as an allowlist_reloaded event.
func (s *Stack) WatchAllowlist(ctx context.Context) error {
	if s.watcher != nil {
		return fmt.Errorf("allowlist watcher already running")
	}
	w, err := hotreload.NewFileWatcher(hotreload.WatcherConfig{
		Files:    []string{s.Allowlist.Path()},
		Loader:   s.Allowlist,
		OnChange: s.allowlistChanged,
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

func (s *Stack) allowlistChanged(path string, err error) {
	fields := map[string]any{"path": path}
	if err != nil {
		s.logger.Warn("allowlist reload failed; keeping previous entries", "path", path, "error", err)
		fields["error"] = err.Error()
	} else {
		s.logger.Info("allowlist reloaded", "path", path)
	}
	ev := types.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      string(events.EventAllowlistReloaded),
		Path:      path,
		Fields:    fields,
	}
	if err := s.Emitter.AppendEvent(context.Background(), ev); err != nil {
		s.logger.Warn("event not stored", "type", ev.Type, "error", err)
	}
	s.Emitter.Publish(ev)
}

// WatcherStats reports allowlist reload counters; zero when not watching.
func (s *Stack) WatcherStats() hotreload.WatcherStats {
	if s.watcher == nil {
		return hotreload.WatcherStats{}
	}
	return s.watcher.Stats()
}

func (s *Stack) Close() error {
	if s.watcher != nil {
		_ = s.watcher.Stop()
		s.watcher = nil
	}
	if s.Events != nil {
		err := s.Events.Close()
		s.Events, s.Audit = nil, nil
		return err
	}
	return nil
}
