// Package engine wires the full pipeline: sanitize, interpret, dispatch,
// two-phase writes, batches and plan-mode streaming. It is the only
// surface callers touch; everything below it is an implementation detail.
package engine

import (
	"fmt"

	"go.uber.org/zap"

	"curator/internal/batch"
	"curator/internal/catalog"
	"curator/internal/command"
	"curator/internal/config"
	"curator/internal/interpret"
	"curator/internal/llm"
	"curator/internal/logging"
	"curator/internal/plan"
	"curator/internal/sanitize"
	"curator/internal/store"
	"curator/internal/twophase"
)

// Engine is the command-interpretation engine facade.
type Engine struct {
	cfg *config.Config
	log *zap.Logger

	audit       *logging.AuditLog
	sanitizer   *sanitize.Sanitizer
	interpreter *interpret.Interpreter
	dispatcher  *command.Dispatcher
	writes      *twophase.Executor
	batches     *batch.Runner
	plans       *plan.Manager

	store   *store.SQLiteStore
	cache   *catalog.Cache
	catalog *catalog.Provider
}

// New assembles an engine from configuration. The returned engine owns
// the store, the cache sweepers and the audit log; Close releases them.
func New(cfg *config.Config, log *zap.Logger) (*Engine, error) {
	client, err := llm.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build model client: %w", err)
	}
	return NewWithClient(cfg, client, log)
}

// NewWithClient assembles an engine around an existing model client.
func NewWithClient(cfg *config.Config, client llm.Client, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}

	ds, err := store.NewSQLiteStore(cfg.Store.DatabasePath, cfg.Store.ReadRetries, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	audit, err := logging.OpenAudit(cfg.Logging.AuditPath)
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	cache := catalog.NewCache(cfg.Cache.MaxEntries, cfg.CacheTTL(), log)
	provider := catalog.NewProvider(cache, ds)

	registry := command.NewRegistry()
	if err := command.RegisterBuiltins(registry, ds, provider, cfg.Preview.SampleLimit); err != nil {
		ds.Close()
		audit.Close()
		return nil, err
	}
	dispatcher := command.NewDispatcher(registry, log)

	batches := batch.NewRunner(dispatcher, cfg.Batch.Concurrency, cfg.Batch.MaxItems, log)
	if err := registry.Register(batch.NewBatchCommand(batches)); err != nil {
		ds.Close()
		audit.Close()
		return nil, err
	}

	interpreter := interpret.New(client, provider, registry, interpret.Options{
		ConfidenceThreshold: cfg.Interpret.ConfidenceThreshold,
		HistoryTurns:        cfg.Interpret.HistoryTurns,
		HistoryTruncate:     cfg.Interpret.HistoryTruncate,
	}, log)

	writes := twophase.NewExecutor(dispatcher, provider, cfg.PreviewWindow(), log)

	e := &Engine{
		cfg:         cfg,
		log:         log.Named("engine"),
		audit:       audit,
		sanitizer:   sanitize.New(),
		interpreter: interpreter,
		dispatcher:  dispatcher,
		writes:      writes,
		batches:     batches,
		plans:       plan.NewManager(0, log),
		store:       ds,
		cache:       cache,
		catalog:     provider,
	}

	writes.SetOnExpire(func(sessionID, planHash string) {
		audit.Record(logging.AuditEvent{
			EventType: logging.AuditPreviewExpired,
			SessionID: sessionID,
			Action:    planHash,
			Success:   true,
		})
	})

	cache.StartSweeper(cfg.CacheSweepInterval())
	writes.StartSweeper(cfg.PreviewSweepInterval())
	return e, nil
}

// ApplyConfig pushes reloaded runtime tunables to live components. Only
// hot-reloadable knobs take effect; the rest need a restart.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.interpreter.SetConfidenceThreshold(cfg.Interpret.ConfidenceThreshold)
	e.cache.SetDefaultTTL(cfg.CacheTTL())
	e.writes.SetWindow(cfg.PreviewWindow())
	e.log.Info("applied reloaded configuration",
		zap.Float64("confidence_threshold", cfg.Interpret.ConfidenceThreshold),
		zap.Duration("cache_ttl", cfg.CacheTTL()),
		zap.Duration("preview_window", cfg.PreviewWindow()))
}

// Operations returns the registered operation names, for diagnostics.
func (e *Engine) Operations() []string { return e.dispatcher.Registry().Names() }

// Store exposes the data store for administrative commands.
func (e *Engine) Store() *store.SQLiteStore { return e.store }

// Catalog exposes the cached catalog provider.
func (e *Engine) Catalog() *catalog.Provider { return e.catalog }

// Close stops background work and releases the store and audit log.
func (e *Engine) Close() error {
	e.plans.CloseAll()
	e.writes.StopSweeper()
	e.cache.StopSweeper()
	err := e.store.Close()
	if aerr := e.audit.Close(); err == nil {
		err = aerr
	}
	return err
}
