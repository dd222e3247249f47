// Package hooksd wires the supervisor together: configuration in, a
// running dispatcher + batch processor + file store out.
//
// Hosts that only need one subsystem should import it directly:
//   - github.com/tallisward/hooksd/resilience - keyed circuit breaker
//   - github.com/tallisward/hooksd/sandbox    - command execution
//   - github.com/tallisward/hooksd/hooks      - event dispatch
//   - github.com/tallisward/hooksd/batch      - queue draining
//   - github.com/tallisward/hooksd/filestore  - content-addressed blobs
package hooksd

import (
	"context"
	"fmt"

	"github.com/tallisward/hooksd/batch"
	"github.com/tallisward/hooksd/core"
	"github.com/tallisward/hooksd/filestore"
	"github.com/tallisward/hooksd/hooks"
	"github.com/tallisward/hooksd/resilience"
	"github.com/tallisward/hooksd/sandbox"
)

// Supervisor owns the long-lived subsystems of one hooksd instance
type Supervisor struct {
	config     *core.Config
	logger     core.Logger
	breaker    *resilience.CircuitBreaker
	executor   *sandbox.Executor
	dispatcher *hooks.Dispatcher
	store      *filestore.Store
	journal    core.Memory
}

// New builds a supervisor from configuration and an optional hooks file
func New(cfg *core.Config, hooksFile *core.HooksFile) (*Supervisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", core.ErrMissingConfiguration)
	}
	logger := cfg.Logger()

	if hooksFile != nil {
		if err := hooksFile.Apply(cfg); err != nil {
			return nil, err
		}
	}

	breaker, err := resilience.NewFromConfig(cfg.CircuitBreaker, resilience.Dependencies{Logger: logger})
	if err != nil {
		return nil, err
	}

	executor, err := sandbox.NewExecutor(sandbox.Config{
		AllowedCommands: cfg.Sandbox.AllowedCommands,
		Env:             cfg.Sandbox.Env,
		Timeout:         cfg.Execution.Timeout,
		Dir:             cfg.Sandbox.WorkDir,
		MaxMemory:       cfg.Execution.MaxMemory,
		MaxCPU:          cfg.Execution.MaxCPU,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	journal, err := newJournal(cfg, logger)
	if err != nil {
		return nil, err
	}

	var hookTable map[string][]core.HookDefinition
	if hooksFile != nil {
		hookTable = hooksFile.Hooks
	}

	dispatcher, err := hooks.NewDispatcher(hooks.Config{
		Hooks:      hookTable,
		Breaker:    breaker,
		Executor:   executor,
		Logger:     logger,
		Journal:    journal,
		JournalTTL: cfg.Journal.DefaultTTL,
	})
	if err != nil {
		return nil, err
	}

	var store *filestore.Store
	if cfg.FileStore.Root != "" {
		store, err = filestore.NewFromConfig(cfg.FileStore, logger)
		if err != nil {
			return nil, err
		}
	}

	logger.Info("Supervisor assembled", map[string]interface{}{
		"operation":        "supervisor_new",
		"hook_types":       len(hookTable),
		"journal_provider": cfg.Journal.Provider,
		"file_store":       store != nil,
	})

	return &Supervisor{
		config:     cfg,
		logger:     logger,
		breaker:    breaker,
		executor:   executor,
		dispatcher: dispatcher,
		store:      store,
		journal:    journal,
	}, nil
}

func newJournal(cfg *core.Config, logger core.Logger) (core.Memory, error) {
	switch cfg.Journal.Provider {
	case "redis":
		opts := core.RedisJournalOptions{
			RedisURL: cfg.Journal.RedisURL,
			Logger:   logger,
		}
		journal, err := core.NewRedisJournal(opts)
		if err == nil {
			return journal, nil
		}
		if !core.IsRetryable(err) {
			return nil, err
		}

		// A failed ping on a freshly booting host is usually transient;
		// give the dial a few backed-off attempts before giving up.
		logger.Warn("Redis journal dial failed, retrying", map[string]interface{}{
			"operation": "journal_dial_retry",
			"error":     err.Error(),
		})
		retryErr := resilience.Retry(context.Background(), resilience.DefaultRetryConfig(), func() error {
			j, dialErr := core.NewRedisJournal(opts)
			if dialErr != nil {
				return dialErr
			}
			journal = j
			return nil
		})
		if retryErr != nil {
			return nil, retryErr
		}
		return journal, nil
	default:
		store := core.NewMemoryStore(cfg.Journal.MaxEntries)
		store.SetLogger(logger)
		return store, nil
	}
}

// Dispatch routes one event through the hook dispatcher
func (s *Supervisor) Dispatch(ctx context.Context, event hooks.Event) (*hooks.Result, error) {
	return s.dispatcher.Dispatch(ctx, event)
}

// Dispatcher exposes the hook dispatcher
func (s *Supervisor) Dispatcher() *hooks.Dispatcher { return s.dispatcher }

// Breaker exposes the keyed circuit breaker
func (s *Supervisor) Breaker() *resilience.CircuitBreaker { return s.breaker }

// Executor exposes the sandboxed executor
func (s *Supervisor) Executor() *sandbox.Executor { return s.executor }

// FileStore exposes the content-addressed store; nil when no root is
// configured
func (s *Supervisor) FileStore() *filestore.Store { return s.store }

// NewBatchProcessor builds a batch processor from the supervisor's batch
// configuration. The drain function stays caller-supplied: the supervisor
// schedules and retries, the caller decides what a mutation means.
func (s *Supervisor) NewBatchProcessor(fn batch.ProcessorFunc) (*batch.Processor, error) {
	return batch.NewProcessor(batch.Config{
		BatchSize:          s.config.Batch.BatchSize,
		MaxQueueSize:       s.config.Batch.MaxQueueSize,
		RetryLimit:         s.config.Batch.RetryLimit,
		ProcessingInterval: s.config.Batch.ProcessingInterval,
		FlushOnStop:        s.config.Batch.FlushOnStop,
		Logger:             s.logger,
	}, fn)
}

// Shutdown terminates live children and releases the journal
func (s *Supervisor) Shutdown() {
	s.executor.Cleanup()
	s.breaker.ResetAll()
	if closer, ok := s.journal.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn("Journal close failed", map[string]interface{}{
				"operation": "supervisor_shutdown",
				"error":     err.Error(),
			})
		}
	}
	s.logger.Info("Supervisor shut down", map[string]interface{}{
		"operation": "supervisor_shutdown",
	})
}
