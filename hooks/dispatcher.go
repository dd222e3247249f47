// Package hooks maps incoming tool/agent events onto configured commands.
//
// The dispatcher finds the hooks registered for an event type, matches
// them against the event's tool, and runs each matching command through
// the circuit breaker and the sandbox. Results are aggregated; a hook
// whose circuit is open is reported as skipped rather than failing the
// whole dispatch.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tallisward/hooksd/core"
	"github.com/tallisward/hooksd/resilience"
	"github.com/tallisward/hooksd/sandbox"
)

// Event is one tool/agent event delivered to the dispatcher
type Event struct {
	Type      string                 `json:"type"`
	Tool      string                 `json:"tool,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Result is the outcome of dispatching an event. Exactly one shape is
// populated: a single execution outcome, a skip marker, or an aggregate
// when more than one hook matched.
type Result struct {
	Output     string      `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	ExitCode   int         `json:"exitCode"`
	Parsed     interface{} `json:"parsed,omitempty"`
	ParseError string      `json:"parseError,omitempty"`

	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skipReason,omitempty"`

	Results []Result `json:"results,omitempty"`
}

// sensitiveKeyPatterns are matched case-insensitively against event data
// keys; a matching key's value never reaches a child environment.
var sensitiveKeyPatterns = []string{
	"password", "secret", "token", "key", "auth", "credential",
}

// Config wires the dispatcher's collaborators
type Config struct {
	// Hooks maps event type to its hook definitions
	Hooks map[string][]core.HookDefinition

	// Breaker admits each hook execution under the hook's key
	Breaker *resilience.CircuitBreaker

	// Executor runs the hook commands
	Executor *sandbox.Executor

	// Logger for dispatch events
	Logger core.Logger

	// Journal optionally records the latest result per hook key
	Journal core.Memory

	// JournalTTL bounds how long journal entries live; 0 means no expiry
	JournalTTL time.Duration
}

// Dispatcher routes events to matching hooks
type Dispatcher struct {
	mu       sync.RWMutex
	hooks    map[string][]core.HookDefinition
	matchers map[string]*cachedMatcher

	breaker    *resilience.CircuitBreaker
	executor   *sandbox.Executor
	logger     core.Logger
	journal    core.Memory
	journalTTL time.Duration

	initialized bool
}

// cachedMatcher holds one compiled matcher. Compilation failures are
// cached too, so a bad pattern is logged once, not per event.
type cachedMatcher struct {
	re  *regexp.Regexp
	err error
}

// NewDispatcher creates a dispatcher from its collaborators
func NewDispatcher(config Config) (*Dispatcher, error) {
	if config.Breaker == nil || config.Executor == nil {
		return nil, fmt.Errorf("%w: dispatcher requires a breaker and an executor", core.ErrInvalidConfiguration)
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("hooksd/hooks")
	}

	hooks := config.Hooks
	if hooks == nil {
		hooks = map[string][]core.HookDefinition{}
	}

	return &Dispatcher{
		hooks:       hooks,
		matchers:    make(map[string]*cachedMatcher),
		breaker:     config.Breaker,
		executor:    config.Executor,
		logger:      logger,
		journal:     config.Journal,
		journalTTL:  config.JournalTTL,
		initialized: true,
	}, nil
}

// UpdateHooks replaces the hook table, e.g. after a config reload
func (d *Dispatcher) UpdateHooks(hooks map[string][]core.HookDefinition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hooks == nil {
		hooks = map[string][]core.HookDefinition{}
	}
	d.hooks = hooks
}

// HookKey derives the circuit breaker key for a hook definition
func HookKey(eventType string, def core.HookDefinition) string {
	if def.ID != "" {
		return def.ID
	}
	return eventType + "-" + def.Matcher
}

// Dispatch routes one event. Returns nil when no hook matched, the single
// result when exactly one hook matched, and an aggregate otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) (*Result, error) {
	d.mu.RLock()
	initialized := d.initialized
	defs := d.hooks[event.Type]
	d.mu.RUnlock()

	if !initialized {
		return nil, fmt.Errorf("hook dispatcher: %w", core.ErrNotInitialized)
	}
	if len(defs) == 0 {
		return nil, nil
	}

	matching := d.matchingHooks(event, defs)
	if len(matching) == 0 {
		return nil, nil
	}

	d.logger.Debug("Dispatching event", map[string]interface{}{
		"operation":      "hook_dispatch",
		"event_type":     event.Type,
		"tool":           event.Tool,
		"matching_hooks": len(matching),
	})

	env := buildEnv(event)
	results := make([]Result, 0, len(matching))

	for _, def := range matching {
		hookID := HookKey(event.Type, def)
		results = append(results, d.runHook(ctx, hookID, def, env))
	}

	if len(results) == 1 {
		return &results[0], nil
	}
	return &Result{Results: results}, nil
}

// runHook executes one hook under its circuit and shapes the outcome
func (d *Dispatcher) runHook(ctx context.Context, hookID string, def core.HookDefinition, env map[string]string) Result {
	payload, err := d.breaker.Execute(ctx, hookID, func(ctx context.Context) (interface{}, error) {
		execResult, execErr := d.executor.Execute(ctx, def.Command, env)
		if execErr != nil {
			return nil, execErr
		}

		result := Result{
			Output:   execResult.Stdout,
			Error:    execResult.Stderr,
			ExitCode: execResult.ExitCode,
		}

		if def.OutputFormat == "json" {
			trimmed := strings.TrimSpace(result.Output)
			if trimmed != "" {
				var parsed interface{}
				if jsonErr := json.Unmarshal([]byte(trimmed), &parsed); jsonErr != nil {
					result.ParseError = jsonErr.Error()
				} else {
					result.Parsed = parsed
				}
			}
		}

		// A non-zero exit counts as a failure for the circuit while the
		// result still travels back to the caller.
		if result.ExitCode != 0 {
			return result, fmt.Errorf("hook %q exited with code %d", hookID, result.ExitCode)
		}
		return result, nil
	})

	var result Result
	switch {
	case err == nil:
		result = payload.(Result)
	case errors.Is(err, core.ErrCircuitBreakerOpen):
		d.logger.Info("Hook skipped, circuit open", map[string]interface{}{
			"operation": "hook_skipped",
			"hook_id":   hookID,
		})
		result = Result{Skipped: true, SkipReason: "Circuit breaker open"}
	default:
		if r, ok := payload.(Result); ok {
			result = r
		} else {
			d.logger.Error("Hook execution failed", map[string]interface{}{
				"operation": "hook_failed",
				"hook_id":   hookID,
				"error":     err.Error(),
			})
			result = Result{Error: err.Error(), ExitCode: 1}
		}
	}

	d.recordJournal(ctx, hookID, result)
	return result
}

// recordJournal stores the latest result per hook key, best effort
func (d *Dispatcher) recordJournal(ctx context.Context, hookID string, result Result) {
	if d.journal == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := d.journal.Set(ctx, hookID, string(data), d.journalTTL); err != nil {
		d.logger.Warn("Journal write failed", map[string]interface{}{
			"operation": "journal_write",
			"hook_id":   hookID,
			"error":     err.Error(),
		})
	}
}

// LastResult returns the most recent journaled result for a hook key, or
// nil when the journal is disabled or holds nothing for the key.
func (d *Dispatcher) LastResult(ctx context.Context, hookID string) (*Result, error) {
	if d.journal == nil {
		return nil, nil
	}
	raw, err := d.journal.Get(ctx, hookID)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("journal entry for %q is corrupt: %w", hookID, err)
	}
	return &result, nil
}

// matchingHooks filters defs down to the ones whose matcher accepts the
// event's tool. An event without a tool matches every hook of its type.
func (d *Dispatcher) matchingHooks(event Event, defs []core.HookDefinition) []core.HookDefinition {
	if event.Tool == "" {
		return defs
	}

	matching := make([]core.HookDefinition, 0, len(defs))
	for _, def := range defs {
		re, err := d.compileMatcher(def.Matcher)
		if err != nil {
			continue
		}
		if re.MatchString(event.Tool) {
			matching = append(matching, def)
		}
	}
	return matching
}

// compileMatcher returns the cached compiled matcher for a pattern
func (d *Dispatcher) compileMatcher(pattern string) (*regexp.Regexp, error) {
	d.mu.RLock()
	cached, ok := d.matchers[pattern]
	d.mu.RUnlock()
	if ok {
		return cached.re, cached.err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		d.logger.Warn("Invalid hook matcher, treating as non-matching", map[string]interface{}{
			"operation": "matcher_compile_failed",
			"matcher":   pattern,
			"error":     err.Error(),
		})
	}

	d.mu.Lock()
	d.matchers[pattern] = &cachedMatcher{re: re, err: err}
	d.mu.Unlock()
	return re, err
}

// buildEnv shapes the child environment for an event. Sensitive data keys
// are dropped; everything else is exposed as TOOL_INPUT_<key>.
func buildEnv(event Event) map[string]string {
	env := map[string]string{
		"HOOK_TYPE": event.Type,
		"TIMESTAMP": event.Timestamp.UTC().Format(time.RFC3339),
	}
	if event.Tool != "" {
		env["TOOL_NAME"] = event.Tool
	}
	for k, v := range event.Data {
		if isSensitiveKey(k) {
			continue
		}
		env["TOOL_INPUT_"+k] = fmt.Sprintf("%v", v)
	}
	return env
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
