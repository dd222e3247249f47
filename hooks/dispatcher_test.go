package hooks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tallisward/hooksd/core"
	"github.com/tallisward/hooksd/resilience"
	"github.com/tallisward/hooksd/sandbox"
)

func newTestDispatcher(t *testing.T, hooks map[string][]core.HookDefinition, breakerCfg *resilience.Config) (*Dispatcher, *resilience.CircuitBreaker) {
	t.Helper()

	if breakerCfg == nil {
		breakerCfg = resilience.DefaultConfig()
	}
	breaker, err := resilience.NewCircuitBreaker(breakerCfg)
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}

	executor, err := sandbox.NewExecutor(sandbox.Config{
		AllowedCommands: []string{"echo", "env", "ls"},
		Env:             map[string]string{},
	})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	dispatcher, err := NewDispatcher(Config{
		Hooks:    hooks,
		Breaker:  breaker,
		Executor: executor,
	})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	return dispatcher, breaker
}

func testEvent(eventType, tool string) Event {
	return Event{
		Type:      eventType,
		Tool:      tool,
		Data:      map[string]interface{}{},
		Timestamp: time.Now(),
	}
}

func TestDispatcherRequiresCollaborators(t *testing.T) {
	if _, err := NewDispatcher(Config{}); !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestDispatchUninitializedDispatcher(t *testing.T) {
	d := &Dispatcher{}
	if _, err := d.Dispatch(context.Background(), testEvent("pre-tool", "")); !errors.Is(err, core.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
}

func TestDispatchNoHooksReturnsNil(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)

	result, err := d.Dispatch(context.Background(), testEvent("unknown-type", ""))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result != nil {
		t.Errorf("Expected nil result for unmatched event, got %+v", result)
	}
}

func TestDispatchSingleHookSuccess(t *testing.T) {
	hooks := map[string][]core.HookDefinition{
		"pre-tool": {{Matcher: ".*", Command: "echo hook ran", ID: "echo-hook"}},
	}
	d, breaker := newTestDispatcher(t, hooks, nil)

	result, err := d.Dispatch(context.Background(), testEvent("pre-tool", "bash"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result == nil {
		t.Fatal("Expected a result")
	}
	if strings.TrimSpace(result.Output) != "hook ran" {
		t.Errorf("Expected hook output, got %q", result.Output)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if len(result.Results) != 0 {
		t.Error("Single match must not aggregate")
	}

	stats := breaker.Stats("echo-hook")
	if stats.Successes != 1 {
		t.Errorf("Expected breaker success recorded, got %+v", stats)
	}
}

func TestDispatchNonZeroExitReturnsResultAndRecordsFailure(t *testing.T) {
	hooks := map[string][]core.HookDefinition{
		"pre-tool": {{Matcher: ".*", Command: "ls /definitely-not-a-real-path-xyz", ID: "failing-hook"}},
	}
	d, breaker := newTestDispatcher(t, hooks, nil)

	result, err := d.Dispatch(context.Background(), testEvent("pre-tool", "bash"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result == nil {
		t.Fatal("Expected a result despite the failure")
	}
	if result.ExitCode == 0 {
		t.Error("Expected non-zero exit code")
	}
	if result.Error == "" {
		t.Error("Expected stderr in the result")
	}

	stats := breaker.Stats("failing-hook")
	if stats.Failures != 1 {
		t.Errorf("Expected breaker failure recorded, got %+v", stats)
	}
}

func TestDispatchOpenCircuitYieldsSkippedResult(t *testing.T) {
	hooks := map[string][]core.HookDefinition{
		"pre-tool": {{Matcher: ".*", Command: "ls /definitely-not-a-real-path-xyz", ID: "flappy"}},
	}
	cfg := resilience.DefaultConfig()
	cfg.FailureThreshold = 1
	d, breaker := newTestDispatcher(t, hooks, cfg)

	if _, err := d.Dispatch(context.Background(), testEvent("pre-tool", "bash")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got := breaker.State("flappy"); got != resilience.StateOpen {
		t.Fatalf("Expected circuit open, got %s", got)
	}

	result, err := d.Dispatch(context.Background(), testEvent("pre-tool", "bash"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result == nil || !result.Skipped {
		t.Fatalf("Expected skipped result, got %+v", result)
	}
	if result.SkipReason != "Circuit breaker open" {
		t.Errorf("Unexpected skip reason %q", result.SkipReason)
	}
}

func TestDispatchAggregatesMultipleMatches(t *testing.T) {
	hooks := map[string][]core.HookDefinition{
		"post-tool": {
			{Matcher: ".*", Command: "echo first"},
			{Matcher: "bash", Command: "echo second"},
		},
	}
	d, _ := newTestDispatcher(t, hooks, nil)

	result, err := d.Dispatch(context.Background(), testEvent("post-tool", "bash"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result == nil || len(result.Results) != 2 {
		t.Fatalf("Expected aggregate of 2 results, got %+v", result)
	}
	if strings.TrimSpace(result.Results[0].Output) != "first" ||
		strings.TrimSpace(result.Results[1].Output) != "second" {
		t.Errorf("Unexpected aggregated outputs: %+v", result.Results)
	}
}

func TestDispatchMatcherFiltersByTool(t *testing.T) {
	hooks := map[string][]core.HookDefinition{
		"pre-tool": {{Matcher: "^bash$", Command: "echo matched"}},
	}
	d, _ := newTestDispatcher(t, hooks, nil)

	result, err := d.Dispatch(context.Background(), testEvent("pre-tool", "zsh"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result != nil {
		t.Errorf("Expected nil for non-matching tool, got %+v", result)
	}
}

func TestDispatchEventWithoutToolMatchesAll(t *testing.T) {
	hooks := map[string][]core.HookDefinition{
		"session-start": {{Matcher: "^very-specific$", Command: "echo ran"}},
	}
	d, _ := newTestDispatcher(t, hooks, nil)

	result, err := d.Dispatch(context.Background(), testEvent("session-start", ""))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result == nil || strings.TrimSpace(result.Output) != "ran" {
		t.Errorf("Expected hook to run for tool-less event, got %+v", result)
	}
}

func TestDispatchInvalidMatcherIsNonMatching(t *testing.T) {
	hooks := map[string][]core.HookDefinition{
		"pre-tool": {
			{Matcher: "([unclosed", Command: "echo never"},
			{Matcher: ".*", Command: "echo valid"},
		},
	}
	d, _ := newTestDispatcher(t, hooks, nil)

	result, err := d.Dispatch(context.Background(), testEvent("pre-tool", "bash"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result == nil || len(result.Results) != 0 {
		t.Fatalf("Expected only the valid matcher to run, got %+v", result)
	}
	if strings.TrimSpace(result.Output) != "valid" {
		t.Errorf("Expected output from the valid hook, got %q", result.Output)
	}
}

func TestDispatchParsesJSONOutput(t *testing.T) {
	hooks := map[string][]core.HookDefinition{
		"pre-tool": {{Matcher: ".*", Command: `echo '{"decision": "allow"}'`, OutputFormat: "json"}},
	}
	d, _ := newTestDispatcher(t, hooks, nil)

	result, err := d.Dispatch(context.Background(), testEvent("pre-tool", "bash"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	parsed, ok := result.Parsed.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected parsed JSON object, got %T", result.Parsed)
	}
	if parsed["decision"] != "allow" {
		t.Errorf("Unexpected parsed content: %v", parsed)
	}
	if result.ParseError != "" {
		t.Errorf("Unexpected parse error: %s", result.ParseError)
	}
}

func TestDispatchRetainsJSONParseError(t *testing.T) {
	hooks := map[string][]core.HookDefinition{
		"pre-tool": {{Matcher: ".*", Command: "echo not json at all", OutputFormat: "json"}},
	}
	d, _ := newTestDispatcher(t, hooks, nil)

	result, err := d.Dispatch(context.Background(), testEvent("pre-tool", "bash"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.ParseError == "" {
		t.Error("Expected a retained parse error")
	}
	if result.ExitCode != 0 {
		t.Errorf("Parse failure must not fail the hook, got exit %d", result.ExitCode)
	}
}

func TestDispatchDropsSensitiveEnvKeys(t *testing.T) {
	hooks := map[string][]core.HookDefinition{
		"pre-tool": {{Matcher: "bash", Command: "env"}},
	}
	d, _ := newTestDispatcher(t, hooks, nil)

	event := Event{
		Type: "pre-tool",
		Tool: "bash",
		Data: map[string]interface{}{
			"password":   "p",
			"API_TOKEN":  "t",
			"SecretPath": "s",
			"foo":        "bar",
		},
		Timestamp: time.Now(),
	}

	result, err := d.Dispatch(context.Background(), event)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if !strings.Contains(result.Output, "TOOL_INPUT_foo=bar") {
		t.Error("Expected benign data key in child environment")
	}
	for _, leaked := range []string{"password", "PASSWORD", "API_TOKEN", "SecretPath"} {
		if strings.Contains(result.Output, "TOOL_INPUT_"+leaked) {
			t.Errorf("Sensitive key %q leaked into child environment", leaked)
		}
	}
	if !strings.Contains(result.Output, "HOOK_TYPE=pre-tool") {
		t.Error("Expected HOOK_TYPE in child environment")
	}
	if !strings.Contains(result.Output, "TOOL_NAME=bash") {
		t.Error("Expected TOOL_NAME in child environment")
	}
	if !strings.Contains(result.Output, "TIMESTAMP=") {
		t.Error("Expected TIMESTAMP in child environment")
	}
}

func TestDispatchRecordsJournal(t *testing.T) {
	journal := core.NewMemoryStore(10)

	breaker, err := resilience.NewCircuitBreaker(resilience.DefaultConfig())
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}
	executor, err := sandbox.NewExecutor(sandbox.Config{
		AllowedCommands: []string{"echo"},
		Env:             map[string]string{},
	})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	d, err := NewDispatcher(Config{
		Hooks: map[string][]core.HookDefinition{
			"pre-tool": {{Matcher: ".*", Command: "echo journaled", ID: "journaled-hook"}},
		},
		Breaker:  breaker,
		Executor: executor,
		Journal:  journal,
	})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	if _, err := d.Dispatch(context.Background(), testEvent("pre-tool", "bash")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	last, err := d.LastResult(context.Background(), "journaled-hook")
	if err != nil {
		t.Fatalf("LastResult failed: %v", err)
	}
	if last == nil || strings.TrimSpace(last.Output) != "journaled" {
		t.Errorf("Expected journaled result, got %+v", last)
	}
}

func TestHookKeyDerivation(t *testing.T) {
	withID := core.HookDefinition{ID: "explicit", Matcher: "bash"}
	if got := HookKey("pre-tool", withID); got != "explicit" {
		t.Errorf("Expected explicit id, got %q", got)
	}

	withoutID := core.HookDefinition{Matcher: "bash"}
	if got := HookKey("pre-tool", withoutID); got != "pre-tool-bash" {
		t.Errorf("Expected derived key, got %q", got)
	}
}

func TestBuildEnvShaping(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	env := buildEnv(Event{
		Type:      "post-tool",
		Tool:      "grep",
		Data:      map[string]interface{}{"count": 3, "authHeader": "x"},
		Timestamp: ts,
	})

	if env["HOOK_TYPE"] != "post-tool" {
		t.Errorf("Unexpected HOOK_TYPE: %q", env["HOOK_TYPE"])
	}
	if env["TOOL_NAME"] != "grep" {
		t.Errorf("Unexpected TOOL_NAME: %q", env["TOOL_NAME"])
	}
	if env["TIMESTAMP"] != "2025-03-14T09:26:53Z" {
		t.Errorf("Unexpected TIMESTAMP: %q", env["TIMESTAMP"])
	}
	if env["TOOL_INPUT_count"] != "3" {
		t.Errorf("Expected stringified value, got %q", env["TOOL_INPUT_count"])
	}
	if _, ok := env["TOOL_INPUT_authHeader"]; ok {
		t.Error("Sensitive key must not be exposed")
	}
}
