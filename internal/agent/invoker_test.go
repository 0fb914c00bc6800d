package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphlite/internal/config"
	"ralphlite/internal/schema"
)

// scriptedRunner replays canned results keyed by invocation order, recording
// which agent and prompt each call used.
type scriptedRunner struct {
	results []*RunResult
	errs    []error
	agents  []string
	prompts []string
}

func (r *scriptedRunner) run(_ context.Context, spec config.AgentSpec, _ string, prompt string) (*RunResult, error) {
	idx := len(r.agents)
	r.agents = append(r.agents, spec.Model)
	r.prompts = append(r.prompts, prompt)
	if idx >= len(r.results) {
		return &RunResult{Stdout: "{}"}, nil
	}
	if r.errs != nil && r.errs[idx] != nil {
		return nil, r.errs[idx]
	}
	return r.results[idx], nil
}

func testPool() *Pool {
	return NewPool(map[string]config.AgentSpec{
		"primary":  {Type: "claude", Model: "primary-model"},
		"fallback": {Type: "codex", Model: "fallback-model"},
	})
}

func testSchema() *schema.Schema {
	return schema.Object(
		schema.F("passed", schema.Bool()),
		schema.F("output", schema.String()),
	)
}

func request(retries int) Request {
	return Request{
		Prompt:    "run the tests",
		SchemaKey: "test_results",
		Schema:    testSchema(),
		Agents:    []string{"primary", "fallback"},
		Retries:   retries,
		Timeout:   time.Minute,
	}
}

func TestInvokeHappyPath(t *testing.T) {
	r := &scriptedRunner{results: []*RunResult{{Stdout: `{"passed": true, "output": "ok"}`}}}
	iv := NewInvokerWithRunner(testPool(), r.run)

	res, err := iv.Invoke(context.Background(), request(0))
	require.NoError(t, err)
	assert.Equal(t, "primary", res.AgentID)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, true, res.Payload["passed"])
}

func TestInvokeCorrectiveRepromptOnSchemaMismatch(t *testing.T) {
	r := &scriptedRunner{results: []*RunResult{
		{Stdout: `{"passed": "yes", "output": "ok"}`}, // wrong type
		{Stdout: `{"passed": true, "output": "ok"}`},  // corrected
	}}
	iv := NewInvokerWithRunner(testPool(), r.run)

	res, err := iv.Invoke(context.Background(), request(0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts, "re-prompts stay inside one attempt")
	require.Len(t, r.prompts, 2)
	assert.Contains(t, r.prompts[1], "failed validation")
	assert.Contains(t, r.prompts[1], "$.passed")
}

func TestInvokeStrictRepromptWhenNoJSON(t *testing.T) {
	r := &scriptedRunner{results: []*RunResult{
		{Stdout: "working on it, no json here"},
		{Stdout: `{"passed": false, "output": "boom"}`},
	}}
	iv := NewInvokerWithRunner(testPool(), r.run)

	res, err := iv.Invoke(context.Background(), request(0))
	require.NoError(t, err)
	assert.Equal(t, false, res.Payload["passed"])
	assert.Contains(t, r.prompts[1], "did not contain a JSON object")
}

func TestInvokeGivesUpAfterTwoCorrectiveReprompts(t *testing.T) {
	bad := &RunResult{Stdout: `{"passed": "nope", "output": "x"}`}
	r := &scriptedRunner{results: []*RunResult{bad, bad, bad}}
	iv := NewInvokerWithRunner(testPool(), r.run)

	_, err := iv.Invoke(context.Background(), request(0))
	require.Error(t, err)
	assert.Len(t, r.prompts, 3, "initial + two corrective re-prompts")
}

func TestInvokeFallbackChainSaturates(t *testing.T) {
	fail := &RunResult{ExitCode: 1, Stderr: "boom"}
	ok := &RunResult{Stdout: `{"passed": true, "output": "ok"}`}
	r := &scriptedRunner{results: []*RunResult{fail, fail, ok}}
	iv := NewInvokerWithRunner(testPool(), r.run)

	res, err := iv.Invoke(context.Background(), request(2))
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.AgentID)
	// Attempt 1 -> primary, attempts 2 and 3 saturate on the last element.
	assert.Equal(t, []string{"primary-model", "fallback-model", "fallback-model"}, r.agents)
}

func TestInvokeAuthFailureDisablesAgent(t *testing.T) {
	auth := &RunResult{ExitCode: 1, Stderr: "error: not logged in"}
	ok := &RunResult{Stdout: `{"passed": true, "output": "ok"}`}
	r := &scriptedRunner{results: []*RunResult{auth, ok}}
	pool := testPool()
	iv := NewInvokerWithRunner(pool, r.run)

	res, err := iv.Invoke(context.Background(), request(1))
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.AgentID)
	assert.False(t, pool.Available("primary"), "auth breaker stays open for the run")
}

func TestInvokeTruncationIsStructuredError(t *testing.T) {
	r := &scriptedRunner{results: []*RunResult{{Stdout: "x", Truncated: true}}}
	iv := NewInvokerWithRunner(testPool(), r.run)

	_, err := iv.Invoke(context.Background(), request(0))
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindTruncated, ae.Kind)
}

func TestInvokeCancelledStopsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &scriptedRunner{}
	iv := NewInvokerWithRunner(testPool(), r.run)

	_, err := iv.Invoke(ctx, request(3))
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindCancelled, ae.Kind)
	assert.Empty(t, r.agents, "no subprocess spawned after cancellation")
}

func TestRateLimitRecordedInPool(t *testing.T) {
	rl := &RunResult{ExitCode: 1, Stderr: "429 too many requests"}
	r := &scriptedRunner{results: []*RunResult{rl}}
	pool := testPool()
	iv := NewInvokerWithRunner(pool, r.run)

	_, err := iv.Invoke(context.Background(), request(0))
	require.Error(t, err)
	assert.False(t, pool.Available("primary"))
	limits := pool.RateLimits()
	require.Len(t, limits, 1)
	assert.Equal(t, "primary", limits[0].AgentID)
}
