package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ralphlite/internal/logging"
	"ralphlite/internal/schema"
)

// DefaultDeadline is the wall-clock budget for one agent invocation.
const DefaultDeadline = 60 * time.Minute

// maxCorrectiveReprompts bounds the schema-error follow-up loop per attempt.
const maxCorrectiveReprompts = 2

// Request describes one task-level invocation, including its fallback chain
// and retry budget.
type Request struct {
	Prompt    string
	SchemaKey string
	Schema    *schema.Schema
	Agents    []string // fallback chain; attempt i uses agents[min(i, len-1)]
	Retries   int      // attempts made: Retries+1
	Attempt   int      // starting attempt index, for callers that retry across frames
	Dir       string   // working directory (workspace path); empty for repo root
	Timeout   time.Duration
}

// Result is a validated invocation outcome.
type Result struct {
	Payload  map[string]any
	AgentID  string
	Attempts int
}

// Invoker drives agent subprocesses through extraction, validation, retry,
// and fallback.
type Invoker struct {
	pool   *Pool
	runner Runner
}

// NewInvoker returns an invoker using the given pool and the real
// subprocess runner.
func NewInvoker(pool *Pool) *Invoker {
	return &Invoker{pool: pool, runner: ExecRunner}
}

// NewInvokerWithRunner injects a runner, for tests.
func NewInvokerWithRunner(pool *Pool, runner Runner) *Invoker {
	return &Invoker{pool: pool, runner: runner}
}

// Invoke runs the request to completion or exhausts its retry budget.
// Attempt i uses the fallback chain with a saturating index; agents
// disabled by the auth breaker are skipped.
func (iv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if len(req.Agents) == 0 {
		return nil, &Error{Kind: KindFailure, Detail: "no agents declared"}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultDeadline
	}

	var lastErr error
	attempts := req.Retries + 1
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCancelled, Err: ctx.Err()}
		}
		agentID, ok := iv.pickAgent(req.Agents, req.Attempt+i)
		if !ok {
			return nil, &Error{Kind: KindFailure, Detail: "all agents in chain unavailable", Err: lastErr}
		}

		res, err := iv.attempt(ctx, agentID, req, timeout)
		if err == nil {
			res.Attempts = i + 1
			return res, nil
		}
		lastErr = err

		var ae *Error
		if errors.As(err, &ae) {
			switch ae.Kind {
			case KindCancelled:
				return nil, err
			case KindAuth:
				// Breaker already tripped; immediate fallback without
				// consuming the failed attempt's slot twice.
				logging.Agent("attempt %d: %s auth failure, falling back", i+1, agentID)
				continue
			case KindRateLimited:
				iv.pool.ReportRateLimit(agentID, ae.RetryAfter)
			}
		}
		logging.Agent("attempt %d/%d for %s failed: %v", i+1, attempts, req.SchemaKey, err)
	}
	return nil, fmt.Errorf("retry budget exhausted for %s: %w", req.SchemaKey, lastErr)
}

// pickAgent applies the saturating fallback index, then scans forward for
// an available agent.
func (iv *Invoker) pickAgent(chain []string, attempt int) (string, bool) {
	start := attempt
	if start >= len(chain) {
		start = len(chain) - 1
	}
	for j := start; j < len(chain); j++ {
		if iv.pool.Available(chain[j]) {
			return chain[j], true
		}
	}
	// The tail is unavailable; try earlier chain entries before giving up.
	for j := 0; j < start; j++ {
		if iv.pool.Available(chain[j]) {
			return chain[j], true
		}
	}
	return "", false
}

// attempt runs one subprocess cycle: execute, extract, validate, with up to
// two corrective re-prompts on schema mismatch and one strict re-prompt
// when no JSON is found at all.
func (iv *Invoker) attempt(ctx context.Context, agentID string, req Request, timeout time.Duration) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := req.Prompt
	repromptsLeft := maxCorrectiveReprompts
	strictUsed := false

	for {
		raw, err := iv.execute(attemptCtx, agentID, req.Dir, prompt)
		if err != nil {
			return nil, err
		}

		payload, extractErr := ExtractJSON(raw)
		if extractErr != nil {
			if strictUsed {
				return nil, &Error{Kind: KindSchema, AgentID: agentID, Detail: "no JSON after strict re-prompt"}
			}
			strictUsed = true
			prompt = strictReprompt(req, raw)
			continue
		}

		valErr := schema.Validate(req.Schema, any(payload))
		if valErr == nil {
			return &Result{Payload: payload, AgentID: agentID}, nil
		}
		if repromptsLeft == 0 {
			return nil, &Error{Kind: KindSchema, AgentID: agentID, Detail: valErr.Error(), Err: valErr}
		}
		repromptsLeft--
		prompt = correctiveReprompt(req, raw, valErr)
	}
}

// execute runs the subprocess once and classifies the raw outcome.
func (iv *Invoker) execute(ctx context.Context, agentID, dir, prompt string) (string, error) {
	spec, ok := iv.pool.Spec(agentID)
	if !ok {
		return "", &Error{Kind: KindFailure, AgentID: agentID, Detail: "unknown agent"}
	}

	res, err := iv.runner(ctx, spec, dir, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return "", classifyContextErr(ctx, agentID)
		}
		return "", &Error{Kind: KindFailure, AgentID: agentID, Err: err}
	}
	if ctx.Err() != nil {
		return "", classifyContextErr(ctx, agentID)
	}
	if res.Truncated {
		return "", &Error{Kind: KindTruncated, AgentID: agentID,
			Detail: fmt.Sprintf("stdout exceeded %d bytes", MaxStdoutBytes)}
	}
	if res.ExitCode != 0 {
		if isAuthSignature(res.Stderr) || res.ExitCode == 401 {
			iv.pool.ReportAuthFailure(agentID)
			return "", &Error{Kind: KindAuth, AgentID: agentID, Detail: firstLine(res.Stderr)}
		}
		if isRateLimitSignature(res.Stderr) {
			return "", &Error{Kind: KindRateLimited, AgentID: agentID, Detail: firstLine(res.Stderr)}
		}
		return "", &Error{Kind: KindFailure, AgentID: agentID,
			Detail: fmt.Sprintf("exit %d: %s", res.ExitCode, firstLine(res.Stderr))}
	}
	if isRateLimitSignature(res.Stderr) {
		return "", &Error{Kind: KindRateLimited, AgentID: agentID, Detail: firstLine(res.Stderr)}
	}
	return res.Stdout, nil
}

func classifyContextErr(ctx context.Context, agentID string) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, AgentID: agentID, Err: ctx.Err()}
	}
	return &Error{Kind: KindCancelled, AgentID: agentID, Err: ctx.Err()}
}

func strictReprompt(req Request, previous string) string {
	return fmt.Sprintf(
		"Your previous reply did not contain a JSON object.\n\nPrevious reply:\n%s\n\n"+
			"Reply with ONLY a single JSON object matching this schema, no prose:\n%s",
		clip(previous, 4000), schema.Describe(req.Schema))
}

func correctiveReprompt(req Request, previous string, valErr error) string {
	return fmt.Sprintf(
		"Your previous JSON reply failed validation: %v\n\nPrevious reply:\n%s\n\n"+
			"Reply with ONLY a corrected JSON object matching this schema:\n%s",
		valErr, clip(previous, 4000), schema.Describe(req.Schema))
}

func isAuthSignature(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "not logged in") ||
		strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "401")
}

func isRateLimitSignature(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
