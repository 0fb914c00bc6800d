package agent

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"ralphlite/internal/config"
	"ralphlite/internal/logging"
)

// RateLimit records when a rate-limited agent becomes assignable again.
type RateLimit struct {
	AgentID    string
	ResumeAtMs int64
}

// Pool tracks per-run agent availability: auth circuit breakers and
// rate-limit resume times. An agent whose breaker is open stays disabled
// for the rest of the run.
type Pool struct {
	mu       sync.Mutex
	agents   map[string]config.AgentSpec
	breakers map[string]*gobreaker.CircuitBreaker
	resumeAt map[string]time.Time
	now      func() time.Time
}

// NewPool builds a pool from the configured agent map.
func NewPool(agents map[string]config.AgentSpec) *Pool {
	p := &Pool{
		agents:   agents,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		resumeAt: make(map[string]time.Time),
		now:      time.Now,
	}
	for id := range agents {
		// One auth failure trips the breaker; the timeout outlives any
		// plausible run so it never half-opens.
		p.breakers[id] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    id,
			Timeout: 24 * time.Hour,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 1
			},
		})
	}
	return p
}

// Spec returns the configuration for an agent id.
func (p *Pool) Spec(id string) (config.AgentSpec, bool) {
	spec, ok := p.agents[id]
	return spec, ok
}

// Available reports whether an agent may be assigned work right now.
func (p *Pool) Available(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[id]; !ok {
		return false
	}
	if br, ok := p.breakers[id]; ok && br.State() == gobreaker.StateOpen {
		return false
	}
	if until, ok := p.resumeAt[id]; ok && p.now().Before(until) {
		return false
	}
	return true
}

// ReportAuthFailure trips the agent's breaker, disabling it for the run.
func (p *Pool) ReportAuthFailure(id string) {
	p.mu.Lock()
	br, ok := p.breakers[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	_, _ = br.Execute(func() (any, error) {
		return nil, &Error{Kind: KindAuth, AgentID: id}
	})
	logging.Agent("agent %s disabled for run after auth failure", id)
}

// ReportRateLimit records when the agent may be assigned work again.
func (p *Pool) ReportRateLimit(id string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	p.mu.Lock()
	p.resumeAt[id] = p.now().Add(retryAfter)
	p.mu.Unlock()
	logging.Agent("agent %s rate limited, resumes in %v", id, retryAfter)
}

// SetResumeAt applies a scheduler-reported resume time directly.
func (p *Pool) SetResumeAt(id string, resumeAtMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumeAt[id] = time.UnixMilli(resumeAtMs)
}

// RateLimits returns the currently active rate limits.
func (p *Pool) RateLimits() []RateLimit {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []RateLimit
	for id, until := range p.resumeAt {
		if p.now().Before(until) {
			out = append(out, RateLimit{AgentID: id, ResumeAtMs: until.UnixMilli()})
		}
	}
	return out
}

// IDs returns every configured agent id.
func (p *Pool) IDs() []string {
	out := make([]string, 0, len(p.agents))
	for id := range p.agents {
		out = append(out, id)
	}
	return out
}
