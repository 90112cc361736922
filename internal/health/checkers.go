package health

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// degradedLatency marks a backend as degraded when a ping exceeds it.
const degradedLatency = 100 * time.Millisecond

// Pinger is the slice of a backend the ping checkers need. Both the Redis
// thread store and the Postgres run archive satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a backend healthy, degraded on slow pings, or
// unhealthy when unreachable.
type PingChecker struct {
	name     string
	pinger   Pinger
	critical bool
	timeout  time.Duration
}

// NewRedisChecker checks the thread store. Registered only when Redis is
// configured, where losing it breaks thread persistence.
func NewRedisChecker(p Pinger) *PingChecker {
	return &PingChecker{name: "redis", pinger: p, critical: true, timeout: 5 * time.Second}
}

// NewPostgresChecker checks the run archive. Archiving is best-effort, so
// a down archive degrades the service without failing readiness.
func NewPostgresChecker(p Pinger) *PingChecker {
	return &PingChecker{name: "postgres", pinger: p, critical: false, timeout: 5 * time.Second}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := p.pinger.Ping(ctx)
	elapsed := time.Since(start)

	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: p.name + " ping failed",
			Error:   err.Error(),
		}
	}
	if elapsed > degradedLatency {
		return CheckResult{
			Status:  StatusDegraded,
			Message: p.name + " responding with high latency",
		}
	}
	return CheckResult{Status: StatusHealthy, Message: p.name + " healthy"}
}

// ProvidersChecker verifies at least one search provider is configured.
// Without providers the research stage cannot gather evidence.
type ProvidersChecker struct {
	names []string
}

func NewProvidersChecker(names []string) *ProvidersChecker {
	return &ProvidersChecker{names: names}
}

func (p *ProvidersChecker) Name() string           { return "providers" }
func (p *ProvidersChecker) IsCritical() bool       { return true }
func (p *ProvidersChecker) Timeout() time.Duration { return time.Second }

func (p *ProvidersChecker) Check(context.Context) CheckResult {
	if len(p.names) == 0 {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "no search providers configured",
			Error:   "set at least one provider API key",
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d provider(s) enabled: %s", len(p.names), strings.Join(p.names, ", ")),
	}
}
