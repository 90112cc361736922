// Package circuitbreaker shields outbound provider calls. A breaker trips
// open after consecutive failures, rejects calls for a cooldown, then admits
// a probe budget in half-open before closing again.
package circuitbreaker

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "astra_circuit_breaker_state",
			Help: "Current breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)
	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astra_circuit_breaker_requests_total",
			Help: "Requests through the breaker by state and result",
		},
		[]string{"provider", "state", "result"},
	)
	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "astra_circuit_breaker_state_changes_total",
			Help: "Breaker state transitions",
		},
		[]string{"provider", "from_state", "to_state"},
	)
)

// Config holds breaker tuning.
type Config struct {
	MaxRequests      uint32        // probe budget in half-open
	Interval         time.Duration // counter reset interval while closed
	Timeout          time.Duration // open cooldown before half-open
	FailureThreshold uint32        // consecutive failures to trip
	SuccessThreshold uint32        // consecutive successes to close
	OnStateChange    func(provider string, from, to State)
}

// DefaultConfig returns the defaults used for provider breakers, with
// CB_PROVIDER_* environment overrides applied.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_PROVIDER_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_PROVIDER_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_PROVIDER_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_PROVIDER_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_PROVIDER_SUCCESS_THRESHOLD", 2),
	}
}

// Counts holds per-generation statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker protects one provider. Counter generations invalidate results from
// calls that started before the last state change.
type Breaker struct {
	provider string
	config   Config
	logger   *zap.Logger

	mutex      sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New builds a breaker for a provider and registers its metric hooks.
func New(provider string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		provider: provider,
		config:   config,
		logger:   logger,
		state:    StateClosed,
		expiry:   time.Now().Add(config.Interval),
	}
	userHook := b.config.OnStateChange
	b.config.OnStateChange = func(name string, from, to State) {
		breakerStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name).Set(float64(to))
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	breakerState.WithLabelValues(provider).Set(float64(StateClosed))
	return b
}

// Execute runs fn when the breaker admits the call and feeds the outcome
// back into the state machine. A panic in fn counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		breakerRequests.WithLabelValues(b.provider, b.State().String(), "rejected").Inc()
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.afterRequest(generation, err == nil)
	result := "success"
	if err != nil {
		result = "failure"
	}
	breakerRequests.WithLabelValues(b.provider, b.State().String(), result).Inc()
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	now := time.Now()
	if b.state == StateOpen && b.expiry.Before(now) {
		return StateHalfOpen
	}
	return b.state
}

// Counts returns the current generation's statistics.
func (b *Breaker) Counts() Counts {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.counts
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return generation, ErrTooManyRequests
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(before uint64, success bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		if b.counts.ConsecutiveSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.toNewGeneration(now)

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.provider, prev, state)
	}

	b.logger.Info("Circuit breaker state changed",
		zap.String("provider", b.provider),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	var zero time.Time
	switch b.state {
	case StateClosed:
		if b.config.Interval == 0 {
			b.expiry = zero
		} else {
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	default: // StateHalfOpen
		b.expiry = zero
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
