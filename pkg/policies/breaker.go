// Package policies react to entity sensors by invoking effectors.
package policies

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
)

// RestartConfig bounds automatic restarts
type RestartConfig struct {
	MaxRetries  int           `yaml:"max_retries" toml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay" toml:"retry_delay"`
	BackoffRate float64       `yaml:"backoff_rate" toml:"backoff_rate"`
	// Window is how long after the last restart attempts are forgotten; zero keeps them forever
	Window time.Duration `yaml:"window,omitempty" toml:"window"`
}

// DefaultRestartConfig allows three restarts with exponential backoff
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{MaxRetries: 3, RetryDelay: time.Second, BackoffRate: 2.0, Window: 10 * time.Minute}
}

// ValidateRestartConfig validates restart configuration
func ValidateRestartConfig(config RestartConfig) error {
	if config.MaxRetries < 0 {
		return errors.NewValidationError("max retries cannot be negative", nil)
	}
	if config.RetryDelay < 0 {
		return errors.NewValidationError("retry delay cannot be negative", nil)
	}
	if config.BackoffRate < 1.0 {
		return errors.NewValidationError("backoff rate must be at least 1.0", nil)
	}
	if config.Window < 0 {
		return errors.NewValidationError("window cannot be negative", nil)
	}
	return nil
}

// BreakerState describes the circuit breaker
type BreakerState struct {
	IsOpen          bool      `json:"is_open"`
	RestartAttempts int       `json:"restart_attempts"`
	LastRestartTime time.Time `json:"last_restart_time"`
	LastReason      string    `json:"last_reason,omitempty"`
}

// CircuitBreaker runs restarts with backoff and opens once MaxRetries
// attempts happened within the window
type CircuitBreaker struct {
	config RestartConfig
	id     string
	logger logging.Logger

	mutex    sync.Mutex
	attempts int
	last     time.Time
	open     bool
	reason   string
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(config RestartConfig, id string, logger logging.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CircuitBreaker{config: config, id: id, logger: logger}
}

// Execute waits out the backoff delay and calls restart, unless the breaker
// is or becomes open
func (b *CircuitBreaker) Execute(ctx context.Context, reason string, restart func(ctx context.Context) error) error {
	b.mutex.Lock()
	b.reason = reason
	if b.open {
		b.mutex.Unlock()
		b.logger.Errorf("Circuit breaker is open, ignoring restart request, id: %s, reason: %s", b.id, reason)
		return errors.NewConflictError("restart circuit breaker is open", nil).WithContext("id", b.id)
	}
	if b.config.Window > 0 && b.attempts > 0 && time.Since(b.last) > b.config.Window {
		b.logger.Infof("Restart window elapsed, forgetting %d attempts, id: %s", b.attempts, b.id)
		b.attempts = 0
	}
	if b.config.MaxRetries > 0 && b.attempts >= b.config.MaxRetries {
		b.open = true
		b.mutex.Unlock()
		b.logger.Errorf("Max restart retries exceeded, opening circuit breaker, id: %s, attempts: %d", b.id, b.config.MaxRetries)
		return errors.NewConflictError("max restart retries exceeded", nil).WithContext("id", b.id)
	}

	delay := b.config.RetryDelay
	for i := 0; i < b.attempts; i++ {
		delay = time.Duration(float64(delay) * b.config.BackoffRate)
	}
	wait := time.Duration(0)
	if b.attempts > 0 {
		wait = delay - time.Since(b.last)
	}
	b.attempts++
	b.last = time.Now()
	attempt := b.attempts
	b.mutex.Unlock()

	if wait > 0 {
		b.logger.Infof("Enforcing retry delay, id: %s, attempt: %d, waiting: %v", b.id, attempt, wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.NewCancelledError("restart cancelled during backoff", ctx.Err())
		}
	}

	b.logger.Warnf("Proceeding with restart, id: %s, attempt: %d/%d, reason: %s", b.id, attempt, b.config.MaxRetries, reason)
	if err := restart(ctx); err != nil {
		b.logger.Errorf("Failed to restart, id: %s, error: %v", b.id, err)
		return err
	}
	b.mutex.Lock()
	b.last = time.Now()
	b.mutex.Unlock()
	return nil
}

// Reset closes the breaker and forgets attempts
func (b *CircuitBreaker) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.attempts = 0
	b.open = false
	b.last = time.Time{}
	b.reason = ""
}

// State returns a snapshot of the breaker
func (b *CircuitBreaker) State() BreakerState {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return BreakerState{IsOpen: b.open, RestartAttempts: b.attempts, LastRestartTime: b.last, LastReason: b.reason}
}
