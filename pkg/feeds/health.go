// Package feeds poll external state and publish it as entity sensors.
package feeds

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-mgmt/pkg/enrichers"
	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
	"github.com/core-tools/hsu-mgmt/pkg/process"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// HealthFeedTag identifies the health feed on an entity
const HealthFeedTag = "feed.health"

// NotUpIndicatorKey is the service.notUp.indicators entry owned by the feed
const NotUpIndicatorKey = "health.check"

type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

var (
	HealthStatus  = sensors.NewAttributeSensor[string]("service.health.status", "Result of the last health checks")
	HealthMessage = sensors.NewAttributeSensor[string]("service.health.message", "Message of the last health check")
)

// CheckFunc is a custom check; ok reports health, message explains it
type CheckFunc func(ctx context.Context, e *entity.Entity) (ok bool, message string)

// State is the feed's view of the check history
type State struct {
	Status               Status
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// HealthFeed runs a health check on an interval and reflects the result on
// its entity: service.health.status always, and a not-up indicator once the
// failure threshold is reached. Entities without the service-up enricher get
// service.up written directly.
type HealthFeed struct {
	entity *entity.Entity
	config HealthCheckConfig
	check  CheckFunc
	logger logging.Logger

	mutex    sync.Mutex
	state    State
	stopChan chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// Option configures a HealthFeed
type Option func(*HealthFeed)

// WithCheckFunc supplies the check for CheckTypeFunc
func WithCheckFunc(check CheckFunc) Option {
	return func(f *HealthFeed) {
		f.check = check
	}
}

// NewHealthFeed validates config and builds an unstarted feed for e
func NewHealthFeed(e *entity.Entity, config HealthCheckConfig, opts ...Option) (*HealthFeed, error) {
	setRunOptionsDefaults(&config.RunOptions)
	if err := ValidateHealthCheckConfig(config); err != nil {
		return nil, err
	}
	f := &HealthFeed{
		entity:   e,
		config:   config,
		logger:   logging.NewChildLogger(e.Logger(), "feed: health , "),
		state:    State{Status: StatusUnknown},
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if config.Type == CheckTypeFunc && f.check == nil {
		return nil, errors.NewValidationError("func health check requires a check function", nil)
	}
	return f, nil
}

// AttachHealthFeed builds the feed, registers it on e and starts polling
func AttachHealthFeed(e *entity.Entity, config HealthCheckConfig, opts ...Option) (*HealthFeed, error) {
	f, err := NewHealthFeed(e, config, opts...)
	if err != nil {
		return nil, err
	}
	e.AddAdjunct(f)
	f.Start()
	return f, nil
}

func (f *HealthFeed) UniqueTag() string {
	return HealthFeedTag
}

// Start launches the polling loop
func (f *HealthFeed) Start() {
	f.logger.Infof("Starting health feed, type: %s, interval: %v", f.config.Type, f.config.RunOptions.Interval)
	f.wg.Add(1)
	go f.loop()
}

// Stop ends polling and waits for an in-flight check
func (f *HealthFeed) Stop() {
	f.mutex.Lock()
	if f.stopped {
		f.mutex.Unlock()
		return
	}
	f.stopped = true
	close(f.stopChan)
	f.mutex.Unlock()
	f.wg.Wait()
	f.logger.Infof("Health feed stopped")
}

// State returns a copy of the current state
func (f *HealthFeed) State() State {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.state
}

func (f *HealthFeed) loop() {
	defer f.wg.Done()

	if f.config.RunOptions.InitialDelay > 0 {
		select {
		case <-time.After(f.config.RunOptions.InitialDelay):
		case <-f.stopChan:
			return
		}
	}

	ticker := time.NewTicker(f.config.RunOptions.Interval)
	defer ticker.Stop()

	f.Poll()
	for {
		select {
		case <-ticker.C:
			f.Poll()
		case <-f.stopChan:
			return
		}
	}
}

// Poll runs one check and publishes its outcome
func (f *HealthFeed) Poll() {
	ctx, cancel := context.WithTimeout(context.Background(), f.config.RunOptions.Timeout)
	defer cancel()

	var healthy bool
	var message string
	switch f.config.Type {
	case CheckTypeHTTP:
		healthy, message = f.checkHTTP(ctx)
	case CheckTypeGRPC:
		healthy, message = f.checkGRPC(ctx)
	case CheckTypeTCP:
		healthy, message = f.checkTCP(ctx)
	case CheckTypeExec:
		healthy, message = f.checkExec(ctx)
	case CheckTypeProcess:
		healthy, message = f.checkProcess()
	case CheckTypeFunc:
		healthy, message = f.check(ctx, f.entity)
	}
	f.update(healthy, message)
}

func (f *HealthFeed) update(healthy bool, message string) {
	f.mutex.Lock()
	if f.stopped {
		f.mutex.Unlock()
		return
	}
	previous := f.state.Status
	f.state.LastCheck = time.Now()
	f.state.Message = message
	if healthy {
		f.state.ConsecutiveSuccesses++
		f.state.ConsecutiveFailures = 0
		f.state.Status = StatusHealthy
	} else {
		f.state.ConsecutiveFailures++
		f.state.ConsecutiveSuccesses = 0
		if f.state.ConsecutiveFailures >= f.config.RunOptions.FailureThreshold {
			f.state.Status = StatusUnhealthy
		} else {
			f.state.Status = StatusDegraded
		}
	}
	status := f.state.Status
	failures := f.state.ConsecutiveFailures
	f.mutex.Unlock()

	if status != previous {
		if healthy {
			f.logger.Infof("Health check recovered, previous: %s", previous)
		} else {
			f.logger.Warnf("Health status changed, %s->%s, consecutive_failures: %d, message: %s",
				previous, status, failures, message)
		}
	}

	f.entity.SetAttributeIfChanged(HealthStatus, string(status))
	f.entity.SetAttributeIfChanged(HealthMessage, message)

	switch status {
	case StatusHealthy:
		enrichers.ClearNotUpIndicator(f.entity, NotUpIndicatorKey)
		f.writeServiceUp(true)
	case StatusUnhealthy:
		enrichers.UpdateNotUpIndicator(f.entity, NotUpIndicatorKey, message)
		f.writeServiceUp(false)
	}
}

func (f *HealthFeed) writeServiceUp(up bool) {
	for _, a := range f.entity.Adjuncts() {
		if a.UniqueTag() == enrichers.ServiceUpTag {
			return
		}
	}
	f.entity.SetAttributeIfChanged(sensors.ServiceUp, up)
}

func (f *HealthFeed) checkHTTP(ctx context.Context) (bool, string) {
	method := f.config.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, f.config.HTTP.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("Failed to create HTTP request: %v", err)
	}
	for key, value := range f.config.HTTP.Headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, fmt.Sprintf("HTTP health check passed: %s", resp.Status)
	}
	return false, fmt.Sprintf("HTTP health check failed: %s", resp.Status)
}

func (f *HealthFeed) checkGRPC(ctx context.Context) (bool, string) {
	conn, err := grpc.NewClient(f.config.GRPC.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Sprintf("gRPC connection failed: %v", err)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: f.config.GRPC.Service})
	if err != nil {
		return false, fmt.Sprintf("gRPC health check failed: %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return false, fmt.Sprintf("gRPC service status %s", resp.GetStatus())
	}
	return true, "gRPC service serving"
}

func (f *HealthFeed) checkTCP(ctx context.Context) (bool, string) {
	address := net.JoinHostPort(f.config.TCP.Address, fmt.Sprint(f.config.TCP.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	conn.Close()
	return true, fmt.Sprintf("TCP connection successful to %s", address)
}

func (f *HealthFeed) checkExec(ctx context.Context) (bool, string) {
	output, err := exec.CommandContext(ctx, f.config.Exec.Command, f.config.Exec.Args...).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return false, fmt.Sprintf("Exec health check timed out after %v", f.config.RunOptions.Timeout)
	}
	if err != nil {
		return false, fmt.Sprintf("Exec health check failed: %v, output: %s", err, output)
	}
	return true, "Exec health check passed"
}

// checkProcess reads the PID from the entity's process.pid sensor
func (f *HealthFeed) checkProcess() (bool, string) {
	pid, ok := entity.Attribute(f.entity, sensors.PID)
	if !ok {
		return false, "No process PID published"
	}
	running, err := process.IsRunning(pid)
	if err != nil {
		return false, fmt.Sprintf("Process check failed for PID %d: %v", pid, err)
	}
	if !running {
		return false, fmt.Sprintf("Process not running: PID %d", pid)
	}
	return true, fmt.Sprintf("Process is running: PID %d", pid)
}
