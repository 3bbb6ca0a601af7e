package policies

import (
	"context"
	"fmt"
	"sync"

	"github.com/core-tools/hsu-mgmt/pkg/enrichers"
	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/events"
	"github.com/core-tools/hsu-mgmt/pkg/lifecycle"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
)

// ServiceRestarterTag identifies the restarter on an entity
const ServiceRestarterTag = "policy.service.restarter"

// RestarterFailed is emitted when the restarter gives up on its entity
var RestarterFailed = sensors.NewNotificationSensor[string]("policy.restarter.failed", "The service restarter gave up")

// RestartEffector is the effector the restarter invokes
const RestartEffector = "restart"

// Invoker runs effectors on managed entities
type Invoker interface {
	Invoke(ctx context.Context, entityID, name string, params map[string]any) (*tasks.Task, error)
}

// Subscriber is the part of the event bus the restarter depends on
type Subscriber interface {
	Subscribe(subscriber, producer string, sensor sensors.Sensor, handler events.Handler) events.Handle
	UnsubscribeAll(subscriber string) int
}

// ServiceRestarter invokes restart when its entity goes on fire
type ServiceRestarter struct {
	entity  *entity.Entity
	invoker Invoker
	bus     Subscriber
	breaker *CircuitBreaker
	logger  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex      sync.Mutex
	restarting bool
	failed     bool
}

// AttachServiceRestarter installs the policy on e
func AttachServiceRestarter(e *entity.Entity, invoker Invoker, bus Subscriber, config RestartConfig) (*ServiceRestarter, error) {
	if err := ValidateRestartConfig(config); err != nil {
		return nil, err
	}
	logger := logging.NewChildLogger(e.Logger(), "policy: restarter , ")
	ctx, cancel := context.WithCancel(context.Background())
	r := &ServiceRestarter{
		entity:  e,
		invoker: invoker,
		bus:     bus,
		breaker: NewCircuitBreaker(config, e.ID(), logger),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	e.AddAdjunct(r)
	bus.Subscribe(r.subscriberID(), e.ID(), sensors.ServiceStateActual, r.onState)
	return r, nil
}

func (r *ServiceRestarter) UniqueTag() string {
	return ServiceRestarterTag
}

func (r *ServiceRestarter) subscriberID() string {
	return r.entity.ID() + "/" + ServiceRestarterTag
}

// Breaker exposes the circuit breaker state
func (r *ServiceRestarter) Breaker() *CircuitBreaker {
	return r.breaker
}

// Failed reports whether the restarter gave up
func (r *ServiceRestarter) Failed() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.failed
}

// Reset clears a failure so the restarter acts again
func (r *ServiceRestarter) Reset() {
	r.mutex.Lock()
	r.failed = false
	r.mutex.Unlock()
	r.breaker.Reset()
	enrichers.ClearProblemsIndicator(r.entity, ServiceRestarterTag)
}

func (r *ServiceRestarter) onState(event events.Event) {
	state, ok := event.Value.(lifecycle.Lifecycle)
	if !ok || state != lifecycle.OnFire {
		return
	}

	r.mutex.Lock()
	if r.restarting || r.failed || r.ctx.Err() != nil {
		r.mutex.Unlock()
		return
	}
	r.restarting = true
	r.wg.Add(1)
	r.mutex.Unlock()

	go r.restart()
}

func (r *ServiceRestarter) restart() {
	defer r.wg.Done()

	err := r.breaker.Execute(r.ctx, "entity on fire", func(ctx context.Context) error {
		task, err := r.invoker.Invoke(ctx, r.entity.ID(), RestartEffector, nil)
		if err != nil {
			return err
		}
		_, err = task.GetContext(ctx)
		return err
	})

	r.mutex.Lock()
	r.restarting = false
	giveUp := err != nil && r.breaker.State().IsOpen && r.ctx.Err() == nil
	if giveUp {
		r.failed = true
	}
	r.mutex.Unlock()

	switch {
	case giveUp:
		message := fmt.Sprintf("Restart of %s abandoned: %v", r.entity, err)
		r.logger.Errorf("%s", message)
		enrichers.UpdateProblemsIndicator(r.entity, ServiceRestarterTag, message)
		r.entity.Emit(RestarterFailed, message)
	case err != nil:
		r.logger.Warnf("Restart attempt failed: %v", err)
		r.retryIfStillOnFire()
	default:
		r.logger.Infof("Restart completed")
	}
}

// retryIfStillOnFire handles failures that leave the entity on fire without a
// new state event
func (r *ServiceRestarter) retryIfStillOnFire() {
	state, ok := entity.Attribute(r.entity, sensors.ServiceStateActual)
	if ok && state == lifecycle.OnFire {
		r.onState(events.Event{Sensor: sensors.ServiceStateActual, Producer: r.entity.ID(), Value: state})
	}
}

// Stop unsubscribes and cancels an in-flight restart
func (r *ServiceRestarter) Stop() {
	r.cancel()
	r.bus.UnsubscribeAll(r.subscriberID())
	r.wg.Wait()
}
