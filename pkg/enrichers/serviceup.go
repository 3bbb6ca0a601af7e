package enrichers

import (
	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/events"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// ServiceUpTag identifies the service-up computer on an entity
const ServiceUpTag = "service.isUp from service.notUp.indicators"

// ServiceUpFromNotUpIndicators sets service.up to whether the not-up
// indicators map is empty; an absent map removes service.up
type ServiceUpFromNotUpIndicators struct {
	base
}

// AttachServiceUp subscribes the computer to e and computes service.up once
func AttachServiceUp(e *entity.Entity, bus Subscriber) *ServiceUpFromNotUpIndicators {
	s := &ServiceUpFromNotUpIndicators{base: base{uniqueTag: ServiceUpTag}}
	s.bind(e, bus)
	e.AddAdjunct(s)

	bus.Subscribe(s.subscriberID(), e.ID(), sensors.ServiceNotUpIndicators, s.onEvent)
	s.Update()
	return s
}

func (s *ServiceUpFromNotUpIndicators) onEvent(events.Event) {
	s.Update()
}

// Update recomputes and writes service.up
func (s *ServiceUpFromNotUpIndicators) Update() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.activeLocked() {
		return
	}

	if !s.entity.HasAttribute(sensors.ServiceNotUpIndicators) {
		s.entity.RemoveAttribute(sensors.ServiceUp)
		return
	}
	indicators, _ := entity.Attribute(s.entity, sensors.ServiceNotUpIndicators)
	s.entity.SetAttributeIfChanged(sensors.ServiceUp, len(indicators) == 0)
}

// UpdateNotUpIndicator records why the entity is not up under key
func UpdateNotUpIndicator(e *entity.Entity, key string, reason any) {
	e.UpdateMapSensorEntry(sensors.ServiceNotUpIndicators, key, reason, entity.KeepEmpty)
}

// ClearNotUpIndicator removes the reason recorded under key
func ClearNotUpIndicator(e *entity.Entity, key string) {
	e.UpdateMapSensorEntry(sensors.ServiceNotUpIndicators, key, sensors.Remove, entity.KeepEmpty)
}

// UpdateProblemsIndicator records a problem under key
func UpdateProblemsIndicator(e *entity.Entity, key string, problem any) {
	e.UpdateMapSensorEntry(sensors.ServiceProblems, key, problem, entity.KeepEmpty)
}

// ClearProblemsIndicator removes the problem recorded under key
func ClearProblemsIndicator(e *entity.Entity, key string) {
	e.UpdateMapSensorEntry(sensors.ServiceProblems, key, sensors.Remove, entity.KeepEmpty)
}
