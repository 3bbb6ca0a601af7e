package sensors

import (
	"github.com/core-tools/hsu-mgmt/pkg/lifecycle"
)

// Service health sensors shared by entities, enrichers and feeds
var (
	ServiceUp = NewAttributeSensor[bool]("service.up",
		"Whether the service is up, computed from service.notUp.indicators")
	ServiceNotUpIndicators = NewMapSensor("service.notUp.indicators",
		"Reasons the service is not up, keyed by the contributor")
	ServiceProblems = NewMapSensor("service.problems",
		"Problems with the service, keyed by the contributor")
	ServiceStateActual = NewAttributeSensor[lifecycle.Lifecycle]("service.state.actual",
		"Actual lifecycle state of the service")
	ServiceStateExpected = NewAttributeSensor[lifecycle.Transition]("service.state.expected",
		"Lifecycle state the entity is expected to be in")
)

// Topology and bookkeeping sensors
var (
	Tags = NewAttributeSensor[[]string]("entity.tags", "Tags attached to the entity")

	ChildAdded    = NewNotificationSensor[string]("entity.child.added", "ID of a child that was added")
	ChildRemoved  = NewNotificationSensor[string]("entity.child.removed", "ID of a child that was removed")
	MemberAdded   = NewNotificationSensor[string]("group.member.added", "ID of a member that was added")
	MemberRemoved = NewNotificationSensor[string]("group.member.removed", "ID of a member that was removed")
	GroupSize     = NewAttributeSensor[int]("group.members.count", "Number of group members")

	Hostname = NewAttributeSensor[string]("host.name", "Host the process runs on")
	PID      = NewAttributeSensor[int]("process.pid", "Process ID")
	Restarts = NewAttributeSensor[int]("service.restarts", "Number of automatic restarts")
)
