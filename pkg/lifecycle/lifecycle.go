// Package lifecycle defines the coarse operational state machine of an entity.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
)

// Lifecycle is the operational state of an entity
type Lifecycle string

const (
	Created   Lifecycle = "created"
	Starting  Lifecycle = "starting"
	Running   Lifecycle = "running"
	Stopping  Lifecycle = "stopping"
	Stopped   Lifecycle = "stopped"
	Destroyed Lifecycle = "destroyed"
	OnFire    Lifecycle = "on-fire"
)

// Values lists every state in declaration order
func Values() []Lifecycle {
	return []Lifecycle{Created, Starting, Running, Stopping, Stopped, Destroyed, OnFire}
}

// Parse accepts the canonical names as well as the upper-case forms (ON_FIRE)
func Parse(s string) (Lifecycle, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, state := range Values() {
		if string(state) == normalized {
			return state, nil
		}
	}
	return "", errors.NewValidationError(fmt.Sprintf("unknown lifecycle state: %q", s), nil)
}

func (l Lifecycle) String() string {
	return string(l)
}

// MarshalText implements encoding.TextMarshaler
func (l Lifecycle) MarshalText() ([]byte, error) {
	return []byte(l), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *Lifecycle) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Transition records an expected state and when it was requested
type Transition struct {
	State     Lifecycle `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTransition stamps state with the current time
func NewTransition(state Lifecycle) Transition {
	return Transition{State: state, Timestamp: time.Now()}
}

func (t Transition) String() string {
	return fmt.Sprintf("%s @ %s", t.State, t.Timestamp.Format(time.RFC3339))
}
