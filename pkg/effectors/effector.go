// Package effectors declares entity operations, binds their parameters and
// turns invocations into tagged tasks.
package effectors

import (
	"fmt"
	"reflect"

	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
)

// Parameter declares one named effector argument
type Parameter struct {
	Name        string
	Type        string
	Description string
	Default     any
	Required    bool
	coerce      func(any) (any, error)
}

// ParameterOption configures a Parameter
type ParameterOption func(*Parameter)

// WithDefault is used when the caller omits the parameter
func WithDefault(value any) ParameterOption {
	return func(p *Parameter) {
		p.Default = value
	}
}

// Required makes omission a missing_parameter error
func Required() ParameterOption {
	return func(p *Parameter) {
		p.Required = true
	}
}

// Param declares a parameter of type T
func Param[T any](name, description string, opts ...ParameterOption) Parameter {
	key := sensors.NewConfigKey[T](name, description)
	p := Parameter{
		Name:        name,
		Type:        key.TypeName(),
		Description: description,
		coerce:      key.Coerce,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func (p Parameter) equal(other Parameter) bool {
	return p.Name == other.Name &&
		p.Type == other.Type &&
		p.Description == other.Description &&
		p.Required == other.Required &&
		reflect.DeepEqual(p.Default, other.Default)
}

// Params are bound arguments keyed by parameter name
type Params map[string]any

// Get returns a bound argument as T; ok is false when absent or of another type
func Get[T any](params Params, name string) (T, bool) {
	var zero T
	value, found := params[name]
	if !found || value == nil {
		return zero, false
	}
	typed, err := sensors.Coerce[T](value)
	if err != nil {
		return zero, false
	}
	return typed, true
}

// MainFunc is the body of an effector
type MainFunc func(tc *tasks.Context, e *entity.Entity, params Params) (any, error)

// TaskFactory builds the whole task for an invocation, for effectors that
// need more than a body
type TaskFactory interface {
	NewTask(e *entity.Entity, eff *Effector, params Params) *tasks.Task
}

// Effector is a named, parameterised operation on an entity
type Effector struct {
	name        string
	description string
	returnType  string
	parameters  []Parameter
	main        MainFunc
	factory     TaskFactory
}

// Option configures an Effector
type Option func(*Effector)

// WithDescription sets the description
func WithDescription(description string) Option {
	return func(e *Effector) {
		e.description = description
	}
}

// WithParameters declares the parameters in order
func WithParameters(parameters ...Parameter) Option {
	return func(e *Effector) {
		e.parameters = append(e.parameters, parameters...)
	}
}

// Returns records the name of the result type
func Returns[T any]() Option {
	return func(e *Effector) {
		e.returnType = sensors.NewConfigKey[T]("", "").TypeName()
	}
}

// New declares an effector whose body is main
func New(name string, main MainFunc, opts ...Option) *Effector {
	e := &Effector{name: name, main: main, returnType: "void"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewWithFactory declares an effector whose tasks are built by factory
func NewWithFactory(name string, factory TaskFactory, opts ...Option) *Effector {
	e := &Effector{name: name, factory: factory, returnType: "void"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Effector) Name() string        { return e.name }
func (e *Effector) Description() string { return e.description }
func (e *Effector) ReturnType() string  { return e.returnType }

// Parameters returns the declared parameters in order
func (e *Effector) Parameters() []Parameter {
	list := make([]Parameter, len(e.parameters))
	copy(list, e.parameters)
	return list
}

// Equal compares name, return type, parameters and description
func (e *Effector) Equal(other *Effector) bool {
	if other == nil || e.name != other.name || e.returnType != other.returnType ||
		e.description != other.description || len(e.parameters) != len(other.parameters) {
		return false
	}
	for i := range e.parameters {
		if !e.parameters[i].equal(other.parameters[i]) {
			return false
		}
	}
	return true
}

func (e *Effector) String() string {
	return fmt.Sprintf("Effector[%s]", e.name)
}

// Bind applies defaults, rejects missing required parameters and coerces
// every declared argument. Undeclared arguments are passed through unchanged.
func (e *Effector) Bind(raw map[string]any) (Params, error) {
	params := make(Params, len(raw)+len(e.parameters))
	for k, v := range raw {
		params[k] = v
	}

	for _, p := range e.parameters {
		value, supplied := raw[p.Name]
		if !supplied || value == nil {
			if p.Default == nil && p.Required {
				return nil, errors.NewMissingParameterError(
					fmt.Sprintf("effector %s requires parameter %s", e.name, p.Name), nil).
					WithContext("effector", e.name).
					WithContext("parameter", p.Name)
			}
			value = p.Default
		}
		if value != nil && p.coerce != nil {
			coerced, err := p.coerce(value)
			if err != nil {
				return nil, errors.NewConfigTypeError(
					fmt.Sprintf("effector %s parameter %s expects %s", e.name, p.Name, p.Type), err).
					WithContext("effector", e.name).
					WithContext("parameter", p.Name)
			}
			value = coerced
		}
		params[p.Name] = value
	}
	return params, nil
}

// NewTask builds the unsubmitted task for an invocation with bound params
func (e *Effector) NewTask(target *entity.Entity, params Params) *tasks.Task {
	if e.factory != nil {
		return e.factory.NewTask(target, e, params)
	}
	main := e.main
	return tasks.New(e.name, func(tc *tasks.Context) (any, error) {
		if main == nil {
			return nil, nil
		}
		return main(tc, target, params)
	},
		tasks.WithTags(Tags(target, e, params)),
		tasks.WithDescription(fmt.Sprintf("Invoking effector %s on %s", e.name, target)))
}

// Tags are the task tags of an invocation
func Tags(target *entity.Entity, eff *Effector, params Params) tasks.Tags {
	return tasks.Tags{
		EntityID: target.ID(),
		Effector: eff.Name(),
		Params:   map[string]any(params),
	}
}
