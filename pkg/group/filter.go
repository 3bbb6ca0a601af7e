package group

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"

	"github.com/google/cel-go/cel"

	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// Filter decides membership of a dynamic group
type Filter interface {
	Matches(e *entity.Entity) bool
	// Sensors lists the sensors whose changes can flip the result; nil means any sensor
	Sensors() []sensors.Sensor
}

type funcFilter struct {
	fn      func(e *entity.Entity) bool
	sensors []sensors.Sensor
}

func (f funcFilter) Matches(e *entity.Entity) bool { return f.fn(e) }
func (f funcFilter) Sensors() []sensors.Sensor   { return f.sensors }

// FilterFunc adapts a predicate that depends on the given sensors
func FilterFunc(fn func(e *entity.Entity) bool, dependsOn ...sensors.Sensor) Filter {
	return funcFilter{fn: fn, sensors: dependsOn}
}

// HasTag matches entities carrying tag
func HasTag(tag string) Filter {
	return FilterFunc(func(e *entity.Entity) bool {
		return slices.Contains(e.Tags(), tag)
	}, sensors.Tags)
}

// AttributeEquals matches entities whose attribute equals value
func AttributeEquals(sensor sensors.Sensor, value any) Filter {
	return FilterFunc(func(e *entity.Entity) bool {
		current := e.GetAttribute(sensor)
		if current == nil {
			return value == nil
		}
		coerced, err := sensor.Coerce(value)
		if err != nil {
			return false
		}
		return reflect.DeepEqual(current, coerced)
	}, sensor)
}

// And matches entities matched by every filter
func And(filters ...Filter) Filter {
	dependsOn := make([]sensors.Sensor, 0)
	for _, f := range filters {
		if f.Sensors() == nil {
			dependsOn = nil
			break
		}
		dependsOn = append(dependsOn, f.Sensors()...)
	}
	return funcFilter{
		fn: func(e *entity.Entity) bool {
			for _, f := range filters {
				if !f.Matches(e) {
					return false
				}
			}
			return true
		},
		sensors: dependsOn,
	}
}

// CELFilter evaluates a CEL expression against the variable "entity", a map
// with id, displayName, tags, parent, attributes and config
type CELFilter struct {
	expression string
	program    cel.Program
}

// NewCELFilter compiles expression, which must return a bool
func NewCELFilter(expression string) (*CELFilter, error) {
	env, err := cel.NewEnv(cel.Variable("entity", cel.DynType))
	if err != nil {
		return nil, errors.NewInternalError("failed to create CEL environment", err)
	}
	ast, issues := env.Compile(expression)
	if issues.Err() != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("compiling CEL %q", expression), issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, errors.NewValidationError(
			fmt.Sprintf("CEL %q returns %s, expected bool", expression, ast.OutputType()), nil)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("building CEL program %q", expression), err)
	}
	return &CELFilter{expression: expression, program: program}, nil
}

func (f *CELFilter) String() string {
	return f.expression
}

// Sensors is nil: any attribute may be referenced
func (f *CELFilter) Sensors() []sensors.Sensor {
	return nil
}

// Matches is false when evaluation fails or yields anything but true
func (f *CELFilter) Matches(e *entity.Entity) bool {
	matched, err := f.Evaluate(e)
	return err == nil && matched
}

// Evaluate runs the expression against e
func (f *CELFilter) Evaluate(e *entity.Entity) (bool, error) {
	activation, err := celActivation(e)
	if err != nil {
		return false, err
	}
	val, _, err := f.program.Eval(map[string]any{"entity": activation})
	if err != nil {
		return false, errors.NewValidationError(fmt.Sprintf("evaluating CEL %q on %s", f.expression, e), err)
	}
	matched, ok := val.Value().(bool)
	if !ok {
		return false, errors.NewValidationError(fmt.Sprintf("CEL %q returned %v", f.expression, val.Value()), nil)
	}
	return matched, nil
}

// celActivation builds the entity view through JSON so every value has a CEL-native type
func celActivation(e *entity.Entity) (map[string]any, error) {
	view := map[string]any{
		"id":          e.ID(),
		"displayName": e.DisplayName(),
		"tags":        e.Tags(),
		"parent":      "",
		"attributes":  e.Attributes(),
		"config":      e.AllConfig(),
	}
	if parent := e.Parent(); parent != nil {
		view["parent"] = parent.ID()
	}
	if view["tags"] == nil {
		view["tags"] = []string{}
	}

	data, err := json.Marshal(view)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("entity %s cannot be exposed to CEL", e), err)
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, errors.NewInternalError("decoding CEL activation", err)
	}
	return generic, nil
}
