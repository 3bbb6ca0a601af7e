// Package quorum decides whether a sub-population of entities is healthy enough.
package quorum

import (
	"fmt"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
)

// epsilon absorbs floating point error in ratio comparisons
const epsilon = 1e-9

// Check is an immutable quorum policy evaluated against (healthy, total) counts
type Check struct {
	Name             string  `yaml:"name,omitempty"`
	MinRequiredSize  int     `yaml:"min_required_size"`
	MinRequiredRatio float64 `yaml:"min_required_ratio"`
	AllowEmpty       bool    `yaml:"allow_empty"`
}

var (
	// All requires every entity to be healthy
	All = Check{Name: "all", MinRequiredRatio: 1.0}

	// AllAndAtLeastOne requires every entity to be healthy and at least one to exist
	AllAndAtLeastOne = Check{Name: "allAndAtLeastOne", MinRequiredSize: 1, MinRequiredRatio: 1.0}

	// AtLeastOne requires one healthy entity
	AtLeastOne = Check{Name: "atLeastOne", MinRequiredSize: 1}

	// AtLeastOneUnlessEmpty requires one healthy entity unless there are none
	AtLeastOneUnlessEmpty = Check{Name: "atLeastOneUnlessEmpty", MinRequiredSize: 1, AllowEmpty: true}

	// AlwaysTrue is always quorate
	AlwaysTrue = Check{Name: "alwaysTrue", AllowEmpty: true}
)

// NewCheck builds a validated check
func NewCheck(name string, minRequiredSize int, minRequiredRatio float64, allowEmpty bool) (Check, error) {
	check := Check{
		Name:             name,
		MinRequiredSize:  minRequiredSize,
		MinRequiredRatio: minRequiredRatio,
		AllowEmpty:       allowEmpty,
	}
	if err := check.Validate(); err != nil {
		return Check{}, err
	}
	return check, nil
}

// Validate rejects negative sizes and ratios outside [0, 1]
func (c Check) Validate() error {
	if c.MinRequiredSize < 0 {
		return errors.NewValidationError("quorum min required size cannot be negative", nil).
			WithContext("check", c.String())
	}
	if c.MinRequiredRatio < 0 || c.MinRequiredRatio > 1 {
		return errors.NewValidationError("quorum min required ratio must be between 0 and 1", nil).
			WithContext("check", c.String())
	}
	return nil
}

// IsQuorate reports whether healthy out of total satisfies the check
func (c Check) IsQuorate(healthy, total int) bool {
	if c.AllowEmpty && total == 0 {
		return true
	}
	if healthy < c.MinRequiredSize {
		return false
	}
	if float64(healthy) < float64(total)*c.MinRequiredRatio-epsilon {
		return false
	}
	return true
}

func (c Check) String() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("quorum(size>=%d, ratio>=%g, allowEmpty=%t)", c.MinRequiredSize, c.MinRequiredRatio, c.AllowEmpty)
}

// Parse resolves a preset by name
func Parse(name string) (Check, error) {
	switch name {
	case "all":
		return All, nil
	case "allAndAtLeastOne":
		return AllAndAtLeastOne, nil
	case "atLeastOne":
		return AtLeastOne, nil
	case "atLeastOneUnlessEmpty":
		return AtLeastOneUnlessEmpty, nil
	case "alwaysTrue":
		return AlwaysTrue, nil
	default:
		return Check{}, errors.NewValidationError("unknown quorum check: "+name, nil).
			WithContext("supported", "all, allAndAtLeastOne, atLeastOne, atLeastOneUnlessEmpty, alwaysTrue")
	}
}
