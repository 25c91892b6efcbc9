package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dd0wney/cluso-coord/pkg/registry"
)

// validate is a singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks struct tags first, then the cross-field rules
func (c *NodeConfig) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if c.NodeID == 0 {
		return ErrMissingNodeID
	}

	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.Mutex.RequestDelayMin > c.Mutex.RequestDelayMax {
		return fmt.Errorf("mutex.request_delay: %w (%v > %v)", ErrInvalidDelayRange, c.Mutex.RequestDelayMin, c.Mutex.RequestDelayMax)
	}
	if c.Mutex.HoldMin > c.Mutex.HoldMax {
		return fmt.Errorf("mutex.hold: %w (%v > %v)", ErrInvalidDelayRange, c.Mutex.HoldMin, c.Mutex.HoldMax)
	}

	switch c.Registry.Kind {
	case registry.KindPostgres, registry.KindRedis:
		if c.Registry.DatabaseURL == "" {
			return ErrMissingRegistryURL
		}
	default:
		if c.Registry.Path == "" {
			return ErrMissingRegistry
		}
	}

	cc := c.ClusterConfig()
	return cc.Validate()
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	// Return the first validation error in a user-friendly format
	for _, e := range validationErrs {
		field := e.Namespace()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "gt":
			return fmt.Errorf("%s: must be greater than %s", field, param)
		case "gte":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: %q must be one of [%s]", field, e.Value(), param)
		case "hostname_port":
			return fmt.Errorf("%s: %q is not a host:port address", field, e.Value())
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
