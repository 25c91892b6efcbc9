package config

import "errors"

var (
	ErrMissingNodeID      = errors.New("node ID is required")
	ErrInvalidDelayRange  = errors.New("minimum delay exceeds maximum")
	ErrMissingRegistryURL = errors.New("database registry requires database_url")
	ErrMissingRegistry    = errors.New("registry path is required")
	ErrInvalidEnv         = errors.New("invalid environment override")
)
