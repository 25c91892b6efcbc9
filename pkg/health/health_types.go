package health

import (
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Scope selects which probe a check answers
type Scope int

const (
	ScopeHealth Scope = iota
	ScopeReadiness
	ScopeLiveness
)

func (s Scope) String() string {
	switch s {
	case ScopeHealth:
		return "health"
	case ScopeReadiness:
		return "readiness"
	case ScopeLiveness:
		return "liveness"
	default:
		return "unknown"
	}
}

// Check represents a health check for a specific component
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check
type CheckFunc func() Check

// Identity names the node a checker reports for
type Identity struct {
	NodeID      uint64 `json:"node_id,omitempty"`
	Incarnation string `json:"incarnation,omitempty"`
}

// HealthChecker groups a node's checks by scope
type HealthChecker struct {
	mu        sync.RWMutex
	scopes    map[Scope]map[string]CheckFunc
	identity  Identity
	startedAt time.Time
}

// Response represents the overall health response
type Response struct {
	Identity
	Scope     string           `json:"scope"`
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    float64          `json:"uptime_seconds"`
}
