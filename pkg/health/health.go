package health

import (
	"time"
)

// NewHealthChecker creates a checker with no registered checks
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		scopes: map[Scope]map[string]CheckFunc{
			ScopeHealth:    {},
			ScopeReadiness: {},
			ScopeLiveness:  {},
		},
		startedAt: time.Now(),
	}
}

// WithIdentity stamps every response with the node's ID and incarnation
func (hc *HealthChecker) WithIdentity(nodeID uint64, incarnation string) *HealthChecker {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.identity = Identity{NodeID: nodeID, Incarnation: incarnation}
	return hc
}

// Register adds check under name in scope, replacing any previous check
// of that name
func (hc *HealthChecker) Register(scope Scope, name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	checks, ok := hc.scopes[scope]
	if !ok {
		checks = make(map[string]CheckFunc)
		hc.scopes[scope] = checks
	}
	checks[name] = check
}

// RegisterCheck registers a health check
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.Register(ScopeHealth, name, check)
}

// RegisterReadinessCheck registers a readiness check
func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.Register(ScopeReadiness, name, check)
}

// RegisterLivenessCheck registers a liveness check
func (hc *HealthChecker) RegisterLivenessCheck(name string, check CheckFunc) {
	hc.Register(ScopeLiveness, name, check)
}

// StartedAt returns when the checker was created
func (hc *HealthChecker) StartedAt() time.Time {
	return hc.startedAt
}

// Check performs all health checks
func (hc *HealthChecker) Check() Response {
	return hc.Run(ScopeHealth)
}

// CheckReadiness performs readiness checks
func (hc *HealthChecker) CheckReadiness() Response {
	return hc.Run(ScopeReadiness)
}

// CheckLiveness performs liveness checks
func (hc *HealthChecker) CheckLiveness() Response {
	return hc.Run(ScopeLiveness)
}

// Run executes every check in scope. Checks run without the lock held so
// a slow check never blocks registration.
func (hc *HealthChecker) Run(scope Scope) Response {
	hc.mu.RLock()
	checks := make(map[string]CheckFunc, len(hc.scopes[scope]))
	for name, fn := range hc.scopes[scope] {
		checks[name] = fn
	}
	identity := hc.identity
	hc.mu.RUnlock()

	response := Response{
		Identity:  identity,
		Scope:     scope.String(),
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(checks)),
		Uptime:    time.Since(hc.startedAt).Seconds(),
	}

	for name, checkFunc := range checks {
		start := time.Now()
		check := checkFunc()
		check.Duration = time.Since(start)
		check.LastChecked = start
		if check.Name == "" {
			check.Name = name
		}

		response.Checks[name] = check
		response.Status = worse(response.Status, check.Status)
	}

	return response
}

// worse returns the more severe of two statuses
func worse(a, b Status) Status {
	switch {
	case a == StatusUnhealthy || b == StatusUnhealthy:
		return StatusUnhealthy
	case a == StatusDegraded || b == StatusDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
