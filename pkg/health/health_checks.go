package health

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Common health check functions

// SimpleCheck creates a simple health check that always returns healthy
func SimpleCheck(name string) Check {
	return Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
	}
}

// ElectionCheck reports on the node's view of the coordinator. A node
// between coordinators is degraded; one that has been without a coordinator
// for longer than grace is unhealthy.
func ElectionCheck(getElectionState func() (state string, coordinator uint64, since time.Duration), grace time.Duration) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "election",
			Details: make(map[string]any),
		}

		state, coordinator, since := getElectionState()

		check.Details["state"] = state
		check.Details["coordinator"] = coordinator
		check.Details["since_seconds"] = since.Seconds()

		switch {
		case coordinator != 0:
			check.Status = StatusHealthy
			check.Message = "Coordinator known"
		case since > grace:
			check.Status = StatusUnhealthy
			check.Message = "No coordinator"
		default:
			check.Status = StatusDegraded
			check.Message = "Electing coordinator"
		}

		return check
	}
}

// RegistryCheck creates a health check for the membership registry backend
func RegistryCheck(ping func(ctx context.Context) error, timeout time.Duration) CheckFunc {
	return func() Check {
		check := Check{
			Name: "registry",
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := ping(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "Connected"
		}

		return check
	}
}

// MemoryCheck creates a health check for memory usage
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()

		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		var usagePercent float64
		if sys > 0 {
			usagePercent = float64(alloc) / float64(sys) * 100
		}

		if usagePercent > 90 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}

		return check
	}
}

// RuntimeMemory reads heap and system memory from the Go runtime
func RuntimeMemory() (alloc, sys uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc, m.Sys
}

// HostMemoryCheck reports host-wide memory pressure
func HostMemoryCheck(getHost func() (*mem.VirtualMemoryStat, error)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "host_memory",
			Details: make(map[string]any),
		}

		v, err := getHost()
		if err != nil {
			check.Status = StatusDegraded
			check.Message = "Host memory unavailable: " + err.Error()
			return check
		}

		check.Details["total_bytes"] = v.Total
		check.Details["available_bytes"] = v.Available
		check.Details["used_percent"] = v.UsedPercent

		if v.UsedPercent > 95 {
			check.Status = StatusDegraded
			check.Message = "Host memory nearly exhausted"
		} else {
			check.Status = StatusHealthy
			check.Message = "Host memory normal"
		}

		return check
	}
}
