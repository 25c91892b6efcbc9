package transport

import (
	"io"

	"github.com/dd0wney/cluso-coord/pkg/logging"
)

// resourceCleanup closes partially built socket sets in reverse order.
//
//	cleanup := newResourceCleanup(logger)
//	defer cleanup.Cleanup()
//	...
//	cleanup.Add(sock, "pull socket")
//	...
//	cleanup.Clear() // success, keep everything open
type resourceCleanup struct {
	logger    logging.Logger
	resources []namedCloser
}

// namedCloser wraps a closer with a descriptive name for logging
type namedCloser struct {
	closer io.Closer
	name   string
}

func newResourceCleanup(logger logging.Logger) *resourceCleanup {
	return &resourceCleanup{
		logger:    logger,
		resources: make([]namedCloser, 0, 4),
	}
}

// Add registers a resource to be closed
func (rc *resourceCleanup) Add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// Cleanup closes all registered resources in reverse order. Close errors are
// logged and do not stop the sweep.
func (rc *resourceCleanup) Cleanup() {
	_ = rc.CloseAll()
}

// Clear forgets all resources without closing them
func (rc *resourceCleanup) Clear() {
	rc.resources = rc.resources[:0]
}

// CloseAll closes every resource and returns the first error
func (rc *resourceCleanup) CloseAll() error {
	var firstErr error
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if r.closer == nil {
			continue
		}
		if err := r.closer.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			rc.logger.Warn("failed to close resource", logging.String("resource", r.name), logging.Error(err))
		}
	}
	rc.resources = rc.resources[:0]
	return firstErr
}

// Len returns the number of registered resources
func (rc *resourceCleanup) Len() int {
	return len(rc.resources)
}
