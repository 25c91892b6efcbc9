package node

import "sync"

// taskGroup tracks the goroutines a node or tenure owns
type taskGroup struct {
	wg sync.WaitGroup
}

// Go runs fn in a goroutine tracked by the group.
// fn should return when its context is cancelled.
func (g *taskGroup) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait blocks until every tracked goroutine has returned
func (g *taskGroup) Wait() {
	g.wg.Wait()
}
