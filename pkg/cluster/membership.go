// Package cluster provides membership, Bully leader election and coordinator
// failure detection.
//
// This package handles:
//   - Static membership with late-joiner admission
//   - Coordinator verification at startup (VERIFY/INFORM)
//   - Bully elections (ELECTION/OK/COORDINATOR)
//   - Liveness probing of the coordinator (ISALIVE/ALIVE)
package cluster
