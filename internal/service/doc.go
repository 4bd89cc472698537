// Package service implements supervision of detached scrape job processes.
//
// Overview
// The Supervisor owns the run lifecycle. A run is a persisted RunRecord plus
// a job process started by a process.Spawner. The record in the State Store is
// the only truth: any control center instance may start, terminate or
// reconcile, and a restarted instance continues from the store alone.
//
// State machine:
//
//	idle --start--> starting --spawn ok--> running --terminate--> terminating --stopped--> terminated
//	                   |--spawn fails--> failed
//	                   |--terminate--> terminating
//	running --exit 0--> completed
//	running --exit != 0 / crash--> failed
//
// Data flow:
//
//	Supervisor             store.Store              process.Handle
//	    |                      |                         |
//	Start -> Create(starting)->|                         |
//	    | Spawn ---------------------------------------->| detached process
//	    | Update(running, ref)>|                         |
//	    | watch goroutine: Wait ------------------------>|
//	    |<------------------------------------- exit ----|
//	    | Update(completed|failed)                       |
//	    |                      |                         |
//	Terminate -> Update(terminating)                     |
//	    | Termination.Stop: Signal, Wait(grace), Kill -->|
//	    | Update(terminated) ->|                         |
//
// Invariants:
//   - At most one run is active, enforced by the store.
//   - Every status change is a compare-and-set on the previous status.
//   - Only the Supervisor writes status, process and exit reason. The job
//     writes progress, its own exit and results.
//   - Terminate never reports terminated while the process is alive.
//
// The Reporter is the read side used by the dashboard and the CLI.
package service
