/*
Package plog provides structured logging for the engine using zerolog.

A single global Logger is initialized once via Init and each logging
component (engine, worker, hub, load balancer, cooperative scheduler)
derives a child logger from it via WithComponent, so log lines are
attributable to a pseudo-thread without threading a logger through every
call.

Usage:

	plog.Init(plog.Config{Level: plog.InfoLevel, JSONOutput: true})
	workerLog := plog.WithComponent("worker").With().Int32("process_id", pid).Logger()
	workerLog.Info().Msg("ramp-up complete")
*/
package plog
