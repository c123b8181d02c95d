// Package app wires the license authority together and manages its
// lifecycle: configuration loading, logging and telemetry, the database
// and caches, the domain services, the HTTP surface, and graceful
// shutdown.
//
// # Initialization Flow
//
// New runs the startup sequence:
//
//	1. Load configuration from defaults, file, and KEYGATE_* environment
//	2. Initialize the process logger and OpenTelemetry providers
//	3. Open Postgres, apply schema migrations when configured to
//	4. Build the validation cache and the lifecycle event publisher
//	5. Wire the authority, subscription processor, and janitor
//	6. Assemble the router and HTTP server
//
// # Usage
//
// The main entry point is:
//
//	application, err := app.New()
//	if err != nil {
//	    // startup failure, nothing is running yet
//	}
//	if err := application.Run(); err != nil {
//	    // the server failed; shutdown already ran
//	}
//
// # Graceful Shutdown
//
// Run blocks until SIGINT or SIGTERM, then stops in reverse start order:
// the listener drains first so no new work arrives, then the scheduled
// jobs, then the publisher, cache, database and telemetry providers.
//
// Initialization errors are returned, never fatally logged, so main
// controls the exit path.
package app
