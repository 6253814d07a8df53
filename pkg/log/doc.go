/*
Package log provides the orchestrator's structured logging built on zerolog.

A single global logger is initialized once at startup via Init; components
derive child loggers with WithComponent, WithNodeID, WithVMID and
WithObligationID so every line carries its correlation fields. Console output
is the default; JSON output is enabled with the --log-json flag for
log-aggregated deployments.
*/
package log
