/*
Package api serves the orchestrator's HTTP surface with gin.

Agent-facing routes carry node registration, signed heartbeats (X-Signature
and X-Timestamp headers, per-node rate limiting) and command
acknowledgements. User-facing routes cover the VM lifecycle; mutations only
enqueue obligations — the reconciliation engine does the work. Failures use
the structured {code, message, details} envelope with the standard status
mapping: 402 insufficient funds, 409 conflicts, 503 no capacity.
*/
package api
