/*
Package types defines the shared entity model of the DeCloud orchestrator.

All entities are identified by stable string IDs. Enums are typed strings so
that persisted documents stay readable; byte sizes are int64; monetary values
use the fixed-precision Money type (micro-credits). The state store is the
only owner of entity records — every other component holds transient copies
resolved through the store.

The core entities:

  - Node: a registered compute host with advertised hardware, derived compute
    point capacity, heartbeat state and reputation.
  - VirtualMachine: a user workload with a resource spec, placement, network
    wiring, attestation bookkeeping and billing counters.
  - Obligation: the reconciliation engine's unit of work, with dependencies,
    retry policy and signal parking.
  - NodeCommand / CommandRegistration / CommandAcknowledgment: the at-most-
    once command channel between orchestrator and node agents.
  - SchedulingConfig: the versioned global scheduling policy with per-tier
    overcommit and scoring weights.
*/
package types
