/*
Package recovery is the backstop for lost signals and stuck resources.

A background scan runs every minute and creates obligations (deduplicated by
the engine) for VMs stuck in Pending or Provisioning, running VMs missing
ingress or port allocations, and online nodes missing their relay bindings.
Signals are single-shot and may be dropped when nothing is waiting; this
scanner is the mechanism that converges anyway.
*/
package recovery
