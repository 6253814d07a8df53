/*
Package metrics exposes the orchestrator's Prometheus collectors.

All collectors are registered at init and served through Handler on the
/metrics route. The Timer helper standardises histogram observations across
components.
*/
package metrics
