/*
Package scheduler places virtual machines onto compute nodes.

Selection runs in four stages over the live node snapshot: hard filtering
(status, heartbeat freshness, architecture, locality, reputation, tier
benchmark, safety limits), tier-aware compute-point costing, weighted scoring
on capacity, load, reputation and locality, and a deterministic tie-break
(score, then available points, then node id). A successful placement commits
the compute-point reservation on the node; the calling handler releases it if
a downstream step fails.

Utilisation checks recompute "used" from the VMs actually placed on a node
rather than trusting the reservation counter, so counter drift self-heals on
the next pass.
*/
package scheduler
