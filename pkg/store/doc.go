/*
Package store implements the orchestrator's hot/cold state store.

The hot working set — nodes heartbeating within five minutes, VMs in a live
status, unsettled usage younger than thirty days — lives in in-memory maps.
Everything else lives only in the durable bbolt-backed collection store.

Every write classifies the entity, updates the working set and issues a
write-through upsert with exponential-backoff retry. If the durable write
ultimately fails it is logged and absorbed: the in-memory copy stays
authoritative and the periodic bulk sync reconverges the durable side.

The durable layer keeps one bucket per collection with JSON documents keyed
by id, plus secondary index buckets. Unique indexes (node wallet, user
wallet/email, template slug, review triplet) reject duplicates with
ErrConflict. A persisted index manifest is reconciled against the declared
contract on every start: an index whose unique or sparse flag changed is
dropped and rebuilt.
*/
package store
