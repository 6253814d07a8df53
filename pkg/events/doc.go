/*
Package events distributes orchestrator events to in-process subscribers and
persists them through the store sink.

The broker fans events out over buffered channels; a slow subscriber loses
events rather than blocking publishers. Every published event is also handed
to the configured sink, which writes it to the durable events collection for
audit queries.
*/
package events
