/*
Package nodes owns the node and command lifecycle.

Registration verifies an EIP-191 wallet signature, derives the deterministic
node id from the machine id and wallet address, and hands back an API key and
the current scheduling policy. Heartbeats are authenticated with a wallet
signature over "{nodeId}:{unixSeconds}:{requestPath}" inside a ±300s replay
window, refresh liveness and utilisation, reconcile the node's reported VM
state, and carry the node's pending commands back in the response.

Commands flow through per-node FIFO queues with at-most-once
acknowledgement: every state-changing command is registered for correlation,
an ack wakes the parked obligation through the command-ack signal and clears
the VM's single-outstanding-command gate, and replayed acks are no-ops.
Direct push to the agent is an optimisation only — pull via heartbeat is
authoritative, and push disables itself after repeated failures.
*/
package nodes
