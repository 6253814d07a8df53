/*
Package agent is the HTTP client side of the orchestrator → node-agent
protocol: direct command push and the proxied on-VM attestation probe. The
node agent's own implementation is out of scope; this package only speaks
its wire format.
*/
package agent
