/*
Package attestation proves that a VM is actually running on its claimed node
with its claimed hardware, gating billing on the result.

Each challenge carries a fresh 16-byte nonce. Inside the VM a fresh Ed25519
keypair signs a canonical message over the nonce, measured system state and
a random-page memory-touch probe; the private key is zeroed before the
response leaves the VM. Verification is a conjunction: processing time within
the 50ms key-extraction bound, nonce match, signature validity, cores and
memory within the expected band, memory-touch latencies under the swap
thresholds, and a pinned machine id (a changed boot id only logs a reboot
warning).

Timeouts adapt per VM: an EMA of observed round trips plus processing and
safety margins, capped at 500ms, with the baseline recalibrated on age,
drift or noise. Challenges run every minute for a VM's first five minutes,
then hourly; a 30-second sweep issues due challenges with a 50ms stagger.

Three consecutive failures pause billing; two consecutive successes resume
it. Every attempt is persisted to the attestations collection for audit.
*/
package attestation
