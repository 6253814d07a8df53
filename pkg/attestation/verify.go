package attestation

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/decloud/orchestrator/pkg/types"
)

// Reasons surfaced on failed verifications; stable strings, they end up in
// billing-pause reasons and audit records.
const (
	ReasonProcessingTooSlow = "Processing time too slow"
	ReasonNonceMismatch     = "Nonce mismatch"
	ReasonBadSignature      = "Signature verification failed"
	ReasonCoresBelowSpec    = "Reported cores below expected"
	ReasonMemoryOutOfBand   = "Reported memory outside expected band"
	ReasonMemoryTouchSlow   = "Memory touch too slow (swap or overcommit suspected)"
	ReasonMachineIDChanged  = "Machine id changed"
)

// Verdict is the outcome of verifying one challenge response.
type Verdict struct {
	Passed        bool
	FailureReason string
	// RebootDetected flags a bootId change; a reboot is logged, not failed.
	RebootDetected bool
}

// VerifyResponse applies the full check list. processingMs is the wall-clock
// round trip minus the VM's current RTT estimate. liveness carries the
// pinned machine id from earlier attestations.
func VerifyResponse(c *Challenge, r *Response, processingMs float64, liveness *types.VMLivenessState) Verdict {
	if processingMs > MaxProcessingTimeMs {
		return Verdict{FailureReason: ReasonProcessingTooSlow}
	}

	if r.Nonce != c.Nonce {
		return Verdict{FailureReason: ReasonNonceMismatch}
	}

	pubKey, err := hex.DecodeString(r.EphemeralPubKey)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return Verdict{FailureReason: ReasonBadSignature}
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Verdict{FailureReason: ReasonBadSignature}
	}
	message := []byte(CanonicalMessage(c, r))
	if !ed25519.Verify(ed25519.PublicKey(pubKey), message, sig) {
		return Verdict{FailureReason: ReasonBadSignature}
	}

	if r.Metrics.CPUCores < c.ExpectedCores {
		return Verdict{FailureReason: fmt.Sprintf("%s: %d < %d", ReasonCoresBelowSpec, r.Metrics.CPUCores, c.ExpectedCores)}
	}

	expectedKB := float64(c.ExpectedMemoryMB) * 1024
	mem := float64(r.Metrics.MemoryKB)
	if mem < MemoryBandLow*expectedKB || mem > MemoryBandHigh*expectedKB {
		return Verdict{FailureReason: fmt.Sprintf("%s: %d KB vs expected %d MB", ReasonMemoryOutOfBand, r.Metrics.MemoryKB, c.ExpectedMemoryMB)}
	}

	if r.MemoryTouch.TotalMs > MemoryTouchTotalMaxMs || r.MemoryTouch.MaxSinglePageMs > MemoryTouchPageMaxMs {
		return Verdict{FailureReason: ReasonMemoryTouchSlow}
	}

	if liveness.LastMachineID != "" && r.Metrics.MachineID != liveness.LastMachineID {
		return Verdict{FailureReason: fmt.Sprintf("%s: %s -> %s", ReasonMachineIDChanged, liveness.LastMachineID, r.Metrics.MachineID)}
	}

	reboot := liveness.LastBootID != "" && r.Metrics.BootID != liveness.LastBootID
	return Verdict{Passed: true, RebootDetected: reboot}
}
