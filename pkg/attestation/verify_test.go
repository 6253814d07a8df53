package attestation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signedResponse builds a well-formed response to the challenge, signed by a
// fresh ephemeral key, then lets mutate tamper with it.
func signedResponse(t *testing.T, c *Challenge, mutate func(*Response)) *Response {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	r := &Response{
		Nonce:           c.Nonce,
		EphemeralPubKey: hex.EncodeToString(pub),
		Metrics: ResponseMetrics{
			CPUCores:      c.ExpectedCores,
			MemoryKB:      c.ExpectedMemoryMB * 1024,
			BootID:        "boot-1",
			MachineID:     "machine-1",
			UptimeSeconds: 3600.5,
		},
		MemoryTouch: MemoryTouch{
			PagesTouched:    64,
			ContentHash:     "deadbeef",
			TotalMs:         12,
			MaxSinglePageMs: 1.5,
		},
	}
	r.Signature = hex.EncodeToString(ed25519.Sign(priv, []byte(CanonicalMessage(c, r))))
	if mutate != nil {
		mutate(r)
	}
	return r
}

func testChallenge() *Challenge {
	return &Challenge{
		ChallengeID:   "ch-1",
		VMID:          "vm-1",
		Nonce:         "00112233445566778899aabbccddeeff",
		Timestamp:     1717000000000,
		ExpectedCores: 2,
		// 4000 MB: the 0.85x and 1.15x band edges are whole KB values, so
		// the boundary tests are exact.
		ExpectedMemoryMB: 4000,
	}
}

func TestVerifyResponsePasses(t *testing.T) {
	c := testChallenge()
	r := signedResponse(t, c, nil)

	verdict := VerifyResponse(c, r, 12, &types.VMLivenessState{})
	assert.True(t, verdict.Passed)
	assert.Empty(t, verdict.FailureReason)
}

func TestProcessingTimeBoundary(t *testing.T) {
	c := testChallenge()
	r := signedResponse(t, c, nil)

	// Exactly at the bound passes; a hair over fails.
	verdict := VerifyResponse(c, r, 50.0, &types.VMLivenessState{})
	assert.True(t, verdict.Passed)

	verdict = VerifyResponse(c, r, 50.01, &types.VMLivenessState{})
	assert.False(t, verdict.Passed)
	assert.Equal(t, ReasonProcessingTooSlow, verdict.FailureReason)
}

func TestNonceMismatch(t *testing.T) {
	c := testChallenge()
	r := signedResponse(t, c, func(r *Response) {
		r.Nonce = "ffffffffffffffffffffffffffffffff"
	})

	verdict := VerifyResponse(c, r, 10, &types.VMLivenessState{})
	assert.False(t, verdict.Passed)
	assert.Equal(t, ReasonNonceMismatch, verdict.FailureReason)
}

func TestTamperedFieldBreaksSignature(t *testing.T) {
	c := testChallenge()
	// Re-signing is impossible for a tamperer without the zeroed private
	// key, so any field change invalidates the signature.
	r := signedResponse(t, c, func(r *Response) {
		r.Metrics.CPUCores = 64
	})

	verdict := VerifyResponse(c, r, 10, &types.VMLivenessState{})
	assert.False(t, verdict.Passed)
	assert.Equal(t, ReasonBadSignature, verdict.FailureReason)
}

func TestMemoryBandBoundaries(t *testing.T) {
	c := testChallenge()
	expectedKB := c.ExpectedMemoryMB * 1024

	tests := []struct {
		name   string
		memKB  int64
		passed bool
	}{
		{"exactly 0.85x", int64(float64(expectedKB) * 0.85), true},
		{"just below 0.85x", int64(float64(expectedKB)*0.85) - 1024, false},
		{"exactly expected", expectedKB, true},
		{"exactly 1.15x", int64(float64(expectedKB) * 1.15), true},
		{"above 1.15x", int64(float64(expectedKB)*1.15) + 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := signedResponse(t, c, nil)
			r.Metrics.MemoryKB = tt.memKB
			// Re-sign after the legitimate field change.
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			require.NoError(t, err)
			r.EphemeralPubKey = hex.EncodeToString(pub)
			r.Signature = hex.EncodeToString(ed25519.Sign(priv, []byte(CanonicalMessage(c, r))))

			verdict := VerifyResponse(c, r, 10, &types.VMLivenessState{})
			assert.Equal(t, tt.passed, verdict.Passed, "reason: %s", verdict.FailureReason)
		})
	}
}

func TestCoresBelowExpected(t *testing.T) {
	c := testChallenge()
	r := signedResponse(t, c, nil)
	r.Metrics.CPUCores = 1
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	r.EphemeralPubKey = hex.EncodeToString(pub)
	r.Signature = hex.EncodeToString(ed25519.Sign(priv, []byte(CanonicalMessage(c, r))))

	verdict := VerifyResponse(c, r, 10, &types.VMLivenessState{})
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.FailureReason, ReasonCoresBelowSpec)

	// More cores than expected is fine.
	r2 := signedResponse(t, c, nil)
	r2.Metrics.CPUCores = 8
	pub2, priv2, _ := ed25519.GenerateKey(rand.Reader)
	r2.EphemeralPubKey = hex.EncodeToString(pub2)
	r2.Signature = hex.EncodeToString(ed25519.Sign(priv2, []byte(CanonicalMessage(c, r2))))
	assert.True(t, VerifyResponse(c, r2, 10, &types.VMLivenessState{}).Passed)
}

func TestMemoryTouchLimits(t *testing.T) {
	c := testChallenge()

	slow := signedResponse(t, c, nil)
	slow.MemoryTouch.TotalMs = 51
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	slow.EphemeralPubKey = hex.EncodeToString(pub)
	slow.Signature = hex.EncodeToString(ed25519.Sign(priv, []byte(CanonicalMessage(c, slow))))

	verdict := VerifyResponse(c, slow, 10, &types.VMLivenessState{})
	assert.False(t, verdict.Passed)
	assert.Equal(t, ReasonMemoryTouchSlow, verdict.FailureReason)

	// The memory-touch timings are not part of the canonical message; a slow
	// single page also fails.
	slowPage := signedResponse(t, c, nil)
	slowPage.MemoryTouch.MaxSinglePageMs = 5.5
	pub2, priv2, _ := ed25519.GenerateKey(rand.Reader)
	slowPage.EphemeralPubKey = hex.EncodeToString(pub2)
	slowPage.Signature = hex.EncodeToString(ed25519.Sign(priv2, []byte(CanonicalMessage(c, slowPage))))
	assert.False(t, VerifyResponse(c, slowPage, 10, &types.VMLivenessState{}).Passed)
}

func TestMachineIDPinning(t *testing.T) {
	c := testChallenge()
	r := signedResponse(t, c, nil)

	liveness := &types.VMLivenessState{LastMachineID: "machine-other"}
	verdict := VerifyResponse(c, r, 10, liveness)
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.FailureReason, ReasonMachineIDChanged)

	// A matching machine id with a changed boot id passes with a reboot
	// flag.
	liveness = &types.VMLivenessState{LastMachineID: "machine-1", LastBootID: "boot-0"}
	verdict = VerifyResponse(c, r, 10, liveness)
	assert.True(t, verdict.Passed)
	assert.True(t, verdict.RebootDetected)
}

func TestCanonicalMessageLayout(t *testing.T) {
	c := testChallenge()
	r := signedResponse(t, c, nil)

	msg := CanonicalMessage(c, r)
	assert.Equal(t,
		"00112233445566778899aabbccddeeff|1717000000000|vm-1|2|4096000|64|deadbeef|boot-1|3600.500|"+r.EphemeralPubKey,
		msg)
}
