package attestation

import "fmt"

// On-VM attestation endpoint port, reached through the node agent's proxy.
const challengePort = 9999

// Protocol limits. The processing bound is the key-extraction defence: a
// hostile node cannot dump VM memory and forge a signature inside 50ms.
const (
	MaxProcessingTimeMs   = 50.0
	SafetyMarginMs        = 20.0
	TimeoutCapMs          = 500.0
	MemoryTouchTotalMaxMs = 50.0
	MemoryTouchPageMaxMs  = 5.0
	MemoryBandLow         = 0.85
	MemoryBandHigh        = 1.15
)

// Challenge is the probe sent to the VM's attestation endpoint.
type Challenge struct {
	ChallengeID      string `json:"challengeId"`
	VMID             string `json:"vmId"`
	Nonce            string `json:"nonce"` // 16 random bytes, hex
	Timestamp        int64  `json:"timestamp"`
	ExpectedCores    int    `json:"expectedCores"`
	ExpectedMemoryMB int64  `json:"expectedMemoryMb"`
}

// ResponseMetrics is the system state the VM measures for the response.
type ResponseMetrics struct {
	CPUCores      int     `json:"cpuCores"`
	MemoryKB      int64   `json:"memoryKb"`
	BootID        string  `json:"bootId"`
	MachineID     string  `json:"machineId"`
	LoadAverage1  float64 `json:"loadAverage1"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// MemoryTouch reports the random-page probe that detects swapped or
// overcommitted VM memory.
type MemoryTouch struct {
	PagesTouched    int     `json:"pagesTouched"`
	ContentHash     string  `json:"contentHash"`
	TotalMs         float64 `json:"totalMs"`
	MaxSinglePageMs float64 `json:"maxSinglePageMs"`
}

// ResponseTiming is the VM's own view of its processing time.
type ResponseTiming struct {
	ProcessingMs float64 `json:"processingMs"`
}

// Response is the VM's signed answer. The Ed25519 keypair is generated
// fresh per challenge and the private key zeroed before responding.
type Response struct {
	Nonce           string          `json:"nonce"`
	EphemeralPubKey string          `json:"ephemeralPubKey"` // hex
	Metrics         ResponseMetrics `json:"metrics"`
	MemoryTouch     MemoryTouch     `json:"memoryTouch"`
	Timing          ResponseTiming  `json:"timing"`
	Signature       string          `json:"signature"` // hex
}

// CanonicalMessage builds the exact byte string the VM signs:
// nonce|timestamp|vmId|cores|memoryKb|pagesTouched|contentHash|bootId|
// uptime(three decimals)|ephemeralPubKey.
func CanonicalMessage(c *Challenge, r *Response) string {
	return fmt.Sprintf("%s|%d|%s|%d|%d|%d|%s|%s|%.3f|%s",
		r.Nonce,
		c.Timestamp,
		c.VMID,
		r.Metrics.CPUCores,
		r.Metrics.MemoryKB,
		r.MemoryTouch.PagesTouched,
		r.MemoryTouch.ContentHash,
		r.Metrics.BootID,
		r.Metrics.UptimeSeconds,
		r.EphemeralPubKey,
	)
}
