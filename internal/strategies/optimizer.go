package strategies

import (
	"sync"

	"github.com/theblitlabs/parity-federated/internal/models"
)

// TransmissionPlan is the optimizer's decision for one outgoing update.
// An empty Method means the update should travel uncompressed.
type TransmissionPlan struct {
	Method   CompressionMethod
	Ratio    float64
	RawBytes int
}

// CommunicationOptimizer sizes outgoing updates against a per-update
// bandwidth budget and picks the cheapest codec that fits. It also keeps
// running totals so callers can report how much transfer was saved.
type CommunicationOptimizer struct {
	BandwidthBudget int

	mu        sync.Mutex
	rawBytes  int64
	sentBytes int64
	updates   int
}

// NewCommunicationOptimizer builds an optimizer with a per-update byte
// budget. A budget of zero disables compression planning entirely.
func NewCommunicationOptimizer(bandwidthBudget int) *CommunicationOptimizer {
	return &CommunicationOptimizer{BandwidthBudget: bandwidthBudget}
}

// Plan estimates the raw size of the update and escalates through codecs
// until one fits the budget: raw, then 8-bit quantization, then top-k
// sparsification with the keep fraction derived from the budget.
func (o *CommunicationOptimizer) Plan(weights models.Weights) TransmissionPlan {
	coords := 0
	for _, vals := range weights {
		coords += len(vals)
	}
	raw := coords * 8

	if o.BandwidthBudget <= 0 || raw <= o.BandwidthBudget {
		return TransmissionPlan{RawBytes: raw}
	}
	if coords <= o.BandwidthBudget {
		return TransmissionPlan{Method: CompressionQuantization, Ratio: 1.0, RawBytes: raw}
	}

	// sparse entries cost roughly an index plus a value, 12 bytes each
	ratio := float64(o.BandwidthBudget) / float64(coords*12)
	if ratio < 0.05 {
		ratio = 0.05
	}
	if ratio > 1.0 {
		ratio = 1.0
	}
	return TransmissionPlan{Method: CompressionSparsification, Ratio: ratio, RawBytes: raw}
}

// Record accumulates the raw and on-the-wire sizes of one sent update.
func (o *CommunicationOptimizer) Record(rawBytes, sentBytes int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rawBytes += int64(rawBytes)
	o.sentBytes += int64(sentBytes)
	o.updates++
}

// SavingsRatio reports the fraction of transfer avoided so far, in [0, 1).
// Negative values mean framing overhead outweighed the compression.
func (o *CommunicationOptimizer) SavingsRatio() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rawBytes == 0 {
		return 0
	}
	return 1 - float64(o.sentBytes)/float64(o.rawBytes)
}

// Updates reports how many transmissions have been recorded.
func (o *CommunicationOptimizer) Updates() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.updates
}
