package session

import (
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Stats counts engine activity. All fields are atomic; the engine is called
// concurrently from the network substrate.
type Stats struct {
	PacketsCompressed      atomic.Uint64
	PacketsDecompressed    atomic.Uint64
	CompressionFailures    atomic.Uint64
	DecompressionFailures  atomic.Uint64
	OriginalHeaderBits     atomic.Uint64
	CompressedHeaderBits   atomic.Uint64
	PacketsObserved        atomic.Uint64
	PacketsObserverMatched atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters, shaped for the API.
type Snapshot struct {
	PacketsCompressed      uint64  `json:"packets_compressed"`
	PacketsDecompressed    uint64  `json:"packets_decompressed"`
	CompressionFailures    uint64  `json:"compression_failures"`
	DecompressionFailures  uint64  `json:"decompression_failures"`
	OriginalHeaderBits     uint64  `json:"original_header_bits"`
	CompressedHeaderBits   uint64  `json:"compressed_header_bits"`
	PacketsObserved        uint64  `json:"packets_observed"`
	PacketsObserverMatched uint64  `json:"packets_observer_matched"`
	SavedBits              uint64  `json:"saved_bits"`
	SavedPercent           float64 `json:"saved_percent"`
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		PacketsCompressed:      s.PacketsCompressed.Load(),
		PacketsDecompressed:    s.PacketsDecompressed.Load(),
		CompressionFailures:    s.CompressionFailures.Load(),
		DecompressionFailures:  s.DecompressionFailures.Load(),
		OriginalHeaderBits:     s.OriginalHeaderBits.Load(),
		CompressedHeaderBits:   s.CompressedHeaderBits.Load(),
		PacketsObserved:        s.PacketsObserved.Load(),
		PacketsObserverMatched: s.PacketsObserverMatched.Load(),
	}
	if snap.OriginalHeaderBits > snap.CompressedHeaderBits {
		snap.SavedBits = snap.OriginalHeaderBits - snap.CompressedHeaderBits
	}
	if snap.OriginalHeaderBits > 0 {
		snap.SavedPercent = 100 * float64(snap.SavedBits) / float64(snap.OriginalHeaderBits)
	}
	return snap
}

// Report logs a summary of the counters.
func (s *Stats) Report(l *log.Logger) {
	snap := s.Snapshot()
	l.Info("schc statistics",
		"compressed", snap.PacketsCompressed,
		"decompressed", snap.PacketsDecompressed,
		"compression_failures", snap.CompressionFailures,
		"decompression_failures", snap.DecompressionFailures,
		"original_header_bits", snap.OriginalHeaderBits,
		"compressed_header_bits", snap.CompressedHeaderBits,
		"saved_bits", snap.SavedBits,
		"saved_percent", snap.SavedPercent,
	)
}
