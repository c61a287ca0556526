// Package session ties the parser, rule tree, compressor and decompressor
// together behind the compress/decompress operations the network substrate
// calls, and learns QUIC connection ids from handshake traffic to
// synthesize tighter rules at runtime.
package session

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/ewancrowle/crimp/internal/packet"
	"github.com/ewancrowle/crimp/internal/rules"
	"github.com/ewancrowle/crimp/internal/ruletree"
	"github.com/ewancrowle/crimp/internal/schc"
)

// Options configures an Engine.
type Options struct {
	// Debug enables per-packet logging.
	Debug bool
	// Logger receives debug traces and reports. Nil means log.Default().
	Logger *log.Logger

	// Context supplies parser context (short-header DCID length) before
	// any dynamic rule has pinned one.
	Context *rules.FieldContext

	// DynamicRules enables CID learning.
	DynamicRules  bool
	DynamicIDMin  uint32
	DynamicIDMax  uint32
	DynamicIDBits int

	// OnDynamicRule, when set, is called after each dynamic rule learned
	// from traffic, with the learned CID pair. Used for announcements.
	// Pairs installed through InstallPair do not trigger it.
	OnDynamicRule func(dcid, scid []byte, ruleID uint32)
}

// snapshot is one immutable (rules, tree) generation, published atomically
// so a reader always sees the tree next to the rule set it was built from.
type snapshot struct {
	rules *rules.Set
	tree  *ruletree.Tree
	gen   uint64
}

// Engine is the session façade. Safe for concurrent use.
type Engine struct {
	opts Options
	log  *log.Logger

	snap atomic.Pointer[snapshot]

	// mu serializes writers (dynamic rule installs). Readers never take it.
	mu      sync.Mutex
	learner *cidLearner

	stats Stats
}

// CompressResult is what Compress hands the transport. On failure Packet is
// the input payload unchanged (passthrough) and Success is false.
type CompressResult struct {
	Packet                []byte
	RuleID                uint32
	Success               bool
	OriginalHeaderBytes   int
	CompressedHeaderBytes int
}

// DecompressResult carries the reconstructed QUIC bytes plus payload.
type DecompressResult struct {
	Packet []byte
	RuleID uint32
}

// New builds an engine over a validated rule set.
func New(set *rules.Set, opts Options) (*Engine, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if opts.DynamicRules {
		if opts.DynamicIDBits == 0 {
			opts.DynamicIDBits = 8
		}
		if err := set.ReserveRange(opts.DynamicIDMin, opts.DynamicIDMax, opts.DynamicIDBits); err != nil {
			return nil, err
		}
	}
	tree, err := ruletree.Build(set)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		opts:    opts,
		log:     logger,
		learner: newCIDLearner(opts.DynamicIDMin, opts.DynamicIDMax),
	}
	e.snap.Store(&snapshot{rules: set, tree: tree, gen: 0})
	if opts.Debug {
		logger.Debug("rule tree built", "rules", len(set.Rules))
		logger.Debug(tree.Dump())
	}
	return e, nil
}

// Generation returns the rule-set generation, bumped on every dynamic
// install. A compression that observes generation G used a tree built from
// generation G's rules.
func (e *Engine) Generation() uint64 {
	return e.snap.Load().gen
}

// Rules returns the current rule set. Callers must not mutate it.
func (e *Engine) Rules() *rules.Set {
	return e.snap.Load().rules
}

// Stats exposes the engine counters.
func (e *Engine) Stats() *Stats {
	return &e.stats
}

// shortDCIDLen resolves the short-header DCID length: a learned CID wins
// over the static context file.
func (e *Engine) shortDCIDLen() int {
	if n := e.learner.shortDCIDLen(); n > 0 {
		return n
	}
	if e.opts.Context != nil {
		return e.opts.Context.ShortDCIDLen
	}
	return 0
}

func (e *Engine) fieldContext() *rules.FieldContext {
	return &rules.FieldContext{ShortDCIDLen: e.shortDCIDLen()}
}

// Compress wraps quicPayload in a synthetic frame, matches and encodes it.
// Every failure degrades to passthrough: the payload is returned unchanged
// and the failure counter advances.
func (e *Engine) Compress(quicPayload []byte, src, dst netip.AddrPort, dir packet.Direction, nodeID string) CompressResult {
	frame, err := buildFrame(quicPayload, src, dst)
	if err != nil {
		return e.compressFailure(quicPayload, nodeID, err)
	}

	p := packet.NewParser(frame, dir)
	if n := e.shortDCIDLen(); n > 0 {
		p.SetShortDCIDLen(n)
	}

	snap := e.snap.Load()
	out, err := schc.Compress(snap.tree, p, dir)
	if err != nil {
		return e.compressFailure(quicPayload, nodeID, err)
	}

	// The QUIC header bytes the rule consumed; the application payload
	// starts right after them.
	headerBytes := (out.OriginalHeaderBits + 7) / 8
	quicHeaderBytes := headerBytes - 28
	if quicHeaderBytes < 0 || quicHeaderBytes > len(quicPayload) {
		return e.compressFailure(quicPayload, nodeID,
			fmt.Errorf("session: rule consumed %d QUIC header bytes of a %d byte payload", quicHeaderBytes, len(quicPayload)))
	}
	appPayload := quicPayload[quicHeaderBytes:]

	pkt := make([]byte, 0, len(out.Data)+len(appPayload))
	pkt = append(pkt, out.Data...)
	pkt = append(pkt, appPayload...)

	e.stats.PacketsCompressed.Add(1)
	e.stats.OriginalHeaderBits.Add(uint64(out.OriginalHeaderBits))
	e.stats.CompressedHeaderBits.Add(uint64(out.DataBits))

	if e.opts.Debug {
		e.log.Debug("compressed",
			"node", nodeID, "dir", dir, "rule", fmt.Sprintf("%d/%d", out.RuleID, out.RuleIDBits),
			"header_bits", out.OriginalHeaderBits, "compressed_bits", out.DataBits)
	}

	if e.opts.DynamicRules {
		e.maybeLearn(p, out.Rule, nodeID)
	}

	return CompressResult{
		Packet:                pkt,
		RuleID:                out.RuleID,
		Success:               true,
		OriginalHeaderBytes:   headerBytes,
		CompressedHeaderBytes: (out.DataBits + 7) / 8,
	}
}

func (e *Engine) compressFailure(payload []byte, nodeID string, err error) CompressResult {
	e.stats.CompressionFailures.Add(1)
	if e.opts.Debug {
		e.log.Debug("compression failed, passing through", "node", nodeID, "err", err)
	}
	return CompressResult{Packet: payload, Success: false}
}

// Observe runs the compression pipeline for measurement only: counters
// advance, the packet is untouched. This is the observer mode of the
// original workbench.
func (e *Engine) Observe(quicPayload []byte, src, dst netip.AddrPort, dir packet.Direction) {
	e.stats.PacketsObserved.Add(1)

	frame, err := buildFrame(quicPayload, src, dst)
	if err != nil {
		return
	}
	p := packet.NewParser(frame, dir)
	if n := e.shortDCIDLen(); n > 0 {
		p.SetShortDCIDLen(n)
	}

	snap := e.snap.Load()
	out, err := schc.Compress(snap.tree, p, dir)
	if err != nil {
		return
	}
	e.stats.PacketsObserverMatched.Add(1)
	e.stats.OriginalHeaderBits.Add(uint64(out.OriginalHeaderBits))
	e.stats.CompressedHeaderBits.Add(uint64(out.DataBits))
}

// Decompress reconstructs the QUIC bytes from a compressed packet. Errors
// are returned to the caller: a passthrough here would hand the QUIC stack
// garbage.
func (e *Engine) Decompress(data []byte, dir packet.Direction, nodeID string) (DecompressResult, error) {
	snap := e.snap.Load()
	out, err := schc.Decompress(data, snap.rules, dir, e.fieldContext())
	if err != nil {
		e.stats.DecompressionFailures.Add(1)
		if e.opts.Debug {
			e.log.Debug("decompression failed", "node", nodeID, "err", err)
		}
		return DecompressResult{}, err
	}

	payload := data[(out.BitsConsumed+7)/8:]
	quicHeader := out.Header[42:]

	pkt := make([]byte, 0, len(quicHeader)+len(payload))
	pkt = append(pkt, quicHeader...)
	pkt = append(pkt, payload...)

	e.stats.PacketsDecompressed.Add(1)
	if e.opts.Debug {
		e.log.Debug("decompressed",
			"node", nodeID, "dir", dir, "rule", fmt.Sprintf("%d/%d", out.RuleID, out.RuleIDBits),
			"bits_consumed", out.BitsConsumed, "header_bytes", len(out.Header))
	}
	return DecompressResult{Packet: pkt, RuleID: out.RuleID}, nil
}

// InstallPair force-learns a CID pair, as if a handshake carrying it had
// been observed. Used by the API and by Redis announcements from peers.
func (e *Engine) InstallPair(dcid, scid []byte) error {
	if !e.opts.DynamicRules {
		return errors.New("session: dynamic rules disabled")
	}
	if len(dcid) == 0 || len(dcid) > packet.MaxCIDLen || len(scid) > packet.MaxCIDLen {
		return errors.New("session: bad CID pair")
	}
	base := e.baseRule()
	if base == nil {
		return errors.New("session: no long-header base rule to clone")
	}
	_, err := e.install(dcid, scid, base, "api")
	if errors.Is(err, errAlreadyLearned) {
		return nil
	}
	return err
}

// baseRule picks the rule dynamic variants clone: the first static rule
// that describes all four CID fields.
func (e *Engine) baseRule() *rules.Rule {
	set := e.snap.Load().rules
	for i := range set.Rules {
		r := &set.Rules[i]
		if r.Dynamic {
			continue
		}
		want := map[packet.FieldID]bool{
			packet.FieldQUICDCIDLen: false,
			packet.FieldQUICDCID:    false,
			packet.FieldQUICSCIDLen: false,
			packet.FieldQUICSCID:    false,
		}
		for j := range r.Fields {
			if _, ok := want[r.Fields[j].Field]; ok {
				want[r.Fields[j].Field] = true
			}
		}
		all := true
		for _, seen := range want {
			all = all && seen
		}
		if all {
			return r
		}
	}
	return nil
}
