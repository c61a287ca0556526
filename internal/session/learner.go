package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ewancrowle/crimp/internal/packet"
	"github.com/ewancrowle/crimp/internal/rules"
	"github.com/ewancrowle/crimp/internal/ruletree"
)

// cidLearner interns observed (DCID, SCID) pairs and hands out rule ids
// from the reserved dynamic pool. Ids are never recycled within a session.
type cidLearner struct {
	mu     sync.Mutex
	seen   map[string]learnedPair
	nextID uint32
	maxID  uint32

	// dcidLen is the octet length of the most recently learned DCID; it
	// doubles as the short-header parsing context.
	dcidLen int
}

type learnedPair struct {
	ruleID    uint32
	firstSeen time.Time
}

func newCIDLearner(lo, hi uint32) *cidLearner {
	return &cidLearner{
		seen:   make(map[string]learnedPair),
		nextID: lo,
		maxID:  hi,
	}
}

func (l *cidLearner) shortDCIDLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dcidLen
}

func pairKey(dcid, scid []byte) string {
	return fmt.Sprintf("%x|%x", dcid, scid)
}

// maybeLearn runs after a successful compression. It reads the CID fields
// out of the parser's cache; a short-header packet has no SCID and is
// skipped.
func (e *Engine) maybeLearn(p *packet.Parser, base *rules.Rule, nodeID string) {
	fb, err := p.Field(packet.FieldQUICFirstByte, 1)
	if err != nil || fb.Value[0]&0x80 == 0 {
		return
	}
	dcid, err := p.Field(packet.FieldQUICDCID, 1)
	if err != nil {
		return
	}
	scid, err := p.Field(packet.FieldQUICSCID, 1)
	if err != nil {
		return
	}
	if base.Dynamic {
		// Already matched a learned rule; nothing tighter to make.
		return
	}

	id, err := e.install(dcid.Value, scid.Value, base, nodeID)
	if err != nil {
		if e.opts.Debug && !errors.Is(err, errPoolExhausted) && !errors.Is(err, errAlreadyLearned) {
			e.log.Debug("dynamic rule install failed", "node", nodeID, "err", err)
		}
		return
	}
	if e.opts.OnDynamicRule != nil {
		e.opts.OnDynamicRule(dcid.Value, scid.Value, id)
	}
}

var (
	errPoolExhausted  = errors.New("session: dynamic rule pool exhausted")
	errAlreadyLearned = errors.New("session: pair already learned")
)

// install interns the pair, synthesizes the tightened rule and publishes a
// new snapshot. In-flight compressions keep the snapshot they loaded;
// nothing they reference is mutated.
func (e *Engine) install(dcid, scid []byte, base *rules.Rule, nodeID string) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l := e.learner
	l.mu.Lock()
	key := pairKey(dcid, scid)
	if _, ok := l.seen[key]; ok {
		l.mu.Unlock()
		return 0, errAlreadyLearned
	}
	if l.nextID > l.maxID {
		l.mu.Unlock()
		return 0, errPoolExhausted
	}
	id := l.nextID
	l.nextID++
	l.seen[key] = learnedPair{ruleID: id, firstSeen: time.Now()}
	l.dcidLen = len(dcid)
	l.mu.Unlock()

	rule := synthesizeRule(base, dcid, scid, id, e.opts.DynamicIDBits)

	cur := e.snap.Load()
	next := cur.rules.Clone()
	next.Remove(rule.ID, rule.IDBits)
	next.Rules = append(next.Rules, rule)
	if err := next.Validate(); err != nil {
		return 0, err
	}
	tree, err := ruletree.Build(next)
	if err != nil {
		return 0, err
	}
	e.snap.Store(&snapshot{rules: next, tree: tree, gen: cur.gen + 1})

	if e.opts.Debug {
		e.log.Debug("dynamic rule installed",
			"node", nodeID, "rule", fmt.Sprintf("%d/%d", rule.ID, rule.IDBits),
			"dcid", fmt.Sprintf("%x", dcid), "scid", fmt.Sprintf("%x", scid),
			"generation", cur.gen+1)
		e.log.Debug(tree.Dump())
	}
	return id, nil
}

// synthesizeRule clones the base rule and pins the four CID descriptors to
// the observed values. Everything else is untouched.
func synthesizeRule(base *rules.Rule, dcid, scid []byte, id uint32, idBits int) rules.Rule {
	r := base.Clone()
	r.ID = id
	r.IDBits = idBits
	r.Dynamic = true
	r.Comment = fmt.Sprintf("learned dcid %x scid %x", dcid, scid)

	for i := range r.Fields {
		fd := &r.Fields[i]
		var target []byte
		switch fd.Field {
		case packet.FieldQUICDCIDLen:
			target = []byte{byte(len(dcid))}
		case packet.FieldQUICDCID:
			target = append([]byte{}, dcid...)
		case packet.FieldQUICSCIDLen:
			target = []byte{byte(len(scid))}
		case packet.FieldQUICSCID:
			target = append([]byte{}, scid...)
		default:
			continue
		}
		fd.Op = rules.OpEqual
		fd.Action = rules.ActionNotSent
		fd.Target = target
		fd.Bits = len(target) * 8
		fd.MSBBits = 0
		fd.LSBBits = 0
		fd.Mapping = nil
	}
	return r
}
