// Package ruletree builds and walks the rule-match decision tree. The tree
// is constructed once per rule-set generation by factoring rules on their
// longest common field prefix, then traversed per packet to find the unique
// matching rule.
package ruletree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ewancrowle/crimp/internal/packet"
	"github.com/ewancrowle/crimp/internal/rules"
)

// Tree holds one decision tree per traffic direction. Rule descriptors are
// direction-scoped, so an Up packet and a Down packet walk different edges
// of what is conceptually the same rule.
type Tree struct {
	up   *node
	down *node
}

type node struct {
	field packet.FieldID
	pos   int

	edges    []edge
	wildcard *node

	leaf *rules.Rule
	spec int
}

// edge is one non-wildcard branch out of a node. The operator lives on the
// edge: sibling rules may constrain the same field with different operators.
type edge struct {
	op      rules.MatchOp
	value   []byte
	msbBits int
	mapping [][]byte
	child   *node
}

// Build constructs the decision tree for a rule set. Building the same set
// twice yields trees with identical traversal outcomes.
func Build(set *rules.Set) (*Tree, error) {
	t := &Tree{up: &node{}, down: &node{}}
	for i := range set.Rules {
		r := &set.Rules[i]
		if err := insert(t.up, r, packet.Up); err != nil {
			return nil, err
		}
		if err := insert(t.down, r, packet.Down); err != nil {
			return nil, err
		}
	}
	t.up.sortEdges()
	t.down.sortEdges()
	return t, nil
}

func insert(root *node, r *rules.Rule, dir packet.Direction) error {
	cur := root
	for i := range r.Fields {
		fd := &r.Fields[i]
		if !fd.Direction.Applies(dir) {
			continue
		}
		if cur.field == packet.FieldInvalid {
			cur.field = fd.Field
			cur.pos = fd.Position
		} else if cur.field != fd.Field || cur.pos != fd.Position {
			return fmt.Errorf("rule %d/%d: field %s diverges from sibling order (%s at this depth)",
				r.ID, r.IDBits, fd.Field, cur.field)
		}

		if fd.Op == rules.OpIgnore {
			if cur.wildcard == nil {
				cur.wildcard = &node{}
			}
			cur = cur.wildcard
			continue
		}

		e := cur.findEdge(fd)
		if e == nil {
			cur.edges = append(cur.edges, edge{
				op:      fd.Op,
				value:   fd.Target,
				msbBits: fd.MSBBits,
				mapping: fd.Mapping,
				child:   &node{},
			})
			e = &cur.edges[len(cur.edges)-1]
		}
		cur = e.child
	}

	// Rules ending at the same node: the more specific one owns the leaf;
	// ties go to the smaller rule id.
	spec := r.Specificity()
	if cur.leaf == nil || spec > cur.spec || (spec == cur.spec && r.ID < cur.leaf.ID) {
		cur.leaf = r
		cur.spec = spec
	}
	return nil
}

func (n *node) findEdge(fd *rules.FieldDescriptor) *edge {
	for i := range n.edges {
		e := &n.edges[i]
		if e.op != fd.Op || e.msbBits != fd.MSBBits {
			continue
		}
		if !bytes.Equal(e.value, fd.Target) {
			continue
		}
		if len(e.mapping) != len(fd.Mapping) {
			continue
		}
		same := true
		for j := range e.mapping {
			if !bytes.Equal(e.mapping[j], fd.Mapping[j]) {
				same = false
				break
			}
		}
		if same {
			return e
		}
	}
	return nil
}

// sortEdges orders edges deterministically: equality first, then mapping,
// then msb, each ordered by target bytes. Wildcards are evaluated after
// every edge, by construction.
func (n *node) sortEdges() {
	sort.SliceStable(n.edges, func(i, j int) bool {
		a, b := &n.edges[i], &n.edges[j]
		if a.op != b.op {
			return opRank(a.op) < opRank(b.op)
		}
		if c := bytes.Compare(a.value, b.value); c != 0 {
			return c < 0
		}
		return a.msbBits < b.msbBits
	})
	for i := range n.edges {
		n.edges[i].child.sortEdges()
	}
	if n.wildcard != nil {
		n.wildcard.sortEdges()
	}
}

func opRank(op rules.MatchOp) int {
	switch op {
	case rules.OpEqual:
		return 0
	case rules.OpMatchMapping:
		return 1
	case rules.OpMSB:
		return 2
	}
	return 3
}

// Match walks the tree for one packet. It returns nil when no rule accepts
// the packet; parse failures that make a branch inapplicable (an absent
// field) only prune that branch, while errors that make the packet
// unparseable (missing context, truncation) abort the walk.
func (t *Tree) Match(p *packet.Parser, dir packet.Direction) (*rules.Rule, error) {
	root := t.up
	if dir == packet.Down {
		root = t.down
	}
	return match(root, p)
}

func match(n *node, p *packet.Parser) (*rules.Rule, error) {
	if len(n.edges) > 0 || n.wildcard != nil {
		f, err := p.Field(n.field, n.pos)
		switch {
		case err == nil:
			for i := range n.edges {
				e := &n.edges[i]
				if !edgeMatches(e, f) {
					continue
				}
				r, err := match(e.child, p)
				if err != nil {
					return nil, err
				}
				if r != nil {
					return r, nil
				}
			}
			if n.wildcard != nil {
				r, err := match(n.wildcard, p)
				if err != nil {
					return nil, err
				}
				if r != nil {
					return r, nil
				}
			}
		case errors.Is(err, packet.ErrFieldAbsent):
			// This subtree constrains a field the packet does not
			// carry; fall through to the node's own leaf.
		default:
			return nil, err
		}
	}
	return n.leaf, nil
}

func edgeMatches(e *edge, f packet.Field) bool {
	switch e.op {
	case rules.OpEqual:
		return rules.ValueEqual(e.value, f.Value)
	case rules.OpMSB:
		return rules.ValueEqual(
			rules.MSBValue(e.value, f.BitLength, e.msbBits),
			rules.MSBValue(f.Value, f.BitLength, e.msbBits),
		)
	case rules.OpMatchMapping:
		return rules.MappingIndex(e.mapping, f.Value) >= 0
	}
	return false
}

// Dump renders the tree for debug output.
func (t *Tree) Dump() string {
	var b strings.Builder
	b.WriteString("up:\n")
	dumpNode(&b, t.up, 1)
	b.WriteString("down:\n")
	dumpNode(&b, t.down, 1)
	return b.String()
}

func dumpNode(b *strings.Builder, n *node, depth int) {
	indent := strings.Repeat("  ", depth)
	if n.leaf != nil {
		fmt.Fprintf(b, "%s-> rule %d/%d (specificity %d)\n", indent, n.leaf.ID, n.leaf.IDBits, n.spec)
	}
	for i := range n.edges {
		e := &n.edges[i]
		switch e.op {
		case rules.OpMSB:
			fmt.Fprintf(b, "%s%s msb(%d) %x\n", indent, n.field, e.msbBits, e.value)
		case rules.OpMatchMapping:
			fmt.Fprintf(b, "%s%s in %x\n", indent, n.field, e.mapping)
		default:
			fmt.Fprintf(b, "%s%s == %x\n", indent, n.field, e.value)
		}
		dumpNode(b, e.child, depth+1)
	}
	if n.wildcard != nil {
		fmt.Fprintf(b, "%s%s *\n", indent, n.field)
		dumpNode(b, n.wildcard, depth+1)
	}
}
