// Package topictree implements the topic resolver: a prefix tree over topic
// levels that maps a concrete topic to every mapping pattern it satisfies.
// Wildcard semantics follow the topic grammar in the mapping package: '+'
// spans exactly one level, '#' accepts any remaining suffix and terminates
// a branch.
package topictree

import (
	"fmt"
	"sync"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
)

// node is one topic level. A node can simultaneously terminate patterns
// (identifiers non-empty) and have children, because "a/b" and "a/b/c" are
// both valid patterns.
type node struct {
	level       string
	children    map[string]*node
	identifiers []string
}

func newNode(level string) *node {
	return &node{level: level, children: make(map[string]*node)}
}

func (n *node) addIdentifier(id string) {
	for _, existing := range n.identifiers {
		if existing == id {
			return
		}
	}
	n.identifiers = append(n.identifiers, id)
}

func (n *node) removeIdentifier(id string) bool {
	for i, existing := range n.identifiers {
		if existing == id {
			n.identifiers = append(n.identifiers[:i], n.identifiers[i+1:]...)
			return true
		}
	}
	return false
}

// Tree resolves topics for a single tenant. It is safe for concurrent use:
// resolution takes a read lock, insert/remove serialize behind a write lock.
type Tree struct {
	mu   sync.RWMutex
	root *node
}

// New creates an empty resolver tree.
func New() *Tree {
	return &Tree{root: newNode("")}
}

// Insert registers a mapping's pattern. The pattern is validated first;
// malformed patterns (for example a non-terminal '#') are rejected here and
// never silently accepted.
func (t *Tree) Insert(m *mapping.Mapping) error {
	pattern := m.ResolvePattern()
	if err := mapping.ValidateTopicPattern(pattern); err != nil {
		return err
	}
	levels := mapping.SplitTopic(pattern)

	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.root
	for _, level := range levels {
		child, ok := current.children[level]
		if !ok {
			child = newNode(level)
			current.children[level] = child
		}
		current = child
	}
	current.addIdentifier(m.Identifier)
	return nil
}

// Resolve returns the identifiers of every mapping whose pattern matches the
// topic. Exact and wildcard branches are explored in parallel with no
// precedence between them; the result preserves insertion order per node and
// is deduplicated. An empty topic resolves to the empty set.
func (t *Tree) Resolve(topic string) []string {
	levels := mapping.SplitTopic(topic)
	if len(levels) == 0 {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []string
	seen := make(map[string]struct{})
	collect := func(ids []string) {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			result = append(result, id)
		}
	}
	t.root.resolve(levels, collect)
	return result
}

// resolve walks every branch that can still match the remaining levels.
func (n *node) resolve(remaining []string, collect func([]string)) {
	// A '#' child accepts everything below this point, including an empty
	// remainder. It never descends further.
	if multi, ok := n.children[mapping.WildcardMulti]; ok {
		collect(multi.identifiers)
	}
	if len(remaining) == 0 {
		collect(n.identifiers)
		return
	}
	current := remaining[0]
	rest := remaining[1:]
	if exact, ok := n.children[current]; ok {
		exact.resolve(rest, collect)
	}
	if single, ok := n.children[mapping.WildcardSingle]; ok {
		single.resolve(rest, collect)
	}
}

// Remove deletes a mapping's identifier from its terminal node and prunes
// nodes that are left with neither identifiers nor children.
func (t *Tree) Remove(m *mapping.Mapping) error {
	levels := mapping.SplitTopic(m.ResolvePattern())
	if len(levels) == 0 {
		return mapping.ErrEmptyTopic
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !remove(t.root, levels, m.Identifier) {
		return fmt.Errorf("no mapping %s registered for pattern %q", m.Identifier, m.ResolvePattern())
	}
	return nil
}

func remove(n *node, levels []string, id string) bool {
	if len(levels) == 0 {
		return n.removeIdentifier(id)
	}
	child, ok := n.children[levels[0]]
	if !ok {
		return false
	}
	if !remove(child, levels[1:], id) {
		return false
	}
	if len(child.identifiers) == 0 && len(child.children) == 0 {
		delete(n.children, levels[0])
	}
	return true
}

// NodeSnapshot is a read-only copy of one resolver node, used by monitoring
// to visualize the tree without exposing internal state.
type NodeSnapshot struct {
	Level       string         `json:"level"`
	Identifiers []string       `json:"identifiers,omitempty"`
	Children    []NodeSnapshot `json:"children,omitempty"`
}

// Snapshot returns a deep copy of the current tree structure.
func (t *Tree) Snapshot() NodeSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return snapshot(t.root)
}

func snapshot(n *node) NodeSnapshot {
	s := NodeSnapshot{Level: n.level}
	s.Identifiers = append(s.Identifiers, n.identifiers...)
	for _, child := range n.children {
		s.Children = append(s.Children, snapshot(child))
	}
	return s
}
