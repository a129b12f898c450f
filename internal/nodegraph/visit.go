package nodegraph

import (
	"fmt"
	"sort"
)

// NodeInfo is a read-only view of one node, used by graph visualization and
// diagnostics.
type NodeInfo struct {
	ID      uint64
	Rule    string
	Subject string
	State   string
	DepIDs  []uint64
}

// Visit calls f for every node, ordered by node key for deterministic
// output. The snapshot is taken under the graph lock; node states are read
// afterwards and may lag concurrent transitions, which is fine for a
// diagnostic side channel.
func (g *Graph) Visit(f func(NodeInfo)) {
	g.mu.Lock()
	keys := make([]string, 0, len(g.nodes))
	for key := range g.nodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	nodes := make([]*node, len(keys))
	for i, key := range keys {
		nodes[i] = g.nodes[key]
	}
	ids := make(map[string]uint64, len(g.nodes))
	for key, n := range g.nodes {
		ids[key] = n.id
	}
	g.mu.Unlock()

	for _, n := range nodes {
		n.mu.Lock()
		info := NodeInfo{
			ID:      n.id,
			Rule:    n.rule.Name(),
			Subject: fmt.Sprintf("%+v", n.subject),
			State:   n.state.String(),
		}
		for _, dep := range n.deps {
			if id, ok := ids[dep]; ok {
				info.DepIDs = append(info.DepIDs, id)
			}
		}
		n.mu.Unlock()
		f(info)
	}
}
