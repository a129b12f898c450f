package nodegraph

import "path"

// recordEdges installs the dependency edges and file reads discovered during
// one evaluation, replacing whatever the node recorded on its previous run.
func (g *Graph) recordEdges(n *node, rec *recorder) {
	rec.mu.Lock()
	deps := append([]string(nil), rec.deps...)
	reads := append([]string(nil), rec.reads...)
	rec.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, old := range n.deps {
		delete(g.dependents[old], n.key)
	}
	for _, old := range n.reads {
		delete(g.readers[old], n.key)
	}

	n.deps, n.reads = deps, reads
	for _, dep := range deps {
		if g.dependents[dep] == nil {
			g.dependents[dep] = make(map[string]struct{})
		}
		g.dependents[dep][n.key] = struct{}{}
	}
	for _, rel := range reads {
		if g.readers[rel] == nil {
			g.readers[rel] = make(map[string]struct{})
		}
		g.readers[rel][n.key] = struct{}{}
	}
}

// Invalidate marks every node transitively dependent on a filesystem read
// under any of the given paths as pending, discarding memoized values.
// Invalidating a path also invalidates its parent directory, because
// directory listings depend on their children's existence. The empty path
// invalidates the entire graph. Returns the number of nodes invalidated.
func (g *Graph) Invalidate(paths []string) int {
	g.mu.Lock()

	targets := make(map[string]struct{})
	all := false
	for _, p := range paths {
		if p == "" {
			all = true
			break
		}
		rel := normalizePath(p)
		targets[rel] = struct{}{}
		targets[path.Dir(rel)] = struct{}{}
	}
	if all {
		g.mu.Unlock()
		return g.InvalidateAll()
	}

	// Seed with direct readers, then close over dependents.
	affected := make(map[string]struct{})
	var queue []string
	for rel := range targets {
		for key := range g.readers[rel] {
			if _, seen := affected[key]; !seen {
				affected[key] = struct{}{}
				queue = append(queue, key)
			}
		}
	}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for dependent := range g.dependents[key] {
			if _, seen := affected[dependent]; !seen {
				affected[dependent] = struct{}{}
				queue = append(queue, dependent)
			}
		}
	}

	marked := make([]*node, 0, len(affected))
	for key := range affected {
		marked = append(marked, g.nodes[key])
	}
	g.bumpEpochLocked()
	g.mu.Unlock()

	count := 0
	for _, n := range marked {
		if n != nil && n.invalidate() {
			count++
		}
	}
	g.met.Invalidated.Add(float64(count))
	return count
}

// InvalidateAll returns every node to pending, the degenerate case of
// Invalidate.
func (g *Graph) InvalidateAll() int {
	g.mu.Lock()
	nodes := make([]*node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	g.bumpEpochLocked()
	g.mu.Unlock()

	count := 0
	for _, n := range nodes {
		if n.invalidate() {
			count++
		}
	}
	g.met.Invalidated.Add(float64(count))
	return count
}

// invalidate transitions a completed node back to pending (its value is
// discarded, not kept as a hint) or dirties a running one so its in-flight
// result is thrown away. Reports whether the node was affected.
func (n *node) invalidate() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case stateCompleted:
		n.state = statePending
		n.value, n.throw = nil, nil
		return true
	case stateRunning:
		n.dirty = true
		return true
	}
	return false
}

// bumpEpochLocked wakes anything blocked on the invalidation epoch. Callers
// hold g.mu.
func (g *Graph) bumpEpochLocked() {
	g.epoch++
	close(g.epochCh)
	g.epochCh = make(chan struct{})
}
