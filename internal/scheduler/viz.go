package scheduler

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/buildweave/weave/internal/nodegraph"
)

// VisualizeGraph writes the current node graph in graphviz dot format. This
// is a diagnostic side channel, not a correctness-bearing feature.
func (s *Scheduler) VisualizeGraph(w io.Writer) error {
	var b strings.Builder
	b.WriteString("digraph nodes {\n  rankdir=LR;\n  node [shape=box];\n")
	s.graph.Visit(func(info nodegraph.NodeInfo) {
		fmt.Fprintf(&b, "  n%x [label=%q];\n", info.ID,
			fmt.Sprintf("%s\n%s\n[%s]", info.Rule, info.Subject, info.State))
		for _, dep := range info.DepIDs {
			fmt.Fprintf(&b, "  n%x -> n%x;\n", info.ID, dep)
		}
	})
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// VisualizeRuleGraph writes the static rule graph in graphviz dot format:
// one node per rule, solid edges for selector dependencies, dashed edges for
// declared Gets, and dotted edges from union bases to their members.
func (s *Scheduler) VisualizeRuleGraph(w io.Writer) error {
	var b strings.Builder
	b.WriteString("digraph rules {\n  rankdir=LR;\n  node [shape=box];\n")

	producers := func(t reflect.Type) []string {
		var names []string
		for _, r := range s.index.ProducersOf(t) {
			names = append(names, r.Name())
		}
		sort.Strings(names)
		return names
	}

	for _, r := range s.index.Rules() {
		fmt.Fprintf(&b, "  %q [label=%q];\n", r.Name(),
			fmt.Sprintf("%s\n-> %s", r.Name(), r.Output()))
		for _, sel := range r.Selectors() {
			for _, producer := range producers(sel) {
				fmt.Fprintf(&b, "  %q -> %q;\n", r.Name(), producer)
			}
		}
		for _, g := range r.GetEdges() {
			targets := s.index.UnionMembers(g.Subject)
			if len(targets) == 0 {
				for _, producer := range producers(g.Product) {
					fmt.Fprintf(&b, "  %q -> %q [style=dashed];\n", r.Name(), producer)
				}
				continue
			}
			for _, member := range targets {
				for _, producer := range s.index.ProducersOf(g.Product) {
					if acceptsMember(producer.Selectors(), member) {
						fmt.Fprintf(&b, "  %q -> %q [style=dotted, label=%q];\n",
							r.Name(), producer.Name(), member.String())
					}
				}
			}
		}
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func acceptsMember(selectors []reflect.Type, member reflect.Type) bool {
	for _, sel := range selectors {
		if sel == member {
			return true
		}
	}
	return false
}
