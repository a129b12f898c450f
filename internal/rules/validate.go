package rules

import (
	"fmt"
	"reflect"
	"sort"
)

// Validate proves that every rule's declared inputs are satisfiable from the
// root subject types and the other rules' outputs, and that no rule
// statically requires its own output. All defects are collected and reported
// together so a single run surfaces the full set of graph problems. It runs
// once at scheduler construction and is fatal on failure.
func Validate(idx *Index, rootSubjects []reflect.Type) error {
	v := &validator{
		idx:   idx,
		roots: make(map[reflect.Type]bool, len(rootSubjects)),
		dyn:   make(map[reflect.Type]bool),
	}
	for _, t := range rootSubjects {
		v.roots[t] = true
	}
	// Types appearing as Get subjects are provided by callers at run time, so
	// rules consuming them are reachable even though nothing produces them
	// statically. A Get against a union base puts every member in scope.
	for _, r := range idx.Rules() {
		for _, g := range r.GetEdges() {
			v.dyn[g.Subject] = true
			for _, m := range idx.UnionMembers(g.Subject) {
				v.dyn[m] = true
			}
		}
	}

	var defects []string
	for _, r := range idx.Rules() {
		for i, sel := range r.Selectors() {
			if !v.satisfiable(sel, nil, make(map[reflect.Type]bool)) {
				defects = append(defects, fmt.Sprintf(
					"rule %q: selector %d (%s) is not satisfiable from any root subject or rule output",
					r.Name(), i, sel))
			}
		}
		for _, g := range r.GetEdges() {
			defects = append(defects, v.checkGet(r, g)...)
		}
		if v.staticallyRequires(r, r.Output(), make(map[*Rule]bool)) {
			defects = append(defects, fmt.Sprintf(
				"rule %q: static dependency cycle, its selectors transitively require its own output %s",
				r.Name(), r.Output()))
		}
	}

	if len(defects) > 0 {
		sort.Strings(defects)
		return &GraphError{Defects: defects}
	}
	return nil
}

type validator struct {
	idx   *Index
	roots map[reflect.Type]bool
	dyn   map[reflect.Type]bool
}

// checkGet validates one declared Get edge. A Get against a union base is
// satisfiable when at least one registered member can reach the product; a
// plain Get needs the product reachable with the declared subject available
// as a parameter.
func (v *validator) checkGet(r *Rule, g GetEdge) []string {
	if v.idx.IsUnion(g.Subject) {
		members := v.idx.UnionMembers(g.Subject)
		if len(members) == 0 {
			return []string{fmt.Sprintf("rule %q: Get(%s, %s) targets a union with no registered members",
				r.Name(), g.Product, g.Subject)}
		}
		for _, m := range members {
			if v.satisfiable(g.Product, m, make(map[reflect.Type]bool)) {
				return nil
			}
		}
		return []string{fmt.Sprintf("rule %q: Get(%s, %s) is not satisfiable via any union member",
			r.Name(), g.Product, g.Subject)}
	}
	if !v.satisfiable(g.Product, g.Subject, make(map[reflect.Type]bool)) {
		return []string{fmt.Sprintf("rule %q: Get(%s, %s) is not satisfiable from any root subject or rule output",
			r.Name(), g.Product, g.Subject)}
	}
	return nil
}

// satisfiable reports whether t can be produced from the root subjects, the
// extra in-scope parameter type (the subject of a Get), or some rule's
// output whose own selectors are recursively satisfiable. The visiting set
// breaks recursion: a type reached again on the same path cannot justify
// itself.
func (v *validator) satisfiable(t reflect.Type, extra reflect.Type, visiting map[reflect.Type]bool) bool {
	if v.roots[t] || v.dyn[t] || t == extra {
		return true
	}
	if t.Kind() == reflect.Interface {
		for root := range v.roots {
			if root.Implements(t) {
				return true
			}
		}
		if extra != nil && extra.Implements(t) {
			return true
		}
	}
	if visiting[t] {
		return false
	}
	visiting[t] = true
	defer delete(visiting, t)

	for _, producer := range v.idx.ProducersOf(t) {
		ok := true
		for _, sel := range producer.Selectors() {
			if !v.satisfiable(sel, extra, visiting) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// staticallyRequires reports whether the rule's selector closure requires
// target without an intervening Get indirection. Gets are excluded on
// purpose: a potential cycle through a Get is resolved by runtime subject
// values and is legal.
func (v *validator) staticallyRequires(r *Rule, target reflect.Type, visited map[*Rule]bool) bool {
	if visited[r] {
		return false
	}
	visited[r] = true
	for _, sel := range r.Selectors() {
		if sel == target {
			return true
		}
		for _, producer := range v.idx.ProducersOf(sel) {
			if v.staticallyRequires(producer, target, visited) {
				return true
			}
		}
	}
	return false
}
