package rules

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Index is the static registry mapping each output type to the rules able to
// produce it, plus the union base to member-type registry used for
// polymorphic dispatch. An Index is immutable once built.
type Index struct {
	byOutput map[reflect.Type][]*Rule
	byName   map[string]*Rule
	unions   map[reflect.Type][]reflect.Type
}

// NewIndex registers all rules and union memberships, failing the whole
// registration with one descriptive error if any output type has two or more
// producers that cannot be told apart at a call site (identical selector
// shapes). Registering the same union member twice is idempotent.
func NewIndex(allRules []*Rule, unionRules []UnionRule) (*Index, error) {
	idx := &Index{
		byOutput: make(map[reflect.Type][]*Rule),
		byName:   make(map[string]*Rule),
		unions:   make(map[reflect.Type][]reflect.Type),
	}

	var errs []string
	for _, r := range allRules {
		if prev, dup := idx.byName[r.Name()]; dup {
			errs = append(errs, fmt.Sprintf("rule name %q registered twice (producing %s and %s)",
				r.Name(), prev.Output(), r.Output()))
			continue
		}
		idx.byName[r.Name()] = r
		idx.byOutput[r.Output()] = append(idx.byOutput[r.Output()], r)
	}

	for _, u := range unionRules {
		if u.Base.Kind() != reflect.Interface {
			errs = append(errs, fmt.Sprintf("union base %s is not an interface type", u.Base))
			continue
		}
		members := idx.unions[u.Base]
		for _, m := range u.Members {
			if containsType(members, m) {
				continue // idempotent re-registration
			}
			if !m.Implements(u.Base) {
				errs = append(errs, fmt.Sprintf("union member %s does not implement base %s", m, u.Base))
				continue
			}
			members = append(members, m)
		}
		idx.unions[u.Base] = members
	}

	// Two rules claiming the same output with the same selector shape cannot
	// be disambiguated at any call site.
	for output, producers := range idx.byOutput {
		if len(producers) < 2 {
			continue
		}
		shapes := make(map[string][]string)
		for _, r := range producers {
			shape := selectorShape(r)
			shapes[shape] = append(shapes[shape], r.Name())
		}
		for shape, names := range shapes {
			if len(names) > 1 {
				sort.Strings(names)
				errs = append(errs, fmt.Sprintf("ambiguous producers for %s with input shape (%s): %s",
					output, shape, strings.Join(names, ", ")))
			}
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, &GraphError{Defects: errs}
	}
	return idx, nil
}

// selectorShape renders the ordered selector type list used for ambiguity
// detection.
func selectorShape(r *Rule) string {
	parts := make([]string, len(r.Selectors()))
	for i, s := range r.Selectors() {
		parts[i] = s.String()
	}
	return strings.Join(parts, ", ")
}

func containsType(ts []reflect.Type, t reflect.Type) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

// ProducersOf returns all rules producing the given product type.
func (idx *Index) ProducersOf(product reflect.Type) []*Rule {
	return idx.byOutput[product]
}

// RuleByName looks a rule up by its identity.
func (idx *Index) RuleByName(name string) (*Rule, bool) {
	r, ok := idx.byName[name]
	return r, ok
}

// IsUnion reports whether the type is a registered union base.
func (idx *Index) IsUnion(t reflect.Type) bool {
	_, ok := idx.unions[t]
	return ok
}

// UnionMembers returns the ordered member types of a union base, or nil.
func (idx *Index) UnionMembers(base reflect.Type) []reflect.Type {
	return idx.unions[base]
}

// Rules returns every registered rule, ordered by name for determinism.
func (idx *Index) Rules() []*Rule {
	names := make([]string, 0, len(idx.byName))
	for name := range idx.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Rule, len(names))
	for i, name := range names {
		out[i] = idx.byName[name]
	}
	return out
}

// ProducerFor selects the producing rule for product given the subject's
// concrete runtime type. If the product has a single producer it wins
// outright; among several, the producer whose selectors accept subjectType
// is chosen. Returns an error naming the product when no producer matches.
func (idx *Index) ProducerFor(product, subjectType reflect.Type) (*Rule, error) {
	producers := idx.byOutput[product]
	switch len(producers) {
	case 0:
		return nil, fmt.Errorf("no rule produces %s", product)
	case 1:
		return producers[0], nil
	}
	for _, r := range producers {
		for _, sel := range r.Selectors() {
			if typeAccepts(sel, subjectType) {
				return r, nil
			}
		}
	}
	return nil, fmt.Errorf("no producer of %s accepts subject type %s", product, subjectType)
}

// typeAccepts reports whether a declared input type can bind a value of the
// given concrete type.
func typeAccepts(declared, concrete reflect.Type) bool {
	if declared == concrete {
		return true
	}
	return declared.Kind() == reflect.Interface && concrete.Implements(declared)
}
