// Package rules defines the static rule graph: registered computation rules,
// union (capability) memberships, and the index that maps product types to
// their producing rules. Rules are immutable once registered; the index is
// built and validated once per process, before any execution.
package rules

import (
	"fmt"
	"reflect"
)

// RunFunc is the body of a rule. It receives a Task carrying the resolved
// selector arguments and the dynamic capabilities (Get, file reads, snapshots,
// process execution) and returns the rule's product value.
type RunFunc func(t *Task) (any, error)

// GetEdge declares a dynamic dependency: the rule may request Product for a
// value whose declared type is Subject. Subject may be a registered union
// base, in which case the concrete producer is chosen at run time from the
// subject value's actual type.
type GetEdge struct {
	Product reflect.Type
	Subject reflect.Type
}

// Rule is one registered computation producing Output from its declared
// inputs. Identity is the rule name, which must be unique per index.
type Rule struct {
	name      string
	output    reflect.Type
	selectors []reflect.Type
	gets      []GetEdge
	cacheable bool
	desc      string
	run       RunFunc
}

// Option configures a Rule at construction time.
type Option func(*Rule)

// Selects declares the ordered direct-input types of the rule. Each selector
// is resolved from the node's subject (if the types match) or from another
// rule's output for the same subject.
func Selects(types ...reflect.Type) Option {
	return func(r *Rule) { r.selectors = append(r.selectors, types...) }
}

// Gets declares a dynamic Get edge the rule body may issue.
func Gets(product, subject reflect.Type) Option {
	return func(r *Rule) { r.gets = append(r.gets, GetEdge{Product: product, Subject: subject}) }
}

// Uncacheable marks the rule as modelling an inherently uncacheable effect.
// Such rules re-run every session, though identical concurrent requests
// within one session still share a single evaluation.
func Uncacheable() Option {
	return func(r *Rule) { r.cacheable = false }
}

// Desc attaches a human-readable description used in diagnostics and
// workunit names.
func Desc(d string) Option {
	return func(r *Rule) { r.desc = d }
}

// New constructs an immutable Rule. The output type and run function are
// required; everything else is declared through options.
func New(name string, output reflect.Type, run RunFunc, opts ...Option) *Rule {
	if name == "" {
		panic("rules: rule name must not be empty")
	}
	if output == nil {
		panic(fmt.Sprintf("rules: rule %q has no output type", name))
	}
	if run == nil {
		panic(fmt.Sprintf("rules: rule %q has no run function", name))
	}
	r := &Rule{
		name:      name,
		output:    output,
		cacheable: true,
		run:       run,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the rule's unique identity.
func (r *Rule) Name() string { return r.name }

// Output returns the product type the rule produces.
func (r *Rule) Output() reflect.Type { return r.output }

// Selectors returns the ordered direct-input types.
func (r *Rule) Selectors() []reflect.Type { return r.selectors }

// GetEdges returns the declared dynamic dependencies.
func (r *Rule) GetEdges() []GetEdge { return r.gets }

// Cacheable reports whether completed values may be reused across sessions.
func (r *Rule) Cacheable() bool { return r.cacheable }

// Description returns the diagnostic description, falling back to the name.
func (r *Rule) Description() string {
	if r.desc != "" {
		return r.desc
	}
	return r.name
}

// Run invokes the rule body.
func (r *Rule) Run(t *Task) (any, error) { return r.run(t) }

// UnionRule registers concrete member types under an abstract capability
// base. A Get declared against the base expands, at validation time, into
// one candidate edge per member; the member is chosen at run time from the
// subject value's concrete type.
type UnionRule struct {
	Base    reflect.Type
	Members []reflect.Type
}

// TypeOf returns the reflect.Type for T, including interface types, which
// reflect.TypeOf cannot name from a value.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
