package nodegraph

import (
	"fmt"
	"strings"
)

// Throw is the failure value of a node. The wrapped error is the original
// rule failure, unmodified; Trace is the engine traceback, the chain of rule
// names the failure propagated through, innermost first.
type Throw struct {
	Err   error
	Trace []string
}

func newThrow(err error, ruleName string) *Throw {
	return &Throw{Err: err, Trace: []string{ruleName}}
}

// via returns a copy of the throw extended with one more traceback frame.
// Copying keeps concurrently propagating throws from sharing a slice.
func (t *Throw) via(ruleName string) *Throw {
	trace := make([]string, len(t.Trace), len(t.Trace)+1)
	copy(trace, t.Trace)
	return &Throw{Err: t.Err, Trace: append(trace, ruleName)}
}

func (t *Throw) Error() string {
	if len(t.Trace) == 0 {
		return t.Err.Error()
	}
	return fmt.Sprintf("%v\n  in %s", t.Err, strings.Join(t.Trace, "\n  in "))
}

// Unwrap exposes the original rule failure to errors.Is/As.
func (t *Throw) Unwrap() error { return t.Err }
