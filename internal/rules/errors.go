package rules

import (
	"fmt"
	"strings"
)

// GraphError reports every defect found while registering or validating a
// rule graph. Construction-time defects are fatal: a scheduler handed a
// GraphError must refuse to start.
type GraphError struct {
	Defects []string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("rule graph validation failed:\n- %s", strings.Join(e.Defects, "\n- "))
}
