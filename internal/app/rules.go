package app

import (
	"reflect"
	"strings"

	"github.com/buildweave/weave/internal/rules"
)

// Query is the root subject of the built-in goal: a set of glob patterns to
// report on.
type Query struct {
	Patterns []string
}

// FileSet is the expanded file list for a Query.
type FileSet struct {
	Paths []string
}

// Report summarizes the files matching a Query. It is the built-in goal
// product; an empty match set exits non-zero so scripts can assert on it.
type Report struct {
	Files int
	Lines int
}

// ExitCode implements session.Goal.
func (r Report) ExitCode() int {
	if r.Files == 0 {
		return 1
	}
	return 0
}

// builtinRules is the rule set compiled into the weave binary. It doubles as
// a working example of the registration API.
func builtinRules() ([]*rules.Rule, []reflect.Type) {
	findFiles := rules.New("find_files", rules.TypeOf[FileSet](),
		func(task *rules.Task) (any, error) {
			paths, err := task.Glob(task.Subject().(Query).Patterns)
			if err != nil {
				return nil, err
			}
			return FileSet{Paths: paths}, nil
		},
		rules.Selects(rules.TypeOf[Query]()),
		rules.Desc("expand query globs"))

	report := rules.New("report", rules.TypeOf[Report](),
		func(task *rules.Task) (any, error) {
			fs := task.Arg(0).(FileSet)
			lines := 0
			for _, rel := range fs.Paths {
				content, err := task.ReadFile(rel)
				if err != nil {
					return nil, err
				}
				lines += strings.Count(string(content), "\n")
			}
			return Report{Files: len(fs.Paths), Lines: lines}, nil
		},
		rules.Selects(rules.TypeOf[FileSet]()),
		rules.Desc("summarize matched files"))

	return []*rules.Rule{findFiles, report}, []reflect.Type{rules.TypeOf[Query]()}
}
