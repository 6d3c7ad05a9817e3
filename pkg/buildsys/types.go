package buildsys

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"
)

// TaskCmd is a single entry of a task's command list
type TaskCmd interface {
	taskCmd()
}

// TaskCmdScript is a shell snippet. Index is its position in the cmds list.
type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (TaskCmdScript) taskCmd() {}

// Parse returns the snippet's statements
func (s TaskCmdScript) Parse(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	file, err := parser.Parse(strings.NewReader(s.Content), fmt.Sprintf("%s#%d", s.TaskName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "invalid command %q", s.Content)
	}

	return file.Stmts, nil
}

// TaskCmdTaskRef runs another task (without arguments) in place of a command
type TaskCmdTaskRef struct {
	Task *Task
}

func (TaskCmdTaskRef) taskCmd() {}

// Task holds everything task() declared
type Task struct {
	Env          map[string]string
	Short        string
	Desc         string
	Base         string
	Params       []string
	Inputs       []string
	Deps         []string
	SkipIfExists []string
	Outputs      []string
	Cmds         []TaskCmd
	Variadic     bool
	Hidden       bool
}

// Usage renders the task's parameters the way they're passed on the command line,
// e.g. "MODULE *ARGS"
func (t *Task) Usage() string {
	parts := make([]string, 0, len(t.Params)+1)
	parts = append(parts, t.Params...)
	if t.Variadic {
		parts = append(parts, "*ARGS")
	}

	return strings.Join(parts, " ")
}

// BindArgs splits the invocation arguments into named parameters and the free-form rest
func (t *Task) BindArgs(args []string) (map[string]string, []string, error) {
	if len(args) < len(t.Params) {
		return nil, nil, eris.Errorf("task %s expects argument %s (usage: %s %s)", t.Short, t.Params[len(args)], t.Short, t.Usage())
	}

	rest := args[len(t.Params):]
	if len(rest) > 0 && !t.Variadic {
		return nil, nil, eris.Errorf("task %s doesn't accept extra arguments but got %d: %s", t.Short, len(rest), strings.Join(rest, " "))
	}

	params := make(map[string]string, len(t.Params))
	for idx, name := range t.Params {
		params[name] = args[idx]
	}

	return params, rest, nil
}

// TaskList maps short names to their tasks
type TaskList map[string]*Task

// ScriptOption is a value declared with option() that can be overridden on the command line
type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// *Task implements starlark.Value, task() returns it so other tasks can list it in cmds
func (t *Task) String() string { return fmt.Sprintf("<task %s>", t.Short) }
func (t *Task) Type() string { return "task" }
func (t *Task) Freeze() {}
func (t *Task) Truth() starlark.Bool { return starlark.True }
func (t *Task) Hash() (uint32, error) { return 0, eris.Errorf("unhashable type: task") }

// StarlarkPath is an absolute path returned by resolve_path(). It behaves like a string
// in task files.
type StarlarkPath string

func (p StarlarkPath) String() string { return starlark.String(p).String() }
func (p StarlarkPath) Type() string { return "path" }
func (p StarlarkPath) Freeze() {}
func (p StarlarkPath) Truth() starlark.Bool { return p != "" }
func (p StarlarkPath) Hash() (uint32, error) { return starlark.String(p).Hash() }
func (p StarlarkPath) Len() int { return len(p) }

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p).Index(i)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y starlark.Value, depth int) (bool, error) {
	return starlark.String(p).CompareSameType(op, starlark.String(y.(StarlarkPath)), depth)
}

// pathString accepts both plain strings and paths
func pathString(value starlark.Value) (string, bool) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), true
	case StarlarkPath:
		return string(value), true
	}

	return "", false
}
