package buildsys

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
)

// Script is the result of evaluating a task file
type Script struct {
	Tasks   TaskList
	Options map[string]ScriptOption
	// Sources maps every file the script depends on to its modification time at parse time
	Sources map[string]time.Time
	// EnvLookups holds the process env variables the script read
	EnvLookups map[string]EnvLookup
	// PathKinds holds what isfile() and isdir() found at each path they checked
	PathKinds map[string]PathKind
}

// EnvLookup is the state of an env variable at parse time
type EnvLookup struct {
	Value string
	Set   bool
}

type PathKind int

const (
	PathMissing PathKind = iota
	PathFile
	PathDir
	PathOther
)

func pathKindOf(info os.FileInfo) PathKind {
	switch {
	case info == nil:
		return PathMissing
	case info.IsDir():
		return PathDir
	case info.Mode().IsRegular():
		return PathFile
	default:
		return PathOther
	}
}

const stateKey = "buildsys"

// evalState is attached to the Starlark thread while a task file is evaluated
type evalState struct {
	ctx  context.Context
	file string
	root string

	// configuring is false while the global scope runs and true inside configure()
	configuring bool

	options      map[string]ScriptOption
	optionValues map[string]string
	overrides    map[string]string
	documents    map[string]interface{}
	sources      map[string]time.Time
	envLookups   map[string]EnvLookup
	pathKinds    map[string]PathKind
	tasks        []*Task
}

func stateOf(thread *starlark.Thread) *evalState {
	return thread.Local(stateKey).(*evalState)
}

// joinTaskPath resolves parts the way task files spell paths: "//x" is relative to the
// project root, "/x" to the current volume and anything else to dir.
func joinTaskPath(root, dir string, parts ...string) string {
	result := dir
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "//"):
			result = filepath.Join(root, part[2:])
		case strings.HasPrefix(part, "/"):
			result = filepath.Join(filepath.VolumeName(result), part)
		case filepath.IsAbs(part):
			result = part
		default:
			result = filepath.Join(result, part)
		}
	}

	return filepath.Clean(result)
}

func (s *evalState) resolve(parts ...string) string {
	return joinTaskPath(s.root, filepath.Dir(s.file), parts...)
}

// display shortens paths inside the project to the "//x" form
func (s *evalState) display(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}

	return "//" + filepath.ToSlash(rel)
}

func (s *evalState) trackSource(path string) {
	if info, err := os.Stat(path); err == nil {
		s.sources[path] = info.ModTime()
	}
}

// env returns the process environment with setenv() and prepend_path() applied
func (s *evalState) env() []string {
	return mergeEnv(os.Environ(), s.overrides)
}

// applyOverrides adds the setenv() values to task and the hidden tasks it references.
// Values the task sets itself take precedence.
func (s *evalState) applyOverrides(task *Task, seen map[*Task]bool) {
	if seen[task] {
		return
	}
	seen[task] = true

	for name, value := range s.overrides {
		if _, ok := task.Env[name]; !ok {
			task.Env[name] = value
		}
	}

	for _, cmd := range task.Cmds {
		if ref, ok := cmd.(TaskCmdTaskRef); ok {
			s.applyOverrides(ref.Task, seen)
		}
	}
}

// report logs msg with the caller's position in the task file
func report(thread *starlark.Thread, level zerolog.Level, msg string) {
	state := stateOf(thread)
	pos := thread.CallFrame(1).Pos

	log(state.ctx).WithLevel(level).
		Str("path", state.file).
		Msgf("%s:%d:%d: %s", state.display(state.file), pos.Line, pos.Col, msg)
}

func backtrace(err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return eris.New(evalErr.Backtrace())
	}

	return err
}

var builtinFuncs = map[string]func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error){
	"info":         starInfo,
	"warn":         starWarn,
	"error":        starError,
	"resolve_path": resolvePath,
	"option":       option,
	"getenv":       getenv,
	"setenv":       setenv,
	"prepend_path": prependPath,
	"read_yaml":    documentReader(decodeYaml),
	"read_toml":    documentReader(decodeToml),
	"isdir":        starIsdir,
	"isfile":       starIsfile,
	"execute":      starExec,
	"log_filter":   starLogFilter,
	"task":         declareTask,
}

func predeclared() starlark.StringDict {
	result := starlark.StringDict{
		"OS":   starlark.String(runtime.GOOS),
		"ARCH": starlark.String(runtime.GOARCH),
	}

	for name, fn := range builtinFuncs {
		result[name] = starlark.NewBuiltin(name, fn)
	}

	return result
}

// RunScript evaluates a task file and returns the declared options. If doConfigure is
// true, the file's configure() function is called as well and the declared tasks are
// returned too.
func RunScript(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool) (*Script, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve project root")
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve task file")
	}

	if options == nil {
		options = map[string]string{}
	}

	state := &evalState{
		ctx:          ctx,
		file:         filename,
		root:         root,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		overrides:    make(map[string]string),
		documents:    make(map[string]interface{}),
		sources:      make(map[string]time.Time),
		envLookups:   make(map[string]EnvLookup),
		pathKinds:    make(map[string]PathKind),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	thread.SetLocal(stateKey, state)

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", filename)
	}
	state.trackSource(filename)

	globals, err := starlark.ExecFile(thread, state.display(filename), content, predeclared())
	if err != nil {
		return nil, eris.Wrapf(backtrace(err), "failed to evaluate %s", state.display(filename))
	}

	for name := range options {
		if _, known := state.options[name]; !known {
			log(ctx).Warn().Msgf("unknown option %s", name)
		}
	}

	script := &Script{
		Tasks:      TaskList{},
		Options:    state.options,
		Sources:    state.sources,
		EnvLookups: state.envLookups,
		PathKinds:  state.pathKinds,
	}
	if !doConfigure {
		return script, nil
	}

	configure, ok := globals["configure"].(starlark.Callable)
	if !ok {
		return nil, eris.Errorf("%s has to define a configure() function", state.display(filename))
	}

	state.configuring = true
	_, err = starlark.Call(thread, configure, nil, nil)
	if err != nil {
		return nil, eris.Wrapf(backtrace(err), "configure() failed in %s", state.display(filename))
	}

	seen := make(map[*Task]bool)
	for _, task := range state.tasks {
		if _, dup := script.Tasks[task.Short]; dup {
			return nil, eris.Errorf("task %s was declared more than once", task.Short)
		}

		script.Tasks[task.Short] = task
		state.applyOverrides(task, seen)
	}

	return script, nil
}

// Parse evaluates the task file including configure() and returns the declared tasks
func Parse(ctx context.Context, filename, projectRoot string, options map[string]string) (*Script, error) {
	return RunScript(ctx, filename, projectRoot, options, true)
}
