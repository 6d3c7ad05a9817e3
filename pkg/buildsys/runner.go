package buildsys

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/Lokua/learn-wgpu/pkg/logfilter"
)

const (
	DefaultFilterVar   = "LOG_FILTER"
	DefaultSelfCommand = "task"

	// SelfVar holds the self command in every task's environment so task files can
	// delegate with "$TASK_SELF" regardless of the configured name.
	SelfVar = "TASK_SELF"
)

// RunOptions controls how RunTask executes a task
type RunOptions struct {
	// DryRun only logs the commands
	DryRun bool
	// Force ignores skip_if_exists and the input/output checks of the invoked task
	Force bool
	// FilterVar is the env variable holding the logging filter directive. Tasks setting it
	// are rejected if the value doesn't parse.
	FilterVar string
	// SelfCommand is the command name that runs another task in-process
	SelfCommand string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (o *RunOptions) setDefaults() {
	if o.FilterVar == "" {
		o.FilterVar = DefaultFilterVar
	}
	if o.SelfCommand == "" {
		o.SelfCommand = DefaultSelfCommand
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

type stdio struct {
	in       io.Reader
	out, err io.Writer
}

type taskState int

const (
	taskRunning taskState = iota + 1
	taskDone
)

type runtimeCtxKey struct{}

// runtimeCtx is shared by every task started from the same RunTask call
type runtimeCtx struct {
	tasks       TaskList
	opts        RunOptions
	projectRoot string
	states      map[string]taskState
}

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	rctx, _ := ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
	return rctx
}

// RunTask executes the named task. args are bound to the task's parameters first, the rest
// is forwarded to its commands as "$@".
func RunTask(ctx context.Context, projectRoot, task string, args []string, tasks TaskList, opts RunOptions) error {
	opts.setDefaults()

	meta, ok := tasks[task]
	if !ok {
		return eris.Errorf("task %s not found", task)
	}

	rctx := &runtimeCtx{
		tasks:       tasks,
		opts:        opts,
		projectRoot: projectRoot,
		states:      make(map[string]taskState),
	}
	ctx = context.WithValue(ctx, runtimeCtxKey{}, rctx)

	return rctx.run(ctx, meta, args, stdio{in: opts.Stdin, out: opts.Stdout, err: opts.Stderr}, opts.Force)
}

func expandEnvValue(value string, environ expand.Environ) (string, error) {
	word, err := syntax.NewParser().Document(strings.NewReader(value))
	if err != nil {
		return "", err
	}

	return expand.Document(&expand.Config{Env: environ}, word)
}

// taskEnv builds the environment for a task run: the process env and SelfVar, then the
// bound parameters, then the task's env with parameter references expanded.
func taskEnv(task *Task, self string, params map[string]string) ([]string, map[string]string, error) {
	base := mergeEnv(os.Environ(), map[string]string{SelfVar: self}, params)
	environ := expand.ListEnviron(base...)

	expanded := make(map[string]string, len(task.Env))
	for name, value := range task.Env {
		result, err := expandEnvValue(value, environ)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "failed to expand %s=%s", name, value)
		}
		expanded[name] = result
	}

	return mergeEnv(base, expanded), expanded, nil
}

func execMiddleware(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return next(ctx, args)
		}

		if rctx := getRuntimeCtx(ctx); rctx != nil && args[0] == rctx.opts.SelfCommand {
			return rctx.delegate(ctx, args[1:])
		}

		switch args[0] {
		case "mv", "rm", "mkdir":
			// in-process so tasks behave the same on every platform
			hc := interp.HandlerCtx(ctx)
			if err := runCoreutil(hc.Dir, args); err != nil {
				_, _ = io.WriteString(hc.Stderr, args[0]+": "+err.Error()+"\n")
				return interp.NewExitStatus(1)
			}
			return nil
		}

		return next(ctx, args)
	}
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// globAll expands patterns relative to base. Patterns without matches are dropped.
func (rctx *runtimeCtx) globAll(base string, patterns []string) ([]string, error) {
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}
	parser := syntax.NewParser()
	result := make([]string, 0, len(patterns))

	for _, pattern := range patterns {
		pattern = filepath.ToSlash(joinTaskPath(rctx.projectRoot, base, pattern))

		words := make([]*syntax.Word, 0, 1)
		err := parser.Words(strings.NewReader(pattern), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})
		if err != nil {
			return nil, eris.Wrapf(err, "invalid pattern %s", pattern)
		}

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to expand %s", pattern)
		}

		for _, match := range matches {
			// unmatched globs are returned unchanged
			if !strings.Contains(match, "*") {
				result = append(result, match)
			}
		}
	}

	return result, nil
}

// skipReason returns why task doesn't have to run or "" if it does
func (rctx *runtimeCtx) skipReason(task *Task) (string, error) {
	markers, err := rctx.globAll(task.Base, task.SkipIfExists)
	if err != nil {
		return "", eris.Wrap(err, "skip_if_exists")
	}

	if len(markers) > 0 {
		missing := false
		for _, path := range markers {
			if _, err := os.Stat(path); err != nil {
				if !eris.Is(err, os.ErrNotExist) {
					return "", eris.Wrapf(err, "failed to check %s", path)
				}
				missing = true
				break
			}
		}

		if !missing {
			return "all skip_if_exists files exist", nil
		}
	}

	inputs, err := rctx.globAll(task.Base, task.Inputs)
	if err != nil {
		return "", eris.Wrap(err, "inputs")
	}

	outputs, err := rctx.globAll(task.Base, task.Outputs)
	if err != nil {
		return "", eris.Wrap(err, "outputs")
	}

	if len(inputs) == 0 || len(outputs) == 0 {
		return "", nil
	}

	var newestInput time.Time
	for _, path := range inputs {
		info, err := os.Stat(path)
		if err != nil {
			return "", eris.Wrapf(err, "failed to check input %s", path)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	var oldestOutput time.Time
	for _, path := range outputs {
		info, err := os.Stat(path)
		if eris.Is(err, os.ErrNotExist) {
			return "", nil
		}
		if err != nil {
			return "", eris.Wrapf(err, "failed to check output %s", path)
		}

		if oldestOutput.IsZero() || info.ModTime().Before(oldestOutput) {
			oldestOutput = info.ModTime()
		}
	}

	if oldestOutput.After(newestInput) {
		return "outputs are newer than inputs", nil
	}

	return "", nil
}

// delegate handles the self command: "task <name> args..." runs name in-process with
// the calling command's stdio. Delegated runs aren't memoized.
func (rctx *runtimeCtx) delegate(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return eris.Errorf("%s: missing task name", rctx.opts.SelfCommand)
	}

	task, ok := rctx.tasks[args[0]]
	if !ok {
		return eris.Errorf("task %s not found", args[0])
	}

	log(ctx).Debug().
		Str("task", task.Short).
		Strs("args", args[1:]).
		Msg("delegated")

	hc := interp.HandlerCtx(ctx)
	return rctx.run(ctx, task, args[1:], stdio{in: hc.Stdin, out: hc.Stdout, err: hc.Stderr}, false)
}

func (rctx *runtimeCtx) runDeps(ctx context.Context, task *Task, streams stdio) error {
	for _, name := range task.Deps {
		if rctx.states[name] == taskDone {
			log(ctx).Debug().Str("task", name).Msg("already done")
			continue
		}

		dep, ok := rctx.tasks[name]
		if !ok {
			return eris.Errorf("task %s depends on unknown task %s", task.Short, name)
		}

		if err := rctx.run(ctx, dep, nil, streams, false); err != nil {
			return eris.Wrapf(err, "dependency %s of task %s failed", name, task.Short)
		}
	}

	return nil
}

// referencesParam matches $NAME and ${NAME...} but not $NAMES
func referencesParam(value, name string) bool {
	return regexp.MustCompile(`\$\{?` + regexp.QuoteMeta(name) + `\b`).MatchString(value)
}

// checkFilter rejects an invalid logging filter before anything runs. Parameters used in
// the filter have to be plain module paths (or level names) so a value like "a/b" or
// "a,b" can't change the structure of the directive list.
func (rctx *runtimeCtx) checkFilter(ctx context.Context, task *Task, params, env map[string]string) error {
	directive, ok := env[rctx.opts.FilterVar]
	if !ok {
		return nil
	}

	raw := task.Env[rctx.opts.FilterVar]
	for _, name := range task.Params {
		value, bound := params[name]
		if !bound || !referencesParam(raw, name) {
			continue
		}

		if err := logfilter.ValidateModulePath(value); err != nil {
			return eris.Wrapf(err, "task %s can't use %s=%q in %s", task.Short, name, value, rctx.opts.FilterVar)
		}
	}

	filter, err := logfilter.Parse(directive)
	if err != nil {
		return eris.Wrapf(err, "task %s sets an invalid %s=%q", task.Short, rctx.opts.FilterVar, directive)
	}

	log(ctx).Debug().
		Str("task", task.Short).
		Msgf("%s=%s", rctx.opts.FilterVar, filter.String())
	return nil
}

func (rctx *runtimeCtx) run(ctx context.Context, task *Task, args []string, streams stdio, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if rctx.states[task.Short] == taskRunning {
		return eris.Errorf("task %s was called recursively", task.Short)
	}

	params, rest, err := task.BindArgs(args)
	if err != nil {
		return err
	}

	rctx.states[task.Short] = taskRunning
	defer func() {
		// only a successful run counts as done
		if rctx.states[task.Short] == taskRunning {
			delete(rctx.states, task.Short)
		}
	}()

	environ, env, err := taskEnv(task, rctx.opts.SelfCommand, params)
	if err != nil {
		return eris.Wrapf(err, "task %s", task.Short)
	}

	if err = rctx.checkFilter(ctx, task, params, env); err != nil {
		return err
	}

	if err = rctx.runDeps(ctx, task, streams); err != nil {
		return err
	}

	if !force {
		reason, err := rctx.skipReason(task)
		if err != nil {
			return eris.Wrapf(err, "task %s", task.Short)
		}

		if reason != "" {
			log(ctx).Info().Str("task", task.Short).Msgf("skipped, %s", reason)
			rctx.states[task.Short] = taskDone
			return nil
		}
	}

	runner, err := interp.New(
		interp.Dir(task.Base),
		interp.Env(expand.ListEnviron(environ...)),
		interp.ExecHandlers(execMiddleware),
		interp.OpenHandler(openHandler),
		interp.StdIO(streams.in, streams.out, streams.err),
		interp.Params(append([]string{"-e", "--"}, rest...)...),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize shell")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	var buffer strings.Builder

	for _, item := range task.Cmds {
		switch cmd := item.(type) {
		case TaskCmdScript:
			stmts, err := cmd.Parse(parser)
			if err != nil {
				return eris.Wrapf(err, "task %s", task.Short)
			}

			for _, stmt := range stmts {
				buffer.Reset()
				_ = printer.Print(&buffer, stmt)
				log(ctx).Info().
					Str("task", task.Short).
					Bool("command", true).
					Msg(buffer.String())

				if rctx.opts.DryRun {
					continue
				}

				if err = runner.Run(ctx, stmt); err != nil {
					return err
				}

				if runner.Exited() {
					rctx.states[task.Short] = taskDone
					return nil
				}
			}
		case TaskCmdTaskRef:
			if err = rctx.run(ctx, cmd.Task, nil, streams, force); err != nil {
				return err
			}
		default:
			return eris.Errorf("task %s: unexpected command %T", task.Short, item)
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	rctx.states[task.Short] = taskDone
	return nil
}
