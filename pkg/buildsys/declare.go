package buildsys

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

var (
	paramName  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	assignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
)

// option(name, default="", help="") declares a value that can be overridden with name=value
// on the command line. Only valid in the global scope.
func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, help string
	var defaultValue starlark.String

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	state := stateOf(thread)
	if state.configuring {
		return nil, eris.Errorf("%s: options have to be declared in the global scope", fn.Name())
	}

	state.options[name] = ScriptOption{DefaultValue: defaultValue, Help: help}
	if value, ok := state.optionValues[name]; ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func stringList(list *starlark.List, field string) ([]string, error) {
	if list == nil {
		return []string{}, nil
	}

	result := make([]string, list.Len())
	for idx := range result {
		item := list.Index(idx)
		value, ok := pathString(item)
		if !ok {
			return nil, eris.Errorf("%s[%d]: expected a string but found %s", field, idx, item.Type())
		}
		result[idx] = value
	}

	return result, nil
}

func stringDict(dict *starlark.Dict, field string) (map[string]string, error) {
	result := make(map[string]string)
	if dict == nil {
		return result, nil
	}

	for _, item := range dict.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, eris.Errorf("%s: keys have to be strings but found %s", field, item[0].Type())
		}

		value, ok := pathString(item[1])
		if !ok {
			return nil, eris.Errorf("%s[%s]: expected a string but found %s", field, key, item[1].Type())
		}
		result[key.GoString()] = value
	}

	return result, nil
}

// normalizeParams upper-cases parameter names since they're exposed as env variables
func normalizeParams(task string, params []string) error {
	seen := make(map[string]bool, len(params))
	for idx, name := range params {
		if !paramName.MatchString(name) {
			return eris.Errorf("%s: parameter name %q is not a valid variable name", task, name)
		}

		name = strings.ToUpper(name)
		if seen[name] {
			return eris.Errorf("%s: parameter %s declared twice", task, name)
		}
		seen[name] = true
		params[idx] = name
	}

	return nil
}

// shellWord quotes value if the shell would otherwise split or expand it
func shellWord(value string) *syntax.Word {
	var part syntax.WordPart = &syntax.Lit{Value: value}
	if value == "" || strings.ContainsAny(value, " \t\n$'\"`\\*?[]{}()<>|&;#~") {
		part = &syntax.SglQuoted{Value: value}
	}

	return &syntax.Word{Parts: []syntax.WordPart{part}}
}

// shellPath makes absolute paths relative to base since drive letters confuse the shell
// on Windows
func shellPath(base, path string) string {
	if filepath.IsAbs(path) {
		if rel, err := filepath.Rel(base, path); err == nil {
			path = rel
		}
	}

	return filepath.ToSlash(path)
}

// tupleCommand turns ("VAR=value", "cmd", "arg with spaces") into a call expression. Leading
// items containing "=" are env assignments, paths are made relative to base.
func tupleCommand(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	call := &syntax.CallExpr{}
	idx := 0

	for ; idx < len(parts); idx++ {
		value, ok := parts[idx].(starlark.String)
		if !ok || !assignment.MatchString(value.GoString()) {
			break
		}

		file, err := parser.Parse(strings.NewReader(value.GoString()), "assignment")
		if err != nil {
			return nil, eris.Wrapf(err, "invalid assignment %s", value.GoString())
		}

		if len(file.Stmts) != 1 {
			return nil, eris.Errorf("invalid assignment %s", value.GoString())
		}

		assign, ok := file.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || len(assign.Assigns) != 1 || len(assign.Args) != 0 {
			return nil, eris.Errorf("invalid assignment %s", value.GoString())
		}
		call.Assigns = append(call.Assigns, assign.Assigns[0])
	}

	for _, arg := range parts[idx:] {
		value, ok := pathString(arg)
		if !ok {
			return nil, eris.Errorf("command arguments have to be strings or paths but found %s: %s", arg.Type(), arg.String())
		}

		if _, isPath := arg.(StarlarkPath); isPath {
			value = shellPath(base, value)
		}
		call.Args = append(call.Args, shellWord(value))
	}

	return call, nil
}

func commandList(task *Task, cmds *starlark.List) ([]TaskCmd, error) {
	result := make([]TaskCmd, 0)
	if cmds == nil {
		return result, nil
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	var buffer strings.Builder

	for idx := 0; idx < cmds.Len(); idx++ {
		var parts starlark.Tuple

		switch item := cmds.Index(idx).(type) {
		case starlark.String:
			result = append(result, TaskCmdScript{TaskName: task.Short, Index: idx, Content: item.GoString()})
			continue
		case *Task:
			result = append(result, TaskCmdTaskRef{Task: item})
			continue
		case starlark.Tuple:
			parts = item
		case *starlark.List:
			parts = make(starlark.Tuple, item.Len())
			for i := range parts {
				parts[i] = item.Index(i)
			}
		default:
			return nil, eris.Errorf("cmds[%d]: expected a string, tuple, list or task but found %s", idx, item.Type())
		}

		call, err := tupleCommand(parts, parser, task.Base)
		if err != nil {
			return nil, eris.Wrapf(err, "cmds[%d]", idx)
		}

		buffer.Reset()
		if err = printer.Print(&buffer, call); err != nil {
			return nil, eris.Wrapf(err, "cmds[%d]", idx)
		}
		result = append(result, TaskCmdScript{TaskName: task.Short, Index: idx, Content: buffer.String()})
	}

	return result, nil
}

// declareTask implements task(). Tasks without a short name are hidden and can only be
// referenced from other tasks' cmds. Named hidden tasks can be run but aren't listed.
func declareTask(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	state := stateOf(thread)
	if !state.configuring {
		return nil, eris.Errorf("%s: tasks can only be declared inside configure()", fn.Name())
	}

	task := &Task{}
	var deps, skipIfExists, inputs, outputs, params, cmds *starlark.List
	var env *starlark.Dict

	err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"short?", &task.Short,
		"desc?", &task.Desc,
		"hidden?", &task.Hidden,
		"base?", &task.Base,
		"deps?", &deps,
		"skip_if_exists?", &skipIfExists,
		"inputs?", &inputs,
		"outputs?", &outputs,
		"params?", &params,
		"variadic?", &task.Variadic,
		"env?", &env,
		"cmds?", &cmds,
	)
	if err != nil {
		return nil, err
	}

	anonymous := task.Short == ""
	switch task.Short {
	case "":
		task.Short = "auto#" + nanoid.New()
		task.Hidden = true
	case "configure":
		return nil, eris.Errorf("%s: the name configure is reserved", fn.Name())
	}

	task.Base = state.resolve(task.Base)

	lists := []struct {
		field string
		src   *starlark.List
		dst   *[]string
	}{
		{"deps", deps, &task.Deps},
		{"skip_if_exists", skipIfExists, &task.SkipIfExists},
		{"inputs", inputs, &task.Inputs},
		{"outputs", outputs, &task.Outputs},
		{"params", params, &task.Params},
	}
	for _, list := range lists {
		if *list.dst, err = stringList(list.src, list.field); err != nil {
			return nil, eris.Wrapf(err, "task %s", task.Short)
		}
	}

	if err = normalizeParams(task.Short, task.Params); err != nil {
		return nil, err
	}

	if task.Env, err = stringDict(env, "env"); err != nil {
		return nil, eris.Wrapf(err, "task %s", task.Short)
	}

	if task.Cmds, err = commandList(task, cmds); err != nil {
		return nil, eris.Wrapf(err, "task %s", task.Short)
	}

	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		report(thread, zerolog.WarnLevel, task.Short+" has inputs but no outputs and will always run")
	}

	if !anonymous {
		state.tasks = append(state.tasks, task)
	}
	return task, nil
}
