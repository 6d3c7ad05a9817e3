package buildsys

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/Lokua/learn-wgpu/pkg/logfilter"
)

// resolve_path(*parts, base=None) joins parts into an absolute path. With base, the result
// is relative to base instead.
func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	state := stateOf(thread)
	base := ""

	for _, kv := range kwargs {
		if key := string(kv[0].(starlark.String)); key != "base" {
			return nil, eris.Errorf("%s: unexpected keyword argument %s", fn.Name(), key)
		}

		value, ok := pathString(kv[1])
		if !ok {
			return nil, eris.Errorf("%s: base has to be a string or path, got %s", fn.Name(), kv[1].Type())
		}
		base = state.resolve(value)
	}

	if len(args) == 0 {
		return nil, eris.Errorf("%s: expected at least one path", fn.Name())
	}

	parts := make([]string, len(args))
	for idx, arg := range args {
		value, ok := pathString(arg)
		if !ok {
			return nil, eris.Errorf("%s: argument %d has to be a string or path, got %s", fn.Name(), idx+1, arg.Type())
		}
		parts[idx] = value
	}

	result := state.resolve(parts...)
	if base != "" {
		rel, err := filepath.Rel(base, result)
		if err != nil {
			return nil, eris.Wrapf(err, "%s", fn.Name())
		}
		result = rel
	}

	return StarlarkPath(result), nil
}

func singleString(fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (string, error) {
	var value string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &value)
	return value, err
}

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	msg, err := singleString(fn, args, kwargs)
	if err != nil {
		return nil, err
	}

	report(thread, zerolog.InfoLevel, msg)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	msg, err := singleString(fn, args, kwargs)
	if err != nil {
		return nil, err
	}

	report(thread, zerolog.WarnLevel, msg)
	return starlark.None, nil
}

// error(msg) aborts the evaluation
func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	msg, err := singleString(fn, args, kwargs)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(msg)
}

// lookupOverride returns the value set with setenv() or, failing that, the process env.
// Process env reads are recorded for the cache.
func (s *evalState) lookupOverride(key string) (string, bool) {
	if value, ok := s.overrides[key]; ok {
		return value, true
	}

	value, ok := os.LookupEnv(key)
	s.envLookups[key] = EnvLookup{Value: value, Set: ok}
	return value, ok
}

// getenv(key, default="")
func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, fallback string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key, &fallback)
	if err != nil {
		return nil, err
	}

	if value, ok := stateOf(thread).lookupOverride(key); ok {
		return starlark.String(value), nil
	}

	return starlark.String(fallback), nil
}

// setenv(key, value) sets an env variable for every task that doesn't set it itself
func setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, value string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &key, &value)
	if err != nil {
		return nil, err
	}

	stateOf(thread).overrides[key] = value
	return starlark.True, nil
}

// prepend_path(dir) puts dir in front of PATH for every task
func prependPath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dir starlark.Value
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dir)
	if err != nil {
		return nil, err
	}

	value, ok := pathString(dir)
	if !ok {
		return nil, eris.Errorf("%s: expected a string or path, got %s", fn.Name(), dir.Type())
	}

	state := stateOf(thread)
	current, _ := state.lookupOverride("PATH")
	state.overrides["PATH"] = state.resolve(value) + string(os.PathListSeparator) + current

	return starlark.String(state.overrides["PATH"]), nil
}

type documentDecoder func(content []byte) (interface{}, error)

func decodeYaml(content []byte) (interface{}, error) {
	var doc interface{}
	err := yaml.Unmarshal(content, &doc)
	return doc, err
}

func decodeToml(content []byte) (interface{}, error) {
	var doc map[string]interface{}
	err := toml.Unmarshal(content, &doc)
	return doc, err
}

// documentReader builds read_yaml() and read_toml(): read_xxx(file, key, default=None).
// Every file read this way becomes a source of the script so the cache notices changes.
func documentReader(decode documentDecoder) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var file, key string
		var fallback starlark.Value = starlark.None

		err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &file, &key, &fallback)
		if err != nil {
			return nil, err
		}

		state := stateOf(thread)
		file = state.resolve(file)

		doc, cached := state.documents[file]
		if !cached {
			content, err := os.ReadFile(file)
			if err != nil {
				return nil, eris.Wrapf(err, "%s: failed to read %s", fn.Name(), state.display(file))
			}

			doc, err = decode(content)
			if err != nil {
				return nil, eris.Wrapf(err, "%s: failed to parse %s", fn.Name(), state.display(file))
			}

			state.documents[file] = doc
			state.trackSource(file)
		}

		value, err := lookupDocumentKey(doc, key)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: failed to look up %s in %s", fn.Name(), key, state.display(file))
		}

		switch value.(type) {
		case nil:
			return fallback, nil
		case map[string]interface{}, map[interface{}]interface{}, []interface{}, []map[string]interface{}:
			return nil, eris.Errorf("%s: %s in %s is not a single value", fn.Name(), key, state.display(file))
		}

		return toStarlark(value)
	}
}

func statPath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (os.FileInfo, error) {
	path, err := singleString(fn, args, kwargs)
	if err != nil {
		return nil, err
	}

	state := stateOf(thread)
	path = state.resolve(path)

	info, _ := os.Stat(path)
	state.pathKinds[path] = pathKindOf(info)
	return info, nil
}

func starIsdir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	info, err := statPath(thread, fn, args, kwargs)
	if err != nil {
		return nil, err
	}

	return starlark.Bool(info != nil && info.IsDir()), nil
}

func starIsfile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	info, err := statPath(thread, fn, args, kwargs)
	if err != nil {
		return nil, err
	}

	return starlark.Bool(info != nil && info.Mode().IsRegular()), nil
}

// starLogFilter composes a filter directive: log_filter("info", {"lattice": "trace"}).
// Levels are validated, module names aren't since they may reference task parameters.
func starLogFilter(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var global string
	var modules *starlark.Dict

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "default?", &global, "modules?", &modules)
	if err != nil {
		return nil, err
	}

	parts := make([]string, 0)
	if global != "" {
		level, err := logfilter.ParseLevel(global)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: invalid default level", fn.Name())
		}
		parts = append(parts, level.String())
	}

	if modules != nil {
		for _, item := range modules.Items() {
			module, ok := starlark.AsString(item[0])
			if !ok || module == "" {
				return nil, eris.Errorf("%s: module names must be non-empty strings, got %s", fn.Name(), item[0].String())
			}

			rawLevel, ok := starlark.AsString(item[1])
			if !ok {
				return nil, eris.Errorf("%s: level for %s must be a string, got %s", fn.Name(), module, item[1].Type())
			}

			level, err := logfilter.ParseLevel(rawLevel)
			if err != nil {
				return nil, eris.Wrapf(err, "%s: invalid level for %s", fn.Name(), module)
			}

			parts = append(parts, logfilter.Directive{Module: module, Level: level}.String())
		}
	}

	return starlark.String(strings.Join(parts, ",")), nil
}

// execute(command, format="text", show_error=False) runs a shell command at evaluation time
// and returns its output, or False if it failed. With format="json" the output is decoded.
func starExec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	var format string
	var showError bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &format, "show_error?", &showError)
	if err != nil {
		return nil, err
	}

	switch format {
	case "":
		format = "text"
	case "text", "json":
	default:
		return nil, eris.Errorf("%s: unsupported format %s", fn.Name(), format)
	}

	state := stateOf(thread)
	base := filepath.Dir(state.file)
	parser := syntax.NewParser()

	var script string
	switch command := command.(type) {
	case starlark.String:
		script = command.GoString()
	case starlark.Tuple:
		call, err := tupleCommand(command, parser, base)
		if err != nil {
			return nil, eris.Wrapf(err, "%s", fn.Name())
		}

		var buffer strings.Builder
		if err = syntax.NewPrinter().Print(&buffer, call); err != nil {
			return nil, eris.Wrapf(err, "%s", fn.Name())
		}
		script = buffer.String()
	default:
		return nil, eris.Errorf("%s: command has to be a string or tuple, got %s", fn.Name(), command.Type())
	}

	file, err := parser.Parse(strings.NewReader(script), fn.Name())
	if err != nil {
		return nil, eris.Wrapf(err, "%s: invalid command %q", fn.Name(), script)
	}

	var output strings.Builder
	var stderr io.Writer = io.Discard
	if showError {
		stderr = os.Stderr
	}

	runner, err := interp.New(
		interp.Dir(base),
		interp.Env(expand.ListEnviron(state.env()...)),
		interp.ExecHandlers(execMiddleware),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, &output, stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: failed to initialize shell", fn.Name())
	}

	if err = runner.Run(state.ctx, file); err != nil {
		if showError {
			log(state.ctx).Error().Err(err).Str("command", script).Msg("execute() failed")
		}
		return starlark.False, nil
	}

	if format == "json" {
		var decoded interface{}
		if err = json.Unmarshal([]byte(output.String()), &decoded); err != nil {
			return nil, eris.Wrapf(err, "%s: failed to decode output of %q", fn.Name(), script)
		}

		return toStarlark(decoded)
	}

	return starlark.String(output.String()), nil
}
