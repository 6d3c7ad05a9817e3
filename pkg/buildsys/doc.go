// Package buildsys implements a minimal task runner based on Starlark for the task specification
// and mvdan.cc/sh for the shell runtime.
// Tasks wrap the project's build tool: each one sets up the environment (most importantly the
// logging filter directive) and forwards its free-form arguments to the wrapped command.
package buildsys
