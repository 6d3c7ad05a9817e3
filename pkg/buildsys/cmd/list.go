package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/Lokua/learn-wgpu/pkg/buildsys"
	"github.com/Lokua/learn-wgpu/pkg/project"
)

func printTaskList(out io.Writer, script *buildsys.Script) {
	project.PrintTask(out, "Available tasks:")

	maxNameLen := 0
	sortedNames := make([]string, 0, len(script.Tasks))
	labels := make(map[string]string, len(script.Tasks))
	for name, task := range script.Tasks {
		if task.Hidden {
			continue
		}

		label := name
		if usage := task.Usage(); usage != "" {
			label += " " + usage
		}
		labels[name] = label

		if len(label) > maxNameLen {
			maxNameLen = len(label)
		}
		sortedNames = append(sortedNames, name)
	}

	sort.Strings(sortedNames)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		fmt.Fprintf(out, lineFmt, labels[name]+":", script.Tasks[name].Desc)
	}

	if len(script.Options) == 0 {
		return
	}

	project.PrintTask(out, "Options:")
	optionNames := make([]string, 0, len(script.Options))
	maxNameLen = 0
	for name := range script.Options {
		optionNames = append(optionNames, name)
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}
	sort.Strings(optionNames)

	lineFmt = fmt.Sprintf(" * %%-%ds %%s (default: %%q)\n", maxNameLen+3)
	for _, name := range optionNames {
		opt := script.Options[name]
		fmt.Fprintf(out, lineFmt, name+":", opt.Help, opt.Default())
	}
}
