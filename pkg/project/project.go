package project

import (
	"io"
	"os"
	"path/filepath"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when no task file exists between the start directory and the
// filesystem root.
var ErrNotFound = eris.New("task file not found")

// FindTaskFile searches start and its parents for a file called name and returns its
// absolute path.
func FindTaskFile(start, name string) (string, error) {
	path, err := filepath.Abs(start)
	if err != nil {
		return "", eris.Wrap(err, "failed to resolve start directory")
	}

	for {
		taskPath := filepath.Join(path, name)
		info, err := os.Stat(taskPath)
		if err == nil && !info.IsDir() {
			return taskPath, nil
		}

		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "Failed to check %s", taskPath)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", eris.Wrapf(ErrNotFound, "no %s in %s or any parent directory", name, start)
		}

		path = parent
	}
}

// Root returns the project root for the given task file.
func Root(taskFile string) string {
	return filepath.Dir(taskFile)
}

// PrintTask writes a section header
func PrintTask(w io.Writer, msg string) {
	colorstring.Fprintf(w, "[blue][bold]==>[default] %s\n", msg)
}

func PrintError(w io.Writer, msg string) {
	colorstring.Fprintf(w, "[red][bold]  ->[reset] %s\n", msg)
}
