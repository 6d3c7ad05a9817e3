package buildsys

import (
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
)

// Cross-platform implementations of mv, rm and mkdir. Task commands call these instead of
// the system binaries so the same task file works on Windows.

func runCoreutil(dir string, args []string) error {
	flags := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	flags.SetOutput(io.Discard)

	recursive := false
	force := false
	parents := false
	switch args[0] {
	case "rm":
		flags.BoolVarP(&recursive, "recursive", "r", false, "recursively delete directories")
		flags.BoolVarP(&force, "force", "f", false, "suppresses errors caused by missing files/folders")
	case "mkdir":
		flags.BoolVarP(&parents, "parents", "p", false, "create parent directories as needed")
	}

	err := flags.Parse(args[1:])
	if err != nil {
		return err
	}

	items := flags.Args()
	for idx, item := range items {
		if !filepath.IsAbs(item) {
			items[idx] = filepath.Join(dir, item)
		}
	}

	switch args[0] {
	case "mv":
		return moveItems(items)
	case "rm":
		return removeItems(items, recursive, force)
	case "mkdir":
		return makeDirs(items, parents)
	}

	return eris.Errorf("unknown command %s", args[0])
}

func expandItems(patterns []string, allowEmpty bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		// the shell already expanded the globs
		return patterns, nil
	}

	items := []string{}
	for _, arg := range patterns {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", arg)
		}

		if matches == nil {
			if allowEmpty {
				continue
			}
			return nil, eris.Errorf("Pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}

	return items, nil
}

func moveItems(args []string) error {
	if len(args) < 2 {
		return eris.New("Not enough parameters")
	}

	dest := filepath.Clean(args[len(args)-1])
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "Could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory!", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
	}
	if err == nil {
		destIsDir = info.IsDir()
	}

	if len(args) > 2 && !destIsDir {
		return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
	}

	items, err := expandItems(args[:len(args)-1], false)
	if err != nil {
		return err
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		err = os.Rename(item, itemDest)
		if err != nil {
			return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}

func removeItems(args []string, recursive, force bool) error {
	items, err := expandItems(args, force)
	if err != nil {
		return err
	}

	for _, item := range items {
		info, err := os.Stat(item)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "Could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
	}

	for _, item := range items {
		err := os.RemoveAll(item)
		if err != nil && (!force || !eris.Is(err, os.ErrNotExist)) {
			return eris.Wrapf(err, "Could not delete %s", item)
		}
	}

	return nil
}

func makeDirs(args []string, parents bool) error {
	for _, item := range args {
		var err error
		if parents {
			err = os.MkdirAll(item, 0o770)
		} else {
			err = os.Mkdir(item, 0o770)
		}

		if err != nil {
			return eris.Wrapf(err, "Failed to create %s", item)
		}
	}

	return nil
}
