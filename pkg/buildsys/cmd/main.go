// Package cmd implements the CLI for the buildsys package
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"mvdan.cc/sh/v3/interp"

	"github.com/Lokua/learn-wgpu/pkg/buildsys"
	"github.com/Lokua/learn-wgpu/pkg/config"
	"github.com/Lokua/learn-wgpu/pkg/project"
)

var optionArg = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// exitError carries the exit status of a failed run. The failure has already been logged.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

var RootCmd = &cobra.Command{
	Use:   "task [flags] [option=value ...] <task> [args ...]",
	Short: "Task runner for learn-wgpu",
	Long: `This command parses the first tasks.star file it finds and executes the given task.
Everything after the task name is forwarded to the task's commands unchanged.
Without a task name, the available tasks are listed.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	flags := RootCmd.Flags()
	flags.SetInterspersed(false)
	flags.BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	flags.BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	flags.BoolP("list", "l", false, "list the available tasks and options")
	flags.Bool("no-cache", false, "always re-evaluate the task file")
	flags.String("config", "", "config file (defaults to "+config.DefaultFile+" in the working directory)")
	flags.BoolP("verbose", "v", false, "log debug messages")
	flags.Bool("json", false, "log JSON lines instead of colored console messages")

	zerolog.ErrorMarshalFunc = func(err error) interface{} {
		return eris.ToString(err, os.Getenv("TASK_DEBUG") != "")
	}
}

// splitArgs separates leading option=value pairs from the task name and its arguments
func splitArgs(args []string) (map[string]string, string, []string) {
	options := make(map[string]string)
	for idx, part := range args {
		if optionArg.MatchString(part) {
			pos := len(optionArg.FindString(part))
			options[part[:pos-1]] = part[pos:]
			continue
		}

		return options, part, args[idx+1:]
	}

	return options, "", nil
}

func newLogger(cfg *config.Config, verbose bool) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Log.JSON {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(NewConsoleWriter())
	}

	level := cfg.LogLevel()
	if verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	return logger.Level(level)
}

func loadScript(ctx context.Context, logger *zerolog.Logger, cfg *config.Config, taskPath string, options map[string]string, useCache bool) (*buildsys.Script, error) {
	root := project.Root(taskPath)
	cacheFile := cfg.Cache.File
	if !filepath.IsAbs(cacheFile) {
		cacheFile = filepath.Join(root, cacheFile)
	}

	if useCache {
		script, err := buildsys.ReadCache(cacheFile, options)
		if err != nil {
			logger.Warn().Err(err).Msg("Ignoring broken task cache")
		} else if script != nil {
			logger.Debug().Str("path", cacheFile).Msg("Using cached tasks")
			return script, nil
		}
	}

	script, err := buildsys.Parse(ctx, taskPath, root, options)
	if err != nil {
		return nil, err
	}

	if useCache {
		err = buildsys.WriteCache(cacheFile, options, script)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to write task cache")
		}
	}

	return script, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	dryRun, _ := flags.GetBool("dry")
	force, _ := flags.GetBool("force")
	list, _ := flags.GetBool("list")
	noCache, _ := flags.GetBool("no-cache")
	configFile, _ := flags.GetString("config")
	verbose, _ := flags.GetBool("verbose")
	jsonLog, _ := flags.GetBool("json")

	var configFiles []string
	if configFile != "" {
		configFiles = []string{configFile}
	}

	cfg, err := config.Load(configFiles...)
	if err != nil {
		return err
	}
	if jsonLog {
		cfg.Log.JSON = true
	}

	logger := newLogger(cfg, verbose)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = buildsys.WithLogger(ctx, &logger)

	options, taskName, taskArgs := splitArgs(args)

	wd, err := os.Getwd()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve the current working directory")
		return exitError{1}
	}

	taskPath, err := project.FindTaskFile(wd, cfg.TaskFile)
	if err != nil {
		logger.Error().Err(err).Msgf("No %s file found", cfg.TaskFile)
		return exitError{1}
	}

	script, err := loadScript(ctx, &logger, cfg, taskPath, options, !noCache && !cfg.Cache.Disabled)
	if err != nil {
		logger.Error().Err(err).Str("path", taskPath).Msg("Failed to parse tasks")
		return exitError{1}
	}

	if list || taskName == "" {
		printTaskList(cmd.OutOrStdout(), script)
		return nil
	}

	err = buildsys.RunTask(ctx, project.Root(taskPath), taskName, taskArgs, script.Tasks, buildsys.RunOptions{
		DryRun:      dryRun,
		Force:       force,
		FilterVar:   cfg.FilterVar,
		SelfCommand: cfg.SelfCommand,
		Stdin:       cmd.InOrStdin(),
		Stdout:      cmd.OutOrStdout(),
		Stderr:      cmd.ErrOrStderr(),
	})
	if err != nil {
		if status, ok := interp.IsExitStatus(eris.Cause(err)); ok {
			logger.Error().Str("task", taskName).Msgf("failed with exit status %d", status)
			return exitError{int(status)}
		}

		logger.Error().Err(err).Msgf("Failed task %s:", taskName)
		return exitError{1}
	}

	return nil
}

// Execute runs the root command and returns the process exit status
func Execute() int {
	err := RootCmd.Execute()
	if err == nil {
		return 0
	}

	if exit, ok := err.(exitError); ok {
		return exit.code
	}

	project.PrintError(os.Stderr, err.Error())
	return 1
}
