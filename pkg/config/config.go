package config

import (
	"regexp"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Lokua/learn-wgpu/pkg/logfilter"
)

// LogModule is the module name the runner's own log level is looked up under.
const LogModule = "task"

// DefaultFile is read from the working directory if it exists.
const DefaultFile = "task.toml"

// Config describes all configuration options
type Config struct {
	TaskFile    string `default:"tasks.star" env:"TASK_FILE" toml:"task_file" usage:"Name of the task file to search for"`
	FilterVar   string `default:"LOG_FILTER" env:"FILTER_VAR" toml:"filter_var" usage:"Env variable holding the logging filter directive"`
	SelfCommand string `default:"task" env:"SELF_COMMAND" toml:"self_command" usage:"Command name that re-enters the runner from task commands"`
	Log         struct {
		Level string `default:"info" env:"LEVEL" toml:"level" usage:"Filter directive for the runner's own output"`
		JSON  bool   `default:"false" env:"JSON" toml:"json" usage:"Output JSONND instead of pretty console messages"`
	} `env:"LOG" toml:"log"`
	Cache struct {
		File     string `default:".task.cache" env:"FILE" toml:"file"`
		Disabled bool   `default:"false" env:"DISABLED" toml:"disabled"`
	} `env:"CACHE" toml:"cache"`
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Loader initializes an empty config object and returns a new Loader for this object.
// The first existing file is used; missing files are skipped.
func Loader(files ...string) (*Config, *aconfig.Loader) {
	if len(files) == 0 {
		files = []string{DefaultFile}
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags:        true,
		AllowUnknownEnvs: true,
		EnvPrefix:        "TASK",
		Files:            files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load is a shortcut for Loader(files...) followed by Load and Validate.
func Load(files ...string) (*Config, error) {
	cfg, loader := Loader(files...)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if cfg.TaskFile == "" {
		return eris.New("Invalid value for task_file: must not be empty")
	}

	if !envName.MatchString(cfg.FilterVar) {
		return eris.Errorf("Invalid value for filter_var: %q is not a valid variable name", cfg.FilterVar)
	}

	if cfg.SelfCommand == "" {
		return eris.New("Invalid value for self_command: must not be empty")
	}

	filter, err := logfilter.Parse(cfg.Log.Level)
	if err != nil {
		return eris.Wrapf(err, "Invalid value for log.level")
	}

	// A typo like "warning" parses as a module name and would silence the runner.
	if len(filter.Directives) > 0 && !filter.Covers(LogModule) {
		return eris.Errorf("Invalid value for log.level: %q sets no level for %s", cfg.Log.Level, LogModule)
	}

	return nil
}

// LogLevel converts the .Log.Level directive to a zerolog.Level for the runner itself
func (cfg *Config) LogLevel() zerolog.Level {
	filter, err := logfilter.Parse(cfg.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}

	return filter.LevelFor(LogModule).Zerolog()
}
