package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"qios/internal/config"
	"qios/internal/logging"
)

type cliFlags struct {
	ConfigPath         string
	Port               int
	LogLevel           string
	CancelOnDisconnect bool
	Version            bool
	ConfigSchema       bool

	set *pflag.FlagSet
}

func parseFlags(args []string, output io.Writer) (cliFlags, error) {
	var flags cliFlags
	set := pflag.NewFlagSet("qios-backoffice", pflag.ContinueOnError)
	set.SetOutput(output)
	set.StringVarP(&flags.ConfigPath, "config", "c", "", "path to a TOML or YAML config file (env "+config.EnvConfigPath+")")
	set.IntVarP(&flags.Port, "port", "p", config.DefaultPort, "HTTP listen port (env "+config.EnvPort+")")
	set.StringVar(&flags.LogLevel, "log-level", string(logging.LevelInfo), "log level: debug, info, warning, error")
	set.BoolVar(&flags.CancelOnDisconnect, "cancel-on-disconnect", false, "cancel pending program phases when a participant leaves")
	set.BoolVarP(&flags.Version, "version", "v", false, "print version and exit")
	set.BoolVar(&flags.ConfigSchema, "config-schema", false, "print the config file JSON schema and exit")
	if err := set.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if set.NArg() > 0 {
		return cliFlags{}, fmt.Errorf("unexpected argument: %s", set.Arg(0))
	}
	flags.set = set
	return flags, nil
}

func (flags cliFlags) changed(name string) bool {
	return flags.set != nil && flags.set.Changed(name)
}

// configPath prefers the flag over the environment.
func (flags cliFlags) configPath(lookup func(string) (string, bool)) string {
	if path := strings.TrimSpace(flags.ConfigPath); path != "" {
		return path
	}
	if lookup != nil {
		if path, ok := lookup(config.EnvConfigPath); ok {
			return strings.TrimSpace(path)
		}
	}
	return ""
}

// loadConfig layers flags the user set explicitly over file and environment
// settings.
func loadConfig(flags cliFlags, lookup func(string) (string, bool)) (config.Config, error) {
	return loadConfigFrom(flags.configPath(lookup), flags, lookup)
}

func loadConfigFrom(path string, flags cliFlags, lookup func(string) (string, bool)) (config.Config, error) {
	cfg, err := config.Load(path, lookup)
	if err != nil {
		return config.Config{}, err
	}
	if flags.changed("port") {
		cfg.Port = flags.Port
	}
	if flags.changed("log-level") {
		level, ok := logging.ParseLevel(flags.LogLevel)
		if !ok {
			return config.Config{}, fmt.Errorf("%w: --log-level=%q", config.ErrInvalidLogLevel, flags.LogLevel)
		}
		cfg.LogLevel = level
	}
	if flags.changed("cancel-on-disconnect") {
		cfg.CancelOnDisconnect = flags.CancelOnDisconnect
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
