// Package conf contains the struct that holds the configuration of the software.
package conf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/mp4stitch/mp4stitch/internal/confenv"
	"github.com/mp4stitch/mp4stitch/pkg/logger"
)

func firstThatExists(paths []string) string {
	for _, pa := range paths {
		_, err := os.Stat(pa)
		if err == nil {
			return pa
		}
	}
	return ""
}

func contains(list []string, item string) bool {
	for _, i := range list {
		if i == item {
			return true
		}
	}
	return false
}

// Conf is a configuration.
type Conf struct {
	LogLevel        string   `yaml:"logLevel"`
	LogDestinations []string `yaml:"logDestinations"`
	LogFile         string   `yaml:"logFile"`
}

func (conf *Conf) setDefaults() {
	conf.LogLevel = "info"
	conf.LogDestinations = []string{"stdout"}
	conf.LogFile = "mp4stitch.log"
}

// Load loads a configuration from a file, then overrides values with
// environment variables. When fpath is empty, the configuration file
// is optional.
func Load(fpath string, defaultConfPaths []string) (*Conf, string, error) {
	conf := &Conf{}
	conf.setDefaults()

	fpath, err := conf.loadFromFile(fpath, defaultConfPaths)
	if err != nil {
		return nil, "", err
	}

	err = confenv.Load("MP4STITCH", conf)
	if err != nil {
		return nil, "", err
	}

	err = conf.Validate()
	if err != nil {
		return nil, "", err
	}

	return conf, fpath, nil
}

func (conf *Conf) loadFromFile(fpath string, defaultConfPaths []string) (string, error) {
	if fpath == "" {
		fpath = firstThatExists(defaultConfPaths)

		// when the configuration file is not explicitly set,
		// it is optional.
		if fpath == "" {
			return "", nil
		}
	}

	byts, err := os.ReadFile(fpath)
	if err != nil {
		return "", err
	}

	err = yaml.UnmarshalStrict(byts, conf)
	if err != nil {
		return "", err
	}

	return fpath, nil
}

// Validate checks the configuration for errors.
func (conf *Conf) Validate() error {
	switch conf.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid log level: '%s'", conf.LogLevel)
	}

	if len(conf.LogDestinations) == 0 {
		return fmt.Errorf("at least one log destination is required")
	}

	for _, dest := range conf.LogDestinations {
		switch dest {
		case "stdout", "file", "syslog":
		default:
			return fmt.Errorf("invalid log destination: '%s'", dest)
		}
	}

	if contains(conf.LogDestinations, "file") && conf.LogFile == "" {
		return fmt.Errorf("'logFile' is required when logging to a file")
	}

	return nil
}

// LoggerLevel converts LogLevel into a logger.Level.
func (conf *Conf) LoggerLevel() logger.Level {
	switch conf.LogLevel {
	case "error":
		return logger.Error

	case "warn":
		return logger.Warn

	case "debug":
		return logger.Debug

	default:
		return logger.Info
	}
}

// LoggerDestinations converts LogDestinations into logger.Destination entries.
func (conf *Conf) LoggerDestinations() []logger.Destination {
	out := make([]logger.Destination, len(conf.LogDestinations))
	for i, dest := range conf.LogDestinations {
		switch dest {
		case "file":
			out[i] = logger.DestinationFile

		case "syslog":
			out[i] = logger.DestinationSyslog

		default:
			out[i] = logger.DestinationStdout
		}
	}
	return out
}
