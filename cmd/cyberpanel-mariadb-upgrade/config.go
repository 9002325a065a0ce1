package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/config"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/rs/zerolog/log"
)

// loadConfig reads path, or the built-in defaults when path is empty, and validates the result.
func loadConfig(path string) (*models.UpgradeConfig, error) {
	parser := config.NewParser()

	var (
		cfg *models.UpgradeConfig
		err error
	)
	if path == "" {
		cfg, err = parser.Defaults()
	} else {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		cfg, err = parser.LoadFile(path)
	}
	if err != nil {
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	source := path
	if source == "" {
		source = "built-in defaults"
	}
	log.Debug().Str("config", source).Msg("configuration loaded")

	return cfg, nil
}

// prepareCommand loads the configuration and opens the log file it or --log-file names.
func prepareCommand(path string, out io.Writer) (*models.UpgradeConfig, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("failed to load config")
		return nil, err
	}

	if err := enableFileLogging(out, cfg.Log); err != nil {
		log.Error().Err(err).Msg("failed to open log file")
		return nil, err
	}

	return cfg, nil
}
