package main

import (
	"fmt"
	"log/slog"

	handler "broadcast-scheduling-backend/api"
	"broadcast-scheduling-backend/pkg/config"
	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/logging"
)

// commandContext lazily loads what subcommands share.
type commandContext struct {
	cfg    *config.Config
	logger *slog.Logger
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	if c.logger != nil {
		return c.logger, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	c.logger = logger
	return logger, nil
}

// openStore opens a dedicated store; callers close it.
func (c *commandContext) openStore() (database.DatabaseInterface, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	store, err := database.NewDatabase(handler.DatabaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}
