package cli

import (
	"sync"

	"github.com/rs/zerolog"

	"courier/internal/config"
	"courier/internal/storage"
	"courier/pkg/logger"
)

// CLIContext carries the loaded configuration and lazily opened resources
// through the command tree.
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zerolog.Logger
	Verbose    bool

	storageOnce sync.Once
	storage     *storage.DB
	storageErr  error
	storagePath string
}

// NewCLIContext creates a CLI context.
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger, storagePath string, verbose bool) *CLIContext {
	return &CLIContext{
		Config:      cfg,
		ConfigPath:  configPath,
		Logger:      log,
		storagePath: storagePath,
		Verbose:     verbose,
	}
}

// GetStorage opens the run-history database on first use.
func (c *CLIContext) GetStorage() (*storage.DB, error) {
	c.storageOnce.Do(func() {
		c.storage, c.storageErr = storage.Open(c.storagePath)
	})
	return c.storage, c.storageErr
}

// Close releases lazily opened resources.
func (c *CLIContext) Close() error {
	if c.storage != nil {
		return c.storage.Close()
	}
	return nil
}

// Log returns the context logger, falling back to the global one.
func (c *CLIContext) Log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Get()
}
