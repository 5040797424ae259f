package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"courier/internal/config"
	"courier/internal/storage"
)

// InitOptions holds init command options.
type InitOptions struct {
	Force bool
}

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	opts := &InitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize courier configuration",
		Long:  "Create the courier configuration directory and a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunInit(opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

// RunInit writes the starter configuration. The bot refuses to serve until
// the placeholder token is replaced.
func RunInit(opts *InitOptions) error {
	configDir, err := config.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("get config dir: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil && !opts.Force {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", configPath)
	}

	dirs := []string{
		configDir,
		filepath.Join(configDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	defaultConfig := map[string]any{
		"version": "1",
		"telegram": map[string]any{
			"token":              config.PlaceholderToken,
			"authorized_user_id": 0,
		},
		"agent": map[string]any{
			"binary": "claude",
		},
		"transport": map[string]any{
			"failure_threshold": 5,
			"reconnect_base":    "10s",
			"reconnect_max":     "300s",
		},
		"log": map[string]any{
			"level":  "info",
			"format": "console",
		},
	}

	data, err := yaml.Marshal(defaultConfig)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	dataPath, err := config.DefaultDataPath()
	if err != nil {
		return fmt.Errorf("get data path: %w", err)
	}
	db, err := storage.Open(dataPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	db.Close()

	fmt.Printf("Initialized courier at %s\n", configDir)
	fmt.Printf("  Config: %s\n", configPath)
	fmt.Printf("  Database: %s\n", dataPath)
	fmt.Println("\nSet telegram.token (or run `courier auth`) before `courier serve`.")

	return nil
}
