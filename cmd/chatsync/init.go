package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initName    string
	initRole    string
	initBackend string
	initURL     string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initName, "name", "", "Display name used as sender name")
	initCmd.Flags().StringVar(&initRole, "role", "customer", "Participant role: customer or shop")
	initCmd.Flags().StringVar(&initBackend, "backend", "", "Store backend: memory, ws, redis or postgres")
	initCmd.Flags().StringVar(&initURL, "url", "", "Store URL or DSN")
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store the participant identity in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the participant and store settings in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = args[0]
		if initName != "" {
			cfg.Auth.DisplayName = initName
		}
		if err := setConfigValue(cfg, "default.role", initRole); err != nil {
			return err
		}
		if initBackend != "" {
			if err := setConfigValue(cfg, "default.backend", initBackend); err != nil {
				return err
			}
		}
		if cfg.Default.Backend == "" {
			cfg.Default.Backend = "ws"
		}
		if initURL != "" {
			cfg.Default.URL = initURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Participant %s (%s) saved to %s\n", cfg.Auth.UserID, cfg.Default.Role, path)
		return nil
	},
}
