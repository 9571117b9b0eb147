package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configPathCmd)
}

// configEntry is one resolved setting and where its value came from.
type configEntry struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"` // "file", "env:<VAR>" or "unset"
}

// resolveConfig reports every known key of file with environment overrides
// applied. Secrets are masked.
func resolveConfig(file *Config, lookup func(string) (string, bool)) []configEntry {
	envFor := make(map[string]string, len(envOverrides))
	for env, key := range envOverrides {
		envFor[key] = env
	}

	fields := configFields(file)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]configEntry, 0, len(keys))
	for _, key := range keys {
		entry := configEntry{Key: key, Value: *fields[key], Source: "file"}
		if env, ok := envFor[key]; ok {
			if v, set := lookup(env); set && v != "" {
				entry.Value, entry.Source = v, "env:"+env
			}
		}
		if entry.Value == "" {
			entry.Source = "unset"
		}
		if key == "default.token" && entry.Value != "" {
			entry.Value = maskKey(entry.Value)
		}
		entries = append(entries, entry)
	}
	return entries
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective chatsync configuration",
	Long: "Show every setting the engine would start with, resolved from ~/.chatsync/config.toml\n" +
		"and CHATSYNC_* environment overrides, along with where each value came from.",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := readConfigFile()
		if err != nil {
			return err
		}
		entries := resolveConfig(file, os.LookupEnv)
		if jsonOutput {
			return printJSON(entries)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key, valueOrDefault(e.Value, "-"), e.Source)
		}
		return w.Flush()
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Persist a setting to the config file",
	Example: "  chatsync config set default.backend redis\n  chatsync config set collections.legacy conversations",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editConfigFile(func(cfg *Config) error {
			return setConfigValue(cfg, args[0], args[1])
		})
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a setting so the built-in default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editConfigFile(func(cfg *Config) error {
			target, ok := configFields(cfg)[args[0]]
			if !ok {
				return fmt.Errorf("unknown config key %q", args[0])
			}
			*target = ""
			return nil
		})
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

// editConfigFile applies edit to the on-disk config only, so environment
// overrides are never written back.
func editConfigFile(edit func(*Config) error) error {
	cfg, err := readConfigFile()
	if err != nil {
		return err
	}
	if err := edit(cfg); err != nil {
		return err
	}
	return saveConfig(cfg)
}
