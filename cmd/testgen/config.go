package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// configKey describes a single configuration value.
type configKey struct {
	Key  string
	Desc string
}

// allConfigKeys lists every configurable value in display order.
var allConfigKeys = []configKey{
	{"TESTGEN_ADDR", "Address the HTTP server listens on (default :9092)"},
	{"TESTGEN_DATA_DIR", "Directory for persistent data (default ~/.testgen)"},
	{"MODEL_SERVER_URL", "Base URL of the model server (default http://localhost:8080)"},
	{"TESTGEN_TIMEOUT", "Per-request model server timeout (default 180s)"},
	{"TESTGEN_MAX_RETRIES", "Attempts per generation request (default 3)"},
	{"TESTGEN_RETRY_DELAY", "Base backoff between attempts (default 2s)"},
	{"TESTGEN_PRIMARY_MODEL", "Model used when auto-selection is off (default deepseek-v2)"},
	{"TESTGEN_AUTO_SELECTION", "Let the model server pick the model (default true)"},
	{"TESTGEN_CACHE_ENABLED", "Enable the in-memory response cache (default true)"},
	{"TESTGEN_CACHE_SIZE", "Maximum cached responses (default 100)"},
	{"TESTGEN_CACHE_TTL", "How long cached responses stay valid (default 60m)"},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage testgen configuration",
	Long: `Manage testgen configuration.

Configuration is stored in ~/.testgen/config.env and can be overridden
by environment variables.

  testgen config set KEY VALUE      Set a single config value
  testgen config show               Show current configuration
  testgen config path               Print config file path`,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single configuration value. Example:
  testgen config set MODEL_SERVER_URL http://gpu-box:8080`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(configFilePath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// ---------------------------------------------------------------------------
// Config file helpers
// ---------------------------------------------------------------------------

// configFilePath returns ~/.testgen/config.env.
func configFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".testgen", "config.env")
	}
	return filepath.Join(home, ".testgen", "config.env")
}

// loadConfigFile reads key=value pairs from the config file.
func loadConfigFile() (map[string]string, error) {
	values := make(map[string]string)
	path := configFilePath()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			values[parts[0]] = parts[1]
		}
	}
	return values, scanner.Err()
}

// saveConfigFile writes key=value pairs to the config file.
func saveConfigFile(values map[string]string) error {
	path := configFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# testgen configuration")
	fmt.Fprintln(f, "# Managed by: testgen config")
	fmt.Fprintln(f, "# Environment variables override these values.")
	fmt.Fprintln(f)

	// Write in a stable order: known keys first, then any extras.
	written := make(map[string]bool)
	for _, ck := range allConfigKeys {
		if v, ok := values[ck.Key]; ok && v != "" {
			fmt.Fprintf(f, "%s=%s\n", ck.Key, v)
			written[ck.Key] = true
		}
	}

	var extras []string
	for k := range values {
		if !written[k] && values[k] != "" {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		fmt.Fprintf(f, "%s=%s\n", k, values[k])
	}

	return nil
}

// effectiveValue returns the current value for a key, preferring env vars over config file.
func effectiveValue(key string, fileValues map[string]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValues[key]
}

// ---------------------------------------------------------------------------
// config set / config show
// ---------------------------------------------------------------------------

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fileValues[key] = value

	if err := saveConfigFile(fileValues); err != nil {
		return err
	}

	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fmt.Printf("Config file: %s\n\n", configFilePath())

	for _, ck := range allConfigKeys {
		value := effectiveValue(ck.Key, fileValues)
		source := ""
		if os.Getenv(ck.Key) != "" {
			source = " (from env)"
		} else if fileValues[ck.Key] != "" {
			source = " (from config file)"
		}

		display := "(default)"
		if value != "" {
			display = value
		}

		fmt.Printf("  %-25s %s%s\n", ck.Key, display, source)
	}

	return nil
}
