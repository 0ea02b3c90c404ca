package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage raidpulse configuration",
	Long: sym.AM + ` am - Manage raidpulse configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/raidpulse/config.toml)
3. User config (~/.raidpulse/am.toml)
4. Project config (./am.toml, searched up the directory tree)
5. Environment variables (RAIDPULSE_* prefix)

Examples:
  raidpulse am show                          # Show effective configuration
  raidpulse am get pulse.refresh_cron        # Get one value
  raidpulse am set pulse.max_retries 5       # Write to the project am.toml
  raidpulse am validate                      # Validate configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long:  "Get a configuration value using dot notation (e.g., database.path, ingest.live_window)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in a TOML file. Numbers and booleans are
stored typed; everything else is stored as a string. The previous file is kept
as a .back1 backup. A running daemon picks up changes to the tracked raids.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

func init() {
	amSetCmd.Flags().Bool("user", false, "Write to ~/.raidpulse/am.toml instead of the project file")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

// secretKeys are masked by am show and am get.
var secretKeys = map[string]bool{
	"logs.client_secret": true,
}

func runAmShow(cmd *cobra.Command, args []string) error {
	settings := am.GetViper().AllSettings()
	if logs, ok := settings["logs"].(map[string]interface{}); ok {
		if s, _ := logs["client_secret"].(string); s != "" {
			logs["client_secret"] = "********"
		}
	}

	data, err := am.Render(settings)
	if err != nil {
		return err
	}
	fmt.Printf("# raidpulse configuration\n%s", string(data))
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	v := am.GetViper()
	if !v.IsSet(key) {
		return errors.NewNotFoundError("configuration key %q", key)
	}
	if secretKeys[key] {
		fmt.Println("********")
		return nil
	}
	fmt.Println(v.Get(key))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetBool("user")
	path, err := setTarget(user)
	if err != nil {
		return err
	}
	if err := am.SetValue(path, args[0], parseValue(args[1])); err != nil {
		return err
	}

	// The edited file must still produce a valid configuration
	am.Reset()
	if _, err := am.Load(); err != nil {
		pterm.Warning.Printf("%s written, but the configuration no longer validates: %v\n", path, err)
		return nil
	}
	pterm.Success.Printf("%s Set %s in %s\n", sym.AM, args[0], path)
	return nil
}

// setTarget picks the file am set writes to: the nearest project am.toml,
// a new one in the working directory, or the user file.
func setTarget(user bool) (string, error) {
	if user {
		path := am.UserConfigPath()
		if path == "" {
			return "", errors.New("no home directory for the user config")
		}
		return path, nil
	}
	if path := am.FindProjectConfig(); path != "" {
		return path, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "failed to get working directory")
	}
	return filepath.Join(wd, "am.toml"), nil
}

func parseValue(s string) interface{} {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.WithHint(errors.Wrap(err, "configuration validation failed"), "see `raidpulse am where` for the files in effect")
	}

	bosses := 0
	for _, r := range cfg.Raids {
		bosses += len(r.Bosses)
	}
	fmt.Printf("✓ Configuration is valid (%d raids, %d bosses tracked)\n", len(cfg.Raids), bosses)
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	fmt.Println("  2. [SYSTEM]   /etc/raidpulse/config.toml")
	fmt.Println("  3. [USER]     ~/.raidpulse/am.toml")
	fmt.Println("  4. [PROJECT]  ./am.toml (searches up directories)")
	fmt.Println("  5. [ENV]      RAIDPULSE_* environment variables")
	fmt.Println()

	found := am.ConfigPaths()
	if len(found) == 0 {
		fmt.Println("No config files found; running on defaults and environment.")
		return nil
	}
	fmt.Println("Loaded files:")
	for _, p := range found {
		fmt.Printf("  %s %s\n", pterm.Green("✓"), p)
	}
	return nil
}
