package commands

import (
	"encoding/json"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kulturgut/ingest/am"
	"github.com/kulturgut/ingest/errors"
)

// ConfigCmd shows and validates the process configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and validate configuration",
	Long: `Show and validate configuration.

Configuration sources (in order of precedence):
1. Environment variables (INGEST_* prefix)
2. Project config (./ingest.toml, searched upwards)
3. User config (~/.ingest/config.toml)
4. System config (/etc/ingest/config.toml)
5. Default values

Examples:
  ingest config show
  ingest config show --format yaml
  ingest config get index.batch_size
  ingest config where`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get one value using dot notation (e.g. index.batch_size)",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "List the config files checked, in merge order",
	RunE:  runConfigWhere,
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	ConfigCmd.AddCommand(configShowCmd, configGetCmd, configValidateCmd, configWhereCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var data []byte
	switch configFormat {
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	case "yaml":
		data, err = yaml.Marshal(cfg)
	case "toml":
		data, err = toml.Marshal(cfg)
	default:
		return errors.NewInvalidConfigError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	if err != nil {
		return errors.Wrapf(err, "marshal config to %s", configFormat)
	}
	pterm.Print(string(data))
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	v := am.GetViper()
	if !v.IsSet(args[0]) {
		return errors.Wrapf(errors.ErrNotFound, "configuration key %q", args[0])
	}
	pterm.Println(v.Get(args[0]))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	pterm.Info.Println("Configuration cascade (later overrides earlier)")
	data := pterm.TableData{{"DEFAULT", "built-in defaults"}}
	for _, path := range am.ConfigPaths() {
		data = append(data, []string{"FILE", path})
	}
	data = append(data, []string{"ENV", "INGEST_* environment variables"})
	return pterm.DefaultTable.WithData(data).Render()
}
