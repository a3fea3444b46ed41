package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing marketpipe configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

This shows all configuration options with their current values, which are
the built-in defaults unless a config file or environment variables set
them. Redirect the output to a file to create a configuration template:

  marketpipe config dump > config.yaml

Configuration can be set via:
  - Config file (./config.yaml, ./configs/config.yaml,
    /etc/marketpipe/config.yaml, $HOME/.marketpipe/config.yaml)
  - Environment variables (MARKETPIPE_SERVER_PORT, MARKETPIPE_DATABASE_DSN, ...)
  - Command-line flags (for some options)

Environment variables use the MARKETPIPE_ prefix and underscores for
nesting. Example: server.port -> MARKETPIPE_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by the mapstructure tags,
// formatting durations for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(fieldType.Name)
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(v)
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Key material never reaches the dump.
	cfg.Providers = config.ProvidersConfig{}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# marketpipe Configuration File")
	fmt.Println("# =============================")
	fmt.Println("#")
	fmt.Println("# Values reflect the current effective configuration. Provider")
	fmt.Println("# keys are omitted; set them via the environment.")
	fmt.Println("# Duration format: 30s, 5m, 1h, 30d, 2w")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   MARKETPIPE_SERVER_HOST, MARKETPIPE_SERVER_PORT")
	fmt.Println("#   MARKETPIPE_DATABASE_DRIVER, MARKETPIPE_DATABASE_DSN")
	fmt.Println("#   MARKETPIPE_STORAGE_ARTIFACT_ROOT")
	fmt.Println("#   MARKETPIPE_LOGGING_LEVEL, MARKETPIPE_LOGGING_FORMAT")
	fmt.Println("#   MARKETPIPE_PROVIDERS_EXA_KEYS, MARKETPIPE_PROVIDERS_OPENAI_KEYS")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
