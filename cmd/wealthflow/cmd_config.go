package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/user/wealthflow/internal/config"
)

var showSecrets bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.PersistentFlags().BoolVar(&showSecrets, "show-secrets", false, "print secret values unmasked")
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the daemon configuration",
	Long: `Inspect and edit the daemon configuration.

Keys use dot notation:

  data_dir                 snapshot and PID file location
  log_level                debug, info, warn, or error
  max_concurrent           simultaneous session commands
  http.enabled             serve the assessment API
  http.listen              API listen address
  upstream.base_url        assessment platform endpoint
  upstream.api_key         platform API key (secret)
  upstream.stream_url      per-session event stream endpoint
  snapshot.backend         "file" or "redis"
  snapshot.redis_url       redis connection URL (secret)
  snapshot.ttl_hours       redis snapshot retention
  resume.timeout_seconds   history lookup budget for returning users
  janitor.schedule         snapshot sweep cron expression
  janitor.max_age_hours    file snapshot retention

Secrets print masked unless --show-secrets is given. Prefer the
WEALTHFLOW_API_KEY and REDIS_URL environment variables over storing
secrets in the config file; env values take precedence at load time.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		values, err := config.ListValues(cfg, !showSecrets)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			fmt.Fprintf(os.Stdout, "%s = %v\n", k, values[k])
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		if s, ok := val.(string); ok && s != "" && config.IsSecretKey(args[0]) && !showSecrets {
			val = config.MaskValue(s)
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		display := args[1]
		if config.IsSecretKey(args[0]) && !showSecrets {
			display = config.MaskValue(args[1])
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", args[0], display)
		return nil
	},
}
