package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Kadem9/caissefacile/internal/config"
	"github.com/Kadem9/caissefacile/internal/output"
	"github.com/Kadem9/caissefacile/internal/suggest"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Read and change terminal settings",
	GroupID: "system",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := cfg.Get(args[0])
		if err != nil {
			output.Error("%v", err)
			hintKey(args[0])
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Store a setting in .caisse/caisse.yaml",
	Example: "  caisse config set sync.url https://sync.example.fr\n  caisse config set sync.interval 2m",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		err := config.Update(getBaseDir(), func(c *config.Config) error {
			return c.Set(key, value)
		})
		if err != nil {
			output.Error("set %s: %v", key, err)
			if errors.Is(err, config.ErrUnknownKey) {
				hintKey(key)
			}
			return err
		}
		shown := value
		if isSecretKey(key) {
			shown = maskSecret(value)
		}
		output.Success("%s = %s", strings.ToLower(key), shown)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Print every setting",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rows := make([][]string, 0, len(config.Keys()))
		for _, key := range config.Keys() {
			v, _ := cfg.Get(key)
			if isSecretKey(key) {
				v = maskSecret(v)
			}
			rows = append(rows, []string{key, v, output.Subtle(config.EnvVar(key))})
		}
		fmt.Print(output.Table([]string{"KEY", "VALUE", "ENV"}, rows, output.TerminalWidth(0)))
		return nil
	},
}

func hintKey(key string) {
	if matches := suggest.Closest(key, config.Keys()); len(matches) > 0 {
		fmt.Printf("Did you mean: %s\n", strings.Join(matches, ", "))
	}
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	return key == "sync.api_key" || key == "webhook.secret"
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:8] + strings.Repeat("*", len(s)-8)
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd, configListCmd)
	rootCmd.AddCommand(configCmd)
}
