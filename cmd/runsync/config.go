package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect or create the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file, and
RUNSYNC_* environment variables. The server token is masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		shown := *cfg
		shown.Server.Token = maskToken(shown.Server.Token)

		if file := loader.File(); file != "" {
			fmt.Printf("# %s\n", file)
		} else {
			fmt.Println("# no config file, defaults and environment only")
		}
		if err := toml.NewEncoder(os.Stdout).Encode(shown); err != nil {
			fatalf("failed to encode config: %v", err)
		}
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the current settings",
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		if path == "" {
			path = config.DefaultPath()
		}

		if _, err := os.Stat(path); err == nil && !force {
			fatalf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Save(path, cfg); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

// maskToken keeps the last four characters of a token.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

func init() {
	configInitCmd.Flags().String("path", "", "Where to write (default: .runsync/runsync.toml)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
