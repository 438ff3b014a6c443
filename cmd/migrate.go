package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonystef/grov/internal/config"
	"github.com/tonystef/grov/internal/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Run: func(cmd *cobra.Command, args []string) {
			path := mustStorePath()
			if err := store.Migrate(path); err != nil {
				fmt.Fprintf(os.Stderr, "migrate failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("store at %s is up to date\n", path)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll the schema all the way down (destructive)",
		Run: func(cmd *cobra.Command, args []string) {
			path := mustStorePath()
			if err := store.MigrateDown(path); err != nil {
				fmt.Fprintf(os.Stderr, "migrate down failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("store at %s rolled down\n", path)
		},
	})
	return cmd
}

func mustStorePath() string {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	path, err := cfg.StorePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve store path: %v\n", err)
		os.Exit(1)
	}
	return path
}
