package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonystef/grov/internal/config"
	"github.com/tonystef/grov/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, store, and upstream reachability",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	ok := true
	check := func(name string, err error) {
		if err != nil {
			ok = false
			fmt.Printf("  ✗ %s: %v\n", name, err)
			return
		}
		fmt.Printf("  ✓ %s\n", name)
	}

	fmt.Println("grov doctor")

	cfg, err := config.Load(resolveConfigPath())
	check("config", err)
	if err != nil {
		os.Exit(1)
	}

	path, err := cfg.StorePath()
	check("store path", err)
	if err == nil {
		db, err := store.Open(path)
		check("store open + migrations", err)
		if err == nil {
			check("store ping", db.Ping())
			db.Close()
		}
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(cfg.Upstream.BaseURL)
	if err == nil {
		resp.Body.Close()
	}
	check(fmt.Sprintf("upstream %s", cfg.Upstream.BaseURL), err)

	if cfg.Helper.APIKey == "" {
		fmt.Println("  - helper: GROV_HELPER_API_KEY not set (heuristic fallbacks only)")
	} else {
		fmt.Println("  ✓ helper key present")
	}

	if !ok {
		os.Exit(1)
	}
}
