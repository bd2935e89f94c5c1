package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bitk/bitk/internal/common/config"
	"github.com/bitk/bitk/internal/db"
)

// dbResetReport is printed as JSON after a db:reset run.
type dbResetReport struct {
	Deleted   []string `json:"deleted"`
	Missing   []string `json:"missing"`
	Timestamp string   `json:"timestamp"`
}

func runDBReset() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.URL != "" {
		fmt.Fprintln(os.Stderr, "db:reset only supports the SQLite backend")
		os.Exit(1)
	}

	report := dbResetReport{
		Deleted:   []string{},
		Missing:   []string{},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	paths := append([]string{cfg.Database.Path}, db.SidecarPaths(cfg.Database.Path)...)
	for _, p := range paths {
		switch err := os.Remove(p); {
		case err == nil:
			report.Deleted = append(report.Deleted, p)
		case os.IsNotExist(err):
			report.Missing = append(report.Missing, p)
		default:
			fmt.Fprintf(os.Stderr, "Failed to delete %s: %v\n", p, err)
			os.Exit(1)
		}
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}
