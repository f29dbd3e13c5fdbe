package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kabili207/phone-presence-server/pkg/config"
	"github.com/kabili207/phone-presence-server/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file")
	dsn := flag.String("dsn", "", "Database URL (overrides the configured one)")
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	if *dsn == "" {
		loader := config.NewLoader(*configPath)
		cfg, err := loader.Load()
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		*dsn = cfg.Database.DSN()
	}

	if err := store.Migrate(*dsn, *direction); err != nil {
		fmt.Printf("Error migrating database: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Migrations applied (%s)\n", *direction)
}
