package main

import (
	"fmt"
	"os"

	nepdora "github.com/baliyoventures/nepdora-inbox-go"
)

// getClient creates a Nepdora client from the stored configuration.
func getClient(cfg *Config) *nepdora.Client {
	var opts []nepdora.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, nepdora.WithBaseURL(cfg.Default.BaseURL))
	}
	return nepdora.NewClient(cfg.Default.APIKey, opts...)
}

// requireInbox loads the config and verifies an inbox context is set.
func requireInbox() (*Config, *nepdora.Client) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Inbox.PageID == "" {
		fmt.Fprintln(os.Stderr, "No page selected. Run 'nepdora config set inbox.page_id <id>' first.")
		os.Exit(1)
	}
	return cfg, getClient(cfg)
}
