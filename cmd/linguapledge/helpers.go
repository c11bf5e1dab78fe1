package main

import (
	"fmt"
	"os"

	linguapledge "github.com/linguapledge/linguapledge-go"
)

// getClient creates a client authenticated with the stored session token.
func getClient() *linguapledge.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'linguapledge login <email>' first.")
		os.Exit(1)
	}

	var opts []linguapledge.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, linguapledge.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, linguapledge.WithTokenStore(linguapledge.NewMemoryTokenStoreWith(cfg.Auth.Token)))

	return linguapledge.NewClient(opts...)
}

// getAnonClient creates an unauthenticated client, used by login.
func getAnonClient() *linguapledge.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []linguapledge.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, linguapledge.WithBaseURL(cfg.Default.BaseURL))
	}
	return linguapledge.NewClient(opts...)
}
