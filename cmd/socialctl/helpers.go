package main

import (
	"encoding/json"
	"fmt"
	"os"

	social "github.com/MohamedAmineFradi/socialmedia-frontend"
	"go.uber.org/zap"
)

// getEngine wires an engine from the stored configuration. Exits with a hint
// when the config is incomplete.
func getEngine() *social.Engine {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No API endpoint. Run 'socialctl config set default.base_url <url>' first.")
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Missing credentials. Set auth.token and auth.user_id first.")
		os.Exit(1)
	}

	var log *zap.Logger
	if verbose {
		log, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
			os.Exit(1)
		}
	}

	engine, err := social.New(social.Options{
		BaseURL: cfg.Default.BaseURL,
		WSURL:   cfg.Default.WSURL,
		Credentials: social.StaticCredentials{
			BearerToken:   cfg.Auth.Token,
			CurrentUserID: cfg.Auth.UserID,
		},
		Logger: log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build engine: %v\n", err)
		os.Exit(1)
	}
	return engine
}

// printJSON renders v as indented JSON on stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
