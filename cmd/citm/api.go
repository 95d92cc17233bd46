package main

import (
	"context"
	"fmt"
	"os"

	"github.com/infodancer/citm/internal/config"
	"github.com/infodancer/citm/internal/restapi"
)

const apiBaseURL = "https://api.splintermail.com"

// runAPICommand forwards a single SUBCOMMAND [ARG] invocation to the
// account REST API, per spec.md §6 ("SUBCOMMAND is `citm` or an API
// command name"). A token registered at ${smdir}/api_token.json is reused
// and its nonce advanced; without one, add_token is attempted over HTTP
// Basic using SPLINTERMAIL_PASSWORD from the environment.
func runAPICommand(ctx context.Context, cfg config.Config, command, arg string) error {
	client := restapi.NewClient(apiBaseURL)
	path := tokenPath(cfg)

	token, ok, terr := restapi.ReadIncrementWrite(path)
	if terr != nil {
		return &exitError{17, fmt.Errorf("corrupted token at %s: %s", path, terr.Error())}
	}

	if !ok {
		if command != "add_token" {
			return &exitError{9, fmt.Errorf("no API token registered; run add_token first")}
		}
		username := cfg.User
		password := os.Getenv("SPLINTERMAIL_PASSWORD")
		if username == "" || password == "" {
			return &exitError{5, fmt.Errorf("cannot determine user/password for add_token")}
		}
		resp, err := client.CallWithPassword(ctx, command, arg, username, password)
		if err != nil {
			return &exitError{7, fmt.Errorf("token registration failed: %s", err.Error())}
		}
		fmt.Printf("%s: %s\n", resp.Status, string(resp.Content))
		return nil
	}

	resp, err := client.CallWithToken(ctx, command, arg, token)
	if err != nil {
		return &exitError{14, fmt.Errorf("API call failed: %s", err.Error())}
	}
	fmt.Printf("%s: %s\n", resp.Status, string(resp.Content))
	return nil
}
