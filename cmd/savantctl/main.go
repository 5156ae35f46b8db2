// savantctl is an interactive client for the savantaudio REST API.
//
// Usage:
//
//	savantctl [flags] [command ...]
//
// Flags:
//
//	-api string     API base URL (default "http://localhost:8090/api/v1")
//	-token string   Bearer token
//	-secret string  Shared JWT secret used to mint a token
//
// With a command, savantctl runs it once and exits. Without one it starts
// an interactive shell. SAVANTAUDIO_API, SAVANTAUDIO_TOKEN and
// SAVANTAUDIO_JWT_SECRET provide defaults for the flags.
//
// Examples:
//
//	savantctl entries
//	savantctl call media_player.kitchen set_volume level=0.3
//	savantctl -secret "$SAVANTAUDIO_JWT_SECRET"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/nerrad567/savantaudio/internal/api"
)

const (
	defaultAPI = "http://localhost:8090/api/v1"
	tokenTTL   = 12 * time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("savantctl", flag.ContinueOnError)
	base := fs.String("api", envOr("SAVANTAUDIO_API", defaultAPI), "API base URL")
	token := fs.String("token", os.Getenv("SAVANTAUDIO_TOKEN"), "bearer token")
	secret := fs.String("secret", os.Getenv("SAVANTAUDIO_JWT_SECRET"), "shared JWT secret used to mint a token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bearer, err := resolveToken(*token, *secret)
	if err != nil {
		return err
	}
	client := NewClient(*base, bearer)

	if fs.NArg() > 0 {
		shell := NewShell(client, os.Stdout)
		err := shell.Exec(ctx, strings.Join(fs.Args(), " "))
		if errors.Is(err, errQuit) {
			return nil
		}
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "savant> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	NewShell(client, rl.Stdout()).Run(ctx, rl)
	return nil
}

// resolveToken prefers an explicit token and otherwise mints one from the
// shared secret. Both empty means the daemon runs without authentication.
func resolveToken(token, secret string) (string, error) {
	if token != "" || secret == "" {
		return token, nil
	}
	minted, err := api.IssueToken(secret, "savantctl", tokenTTL)
	if err != nil {
		return "", fmt.Errorf("issuing token: %w", err)
	}
	return minted, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
