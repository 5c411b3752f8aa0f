package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatkit/internal/client"
	"github.com/chatkit/internal/config"
	"github.com/chatkit/internal/logger"
	"github.com/chatkit/internal/session"
	"github.com/chatkit/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Terminal chat client",
	RunE:  runChat,
}

var (
	flagServerURL string
	flagUsername  string
	flagRoom      string
	flagToken     string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServerURL, "server-url", "", "chat server base URL (overrides config)")
	flags.StringVar(&flagUsername, "username", "", "username to connect as")
	flags.StringVar(&flagRoom, "room", "", "room to join")
	flags.StringVar(&flagToken, "token", "", "auth token (empty: resume existing session)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	logger.SetPrefix("chat")
	cfg := config.Load()
	if flagServerURL != "" {
		cfg.ServerURL = flagServerURL
	}

	sessions := session.NewClient(cfg.ServerURL, cfg.HTTPTimeout)
	engine := client.New(cfg, sessions)

	// Resume an existing cookie-bound session first; fall back to an
	// explicit connect when credentials were given.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+30*time.Second)
	defer cancel()
	resumed, err := engine.Resume(ctx)
	if err != nil {
		logger.Errorf("session resume: %v", err)
	}
	if !resumed {
		if flagUsername == "" {
			return fmt.Errorf("no resumable session; pass --username (and --token)")
		}
		if err := engine.Connect(ctx, flagUsername, flagRoom, flagToken); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}

	return ui.New(engine).Run()
}
