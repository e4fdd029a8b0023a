package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/instrumentation"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/server"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
	"github.com/gptscript-ai/cmd"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// RootCmd represents the base command when called without any subcommands
type RootCmd struct {
	ConfigFile   string `name:"config" env:"CONFIG_FILE" usage:"Path to the JSON configuration file with the local settings and remote clients"`
	CallbackPath string `name:"callback-path" env:"CALLBACK_PATH" usage:"Path the authorization servers redirect to" default:"/"`

	// Database configuration
	DatabaseDSN string `name:"database-dsn" env:"DATABASE_DSN" usage:"Database connection string for the exchange audit log (PostgreSQL or SQLite file path). If empty, no audit log is kept"`

	// Server configuration
	Port string `name:"port" env:"PORT" usage:"Port to run the server on, overrides local.httpPort from the configuration file"`
	Host string `name:"host" env:"HOST" usage:"Host to bind the server to" default:"localhost"`

	// Logging
	Verbose bool `name:"verbose,v" usage:"Enable verbose logging"`
	Version bool `name:"version" usage:"Show version information"`
}

func (c *RootCmd) Run(cobraCmd *cobra.Command, args []string) error {
	if c.Version {
		fmt.Printf("Elm OAuth Middleware\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Built: %s\n", buildTime)
		return nil
	}

	if c.Verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("Verbose logging enabled")
	}

	if err := c.validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(cobraCmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := instrumentation.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	relay, err := server.New(ctx, &types.Config{
		ConfigFile:   c.ConfigFile,
		CallbackPath: c.CallbackPath,
		DatabaseDSN:  c.DatabaseDSN,
	}, metrics)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	defer func() {
		if err := relay.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	// The listen port is read once; later reloads cannot rebind it.
	port := c.Port
	if port == "" {
		port = strconv.Itoa(relay.Local().HTTPPort)
	}

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(c.Host, port),
		Handler:           relay.GetHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("Starting OAuth relay on %s", httpServer.Addr)
	log.Printf("Configuration: %s", c.ConfigFile)
	log.Printf("Callback path: %s", c.CallbackPath)
	log.Printf("Database: %s", c.getDatabaseType())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Println("Shutting down OAuth relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func (c *RootCmd) validateConfig() error {
	if c.ConfigFile == "" {
		return fmt.Errorf("config is required")
	}
	if c.Port != "" {
		if port, err := strconv.Atoi(c.Port); err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", c.Port)
		}
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		return fmt.Errorf("callback-path must start with /")
	}
	return nil
}

func (c *RootCmd) getDatabaseType() string {
	switch {
	case c.DatabaseDSN == "":
		return "none (audit log disabled)"
	case strings.HasPrefix(c.DatabaseDSN, "postgres://") || strings.HasPrefix(c.DatabaseDSN, "postgresql://"):
		return "PostgreSQL"
	default:
		return fmt.Sprintf("SQLite (%s)", c.DatabaseDSN)
	}
}

// Customizer interface implementation for additional command customization
func (c *RootCmd) Customize(cobraCmd *cobra.Command) {
	cobraCmd.Use = "elm-oauth-middleware"
	cobraCmd.Short = "OAuth 2.0 redirect-back relay for browser applications"
	cobraCmd.Long = `Elm OAuth Middleware completes the OAuth 2.0 authorization code flow on
behalf of browser applications that cannot keep a client secret.

The authorization server redirects the browser to the relay with a code and
a state. The relay decodes the state, checks the client and its redirect
back host against the configuration file, exchanges the code for a token
using the configured client secret, and redirects the browser back to the
application with the token (or the error) encoded in the URL fragment.

Examples:
  # Start with a configuration file
  elm-oauth-middleware --config=/etc/elm-oauth/config.json

  # Override the port and keep an audit log of exchanges in SQLite
  elm-oauth-middleware \
    --config=config.json \
    --port=9000 \
    --database-dsn=audit.db

  # Build a state value for a client application
  elm-oauth-middleware encode-state \
    --client-id=my-client \
    --token-uri=https://github.com/login/oauth/access_token \
    --redirect-uri=https://relay.example.com/ \
    --redirect-back-uri=https://app.example.com/

Configuration file:
  {
    "local": {"httpPort": 8080, "configSamplePeriod": 60},
    "remote": [{
      "clientId": "my-client",
      "tokenUri": "https://github.com/login/oauth/access_token",
      "clientSecret": "...",
      "redirectBackHosts": ["https://app.example.com", "localhost"]
    }]
  }

  The file is reloaded when it changes and every configSamplePeriod seconds.
  A file that fails to load keeps the previous configuration.`

	cobraCmd.Version = version
}

// Execute is the main entry point for the CLI
func Execute() error {
	rootCmd := &RootCmd{}
	cobraCmd := cmd.Command(rootCmd, cmd.Command(&EncodeState{}))
	return cobraCmd.Execute()
}
