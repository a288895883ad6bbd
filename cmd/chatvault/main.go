package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/config"
)

// Version is set at build time
var Version = "dev"

// Passcodes are read from the environment so they never show up in the
// process list or shell history.
const (
	envPasscode    = "CHATVAULT_PASSCODE"
	envNewPasscode = "CHATVAULT_NEW_PASSCODE"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: chatvault [flags] <command> [args]

Commands:
  init                                   create the identity and print its recovery phrase
  whoami                                 print the user's public key
  unlock                                 check the passcode
  passwd                                 change the passcode (%s)
  verify <phrase>                        check a recovery phrase
  users                                  list local identities
  conversation <id> [title]              create or update a conversation
  conversations [page]                   list conversations, newest first
  history <conversation> [page]          list messages, newest first
  delete <conversation>                  delete a conversation and its messages
  send <conversation> <message-id> <recipient> <recipient-key> <text>
  listen                                 receive messages until interrupted
  backup                                 upload an encrypted backup
  backups                                list backups
  restore [key]                          restore a backup (latest by default)

Passcodes are read from %s.

Flags:
`, envNewPasscode, envPasscode)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "chatvault.yaml", "Path to config file")
	userID := flag.String("user", "", "User ID (required)")
	dbPath := flag.String("db", "", "Database path (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	flag.Usage = usage
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	setupLogging(cfg.Log)

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	if *userID == "" {
		log.Fatal().Msg("-user is required")
	}

	log.Debug().
		Str("version", Version).
		Str("user_id", *userID).
		Str("db", cfg.Storage.Path).
		Msg("chatvault starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	code := run(ctx, cfg, *userID, flag.Args(), os.Stdout)
	cancel()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, cfg *config.Config, userID string, args []string, out io.Writer) int {
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		return 2
	}

	a, err := openApp(ctx, cfg, userID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open store")
		fmt.Fprintln(os.Stderr, apperr.UserMessage(err))
		return 1
	}
	defer a.Close()

	if err := cmd(ctx, a, args[1:], out); err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("Command failed")
		fmt.Fprintln(os.Stderr, apperr.UserMessage(err))
		return 1
	}
	return 0
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
