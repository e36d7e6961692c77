// Command goaltender runs the core process: it loads configuration from
// the environment (with flag overrides), acquires the state-directory
// lock, and serves the HTTP surface until an interrupt or SIGTERM.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/ngoalkeeper/goaltender/internal/api"
	"github.com/ngoalkeeper/goaltender/internal/apperr"
	"github.com/ngoalkeeper/goaltender/internal/config"
	"github.com/ngoalkeeper/goaltender/internal/lockfile"
)

// Exit codes per spec.md §6.
const (
	exitOK               = 0
	exitConfigError      = 1
	exitStoreUnreachable = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		log.Printf("DEBUG: failed to load .env file: %v", err)
	}

	envAPIAddr := os.Getenv("API_ADDR")
	envStateDir := os.Getenv("STATE_DIR")

	apiAddr := flag.String("api-addr", envAPIAddr, "API server address (overrides $API_ADDR)")
	stateDir := flag.String("state-dir", envStateDir, "directory used for the single-instance lock file (overrides $STATE_DIR)")
	flag.Parse()

	if *stateDir == "" {
		*stateDir = "./state"
	}
	lock, err := lockfile.AcquireLock(*stateDir)
	if err != nil {
		slog.Error("another instance is already running", "error", err)
		return exitConfigError
	}
	defer lock.Release()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return exitConfigError
	}

	slog.SetLogLoggerLevel(logLevel(cfg.LogLevel))

	var apiOpts []api.Option
	if *apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*apiAddr))
	}

	if err := api.Run(cfg, apiOpts...); err != nil {
		if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindStartupStoreUnreachable {
			slog.Error("store unreachable at startup", "error", err)
			return exitStoreUnreachable
		}
		slog.Error("goaltender exited with error", "error", err)
		return exitConfigError
	}
	return exitOK
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
