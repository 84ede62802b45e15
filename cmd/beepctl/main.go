package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/beepmux/internal/config"
	"github.com/danmuck/beepmux/internal/logging"
	"github.com/danmuck/beepmux/internal/profiles/echo"
	"github.com/danmuck/beepmux/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var errUsage = errors.New("usage: beepctl <listen|echo> [flags]")

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("beepctl failed")
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "listen":
		return runListen(ctx, args[1:])
	case "echo":
		return runEcho(ctx, args[1:], stdout)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

// loadConfig returns the built-in defaults when path is empty.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func registry(names []string) (*session.ProfileRegistry, error) {
	reg := session.NewProfileRegistry()
	for _, name := range names {
		var p session.Profile
		switch name {
		case "echo":
			p = echo.New()
		case "sink":
			p = echo.NewSink()
		default:
			return nil, fmt.Errorf("%w: unknown profile %q", config.ErrInvalid, name)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
