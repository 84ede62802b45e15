package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/beepmux/internal/profiles/echo"
	"github.com/danmuck/beepmux/internal/protocol"
	"github.com/danmuck/beepmux/internal/protocol/session"
	"github.com/danmuck/beepmux/internal/transport"
	"github.com/rs/zerolog/log"
)

var errNoText = errors.New("echo: nothing to send")

func runEcho(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("echo", flag.ContinueOnError)
	path := fs.String("config", "", "config file (built-in defaults when empty)")
	addr := fs.String("addr", "", "peer address, overrides the config")
	chunk := fs.Int("chunk", 0, "ask for the echo as ANS replies of at most this many bytes")
	sink := fs.Bool("sink", false, "use the sink profile instead of echo")
	timeout := fs.Duration("timeout", 30*time.Second, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		return errNoText
	}
	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Connect = *addr
	}
	cfg.Listen = ""
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	conn, err := transport.Dial(ctx, cfg.Connect, cfg.Transport)
	if err != nil {
		return err
	}
	s, err := session.New(conn, session.RoleInitiator, cfg.Session)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer func() { _ = s.Terminate("echo done") }()
	if err := s.Init(ctx); err != nil {
		return err
	}

	uri := echo.URI
	if *sink {
		uri = echo.SinkURI
	}
	ch, err := s.StartChannel(ctx, nil, session.ProfileOffer{URI: uri})
	if err != nil {
		return fmt.Errorf("start %s: %w", uri, err)
	}
	var reply []byte
	if *chunk > 0 {
		var answers int
		reply, answers, err = echo.Stream(ctx, ch, []byte(text), *chunk)
		log.Debug().Int("answers", answers).Msg("echo streamed")
	} else {
		reply, err = echo.Echo(ctx, ch, "text/plain", []byte(text))
	}
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(stdout, string(reply)); err != nil {
		return err
	}
	if err := ch.Close(ctx, protocol.CodeSuccess); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	return s.Close(ctx, protocol.CodeSuccess)
}
