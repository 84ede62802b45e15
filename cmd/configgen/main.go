package main

import (
	"flag"
	"fmt"

	"github.com/danmuck/beepmux/internal/config"
	"github.com/danmuck/beepmux/internal/logging"
	"github.com/rs/zerolog/log"
)

func defaultPath(kind string) (string, error) {
	switch kind {
	case "listener", "client":
		return fmt.Sprintf("cmd/beepctl/%s.toml", kind), nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}

func main() {
	logging.ConfigureRuntime()
	kind := flag.String("kind", "listener", "config kind: listener|client")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			p, err := defaultPath(*kind)
			if err != nil {
				log.Fatal().Err(err).Msg("configgen")
			}
			path = p
		}
		if _, err := config.Load(path); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("invalid config")
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("validated config")
		return
	}

	target := *output
	if target == "" {
		p, err := defaultPath(*kind)
		if err != nil {
			log.Fatal().Err(err).Msg("configgen")
		}
		target = p
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Str("path", target).Msg("write template failed")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}
