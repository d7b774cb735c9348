// Command fixd-repl runs fixd as a standalone fixture server: it loads a
// Config file and a fixture file, starts listening, and blocks until an
// interrupt, at which point it stops gracefully. It exists to exercise the
// library's config- and fixture-file loading paths end-to-end outside of a
// test binary — most consumers will import the package directly instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-fixd/fixd"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fixd-repl:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		fixturePath string
		watch       bool
	)

	flag.StringVar(&configPath, "config", "", "path to a fixd Config file (.json, .toml, .yaml/.yml, or .ini)")
	flag.StringVar(&fixturePath, "fixtures", "", "path to a fixture file (.json, .toml, .yaml/.yml)")
	flag.BoolVar(&watch, "watch", false, "re-load the fixture file on every write")
	flag.Parse()

	cfg := fixd.DefaultConfig()
	if configPath != "" {
		if err := fixd.LoadConfigFile(configPath, cfg); err != nil {
			return err
		}
	}

	server := fixd.NewServerFromConfig(cfg)

	if fixturePath != "" {
		if watch {
			stop, err := server.WatchFixtureFile(fixturePath)
			if err != nil {
				return err
			}
			defer stop()
		} else if err := server.LoadFixtureFile(fixturePath); err != nil {
			return err
		}
	}

	if err := server.Start(); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "fixd-repl: listening on", server.Addresses())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return server.Stop(ctx)
}
