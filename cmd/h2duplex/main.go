package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/davedoesdev/browser-http2-duplex/config"
	"github.com/davedoesdev/browser-http2-duplex/transport"
	logging "github.com/ipfs/go-log/v2"
	"github.com/progrium/clon-go"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("h2duplex/cmd")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "h2duplex",
		Usage: "run and exercise duplex connections emulated over HTTP/2 exchanges",
		Commands: []*cli.Command{
			serveCmd,
			catCmd,
			benchCmd,
			statusCmd,
		},
	}
}

// configFlag is the --config flag every command takes.
func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Usage:   "YAML config `FILE`",
		EnvVars: []string{"H2DUPLEX_CONFIG"},
	}
}

// urlArg splits the arguments of a command taking a URL followed by
// key=value overrides.
func urlArg(cCtx *cli.Context) (string, []string, error) {
	if cCtx.NArg() < 1 {
		return "", nil, fmt.Errorf("%s: missing url", cCtx.Command.Name)
	}
	return cCtx.Args().First(), cCtx.Args().Tail(), nil
}

// loadConfig loads the config file and applies key=value overrides.
func loadConfig(path string, overrides []string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if len(overrides) > 0 {
		v, err := clon.Parse(overrides)
		if err != nil {
			return cfg, err
		}
		m, ok := v.(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("overrides must be key=value pairs, got %v", overrides)
		}
		if err := cfg.Apply(m); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	lvl, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		return cfg, err
	}
	logging.SetAllLoggers(lvl)
	return cfg, nil
}

// httpClient returns a client for the configured transport.
func httpClient(cfg config.Config) (*http.Client, error) {
	rt, err := transport.NewRoundTripper(cfg.Transport, &tls.Config{InsecureSkipVerify: cfg.Insecure})
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: rt}, nil
}
