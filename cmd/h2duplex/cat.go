package main

import (
	"io"
	"os"

	"github.com/davedoesdev/browser-http2-duplex/client"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var catCmd = &cli.Command{
	Name:      "cat",
	Usage:     "pipe stdio through a connection",
	UsageText: "h2duplex cat [--config FILE] <url> [key=value]...",
	Flags:     []cli.Flag{configFlag()},
	Action: func(cCtx *cli.Context) error {
		url, overrides, err := urlArg(cCtx)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cCtx.String("config"), overrides)
		if err != nil {
			return err
		}
		hc, err := httpClient(cfg)
		if err != nil {
			return err
		}

		ctx := cCtx.Context
		c, err := client.Dial(ctx, url, &client.Options{
			Client:                  hc,
			DisableRequestStreaming: cfg.DisableRequestStreaming,
			DisableFiller:           cfg.DisableFiller,
		})
		if err != nil {
			return err
		}
		defer c.Close()
		go func() {
			<-ctx.Done()
			c.Close()
		}()

		var g errgroup.Group
		g.Go(func() error {
			if _, err := io.Copy(c, os.Stdin); err != nil {
				return err
			}
			return c.CloseWrite()
		})
		g.Go(func() error {
			_, err := io.Copy(os.Stdout, c)
			return err
		})
		return g.Wait()
	},
}
