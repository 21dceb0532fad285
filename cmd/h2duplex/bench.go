package main

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/davedoesdev/browser-http2-duplex/client"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var benchCmd = &cli.Command{
	Name:      "bench",
	Usage:     "measure echo throughput against a serve instance",
	UsageText: "h2duplex bench [--config FILE] <url> [key=value]...",
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

		mb := 1 << 20
		for _, v := range []int{mb, mb * 16, mb * 64} {
			data := make([]byte, v)
			rand.Read(data)

			start := time.Now()
			c, err := client.Dial(cCtx.Context, url, &client.Options{
				Client:                  hc,
				DisableRequestStreaming: cfg.DisableRequestStreaming,
				DisableFiller:           cfg.DisableFiller,
			})
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			var g errgroup.Group
			g.Go(func() error {
				if _, err := io.Copy(c, bytes.NewReader(data)); err != nil {
					return err
				}
				return c.CloseWrite()
			})
			g.Go(func() error {
				_, err := io.Copy(&buf, c)
				return err
			})
			err = g.Wait()
			c.Close()
			if err != nil {
				return err
			}

			if !bytes.Equal(buf.Bytes(), data) {
				return errors.New("echoed bytes do not match")
			}
			diff := time.Since(start)
			fmt.Fprintln(cCtx.App.Writer, "Bytes:", buf.Len()/mb, "MB", "RTT:", diff, "Thru:", int(float64(buf.Len())/diff.Seconds()/float64(mb)), "MB/s", "Streaming:", c.Streaming())
		}
		return nil
	},
}
