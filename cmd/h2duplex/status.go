package main

import (
	"fmt"
	"net/http"

	"github.com/davedoesdev/browser-http2-duplex/codec"
	"github.com/davedoesdev/browser-http2-duplex/server"
	"github.com/davedoesdev/browser-http2-duplex/wire"
	"github.com/urfave/cli/v2"
)

var statusCmd = &cli.Command{
	Name:      "status",
	Usage:     "print the sessions of a serve instance",
	UsageText: "h2duplex status [--config FILE] <status url> [key=value]...",
	Description: `Fetch the session stats a serve instance publishes at its status_path
and print them as JSON. The codec setting picks the encoding fetched.`,
	Flags: []cli.Flag{configFlag()},
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
		st, err := fetchStats(cCtx, hc, url, cfg.Codec)
		if err != nil {
			return err
		}
		return codec.JSONCodec{}.Encoder(cCtx.App.Writer).Encode(st)
	},
}

func fetchStats(cCtx *cli.Context, hc *http.Client, url, name string) (server.Stats, error) {
	var st server.Stats
	req, err := http.NewRequestWithContext(cCtx.Context, http.MethodGet, url, nil)
	if err != nil {
		return st, err
	}
	req.Header.Set("Accept", codec.ContentType(name))
	resp, err := hc.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if err := wire.CheckResponse(resp); err != nil {
		return st, err
	}

	c := codec.Named("json")
	if resp.Header.Get("Content-Type") == codec.ContentTypeCBOR {
		c = codec.Named("cbor")
	}
	if err := c.Decoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decoding stats: %w", err)
	}
	return st, nil
}
