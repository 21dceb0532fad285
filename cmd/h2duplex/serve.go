package main

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/davedoesdev/browser-http2-duplex/config"
	"github.com/davedoesdev/browser-http2-duplex/metrics"
	"github.com/davedoesdev/browser-http2-duplex/server"
	"github.com/davedoesdev/browser-http2-duplex/transport"
	"github.com/davedoesdev/browser-http2-duplex/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

var serveCmd = &cli.Command{
	Name:      "serve",
	Usage:     "run an echo server",
	UsageText: "h2duplex serve [--config FILE] [key=value]...",
	Description: `Run a server that echoes every byte a connection uploads back down its
download, or joins each connection to a TCP backend when one is set.
Settings come from the config file and key=value overrides, for example:
h2duplex serve transport=h2 listen=:8443 backend=127.0.0.1:22
Metrics are served at metrics_path and session stats at status_path on
the same listener.`,
	Flags: []cli.Flag{configFlag()},
	Action: func(cCtx *cli.Context) error {
		cfg, err := loadConfig(cCtx.String("config"), cCtx.Args().Slice())
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		srv := server.New(cfg.Path, &server.Options{
			HighWaterMark: cfg.HighWaterMark,
			CloseTimeout:  cfg.CloseTimeout,
			AcceptTimeout: cfg.AcceptTimeout,
			DisableFiller: cfg.DisableFiller,
			Unhandled:     mux,
			Metrics:       metrics.New(reg),
		})
		mux.Handle(cfg.StatusPath, srv.StatsHandler())
		if cfg.Backend != "" {
			go srv.Serve(bridge(cfg.Backend))
		} else {
			go srv.Serve(echo)
		}

		closer, err := listen(cfg, srv)
		if err != nil {
			srv.Close()
			return err
		}
		log.Infof("serving %s on %s over %s", cfg.Path, cfg.Listen, cfg.Transport)

		<-cCtx.Context.Done()
		log.Info("shutting down")
		if err := srv.Close(); err != nil {
			log.Warn(err)
		}
		return closer.Close()
	},
}

// listen starts the configured hosting transport in the background.
func listen(cfg config.Config, srv *server.Server) (io.Closer, error) {
	var tlsConfig *tls.Config
	if cfg.Transport != transport.H2C {
		var err error
		if cfg.CertFile != "" {
			tlsConfig, err = transport.LoadTLSConfig(cfg.CertFile, cfg.KeyFile)
		} else {
			log.Warn("no cert_file configured, using a self-signed certificate")
			tlsConfig, err = transport.SelfSignedTLSConfig()
		}
		if err != nil {
			return nil, err
		}
	}

	if cfg.Transport == transport.QUIC {
		l, err := transport.ListenQUIC(cfg.Listen, tlsConfig, nil)
		if err != nil {
			return nil, err
		}
		qs := &transport.QUICServer{Handler: srv, Hooks: srv}
		go qs.Serve(l)
		return qs, nil
	}

	l, err := transport.ListenTCP(cfg.Listen)
	if err != nil {
		return nil, err
	}
	hs := &transport.HTTP2Server{Handler: srv, Hooks: srv, TLSConfig: tlsConfig}
	go hs.Serve(l)
	return hs, nil
}

// bridge returns a handler joining each connection to a new TCP connection
// to addr.
func bridge(addr string) func(*server.Conn) {
	return func(c *server.Conn) {
		backend, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			log.Warnf("dialing backend %s: %s", addr, err)
			c.Close()
			return
		}
		wire.Join(c, backend)
	}
}

func echo(c *server.Conn) {
	defer c.Close()
	n, err := io.Copy(c, c)
	if err != nil {
		log.Debugf("echo on session %s: %s", c.Session(), err)
		return
	}
	c.CloseWrite()
	log.Debugf("echoed %d bytes on session %s", n, c.Session())
}
