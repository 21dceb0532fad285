package main

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/davedoesdev/browser-http2-duplex/codec"
	"github.com/davedoesdev/browser-http2-duplex/server"
	"github.com/davedoesdev/browser-http2-duplex/transport"
	"github.com/stretchr/testify/require"
)

func fatal(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestMissingURL(t *testing.T) {
	for _, name := range []string{"cat", "bench", "status"} {
		err := newApp().Run([]string{"h2duplex", name})
		require.ErrorContains(t, err, name+": missing url")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig("", []string{"transport=h2", "high_water_mark=1024", "close_timeout=250ms"})
	fatal(err, t)
	require.Equal(t, "h2", cfg.Transport)
	require.Equal(t, 1024, cfg.HighWaterMark)
	require.Equal(t, 250*time.Millisecond, cfg.CloseTimeout)

	_, err = loadConfig("", []string{"h2"})
	require.Error(t, err)
	_, err = loadConfig("", []string{"transport=ws"})
	require.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	mux := http.NewServeMux()
	srv := server.New("/duplex", &server.Options{Unhandled: mux})
	defer srv.Close()
	mux.Handle("/status", srv.StatsHandler())

	l, err := transport.ListenTCP("127.0.0.1:0")
	fatal(err, t)
	hs := &transport.HTTP2Server{Handler: srv, Hooks: srv}
	go hs.Serve(l)
	defer hs.Close()

	for _, name := range []string{"cbor", "json"} {
		app := newApp()
		var out bytes.Buffer
		app.Writer = &out
		fatal(app.Run([]string{"h2duplex", "status", "http://" + l.Addr().String() + "/status", "codec=" + name}), t)

		var st server.Stats
		fatal(codec.JSONCodec{}.Decoder(&out).Decode(&st), t)
		require.Equal(t, "/duplex", st.Path)
		require.Equal(t, 0, st.Connections)
		require.NotEmpty(t, st.Sessions)
	}
}
