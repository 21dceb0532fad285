package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.ConnOpened()
	m.Exchange(KindOpen)
	m.Bytes(Upload, 10)
	m.Warning()
	m.ConnRemoved()
	m.SessionClosed()
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionOpened()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnRemoved()
	m.Exchange(KindOpen)
	m.Exchange(KindOpen)
	m.Exchange(KindNotFound)
	m.Bytes(Upload, 3)
	m.Bytes(Upload, 0)
	m.Bytes(Download, 5)
	m.Warning()

	require.Equal(t, 1.0, testutil.ToFloat64(m.sessions))
	require.Equal(t, 1.0, testutil.ToFloat64(m.conns))
	require.Equal(t, 2.0, testutil.ToFloat64(m.opened))
	require.Equal(t, 2.0, testutil.ToFloat64(m.exchanges.WithLabelValues(KindOpen)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues(KindNotFound)))
	require.Equal(t, 3.0, testutil.ToFloat64(m.bytes.WithLabelValues(Upload)))
	require.Equal(t, 5.0, testutil.ToFloat64(m.bytes.WithLabelValues(Download)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.warnings))
}

func TestNewReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)
	a.Warning()
	b.Warning()
	require.Equal(t, 2.0, testutil.ToFloat64(b.warnings))
}
