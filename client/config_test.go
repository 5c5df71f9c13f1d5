package client

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/TheSmallBoat/h3pump/h3"
	"github.com/TheSmallBoat/h3pump/transport"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		tweak  func(c *Config)
		target error
	}{
		{"too large", func(c *Config) { c.RequestSize = MaxRequestSize + 1 }, ErrRequestTooLarge},
		{"negative size", func(c *Config) { c.RequestSize = -1 }, ErrInvalidConfig},
		{"no address", func(c *Config) { c.Address = "" }, ErrInvalidConfig},
		{"bad port", func(c *Config) { c.Port = 70000 }, ErrInvalidConfig},
		{"zero version", func(c *Config) { c.Version = 0 }, ErrInvalidConfig},
		{"small datagrams", func(c *Config) { c.MaxDatagramSize = 1000 }, ErrInvalidConfig},
		{"verify without key", func(c *Config) { c.VerifyPeer = true }, ErrInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewConfig("127.0.0.1", 4433)
			tc.tweak(cfg)
			require.ErrorIs(t, cfg.Validate(), tc.target)
		})
	}

	cfg := NewConfig("127.0.0.1", 4433)
	cfg.RequestSize = MaxRequestSize
	require.NoError(t, cfg.Validate())
}

func TestNewRequest(t *testing.T) {
	cfg := NewConfig("::1", 4433)
	cfg.RequestSize = 1024

	req, err := NewRequest(cfg)
	require.NoError(t, err)
	require.Equal(t, MethodGet, req.Method)
	require.Equal(t, "https://[::1]:4433/1024", req.URL)
	require.Equal(t, []h3.Header{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "::1"},
		{Name: ":path", Value: "/1024"},
		{Name: "user-agent", Value: DefaultUserAgent},
	}, req.Headers)
	require.Nil(t, req.Body)
	require.True(t, req.Fin())

	cfg.Upload = true
	req, err = NewRequest(cfg)
	require.NoError(t, err)
	require.Equal(t, MethodPost, req.Method)
	require.Equal(t, "POST", req.Headers[0].Value)
	require.Len(t, req.Body, 1024)
	require.False(t, req.Fin())
}

func TestNewRequestFailsFast(t *testing.T) {
	cfg := NewConfig("127.0.0.1", 4433)
	cfg.RequestSize = MaxRequestSize + 1
	cfg.Upload = true

	_, err := NewRequest(cfg)
	require.ErrorIs(t, err, ErrRequestTooLarge)
}

func TestUploadBufferTilesRandomBlock(t *testing.T) {
	size := 2*RandomBlockSize + 1234
	buf, err := NewUploadBuffer(size)
	require.NoError(t, err)
	require.Len(t, buf, size)

	require.Equal(t, buf[:RandomBlockSize], buf[RandomBlockSize:2*RandomBlockSize])
	require.Equal(t, buf[:1234], buf[2*RandomBlockSize:])
	require.NotEqual(t, make([]byte, 64), buf[:64])

	small, err := NewUploadBuffer(10)
	require.NoError(t, err)
	require.Len(t, small, 10)

	empty, err := NewUploadBuffer(0)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestReportOutput(t *testing.T) {
	r := &Report{Completed: true, TotalBytes: 1_000_000, Elapsed: 80 * time.Millisecond}
	require.InDelta(t, 100.0, r.ThroughputMbps(), 1e-9)

	var out bytes.Buffer
	n, err := r.WriteTo(&out)
	require.NoError(t, err)
	require.EqualValues(t, out.Len(), n)
	require.Equal(t, "got 1000000 bytes in total\n80.000 ms\ngoodput : 100.000 Mbps\ndone\n", out.String())

	out.Reset()
	_, err = (&Report{TotalBytes: 42}).WriteTo(&out)
	require.NoError(t, err)
	require.Equal(t, "got 42 bytes in total\nno completion recorded\ndone\n", out.String())
	require.Zero(t, (&Report{TotalBytes: 42}).ThroughputMbps())

	sub := &Report{Completed: true, TotalBytes: 1000, Elapsed: 500 * time.Nanosecond}
	require.False(t, math.IsInf(sub.ThroughputMbps(), 0))
	require.InDelta(t, 16_000.0, sub.ThroughputMbps(), 1e-6)
}

func TestTerminalStateString(t *testing.T) {
	require.Equal(t, "running", Running.String())
	require.Equal(t, "closed normally", ClosedNormally.String())
	require.Equal(t, "closed on error", ClosedOnError.String())
}

func TestTransportConfigMirrorsClientConfig(t *testing.T) {
	cfg := NewConfig("127.0.0.1", 4433)
	cfg.MaxDatagramSize = 1200
	cfg.IdleTimeout = time.Second

	tc, err := cfg.transportConfig()
	require.NoError(t, err)
	require.Equal(t, transport.ProtocolVersion, tc.Version)
	require.Equal(t, 1200, tc.MaxSendUDPPayloadSize)
	require.Equal(t, time.Second, tc.MaxIdleTimeout)
}
