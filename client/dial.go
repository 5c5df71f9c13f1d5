package client

import (
	"encoding/hex"
	"fmt"
	"net"

	"github.com/TheSmallBoat/h3pump/h3"
	"github.com/TheSmallBoat/h3pump/transport"
)

// boundConn binds an h3.Connection to the session it runs over.
type boundConn struct {
	conn *h3.Connection
	t    h3.Transport
}

func (b *boundConn) SendRequest(headers []h3.Header, fin bool) (uint64, error) {
	return b.conn.SendRequest(b.t, headers, fin)
}

func (b *boundConn) SendBody(id uint64, body []byte, fin bool) (int, error) {
	return b.conn.SendBody(b.t, id, body, fin)
}

func (b *boundConn) Poll() (uint64, h3.Event, error) { return b.conn.Poll(b.t) }

func (b *boundConn) RecvBody(id uint64, buf []byte) (int, error) {
	return b.conn.RecvBody(b.t, id, buf)
}

// NewH3Multiplexer returns a factory building an h3.Connection over t.
func NewH3Multiplexer(t h3.Transport, cfg *h3.Config) func() (Multiplexer, error) {
	return func() (Multiplexer, error) {
		conn, err := h3.NewConnection(t, cfg)
		if err != nil {
			return nil, err
		}
		return &boundConn{conn: conn, t: t}, nil
	}
}

// Dial validates cfg, builds the request, binds a local UDP channel of the
// peer's address family and starts the transport handshake. Nothing is sent
// until Run.
func Dial(cfg *Config) (*Driver, error) {
	req, err := NewRequest(cfg)
	if err != nil {
		return nil, err
	}

	peer, err := net.ResolveUDPAddr("udp", cfg.HostPort())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.HostPort(), err)
	}

	network, bind := "udp4", "0.0.0.0:0"
	if peer.IP.To4() == nil {
		network, bind = "udp6", "[::]:0"
	}

	metrics, err := NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	tcfg, err := cfg.transportConfig()
	if err != nil {
		return nil, err
	}

	scid, err := transport.NewConnectionID()
	if err != nil {
		return nil, err
	}

	ch, err := ListenChannel(network, bind)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", bind, err)
	}

	sess, err := transport.Connect(cfg.Address, scid, ch.LocalAddr(), peer, tcfg)
	if err != nil {
		ch.Close()
		return nil, err
	}

	cfg.Logger.Info().
		Str("scid", hex.EncodeToString(scid)).
		Stringer("local", ch.LocalAddr()).
		Stringer("peer", peer).
		Msg("connecting")

	hcfg := h3.NewConfig()
	hcfg.Logger = cfg.Logger

	return &Driver{
		Session:        sess,
		Channel:        ch,
		Request:        req,
		NewMultiplexer: NewH3Multiplexer(sess, hcfg),
		Metrics:        metrics,
		Logger:         cfg.Logger,
	}, nil
}
