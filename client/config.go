package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/TheSmallBoat/h3pump/lib"
	"github.com/TheSmallBoat/h3pump/transport"
	"github.com/lithdew/kademlia"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// MaxRequestSize caps the synthetic request size.
const MaxRequestSize = 50_000_000_000

const DefaultUserAgent = "h3pump"

var (
	ErrRequestTooLarge = errors.New("client: request size too large")
	ErrInvalidConfig   = errors.New("client: invalid config")
)

type Config struct {
	Address string
	Port    int

	// RequestSize is the response size asked for with GET, or the body size
	// uploaded with POST.
	RequestSize int
	Upload      bool

	Version    uint32
	VerifyPeer bool
	PeerKey    kademlia.PublicKey

	UserAgent       string
	MaxDatagramSize int
	IdleTimeout     time.Duration

	// Registerer receives the driver's collectors when non-nil.
	Registerer prometheus.Registerer

	Logger zerolog.Logger
}

func NewConfig(address string, port int) *Config {
	return &Config{
		Address:         address,
		Port:            port,
		Version:         transport.ProtocolVersion,
		UserAgent:       DefaultUserAgent,
		MaxDatagramSize: lib.MaxDatagramSize,
		IdleTimeout:     transport.DefaultIdleTimeout,
		Logger:          zerolog.Nop(),
	}
}

// Validate fails fast on anything that would stop the exchange before a
// socket is opened.
func (c *Config) Validate() error {
	if c.RequestSize < 0 {
		return fmt.Errorf("%w: negative request size %d", ErrInvalidConfig, c.RequestSize)
	}
	if c.RequestSize > MaxRequestSize {
		return fmt.Errorf("%w: %d > %d", ErrRequestTooLarge, c.RequestSize, MaxRequestSize)
	}
	if c.Address == "" {
		return fmt.Errorf("%w: address is empty", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: '%d' is an invalid port", ErrInvalidConfig, c.Port)
	}
	if c.Version == 0 {
		return fmt.Errorf("%w: version must be non-zero", ErrInvalidConfig)
	}
	if c.MaxDatagramSize < transport.MinClientInitialLen || c.MaxDatagramSize > lib.MaxDatagramSize {
		return fmt.Errorf("%w: max datagram size must be within [%d, %d]",
			ErrInvalidConfig, transport.MinClientInitialLen, lib.MaxDatagramSize)
	}
	if c.VerifyPeer && c.PeerKey == kademlia.ZeroPublicKey {
		return fmt.Errorf("%w: peer verification needs a peer key", ErrInvalidConfig)
	}
	return nil
}

// HostPort is the authority of the request URL.
func (c *Config) HostPort() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func (c *Config) URL() string {
	return fmt.Sprintf("https://%s/%d", c.HostPort(), c.RequestSize)
}

func (c *Config) transportConfig() (*transport.Config, error) {
	tc, err := transport.NewConfig(c.Version)
	if err != nil {
		return nil, err
	}
	tc.VerifyPeer = c.VerifyPeer
	tc.PeerKey = c.PeerKey
	tc.MaxSendUDPPayloadSize = c.MaxDatagramSize
	if c.IdleTimeout > 0 {
		tc.MaxIdleTimeout = c.IdleTimeout
	}
	tc.Logger = c.Logger
	return tc, nil
}
