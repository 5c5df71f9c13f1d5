package transport

import (
	"errors"
	"time"

	"github.com/lithdew/kademlia"
	"github.com/rs/zerolog"
)

// ProtocolVersion is the wire version spoken by default.
const ProtocolVersion uint32 = 0x00000001

// ConnIDLen is the length of every connection ID this transport issues.
const ConnIDLen = 16

// MaxConnIDLen bounds connection IDs accepted on the wire.
const MaxConnIDLen = 20

// MinClientInitialLen is the size client Initial datagrams are padded to.
const MinClientInitialLen = 1200

const (
	DefaultMaxUDPPayloadSize = 1350
	DefaultIdleTimeout       = 5 * time.Second
)

type Config struct {
	Version uint32

	// VerifyPeer requires the server's advertised key to match PeerKey.
	VerifyPeer bool
	PeerKey    kademlia.PublicKey

	// SecretKey is the server identity used to sign the handshake.
	SecretKey kademlia.PrivateKey

	MaxIdleTimeout        time.Duration
	MaxRecvUDPPayloadSize int
	MaxSendUDPPayloadSize int

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	DisableActiveMigration bool

	// MaxDatagramQueueLen bounds unread DATAGRAM frames; zero disables them.
	MaxDatagramQueueLen int

	Logger zerolog.Logger
}

// NewConfig returns a configuration tuned like a bulk-transfer client.
func NewConfig(version uint32) (*Config, error) {
	if version == 0 {
		return nil, errors.New("transport: version must be non-zero")
	}
	return &Config{
		Version:                        version,
		MaxIdleTimeout:                 DefaultIdleTimeout,
		MaxRecvUDPPayloadSize:          DefaultMaxUDPPayloadSize,
		MaxSendUDPPayloadSize:          DefaultMaxUDPPayloadSize,
		InitialMaxData:                 10_000_000,
		InitialMaxStreamDataBidiLocal:  1_000_000,
		InitialMaxStreamDataBidiRemote: 1_000_000,
		InitialMaxStreamDataUni:        1_000_000,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           100,
		DisableActiveMigration:         true,
		MaxDatagramQueueLen:            64,
		Logger:                         zerolog.Nop(),
	}, nil
}

func (c *Config) validate() error {
	if c.Version == 0 {
		return errors.New("transport: version must be non-zero")
	}
	if c.MaxSendUDPPayloadSize < MinClientInitialLen {
		return errors.New("transport: max send udp payload size must be at least 1200 bytes")
	}
	if c.MaxRecvUDPPayloadSize < MinClientInitialLen {
		return errors.New("transport: max recv udp payload size must be at least 1200 bytes")
	}
	return nil
}

func (c *Config) localParams() transportParams {
	return transportParams{
		maxIdleTimeout:                 uint64(c.MaxIdleTimeout / time.Millisecond),
		maxUDPPayloadSize:              uint64(c.MaxRecvUDPPayloadSize),
		initialMaxData:                 c.InitialMaxData,
		initialMaxStreamDataBidiLocal:  c.InitialMaxStreamDataBidiLocal,
		initialMaxStreamDataBidiRemote: c.InitialMaxStreamDataBidiRemote,
		initialMaxStreamDataUni:        c.InitialMaxStreamDataUni,
		initialMaxStreamsBidi:          c.InitialMaxStreamsBidi,
		initialMaxStreamsUni:           c.InitialMaxStreamsUni,
		disableActiveMigration:         c.DisableActiveMigration,
		maxDatagramFrameSize:           datagramFrameSize(c.MaxDatagramQueueLen),
	}
}

func datagramFrameSize(queueLen int) uint64 {
	if queueLen <= 0 {
		return 0
	}
	return DefaultMaxUDPPayloadSize
}
