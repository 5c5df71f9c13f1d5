package h3

import (
	"github.com/rs/zerolog"
)

// DefaultMaxFieldSectionSize bounds a decoded header block unless configured.
const DefaultMaxFieldSectionSize = 64 << 10

// maxBufferedFrame bounds any frame that is buffered whole.
const maxBufferedFrame = 1 << 20

type Config struct {
	// MaxFieldSectionSize is advertised in SETTINGS and enforced on
	// received HEADERS frames.
	MaxFieldSectionSize uint64

	// EnableDatagrams advertises H3_DATAGRAM support.
	EnableDatagrams bool

	Logger zerolog.Logger
}

func NewConfig() *Config {
	return &Config{
		MaxFieldSectionSize: DefaultMaxFieldSectionSize,
		Logger:              zerolog.Nop(),
	}
}
