package client

import (
	"crypto/rand"
	"fmt"
	"strconv"

	"github.com/TheSmallBoat/h3pump/h3"
)

// RandomBlockSize is the size of the random block tiled into upload bodies.
const RandomBlockSize = 500_000

type Method string

const (
	MethodGet  Method = "GET"
	MethodPost Method = "POST"
)

// Request is the single exchange a Driver performs. It is not modified once
// built.
type Request struct {
	Method  Method
	URL     string
	Headers []h3.Header

	// Body is the upload buffer. It is nil for GET.
	Body []byte
}

func NewRequest(cfg *Config) (*Request, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	method := MethodGet
	if cfg.Upload {
		method = MethodPost
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = DefaultUserAgent
	}

	req := &Request{
		Method: method,
		URL:    cfg.URL(),
		Headers: []h3.Header{
			{Name: ":method", Value: string(method)},
			{Name: ":scheme", Value: "https"},
			{Name: ":authority", Value: cfg.Address},
			{Name: ":path", Value: "/" + strconv.Itoa(cfg.RequestSize)},
			{Name: "user-agent", Value: agent},
		},
	}

	if method == MethodPost {
		body, err := NewUploadBuffer(cfg.RequestSize)
		if err != nil {
			return nil, err
		}
		req.Body = body
	}
	return req, nil
}

// NewUploadBuffer tiles one random block until size bytes are filled.
func NewUploadBuffer(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative upload size %d", ErrInvalidConfig, size)
	}

	block := make([]byte, RandomBlockSize)
	if size < len(block) {
		block = block[:size]
	}
	if _, err := rand.Read(block); err != nil {
		return nil, fmt.Errorf("failed to generate upload block: %w", err)
	}

	buf := make([]byte, size)
	for off := 0; off < size; off += len(block) {
		copy(buf[off:], block)
	}
	return buf, nil
}

// Fin reports whether the headers alone complete the request.
func (r *Request) Fin() bool { return len(r.Body) == 0 }
