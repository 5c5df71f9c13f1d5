package transport

import (
	"fmt"
	"io"
	"net"

	"github.com/lithdew/bytesutil"
	"github.com/lithdew/kademlia"
	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/crypto/curve25519"
)

const (
	helloTypeClient uint8 = 1
	helloTypeServer uint8 = 2
)

const (
	paramMaxIdleTimeout                 = 0x01
	paramMaxUDPPayloadSize              = 0x03
	paramInitialMaxData                 = 0x04
	paramInitialMaxStreamDataBidiLocal  = 0x05
	paramInitialMaxStreamDataBidiRemote = 0x06
	paramInitialMaxStreamDataUni        = 0x07
	paramInitialMaxStreamsBidi          = 0x08
	paramInitialMaxStreamsUni           = 0x09
	paramDisableActiveMigration         = 0x0c
	paramMaxDatagramFrameSize           = 0x20
)

type transportParams struct {
	maxIdleTimeout                 uint64 // milliseconds
	maxUDPPayloadSize              uint64
	initialMaxData                 uint64
	initialMaxStreamDataBidiLocal  uint64
	initialMaxStreamDataBidiRemote uint64
	initialMaxStreamDataUni        uint64
	initialMaxStreamsBidi          uint64
	initialMaxStreamsUni           uint64
	disableActiveMigration         bool
	maxDatagramFrameSize           uint64
}

func (p transportParams) AppendTo(dst []byte) []byte {
	put := func(id, v uint64) {
		dst = quicvarint.Append(dst, id)
		dst = quicvarint.Append(dst, v)
	}
	put(paramMaxIdleTimeout, p.maxIdleTimeout)
	put(paramMaxUDPPayloadSize, p.maxUDPPayloadSize)
	put(paramInitialMaxData, p.initialMaxData)
	put(paramInitialMaxStreamDataBidiLocal, p.initialMaxStreamDataBidiLocal)
	put(paramInitialMaxStreamDataBidiRemote, p.initialMaxStreamDataBidiRemote)
	put(paramInitialMaxStreamDataUni, p.initialMaxStreamDataUni)
	put(paramInitialMaxStreamsBidi, p.initialMaxStreamsBidi)
	put(paramInitialMaxStreamsUni, p.initialMaxStreamsUni)
	if p.disableActiveMigration {
		put(paramDisableActiveMigration, 1)
	}
	if p.maxDatagramFrameSize > 0 {
		put(paramMaxDatagramFrameSize, p.maxDatagramFrameSize)
	}
	return dst
}

func unmarshalTransportParams(buf []byte) (transportParams, error) {
	var p transportParams
	for len(buf) > 0 {
		var (
			id, v uint64
			err   error
		)
		if id, buf, err = readVarint(buf); err != nil {
			return p, err
		}
		if v, buf, err = readVarint(buf); err != nil {
			return p, err
		}
		switch id {
		case paramMaxIdleTimeout:
			p.maxIdleTimeout = v
		case paramMaxUDPPayloadSize:
			if v < MinClientInitialLen {
				return p, fmt.Errorf("%w: max udp payload size %d too small", ErrTLSFail, v)
			}
			p.maxUDPPayloadSize = v
		case paramInitialMaxData:
			p.initialMaxData = v
		case paramInitialMaxStreamDataBidiLocal:
			p.initialMaxStreamDataBidiLocal = v
		case paramInitialMaxStreamDataBidiRemote:
			p.initialMaxStreamDataBidiRemote = v
		case paramInitialMaxStreamDataUni:
			p.initialMaxStreamDataUni = v
		case paramInitialMaxStreamsBidi:
			p.initialMaxStreamsBidi = v
		case paramInitialMaxStreamsUni:
			p.initialMaxStreamsUni = v
		case paramDisableActiveMigration:
			p.disableActiveMigration = v != 0
		case paramMaxDatagramFrameSize:
			p.maxDatagramFrameSize = v
		}
	}
	return p, nil
}

type clientHello struct {
	Pub        [curve25519.PointSize]byte
	Params     transportParams
	ServerName string
}

func (h clientHello) AppendTo(dst []byte) []byte {
	dst = append(dst, helloTypeClient)
	dst = append(dst, h.Pub[:]...)
	params := h.Params.AppendTo(nil)
	dst = bytesutil.AppendUint16BE(dst, uint16(len(params)))
	dst = append(dst, params...)
	dst = append(dst, uint8(len(h.ServerName)))
	return append(dst, h.ServerName...)
}

func unmarshalClientHello(buf []byte) (clientHello, error) {
	var h clientHello
	if len(buf) < 1+len(h.Pub)+2 || buf[0] != helloTypeClient {
		return h, fmt.Errorf("%w: malformed client hello", ErrTLSFail)
	}
	buf = buf[1:]
	copy(h.Pub[:], buf[:len(h.Pub)])
	buf = buf[len(h.Pub):]

	params, buf, err := readParams(buf)
	if err != nil {
		return h, err
	}
	if h.Params, err = unmarshalTransportParams(params); err != nil {
		return h, err
	}

	if len(buf) < 1 {
		return h, io.ErrUnexpectedEOF
	}
	var size uint8
	size, buf = buf[0], buf[1:]
	if len(buf) < int(size) {
		return h, io.ErrUnexpectedEOF
	}
	h.ServerName = string(buf[:size])
	return h, nil
}

// serverHello carries the server's key share and its kademlia identity,
// signed over the whole exchange.
type serverHello struct {
	Pub       [curve25519.PointSize]byte
	Params    transportParams
	KadId     kademlia.ID
	Signature kademlia.Signature

	// fields as received, verified byte for byte
	rawParams []byte
	rawID     []byte
}

func (h serverHello) appendParams(dst []byte) []byte {
	if h.rawParams != nil {
		return append(dst, h.rawParams...)
	}
	return h.Params.AppendTo(dst)
}

func (h serverHello) appendID(dst []byte) []byte {
	if h.rawID != nil {
		return append(dst, h.rawID...)
	}
	return h.KadId.AppendTo(dst)
}

func (h serverHello) AppendPayloadTo(dst []byte, clientPub []byte, odcid []byte) []byte {
	dst = append(dst, clientPub...)
	dst = append(dst, h.Pub[:]...)
	dst = h.appendParams(dst)
	dst = h.appendID(dst)
	return append(dst, odcid...)
}

func (h serverHello) AppendTo(dst []byte) []byte {
	dst = append(dst, helloTypeServer)
	dst = append(dst, h.Pub[:]...)
	params := h.appendParams(nil)
	dst = bytesutil.AppendUint16BE(dst, uint16(len(params)))
	dst = append(dst, params...)
	dst = h.appendID(dst)
	return append(dst, h.Signature[:]...)
}

func unmarshalServerHello(buf []byte) (serverHello, error) {
	var h serverHello
	if len(buf) < 1+len(h.Pub)+2 || buf[0] != helloTypeServer {
		return h, fmt.Errorf("%w: malformed server hello", ErrTLSFail)
	}
	buf = buf[1:]
	copy(h.Pub[:], buf[:len(h.Pub)])
	buf = buf[len(h.Pub):]

	params, buf, err := readParams(buf)
	if err != nil {
		return h, err
	}
	if h.Params, err = unmarshalTransportParams(params); err != nil {
		return h, err
	}
	h.rawParams = params

	id, rest, err := kademlia.UnmarshalID(buf)
	if err != nil {
		return h, fmt.Errorf("%w: %s", ErrTLSFail, err)
	}
	h.KadId = id
	h.rawID, buf = buf[:len(buf)-len(rest)], rest

	if len(buf) < kademlia.SizeSignature {
		return h, io.ErrUnexpectedEOF
	}
	copy(h.Signature[:], buf[:kademlia.SizeSignature])
	return h, nil
}

func (h serverHello) Validate(clientPub []byte, odcid []byte, cfg *Config) error {
	if !h.Signature.Verify(h.KadId.Pub, h.AppendPayloadTo(nil, clientPub, odcid)) {
		return fmt.Errorf("%w: signature is malformed", ErrTLSFail)
	}
	if cfg.VerifyPeer && h.KadId.Pub != cfg.PeerKey {
		return fmt.Errorf("%w: peer key %x is not trusted", ErrTLSFail, h.KadId.Pub[:])
	}
	return nil
}

func readParams(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 2 {
		return nil, buf, io.ErrUnexpectedEOF
	}
	size := bytesutil.Uint16BE(buf[:2])
	buf = buf[2:]
	if len(buf) < int(size) {
		return nil, buf, io.ErrUnexpectedEOF
	}
	return buf[:size], buf[size:], nil
}

// GenerateSecretKey returns a fresh server identity.
func GenerateSecretKey() kademlia.PrivateKey {
	_, secret, err := kademlia.GenerateKeys(nil)
	if err != nil {
		panic(err)
	}
	return secret
}

func kadID(secret kademlia.PrivateKey, addr net.Addr) kademlia.ID {
	id := kademlia.ID{Pub: secret.Public(), Host: net.IPv4zero}
	if udp, ok := addr.(*net.UDPAddr); ok && udp.IP != nil {
		id.Host = udp.IP
		id.Port = uint16(udp.Port)
	}
	return id
}
