package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
	0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
}

const (
	labelClientInitial = "h3pump client in"
	labelServerInitial = "h3pump server in"
	labelClient1RTT    = "h3pump client ap"
	labelServer1RTT    = "h3pump server ap"
)

// keys protects the packets of one direction.
type keys struct {
	aead cipher.AEAD
	iv   [chacha20poly1305.NonceSize]byte
}

func newKeys(secret, salt []byte, label string) (*keys, error) {
	var material [chacha20poly1305.KeySize + chacha20poly1305.NonceSize]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(label)), material[:]); err != nil {
		return nil, fmt.Errorf("failed to derive %q keys: %w", label, err)
	}
	aead, err := chacha20poly1305.New(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, err
	}
	k := &keys{aead: aead}
	copy(k.iv[:], material[chacha20poly1305.KeySize:])
	return k, nil
}

func (k *keys) nonce(pn uint32) []byte {
	var n [chacha20poly1305.NonceSize]byte
	copy(n[:], k.iv[:])
	var enc [4]byte
	copy(enc[:], bytesutil.AppendUint32BE(enc[:0], pn))
	for i := 0; i < 4; i++ {
		n[len(n)-4+i] ^= enc[i]
	}
	return n[:]
}

func (k *keys) seal(dst, header, payload []byte, pn uint32) []byte {
	return k.aead.Seal(dst, k.nonce(pn), payload, header)
}

func (k *keys) open(dst, header, sealed []byte, pn uint32) ([]byte, error) {
	out, err := k.aead.Open(dst, k.nonce(pn), sealed, header)
	if err != nil {
		return nil, ErrCryptoFail
	}
	return out, nil
}

// directional returns the (seal, open) pair for one side.
func directional(secret, salt []byte, clientLabel, serverLabel string, isServer bool) (*keys, *keys, error) {
	client, err := newKeys(secret, salt, clientLabel)
	if err != nil {
		return nil, nil, err
	}
	server, err := newKeys(secret, salt, serverLabel)
	if err != nil {
		return nil, nil, err
	}
	if isServer {
		return server, client, nil
	}
	return client, server, nil
}

func initialKeys(odcid []byte, isServer bool) (*keys, *keys, error) {
	return directional(odcid, initialSalt, labelClientInitial, labelServerInitial, isServer)
}

func oneRTTKeys(shared, odcid []byte, isServer bool) (*keys, *keys, error) {
	return directional(shared, odcid, labelClient1RTT, labelServer1RTT, isServer)
}

type keyPair struct {
	priv [curve25519.ScalarSize]byte
	pub  [curve25519.PointSize]byte
}

func generateKeyPair() (keyPair, error) {
	var kp keyPair
	if _, err := rand.Read(kp.priv[:]); err != nil {
		return kp, err
	}
	pub, err := curve25519.X25519(kp.priv[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.pub[:], pub)
	return kp, nil
}

func (kp keyPair) shared(peer [curve25519.PointSize]byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.priv[:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTLSFail, err)
	}
	return secret, nil
}

// NewConnectionID returns a random ConnIDLen connection ID.
func NewConnectionID() ([]byte, error) {
	id := make([]byte, ConnIDLen)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	return id, nil
}
