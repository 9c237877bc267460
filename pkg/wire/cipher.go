package wire

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/sidkik/sup/pkg/errors"
)

// NonceSize is the length of the per-session nonce exchanged in the clear
// before encryption is enabled.
const NonceSize = chacha20.NonceSize

const (
	initiatorInfo = "sup initiator to responder"
	responderInfo = "sup responder to initiator"
)

// Cipher is a pair of stream ciphers, one per direction, keyed by a
// pre-shared string.
type Cipher struct {
	enc, dec *chacha20.Cipher
}

// NewNonce returns a random session nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.WithContext(err, "read random")
	}
	return nonce, nil
}

// NewCipher derives the stream keys for one session. Both ends must use the
// same key and nonce, and exactly one of them must be the initiator.
func NewCipher(key string, nonce []byte, initiator bool) (*Cipher, error) {
	if len(nonce) != NonceSize {
		return nil, errors.New("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}

	outInfo, inInfo := initiatorInfo, responderInfo
	if !initiator {
		outInfo, inInfo = responderInfo, initiatorInfo
	}

	enc, err := newStream(key, nonce, outInfo)
	if err != nil {
		return nil, errors.WithContext(err, "encrypt stream")
	}

	dec, err := newStream(key, nonce, inInfo)
	if err != nil {
		return nil, errors.WithContext(err, "decrypt stream")
	}
	return &Cipher{enc: enc, dec: dec}, nil
}

func newStream(key string, nonce []byte, info string) (*chacha20.Cipher, error) {
	streamKey := make([]byte, chacha20.KeySize)
	kdf := hkdf.New(sha256.New, []byte(key), nonce, []byte(info))
	if _, err := io.ReadFull(kdf, streamKey); err != nil {
		return nil, errors.WithContext(err, "derive key")
	}
	return chacha20.NewUnauthenticatedCipher(streamKey, nonce)
}
