package bus

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/basket/agentcore/internal/shared"
)

// Codec compresses and optionally encrypts message payloads before they
// leave the bus and reverses both on the way in. No example repo in the
// corpus imports a dedicated compression or encryption library for
// message-bus payloads; this is exactly the kind of narrow wire-format
// concern the standard library already covers cleanly (compress/gzip,
// crypto/aes-gcm), so it's implemented directly rather than reaching for a
// third-party codec.
type Codec struct {
	compress bool
	key      []byte // 32-byte AES-256 key; nil disables encryption
}

func NewCodec(compress bool, key []byte) *Codec {
	return &Codec{compress: compress, key: key}
}

// Encode compresses (if enabled) then encrypts (if a key is set) content.
func (c *Codec) Encode(content []byte) ([]byte, error) {
	out := content
	if c.compress {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(out); err != nil {
			return nil, shared.NewInternal("bus.codec.encode", err, nil)
		}
		if err := w.Close(); err != nil {
			return nil, shared.NewInternal("bus.codec.encode", err, nil)
		}
		out = buf.Bytes()
	}
	if len(c.key) > 0 {
		sealed, err := c.seal(out)
		if err != nil {
			return nil, err
		}
		out = sealed
	}
	return out, nil
}

// Decode reverses Encode: decrypt (if a key is set) then decompress (if
// enabled).
func (c *Codec) Decode(content []byte) ([]byte, error) {
	out := content
	if len(c.key) > 0 {
		opened, err := c.open(out)
		if err != nil {
			return nil, err
		}
		out = opened
	}
	if c.compress {
		r, err := gzip.NewReader(bytes.NewReader(out))
		if err != nil {
			return nil, shared.NewInternal("bus.codec.decode", err, nil)
		}
		defer r.Close()
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, shared.NewInternal("bus.codec.decode", err, nil)
		}
		out = decompressed
	}
	return out, nil
}

func (c *Codec) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, shared.NewInternal("bus.codec.seal", err, nil)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, shared.NewInternal("bus.codec.seal", err, nil)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, shared.NewInternal("bus.codec.seal", err, nil)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Codec) open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, shared.NewInternal("bus.codec.open", err, nil)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, shared.NewInternal("bus.codec.open", err, nil)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, shared.NewInvalidInput("bus.codec.open", nil, map[string]any{"reason": "ciphertext too short"})
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, shared.NewInvalidInput("bus.codec.open", err, nil)
	}
	return plain, nil
}
