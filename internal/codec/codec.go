// Package codec converts upstream URLs to path-safe proxy tokens and back.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"unicode/utf8"
)

// ErrInvalidToken is returned when a token cannot be decoded in any supported form.
var ErrInvalidToken = errors.New("invalid proxy token")

// Mode selects how URLs are turned into tokens.
type Mode string

const (
	// ModePlain percent-encodes the URL as a single path segment.
	ModePlain Mode = "plain"
	// ModeXOR XORs the URL with a repeating key, then base64- and percent-encodes it.
	ModeXOR Mode = "xor"
)

// Codec encodes and decodes proxy tokens. It is safe for concurrent use.
type Codec struct {
	mode Mode
	key  []byte
}

// New creates a Codec. An empty mode means ModePlain.
func New(mode Mode, key string) (*Codec, error) {
	switch mode {
	case "", ModePlain:
		return &Codec{mode: ModePlain, key: []byte(key)}, nil
	case ModeXOR:
		if key == "" {
			return nil, fmt.Errorf("codec: xor mode requires a non-empty key")
		}
		return &Codec{mode: ModeXOR, key: []byte(key)}, nil
	default:
		return nil, fmt.Errorf("codec: unknown mode %q", mode)
	}
}

// Mode returns the configured mode.
func (c *Codec) Mode() Mode { return c.mode }

// Key returns the shared XOR key. The same key is embedded in the override script.
func (c *Codec) Key() string { return string(c.key) }

// Encode returns the token for rawURL.
func (c *Codec) Encode(rawURL string) string {
	if c.mode != ModeXOR {
		return url.PathEscape(rawURL)
	}
	return url.PathEscape(base64.StdEncoding.EncodeToString(xor([]byte(rawURL), c.key)))
}

// Decode reverses Encode. In xor mode a token that is not valid base64, or whose
// XOR output is not UTF-8, is retried as a plain percent-encoded URL.
func (c *Codec) Decode(token string) (string, error) {
	unescaped, err := url.PathUnescape(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.mode != ModeXOR {
		return unescaped, nil
	}

	raw, err := base64.StdEncoding.DecodeString(unescaped)
	if err != nil {
		return unescaped, nil
	}
	plain := xor(raw, c.key)
	if !utf8.Valid(plain) {
		return unescaped, nil
	}
	return string(plain), nil
}

func xor(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}
