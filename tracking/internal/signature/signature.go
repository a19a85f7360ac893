// Package signature verifies HMAC-SHA256 signed webhook payloads.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// HeaderName carries "sha256=<hex>" computed over the raw request body.
const HeaderName = "X-Webhook-Signature"

const scheme = "sha256="

// ErrInvalidSignature is returned for missing, malformed or mismatched signatures.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Sign returns the header value for payload under secret.
func Sign(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return scheme + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of payload under secret.
// Malformed headers are simply invalid.
func Verify(payload []byte, header string, secret []byte) bool {
	if len(secret) == 0 || len(header) <= len(scheme) {
		return false
	}
	if !strings.EqualFold(header[:len(scheme)], scheme) {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(header[len(scheme):]))
	if err != nil || len(provided) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

// DeriveSecret expands the shared secret into a channel specific key with HKDF-SHA256.
func DeriveSecret(shared []byte, channel string) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, nil, []byte("tracksync-webhook:"+channel))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive secret for %s: %w", channel, err)
	}
	return key, nil
}

// Config describes how channel secrets are resolved.
type Config struct {
	// SharedSecret signs every channel that has no explicit secret.
	SharedSecret string
	// ChannelSecrets override the shared secret per channel.
	ChannelSecrets map[string]string
	// Derive replaces the shared secret with an HKDF derived key per channel.
	Derive bool
	// Exempt channels accept unsigned payloads.
	Exempt []string
}

// Verifier checks inbound payloads per channel.
type Verifier struct {
	shared  []byte
	derive  bool
	secrets map[string][]byte
	exempt  map[string]bool
}

// NewVerifier builds a Verifier for the given channels.
func NewVerifier(cfg Config, channels []string) (*Verifier, error) {
	v := &Verifier{
		shared:  []byte(cfg.SharedSecret),
		derive:  cfg.Derive,
		secrets: make(map[string][]byte),
		exempt:  make(map[string]bool),
	}
	for _, ch := range cfg.Exempt {
		v.exempt[ch] = true
	}
	for _, ch := range channels {
		if v.exempt[ch] {
			continue
		}
		secret, err := v.resolve(ch, cfg.ChannelSecrets[ch])
		if err != nil {
			return nil, err
		}
		if len(secret) == 0 {
			return nil, fmt.Errorf("no webhook secret configured for channel %s", ch)
		}
		v.secrets[ch] = secret
	}
	return v, nil
}

func (v *Verifier) resolve(channel, explicit string) ([]byte, error) {
	if explicit != "" {
		return []byte(explicit), nil
	}
	if len(v.shared) == 0 {
		return nil, nil
	}
	if v.derive {
		return DeriveSecret(v.shared, channel)
	}
	return v.shared, nil
}

// Exempt reports whether channel accepts unsigned payloads.
func (v *Verifier) Exempt(channel string) bool {
	return v.exempt[channel]
}

// Secret returns the verification key for channel. Used by tooling that signs test traffic.
func (v *Verifier) Secret(channel string) ([]byte, bool) {
	s, ok := v.secrets[channel]
	return s, ok
}

// Check verifies header for channel. Exempt channels return (false, nil): accepted but unsigned.
func (v *Verifier) Check(channel string, payload []byte, header string) (bool, error) {
	if v.exempt[channel] {
		return false, nil
	}
	secret, ok := v.secrets[channel]
	if !ok || !Verify(payload, header, secret) {
		return false, ErrInvalidSignature
	}
	return true, nil
}
