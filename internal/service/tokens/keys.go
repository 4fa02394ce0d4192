package tokens

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

const (
	MethodEdDSA = "EdDSA"
	MethodHS256 = "HS256"
)

const minHMACSecret = 32

// Key is one signing key with its kid
type Key struct {
	ID     string
	Method string

	sign   any
	verify any
}

// NewKey builds a key from raw material:
// 32 byte ed25519 seed for EdDSA, at least 32 byte secret for HS256
func NewKey(id string, method string, material []byte) (Key, error) {
	if id == "" {
		return Key{}, errors.New("key id must not be empty")
	}

	switch method {
	case MethodEdDSA:
		if len(material) != ed25519.SeedSize {
			return Key{}, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(material))
		}
		private := ed25519.NewKeyFromSeed(material)
		return Key{ID: id, Method: method, sign: private, verify: private.Public()}, nil

	case MethodHS256:
		if len(material) < minHMACSecret {
			return Key{}, fmt.Errorf("hmac secret must be at least %d bytes", minHMACSecret)
		}
		secret := append([]byte(nil), material...)
		return Key{ID: id, Method: method, sign: secret, verify: secret}, nil
	}

	return Key{}, fmt.Errorf("unsupported signing method %q", method)
}

// NewKeyHex is NewKey with hex encoded material, the form keys take in config
func NewKeyHex(id string, method string, material string) (Key, error) {
	raw, err := hex.DecodeString(material)
	if err != nil {
		return Key{}, fmt.Errorf("key %q is not hex encoded: %w", id, err)
	}
	return NewKey(id, method, raw)
}

func (k Key) signingMethod() jwt.SigningMethod {
	return jwt.GetSigningMethod(k.Method)
}

// Keyring signs with the current key and verifies with current and previous ones
type Keyring struct {
	current Key
	byID    map[string]Key
}

func NewKeyring(current Key, previous ...Key) (*Keyring, error) {
	if current.sign == nil {
		return nil, errors.New("current signing key is not set")
	}

	r := &Keyring{
		current: current,
		byID:    map[string]Key{current.ID: current},
	}
	for _, k := range previous {
		if _, ok := r.byID[k.ID]; ok {
			return nil, fmt.Errorf("duplicate key id %q", k.ID)
		}
		r.byID[k.ID] = k
	}

	return r, nil
}

func (r *Keyring) methods() []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range r.byID {
		if !seen[k.Method] {
			seen[k.Method] = true
			out = append(out, k.Method)
		}
	}
	return out
}

func (r *Keyring) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	k, ok := r.byID[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	if t.Method.Alg() != k.Method {
		return nil, fmt.Errorf("key %q does not sign with %s", kid, t.Method.Alg())
	}
	return k.verify, nil
}
