package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const algorithmID = "argon2id"

// Lower bounds for both configured and decoded parameters
// Upper bounds keep a crafted digest from exhausting memory or CPU
const (
	minMemoryKB    uint32 = 8 * 1024
	maxMemoryKB    uint32 = 2 * 1024 * 1024
	minTime        uint32 = 1
	maxTime        uint32 = 64
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	maxKeyLength   uint32 = 128
)

// Argon2id work factor
type Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

var DefaultParams = Params{
	Memory:      64 * 1024,
	Time:        3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

// Digest is the salted output of one hash call
type Digest struct {
	Salt []byte
	Key  []byte
}

// Engine hashes and verifies secrets with argon2id
// Safe for concurrent use
type Engine struct {
	params Params

	// Digest of a random secret, verified against when there is nothing real to compare with
	dummy Digest
}

func New(params Params) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	e := &Engine{params: params}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("error while generating dummy secret. Err: %w", err)
	}
	dummy, _, err := e.Hash(string(secret))
	if err != nil {
		return nil, err
	}
	e.dummy = dummy

	return e, nil
}

func (e *Engine) Params() Params {
	return e.params
}

// Hash derives a key from plaintext with a fresh random salt
func (e *Engine) Hash(plaintext string) (Digest, Params, error) {
	salt := make([]byte, e.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Digest{}, Params{}, fmt.Errorf("error while generating salt. Err: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, e.params.Time, e.params.Memory, e.params.Parallelism, e.params.KeyLength)
	return Digest{Salt: salt, Key: key}, e.params, nil
}

// Verify recomputes the key with the stored salt and params
// Comparison is constant time over the whole key
func (e *Engine) Verify(plaintext string, digest Digest, params Params) bool {
	if params.validateDecoded() != nil || len(digest.Salt) < int(minSaltLength) || uint32(len(digest.Key)) != params.KeyLength {
		e.burn(plaintext)
		return false
	}

	computed := argon2.IDKey([]byte(plaintext), digest.Salt, params.Time, params.Memory, params.Parallelism, params.KeyLength)
	return subtle.ConstantTimeCompare(computed, digest.Key) == 1
}

// HashEncoded returns the PHC string that is stored as account password hash
func (e *Engine) HashEncoded(plaintext string) (string, error) {
	digest, params, err := e.Hash(plaintext)
	if err != nil {
		return "", err
	}
	return Encode(digest, params), nil
}

// VerifyEncoded checks plaintext against a stored PHC string or a legacy bcrypt hash
// Any malformed encoding is a plain false, never a detailed error
func (e *Engine) VerifyEncoded(plaintext string, encoded string) bool {
	if isBcrypt(encoded) {
		return compareBcrypt(encoded, plaintext)
	}

	digest, params, err := Decode(encoded)
	if err != nil {
		e.burn(plaintext)
		return false
	}

	return e.Verify(plaintext, digest, params)
}

// VerifyDummy spends the same work as a real verification and always fails
// Used when the identity does not exist
func (e *Engine) VerifyDummy(plaintext string) bool {
	e.Verify(plaintext, e.dummy, e.params)
	return false
}

// NeedsRehash reports if the stored hash is weaker than the configured work factor
func (e *Engine) NeedsRehash(encoded string) bool {
	if isBcrypt(encoded) {
		return true
	}

	_, params, err := Decode(encoded)
	if err != nil {
		return true
	}

	return params.Memory < e.params.Memory ||
		params.Time < e.params.Time ||
		params.Parallelism < e.params.Parallelism ||
		params.KeyLength != e.params.KeyLength
}

func (e *Engine) burn(plaintext string) {
	_ = argon2.IDKey([]byte(plaintext), e.dummy.Salt, e.params.Time, e.params.Memory, e.params.Parallelism, e.params.KeyLength)
}

// Encode formats digest and params as $argon2id$v=19$m=..,t=..,p=..$salt$key
func Encode(digest Digest, params Params) string {
	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		params.Memory,
		params.Time,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(digest.Salt),
		base64.RawStdEncoding.EncodeToString(digest.Key),
	)
}

var errMalformed = errors.New("malformed password hash")

// Decode parses a PHC string produced by Encode
// All failures return the same error
func Decode(encoded string) (Digest, Params, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return Digest{}, Params{}, errMalformed
	}

	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return Digest{}, Params{}, errMalformed
	}

	var params Params
	for _, pair := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return Digest{}, Params{}, errMalformed
		}

		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Digest{}, Params{}, errMalformed
		}

		switch k {
		case "m":
			params.Memory = uint32(n)
		case "t":
			params.Time = uint32(n)
		case "p":
			if n > 255 {
				return Digest{}, Params{}, errMalformed
			}
			params.Parallelism = uint8(n)
		default:
			return Digest{}, Params{}, errMalformed
		}
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Digest{}, Params{}, errMalformed
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Digest{}, Params{}, errMalformed
	}

	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))
	if params.validateDecoded() != nil {
		return Digest{}, Params{}, errMalformed
	}

	return Digest{Salt: salt, Key: key}, params, nil
}

func (p Params) validate() error {
	switch {
	case p.Memory < minMemoryKB || p.Memory > maxMemoryKB:
		return fmt.Errorf("argon2 memory must be in [%d, %d] KiB", minMemoryKB, maxMemoryKB)
	case p.Time < minTime || p.Time > maxTime:
		return fmt.Errorf("argon2 time must be in [%d, %d]", minTime, maxTime)
	case p.Parallelism < minParallelism:
		return errors.New("argon2 parallelism must be >= 1")
	case p.SaltLength < minSaltLength:
		return fmt.Errorf("salt length must be >= %d", minSaltLength)
	case p.KeyLength < minKeyLength || p.KeyLength > maxKeyLength:
		return fmt.Errorf("key length must be in [%d, %d]", minKeyLength, maxKeyLength)
	}
	return nil
}

func (p Params) validateDecoded() error {
	if err := p.validate(); err != nil {
		return errMalformed
	}
	return nil
}
