// Package credential provides one-way password hashing and verification
// using argon2id with PHC-formatted hash strings.
package credential

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

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	minPassBytes          = 8
	algorithmID           = "argon2id"
)

// Params tunes the argon2id cost parameters.
type Params struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams returns the recommended argon2id cost parameters.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher hashes and verifies passwords. It is stateless apart from its
// cost parameters and safe for concurrent use.
type Hasher struct {
	params Params
}

type parsedHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
	keyLength   uint32
}

// NewHasher validates the cost parameters and returns a Hasher.
func NewHasher(p Params) (*Hasher, error) {
	if err := validateParams(p); err != nil {
		return nil, err
	}
	return &Hasher{params: p}, nil
}

// Hash derives an argon2id hash of password and encodes it as a PHC string.
func (h *Hasher) Hash(password string) (string, error) {
	// Raw string bytes exactly as provided, no Unicode normalization.
	if len(password) < minPassBytes {
		return "", errors.New("password must be at least 8 bytes")
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	sum := argon2.IDKey(
		[]byte(password),
		salt,
		h.params.Time,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(sum),
	), nil
}

// Verify reports whether password matches the PHC-encoded hash.
// The comparison is constant-time over the derived keys.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(password),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		parsed.keyLength,
	)

	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

// NeedsRehash reports whether the stored hash was produced with weaker
// parameters than the Hasher is configured with.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	if h.params.Memory > parsed.memory {
		return true, nil
	}
	if h.params.Time > parsed.time {
		return true, nil
	}
	if h.params.Parallelism > parsed.parallelism {
		return true, nil
	}
	if h.params.KeyLength != parsed.keyLength {
		return true, nil
	}

	return false, nil
}

func parsePHC(encoded string) (*parsedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("invalid PHC format")
	}
	if parts[1] != algorithmID {
		return nil, errors.New("unsupported algorithm")
	}

	if !strings.HasPrefix(parts[2], "v=") {
		return nil, errors.New("missing argon2 version")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, errors.New("unsupported argon2 version")
	}

	memory, time, parallelism, err := parseCostParams(parts[3])
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, errors.New("invalid salt encoding")
	}
	if len(salt) < int(minSaltLength) {
		return nil, errors.New("invalid salt length")
	}

	hash, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, errors.New("invalid hash encoding")
	}
	if len(hash) == 0 {
		return nil, errors.New("invalid hash length")
	}

	return &parsedHash{
		memory:      memory,
		time:        time,
		parallelism: parallelism,
		salt:        salt,
		hash:        hash,
		keyLength:   uint32(len(hash)),
	}, nil
}

func parseCostParams(part string) (memory, time uint32, parallelism uint8, err error) {
	pairs := strings.Split(part, ",")
	if len(pairs) != 3 {
		return 0, 0, 0, errors.New("invalid parameter format")
	}

	var mSet, tSet, pSet bool
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return 0, 0, 0, errors.New("invalid parameter entry")
		}

		switch kv[0] {
		case "m":
			v, convErr := strconv.ParseUint(kv[1], 10, 32)
			if convErr != nil || v < uint64(minMemoryKB) {
				return 0, 0, 0, errors.New("invalid memory parameter")
			}
			memory = uint32(v)
			mSet = true
		case "t":
			v, convErr := strconv.ParseUint(kv[1], 10, 32)
			if convErr != nil || v < uint64(minTimeCost) {
				return 0, 0, 0, errors.New("invalid time parameter")
			}
			time = uint32(v)
			tSet = true
		case "p":
			v, convErr := strconv.ParseUint(kv[1], 10, 8)
			if convErr != nil || v < uint64(minParallelism) {
				return 0, 0, 0, errors.New("invalid parallelism parameter")
			}
			parallelism = uint8(v)
			pSet = true
		default:
			return 0, 0, 0, errors.New("unsupported parameter")
		}
	}

	if !mSet || !tSet || !pSet {
		return 0, 0, 0, errors.New("missing parameters")
	}

	return memory, time, parallelism, nil
}

func validateParams(p Params) error {
	if p.Memory < minMemoryKB {
		return errors.New("credential memory must be >= 8192 KB")
	}
	if p.Time < minTimeCost {
		return errors.New("credential time must be >= 1")
	}
	if p.Parallelism < minParallelism {
		return errors.New("credential parallelism must be >= 1")
	}
	if p.SaltLength < minSaltLength {
		return errors.New("credential salt length must be >= 16")
	}
	if p.KeyLength < minKeyLength {
		return errors.New("credential key length must be >= 16")
	}
	return nil
}
