package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidKey indicates the presented API key did not match any keyring
// entry.
var ErrInvalidKey = errors.New("invalid api key")

// Keyring holds the API keys trusted for service-to-service calls. Keys are
// stored as argon2id hashes; plaintext never leaves the caller.
type Keyring struct {
	entries map[string]keyEntry // name -> hash parameters
}

type keyEntry struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

// ParseKeyring parses the MODGUARD_API_KEYS format: semicolon-separated
// name:hash pairs, where hash is an argon2id PHC string produced by HashKey.
// The separator must not occur inside a PHC string, which rules out commas
// (argon2 parameters are comma-delimited).
func ParseKeyring(raw string) (*Keyring, error) {
	ring := &Keyring{entries: make(map[string]keyEntry)}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ring, nil
	}
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, encoded, ok := strings.Cut(pair, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("keyring entry %q: want name:hash", pair)
		}
		entry, err := parseHash(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("keyring entry %q: %w", name, err)
		}
		if _, dup := ring.entries[name]; dup {
			return nil, fmt.Errorf("keyring entry %q: duplicate name", name)
		}
		ring.entries[name] = entry
	}
	return ring, nil
}

// Len reports how many keys the ring holds.
func (r *Keyring) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// Verify checks the presented key against every entry and returns the name
// of the matching one.
func (r *Keyring) Verify(key string) (string, error) {
	key = strings.TrimSpace(key)
	if r == nil || key == "" {
		return "", ErrInvalidKey
	}
	for name, entry := range r.entries {
		candidate := argon2.IDKey([]byte(key), entry.salt, entry.iterations, entry.memory, entry.parallelism, uint32(len(entry.hash)))
		if subtle.ConstantTimeCompare(candidate, entry.hash) == 1 {
			return name, nil
		}
	}
	return "", ErrInvalidKey
}

// HashKey hashes a plaintext API key for keyring storage.
func HashKey(key string) (string, error) {
	const (
		memory      = 64 * 1024
		iterations  = 2
		parallelism = 1
		keyLength   = 32
		saltLength  = 16
	)
	if strings.TrimSpace(key) == "" {
		return "", errors.New("key is empty")
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(key), salt, iterations, memory, parallelism, keyLength)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		memory,
		iterations,
		parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func parseHash(encoded string) (keyEntry, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return keyEntry{}, errors.New("malformed argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return keyEntry{}, errors.New("unsupported argon2 version")
	}
	var entry keyEntry
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &entry.memory, &entry.iterations, &entry.parallelism); err != nil {
		return keyEntry{}, errors.New("malformed argon2 parameters")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return keyEntry{}, errors.New("malformed salt")
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return keyEntry{}, errors.New("malformed hash")
	}
	if len(salt) == 0 || len(hash) == 0 {
		return keyEntry{}, errors.New("empty salt or hash")
	}
	entry.salt = salt
	entry.hash = hash
	return entry, nil
}
