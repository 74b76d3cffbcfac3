package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Supported secret hashing algorithms.
const (
	HashAlgorithmBcrypt   = "bcrypt"
	HashAlgorithmArgon2id = "argon2id"
)

// Argon2id parameters (RFC 9106 second recommended option).
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

var errUnknownHashFormat = errors.New("unknown secret hash format")

// SecretHasher hashes client secrets and verifies them in constant time.
// Hashes carry their own algorithm marker, so Verify accepts both bcrypt and
// argon2id encodings regardless of which algorithm new hashes use.
type SecretHasher struct {
	algorithm  string
	bcryptCost int
}

// NewSecretHasher returns a hasher producing hashes with algorithm.
// An empty algorithm selects bcrypt.
func NewSecretHasher(algorithm string) (*SecretHasher, error) {
	switch algorithm {
	case "", HashAlgorithmBcrypt:
		return &SecretHasher{algorithm: HashAlgorithmBcrypt, bcryptCost: bcrypt.DefaultCost}, nil
	case HashAlgorithmArgon2id:
		return &SecretHasher{algorithm: HashAlgorithmArgon2id}, nil
	default:
		return nil, fmt.Errorf("unsupported secret hash algorithm %q", algorithm)
	}
}

// Algorithm returns the algorithm used for new hashes.
func (h *SecretHasher) Algorithm() string {
	return h.algorithm
}

// Hash returns an encoded hash of secret.
func (h *SecretHasher) Hash(secret string) (string, error) {
	if h.algorithm == HashAlgorithmArgon2id {
		salt := make([]byte, argon2SaltLen)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
		key := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
		return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
			argon2.Version, argon2Memory, argon2Time, argon2Threads,
			base64.RawStdEncoding.EncodeToString(salt),
			base64.RawStdEncoding.EncodeToString(key),
		), nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), h.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether secret matches encoded.
func (h *SecretHasher) Verify(encoded, secret string) bool {
	if strings.HasPrefix(encoded, "$argon2id$") {
		ok, err := verifyArgon2id(encoded, secret)
		return err == nil && ok
	}
	return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(secret)) == nil
}

// DummyVerify burns roughly the same time as a real verification. It is
// called for unknown clients so response timing does not reveal existence.
func (h *SecretHasher) DummyVerify(secret string) {
	if h.algorithm == HashAlgorithmArgon2id {
		_ = argon2.IDKey([]byte(secret), make([]byte, argon2SaltLen), argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
		return
	}
	dummyBcryptOnce.Do(func() {
		dummyBcryptHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-secret-for-timing"), h.bcryptCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyBcryptHash, []byte(secret))
}

var (
	dummyBcryptOnce sync.Once
	dummyBcryptHash []byte
)

func verifyArgon2id(encoded, secret string) (bool, error) {
	// $argon2id$v=19$m=65536,t=3,p=4$<salt>$<key>
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, errUnknownHashFormat
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errUnknownHashFormat
	}

	var memory uint32
	var iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, errUnknownHashFormat
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errUnknownHashFormat
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errUnknownHashFormat
	}

	got := argon2.IDKey([]byte(secret), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
