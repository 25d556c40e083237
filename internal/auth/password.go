package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

// HashParams are the Argon2id cost parameters used for new hashes. Verification
// always uses the parameters encoded in the stored hash.
type HashParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLen      uint32
	SaltLen     int
}

// DefaultHashParams is tuned for small VMs while still using Argon2id.
var DefaultHashParams = HashParams{
	Memory:      32 * 1024, // 32 MiB
	Iterations:  2,
	Parallelism: 1,
	KeyLen:      32,
	SaltLen:     16,
}

type Hasher struct {
	params HashParams

	dummyOnce sync.Once
	dummy     string
}

func NewHasher(p HashParams) (*Hasher, error) {
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return nil, errors.New("argon2 memory, iterations and parallelism must be positive")
	}
	if p.KeyLen < 16 || p.SaltLen < 16 {
		return nil, errors.New("argon2 key and salt length must be at least 16 bytes")
	}
	return &Hasher{params: p}, nil
}

func (h *Hasher) Hash(pw string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(pw), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify never returns an error: a malformed or foreign hash is a mismatch.
func (h *Hasher) Verify(pw, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var mem, it uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return false
	}
	if mem == 0 || it == 0 || par == 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false
	}
	got := argon2.IDKey([]byte(pw), salt, it, mem, par, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1
}

// VerifyDummy burns the same work as a real verification. Call it on the
// unknown-account path so response time does not reveal whether an email exists.
func (h *Hasher) VerifyDummy(pw string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = h.Hash("dummy-password-for-timing")
	})
	_ = h.Verify(pw, h.dummy)
}
