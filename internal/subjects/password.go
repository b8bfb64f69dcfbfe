package subjects

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize    = 16
	keySize     = 32
	memory      = 64 * 1024 // 64 MB
	iterations  = 3
	parallelism = 4
)

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// HashPassword returns an encoded argon2id hash:
// $argon2id$v=19$m=65536,t=3,p=4$<salt>$<key>
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, iterations, memory, uint8(parallelism), keySize)
	defer zero(key)
	enc := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memory, iterations, parallelism, enc.EncodeToString(salt), enc.EncodeToString(key)), nil
}

// VerifyPassword checks password against an encoded hash.
func VerifyPassword(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrInvalidHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, ErrInvalidHash.Msg("unsupported argon2 version")
	}
	var m, t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return false, ErrInvalidHash.MsgErr("invalid parameters", err)
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[4])
	if err != nil {
		return false, ErrInvalidHash.MsgErr("invalid salt", err)
	}
	want, err := enc.DecodeString(parts[5])
	if err != nil {
		return false, ErrInvalidHash.MsgErr("invalid key", err)
	}
	got := argon2.IDKey([]byte(password), salt, t, m, p, uint32(len(want)))
	defer zero(got)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
