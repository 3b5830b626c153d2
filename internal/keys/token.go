package keys

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/crypto/argon2"
)

// Provisioning-токены: в БД живёт только одностороний хэш,
// plaintext отдаётся ровно один раз при выпуске.

const tokenBytes = 32

var tokenSalt = []byte("wgf-token")

// GenerateToken — 43 символа base64url, 256 бит энтропии.
func GenerateToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken — argon2id от plaintext-токена. Детерминирован (соль фиксирована),
// чтобы по хэшу можно было искать в БД.
func HashToken(token string) []byte {
	return argon2.IDKey([]byte(token), tokenSalt, 1, 64*1024, 1, 32)
}

// VerifyToken — сравнение за постоянное время, без timing-каналов.
func VerifyToken(token string, hash []byte) bool {
	if len(hash) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(HashToken(token), hash) == 1
}
