package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"

	"wgfleet/internal/apperr"
	"wgfleet/internal/logs"

	"golang.org/x/crypto/argon2"
)

// Формат хранения секретов:
//
//   enc$<base64(salt|nonce|ciphertext)>  — AES-256-GCM, ключ = argon2id(master, salt)
//   plain$<secret>                       — мастер-ключ не настроен (деградация, логируется один раз)
//   <без префикса>                       — legacy cleartext, читается для совместимости
const (
	encPrefix   = "enc$"
	plainPrefix = "plain$"

	saltSize  = 16
	nonceSize = 12

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// Cipher — шифрование секретов at-rest. Мастер-ключ процесс-wide,
// read-only после инициализации.
type Cipher struct {
	master []byte

	warnPlain  sync.Once
	warnLegacy sync.Once
}

func NewCipher(master string) *Cipher {
	c := &Cipher{}
	if m := strings.TrimSpace(master); m != "" {
		c.master = []byte(m)
	}
	return c
}

// Configured — настроен ли мастер-ключ.
func (c *Cipher) Configured() bool { return len(c.master) > 0 }

func (c *Cipher) derive(salt []byte) []byte {
	return argon2.IDKey(c.master, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// Encrypt — секрет в stored-форму. Без мастер-ключа возвращает
// plain$-форму и один раз пишет warning.
func (c *Cipher) Encrypt(secret string) (string, error) {
	if !c.Configured() {
		c.warnPlain.Do(func() {
			logs.Logger.Warn("no encryption master key configured, storing secrets in cleartext")
		})
		return plainPrefix + secret, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", apperr.Keyf("salt: %v", err)
	}
	block, err := aes.NewCipher(c.derive(salt))
	if err != nil {
		return "", apperr.Keyf("cipher init: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.Keyf("gcm init: %v", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", apperr.Keyf("nonce: %v", err)
	}

	ct := gcm.Seal(nil, nonce, []byte(secret), nil)
	buf := make([]byte, 0, saltSize+nonceSize+len(ct))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, ct...)
	return encPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt — обратная операция. enc$-значение без мастер-ключа — это
// ErrMissingEncryptionKey, а не «тихо вернуть шифртекст».
func (c *Cipher) Decrypt(stored string) (string, error) {
	switch {
	case stored == "":
		return "", nil

	case strings.HasPrefix(stored, encPrefix):
		if !c.Configured() {
			return "", apperr.ErrMissingEncryptionKey
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
		if err != nil {
			return "", apperr.Keyf("corrupt stored secret: %v", err)
		}
		if len(raw) < saltSize+nonceSize+1 {
			return "", apperr.Keyf("corrupt stored secret: too short")
		}
		salt, nonce, ct := raw[:saltSize], raw[saltSize:saltSize+nonceSize], raw[saltSize+nonceSize:]
		block, err := aes.NewCipher(c.derive(salt))
		if err != nil {
			return "", apperr.Keyf("cipher init: %v", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", apperr.Keyf("gcm init: %v", err)
		}
		pt, err := gcm.Open(nil, nonce, ct, nil)
		if err != nil {
			return "", apperr.Keyf("decrypt failed (wrong master key or corrupt value)")
		}
		return string(pt), nil

	case strings.HasPrefix(stored, plainPrefix):
		return strings.TrimPrefix(stored, plainPrefix), nil

	default:
		// Legacy-значение без префикса: читаем как cleartext,
		// предупреждаем один раз, чтобы оператор мигрировал.
		c.warnLegacy.Do(func() {
			logs.Logger.Warn("legacy untagged secret value read as cleartext, re-save to encrypt")
		})
		return stored, nil
	}
}
