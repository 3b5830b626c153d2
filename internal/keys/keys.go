package keys

import (
	"wgfleet/internal/apperr"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// GenerateKeypair — новая пара Curve25519 в base64-кодировке WireGuard.
// Без I/O, годится для вызова на каждом create.
func GenerateKeypair() (priv, pub string, err error) {
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", err
	}
	return k.String(), k.PublicKey().String(), nil
}

// DerivePublic — публичный ключ из приватного. Чистая детерминированная функция.
func DerivePublic(priv string) (string, error) {
	k, err := wgtypes.ParseKey(priv)
	if err != nil {
		return "", apperr.Keyf("bad private key: %v", err)
	}
	return k.PublicKey().String(), nil
}

// ValidateKey — ровно 32 байта после декодирования. Ключи от
// саморегистрирующихся устройств проверяем до того, как им доверять.
func ValidateKey(s string) bool {
	_, err := wgtypes.ParseKey(s)
	return err == nil
}

// GeneratePresharedKey — 32 случайных байта в той же кодировке;
// дополнительный симметричный слой поверх туннеля.
func GeneratePresharedKey() (string, error) {
	k, err := wgtypes.GenerateKey()
	if err != nil {
		return "", err
	}
	return k.String(), nil
}
