package apperr

import (
	"errors"
	"fmt"
)

// Базовые классы ошибок ядра. Хендлеры маппят их на HTTP-статусы,
// всё остальное сравнивается через errors.Is/As.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")

	// Адресация
	ErrAddressExhausted = errors.New("address pool exhausted")
	ErrAddressConflict  = errors.New("address already allocated")

	// Ключи: фатальны для конкретной операции, в cleartext не деградируем
	ErrKey                  = errors.New("key error")
	ErrMissingEncryptionKey = fmt.Errorf("%w: encryption master key not configured", ErrKey)
	ErrPrivateKeyNotStored  = errors.New("private key not stored")

	// Provisioning-токены
	ErrToken = errors.New("invalid or expired provisioning token")

	// Деплой: advisory, мутацию не откатывает
	ErrDeploy = errors.New("deployment error")
)

// Validationf — ошибка валидации с причиной, понятной пользователю.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf — неизвестная сущность (сервер/пир/токен/задача).
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Keyf — невалидный ключевой материал или ошибка расшифровки.
func Keyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrKey, fmt.Sprintf(format, args...))
}

// Deployf — ошибка применения состояния на живой интерфейс/роутер.
func Deployf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDeploy, fmt.Sprintf(format, args...))
}
