package models

// Setting — key-value настройка (default-сеть, retention-окно и т.п.).
// Отсутствие ключа — всегда fallback на документированный дефолт, не ошибка.
type Setting struct {
	Key   string `gorm:"primaryKey;size:64" json:"key"`
	Value string `gorm:"size:1024" json:"value"`
}
