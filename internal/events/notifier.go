// Package events — граница эмиссии событий во внешний fan-out
// (уведомления, вебхуки). Для ядра это fire-and-forget: сбой доставки
// никогда не роняет вызвавшую мутацию.
package events

import "wgfleet/internal/logs"

// Имена событий ядра.
const (
	ServerCreated         = "server.created"
	ServerUpdated         = "server.updated"
	ServerKeysRegenerated = "server.keys_regenerated"
	ServerDeleted         = "server.deleted"

	PeerCreated    = "peer.created"
	PeerUpdated    = "peer.updated"
	PeerEnabled    = "peer.enabled"
	PeerDisabled   = "peer.disabled"
	PeerDeleted    = "peer.deleted"
	PeerRegistered = "peer.registered" // self-registration погасила токен
)

type Notifier interface {
	Notify(event string, payload map[string]any)
}

// LogNotifier — дефолтная реализация: событие уходит в лог.
// Внешний fan-out подключается заменой этой реализации в server.App.
type LogNotifier struct{}

func (LogNotifier) Notify(event string, payload map[string]any) {
	logs.Logger.WithField("event", event).WithFields(payload).Info("event emitted")
}
