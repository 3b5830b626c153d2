package models

import (
	"time"

	"gorm.io/datatypes"
)

// Статусы фоновой задачи деплоя: queued → running → completed|failed.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Виды задач, инициируемых из UI.
const (
	JobKindRestart = "restart"
	JobKindStatus  = "status"
	JobKindRefresh = "refresh"
)

// DeployJob — очередная задача для DeploymentOrchestrator. Медленные системные
// вызовы уходят из request/response-пути: клиент получает UUID и поллит статус.
type DeployJob struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UUID     string `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	ServerID uint   `gorm:"index;not null" json:"server_id"`
	Kind     string `gorm:"size:16;not null" json:"kind"`
	Status   string `gorm:"size:16;default:queued" json:"status"`

	Result datatypes.JSON `json:"result,omitempty"`
	Error  string         `gorm:"size:1024" json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
