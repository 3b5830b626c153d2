package repo

import (
	"context"
	"errors"
	"time"

	"wgfleet/internal/apperr"
	"wgfleet/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type JobStore struct{ db *gorm.DB }

func NewJobStore(db *gorm.DB) *JobStore { return &JobStore{db: db} }

// Create регистрирует задачу в статусе queued и выдаёт ей UUID для поллинга.
func (s *JobStore) Create(ctx context.Context, serverID uint, kind string) (*models.DeployJob, error) {
	j := &models.DeployJob{
		UUID:     uuid.NewString(),
		ServerID: serverID,
		Kind:     kind,
		Status:   models.JobStatusQueued,
	}
	if err := s.db.WithContext(ctx).Create(j).Error; err != nil {
		return nil, err
	}
	return j, nil
}

func (s *JobStore) GetByUUID(ctx context.Context, id string) (*models.DeployJob, error) {
	var j models.DeployJob
	err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("job %s", id)
	}
	return &j, err
}

func (s *JobStore) MarkRunning(ctx context.Context, j *models.DeployJob) error {
	now := time.Now().UTC()
	j.Status = models.JobStatusRunning
	j.StartedAt = &now
	return s.db.WithContext(ctx).Save(j).Error
}

func (s *JobStore) Complete(ctx context.Context, j *models.DeployJob, result []byte) error {
	now := time.Now().UTC()
	j.Status = models.JobStatusCompleted
	j.Result = result
	j.FinishedAt = &now
	return s.db.WithContext(ctx).Save(j).Error
}

func (s *JobStore) Fail(ctx context.Context, j *models.DeployJob, reason string) error {
	now := time.Now().UTC()
	j.Status = models.JobStatusFailed
	j.Error = reason
	j.FinishedAt = &now
	return s.db.WithContext(ctx).Save(j).Error
}

// RequeueStale возвращает в очередь задачи, зависшие в running после рестарта.
func (s *JobStore) RequeueStale(ctx context.Context) ([]models.DeployJob, error) {
	var jobs []models.DeployJob
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.JobStatusQueued, models.JobStatusRunning}).
		Order("id asc").Find(&jobs).Error
	return jobs, err
}
