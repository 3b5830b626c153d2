package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wgfleet/internal/apperr"
	"wgfleet/internal/logs"
	"wgfleet/internal/models"
	"wgfleet/internal/repo"
)

// Queue — однопоточный исполнитель отложенных деплой-задач. Задача живёт
// строкой в БД (queued → running → completed|failed), так что результат
// переживает рестарт, а канал служит лишь будильником для воркера.
type Queue struct {
	jobs    *repo.JobStore
	servers *repo.ServerStore
	orch    *Orchestrator
	wake    chan struct{}
}

func NewQueue(jobs *repo.JobStore, servers *repo.ServerStore, orch *Orchestrator) *Queue {
	return &Queue{jobs: jobs, servers: servers, orch: orch, wake: make(chan struct{}, 1)}
}

// Submit валидирует вид задачи, ставит её в очередь и будит воркера.
func (q *Queue) Submit(ctx context.Context, serverID uint, kind string) (*models.DeployJob, error) {
	switch kind {
	case models.JobKindRestart, models.JobKindStatus, models.JobKindRefresh:
	default:
		return nil, apperr.Validationf("unknown job kind %q", kind)
	}
	if _, err := q.servers.GetByID(ctx, serverID); err != nil {
		return nil, err
	}
	j, err := q.jobs.Create(ctx, serverID, kind)
	if err != nil {
		return nil, err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return j, nil
}

// Status — поллинг задачи по UUID.
func (q *Queue) Status(ctx context.Context, uuid string) (*models.DeployJob, error) {
	return q.jobs.GetByUUID(ctx, uuid)
}

// Run крутит воркера до отмены контекста. Тикер подбирает задачи,
// оставшиеся в очереди с прошлого запуска или пропущенные будильником.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	q.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			q.drain(ctx)
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	pending, err := q.jobs.RequeueStale(ctx)
	if err != nil {
		logs.Logger.Errorf("job scan: %v", err)
		return
	}
	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		q.process(ctx, &pending[i])
	}
}

func (q *Queue) process(ctx context.Context, j *models.DeployJob) {
	if err := q.jobs.MarkRunning(ctx, j); err != nil {
		logs.Logger.Errorf("job %s: mark running: %v", j.UUID, err)
		return
	}
	srv, err := q.servers.GetByID(ctx, j.ServerID)
	if err != nil {
		_ = q.jobs.Fail(ctx, j, fmt.Sprintf("server lookup: %v", err))
		return
	}

	var result map[string]any
	switch j.Kind {
	case models.JobKindRestart:
		if ok, msg := q.orch.Undeploy(ctx, srv); !ok {
			_ = q.jobs.Fail(ctx, j, msg)
			return
		}
		ok, msg := q.orch.Deploy(ctx, srv)
		if !ok {
			_ = q.jobs.Fail(ctx, j, msg)
			return
		}
		result = map[string]any{"message": msg}
	case models.JobKindRefresh:
		ok, msg := q.orch.Deploy(ctx, srv)
		if !ok {
			_ = q.jobs.Fail(ctx, j, msg)
			return
		}
		result = map[string]any{"message": msg}
	case models.JobKindStatus:
		st, err := q.orch.Status(ctx, srv)
		if err != nil {
			_ = q.jobs.Fail(ctx, j, err.Error())
			return
		}
		result = st
	default:
		_ = q.jobs.Fail(ctx, j, fmt.Sprintf("unknown kind %q", j.Kind))
		return
	}

	buf, _ := json.Marshal(result)
	if err := q.jobs.Complete(ctx, j, buf); err != nil {
		logs.Logger.Errorf("job %s: complete: %v", j.UUID, err)
	}
	logs.Logger.Infof("job %s (%s) for server %q done", j.UUID, j.Kind, srv.Name)
}
