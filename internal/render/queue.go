// internal/render/queue.go
package render

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cutroom-app/cutroom/internal/cache"
	"github.com/cutroom-app/cutroom/internal/database"
	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/models"
)

// maxQueueDepth bounds how many jobs may wait for a worker.
const maxQueueDepth = 128

// Queue is the render job queue. Admission is O(1) and FIFO; at most
// `workers` jobs process simultaneously. A queued job's reported position
// is the number of queued jobs still ahead of it, so positions only shrink
// as the queue drains and never collide. Jobs stay resident after reaching
// a terminal status so result polling keeps working.
type Queue struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.RenderJob
	waiting []uuid.UUID

	renderer Renderer
	workers  int
	liveness time.Duration

	wake    chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool

	// OnComplete and OnFail fire on the worker goroutine after a job
	// reaches its terminal status. Wire them before Start.
	OnComplete func(jobID, matchID uuid.UUID, url string)
	OnFail     func(jobID, matchID uuid.UUID, msg string)

	logger *logrus.Logger
}

// NewQueue builds a stopped queue. liveness bounds each render call; a
// worker that stays silent past it has the job reclaimed to failed.
func NewQueue(renderer Renderer, workers int, liveness time.Duration, logger *logrus.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Queue{
		jobs:     make(map[uuid.UUID]*models.RenderJob),
		renderer: renderer,
		workers:  workers,
		liveness: liveness,
		wake:     make(chan struct{}, maxQueueDepth),
		quit:     make(chan struct{}),
		logger:   logger,
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Infof("render queue started with %d workers, liveness %s", q.workers, q.liveness)
}

// Stop ends the pool after in-flight jobs finish. Queued jobs stay queued;
// a restart of the process re-admits nothing, so callers should only stop
// on shutdown.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.quit)
	q.wg.Wait()
}

// Enqueue admits a job for the given timeline snapshot. The queue owns the
// snapshot once admitted. Returns a copy of the job record carrying the
// queue position at the moment of admission; QueuePosition serves the live
// value afterwards.
func (q *Queue) Enqueue(matchID uuid.UUID, timeline *models.Timeline, mediaIDs []string) (models.RenderJob, error) {
	if timeline == nil {
		return models.RenderJob{}, errs.Validation("render job needs a timeline")
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return models.RenderJob{}, errs.Transient(nil, "render queue is shut down")
	}
	if len(q.waiting) >= maxQueueDepth {
		q.mu.Unlock()
		return models.RenderJob{}, errs.Transient(nil, "render queue is full")
	}

	job := &models.RenderJob{
		ID:        uuid.New(),
		MatchID:   matchID,
		Timeline:  timeline,
		MediaIDs:  mediaIDs,
		Status:    models.RenderQueued,
		Position:  len(q.waiting),
		CreatedAt: time.Now(),
	}
	q.jobs[job.ID] = job
	q.waiting = append(q.waiting, job.ID)
	q.persistUnsafe(job)
	snapshot := *job
	q.mu.Unlock()

	q.logger.Infof("render job %s admitted at position %d (match %s)", job.ID, snapshot.Position, matchID)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return snapshot, nil
}

// Job returns a copy of the job record, if known.
func (q *Queue) Job(jobID uuid.UUID) (models.RenderJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return models.RenderJob{}, false
	}
	return *job, true
}

// QueuePosition reports how many queued jobs are still ahead of jobID. ok
// is false once the job has left the queued state.
func (q *Queue) QueuePosition(jobID uuid.UUID) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != models.RenderQueued {
		return 0, false
	}
	for i, id := range q.waiting {
		if id == jobID {
			return i, true
		}
	}
	return 0, false
}

// ReapTerminal drops terminal jobs older than retention. Returns how many
// were removed.
func (q *Queue) ReapTerminal(now time.Time, retention time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for id, job := range q.jobs {
		if job.Status.Terminal() && !job.FinishedAt.IsZero() && now.Sub(job.FinishedAt) > retention {
			delete(q.jobs, id)
			dropped++
		}
	}
	return dropped
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case <-q.wake:
			if job := q.claimNext(); job != nil {
				q.process(id, job)
			}
		}
	}
}

// claimNext pops the oldest waiting job and marks it processing.
func (q *Queue) claimNext() *models.RenderJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return nil
	}
	jobID := q.waiting[0]
	q.waiting = q.waiting[1:]
	job := q.jobs[jobID]
	job.Status = models.RenderProcessing
	job.StartedAt = time.Now()
	q.persistUnsafe(job)
	return job
}

// process runs one job to a terminal status. A renderer panic or error
// fails the job; the pool itself keeps going.
func (q *Queue) process(workerID int, job *models.RenderJob) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorf("render worker %d panicked on job %s: %v", workerID, job.ID, r)
			q.finishJob(job.ID, "", "render worker panicked")
		}
	}()

	req := cache.RenderRequest{
		JobID:      job.ID,
		MatchID:    job.MatchID,
		Timeline:   job.Timeline,
		MediaIDs:   job.MediaIDs,
		EnqueuedAt: job.CreatedAt.Unix(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.liveness)
	url, err := q.renderer.Render(ctx, req)
	cancel()

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "render worker went silent, job reclaimed"
		}
		q.logger.Warnf("render worker %d failed job %s: %s", workerID, job.ID, msg)
		q.finishJob(job.ID, "", msg)
		return
	}

	q.logger.Infof("render worker %d completed job %s: %s", workerID, job.ID, url)
	q.finishJob(job.ID, url, "")
}

// finishJob records the terminal status and fires the matching callback
// outside the lock.
func (q *Queue) finishJob(jobID uuid.UUID, url, errMsg string) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	if errMsg != "" {
		job.Status = models.RenderFailed
		job.Error = errMsg
	} else {
		job.Status = models.RenderCompleted
		job.ResultURL = url
	}
	job.FinishedAt = time.Now()
	q.persistUnsafe(job)
	matchID := job.MatchID
	onComplete, onFail := q.OnComplete, q.OnFail
	q.mu.Unlock()

	if errMsg != "" {
		if onFail != nil {
			onFail(jobID, matchID, errMsg)
		}
		return
	}
	if onComplete != nil {
		onComplete(jobID, matchID, url)
	}
}

// persistUnsafe writes the job row in the background. Caller holds q.mu.
func (q *Queue) persistUnsafe(job *models.RenderJob) {
	record := *job
	go func() {
		if database.DB == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := errs.Retry(ctx, 3, 200*time.Millisecond, func() error {
			return database.UpsertRenderJob(ctx, &record)
		})
		if err != nil {
			q.logger.Warnf("failed to persist render job %s: %v", record.ID, err)
		}
	}()
}
