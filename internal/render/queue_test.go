package render

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/cutroom-app/cutroom/internal/cache"
	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/models"
)

// renderFunc adapts a function to the Renderer interface.
type renderFunc func(ctx context.Context, req cache.RenderRequest) (string, error)

func (f renderFunc) Render(ctx context.Context, req cache.RenderRequest) (string, error) {
	return f(ctx, req)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testTimeline() *models.Timeline {
	return &models.Timeline{
		Duration: 60,
		Tracks: []*models.Track{
			{ID: 0, Kind: models.TrackVideo},
			{ID: 1, Kind: models.TrackAudio},
		},
	}
}

// resultRecorder collects terminal callbacks in arrival order.
type resultRecorder struct {
	mu        sync.Mutex
	completed []uuid.UUID
	failed    []uuid.UUID
	failMsgs  map[uuid.UUID]string
}

func newResultRecorder() *resultRecorder {
	return &resultRecorder{failMsgs: make(map[uuid.UUID]string)}
}

func (rec *resultRecorder) wire(q *Queue) {
	q.OnComplete = func(jobID, matchID uuid.UUID, url string) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.completed = append(rec.completed, jobID)
	}
	q.OnFail = func(jobID, matchID uuid.UUID, msg string) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.failed = append(rec.failed, jobID)
		rec.failMsgs[jobID] = msg
	}
}

func (rec *resultRecorder) terminalCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.completed) + len(rec.failed)
}

func (rec *resultRecorder) completedOrder() []uuid.UUID {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]uuid.UUID, len(rec.completed))
	copy(out, rec.completed)
	return out
}

func TestFIFOOrderAndLivePositions(t *testing.T) {
	gate := make(chan struct{})
	renderer := renderFunc(func(ctx context.Context, req cache.RenderRequest) (string, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "media://" + req.JobID.String(), nil
	})

	q := NewQueue(renderer, 1, 5*time.Second, quietLogger())
	rec := newResultRecorder()
	rec.wire(q)
	defer q.Stop()

	matchID := uuid.New()
	var jobs []models.RenderJob
	for i := 0; i < 4; i++ {
		job, err := q.Enqueue(matchID, testTimeline(), []string{fmt.Sprintf("asset-%d", i)})
		require.NoError(t, err)
		require.Equal(t, i, job.Position, "position counts the jobs ahead at admission")
		jobs = append(jobs, job)
	}

	q.Start()

	// The single worker claims the head job; its position stops being
	// reported and everyone behind moves up one slot.
	require.Eventually(t, func() bool {
		_, ok := q.QueuePosition(jobs[0].ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
	for i := 1; i < 4; i++ {
		pos, ok := q.QueuePosition(jobs[i].ID)
		require.True(t, ok)
		require.Equal(t, i-1, pos, "positions shrink as jobs ahead are claimed")
	}
	_, ok := q.QueuePosition(uuid.New())
	require.False(t, ok, "unknown jobs report no position")

	close(gate)
	require.Eventually(t, func() bool { return rec.terminalCount() == 4 }, 2*time.Second, 5*time.Millisecond)

	order := rec.completedOrder()
	require.Len(t, order, 4)
	for i, job := range jobs {
		require.Equal(t, job.ID, order[i], "completion follows admission order on one worker")
	}

	got, found := q.Job(jobs[0].ID)
	require.True(t, found)
	require.Equal(t, models.RenderCompleted, got.Status)
	require.Equal(t, "media://"+jobs[0].ID.String(), got.ResultURL)
	require.False(t, got.FinishedAt.IsZero())
}

func TestPositionsNeverCollideAcrossClaims(t *testing.T) {
	gate := make(chan struct{})
	renderer := renderFunc(func(ctx context.Context, req cache.RenderRequest) (string, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "media://" + req.JobID.String(), nil
	})

	q := NewQueue(renderer, 1, 5*time.Second, quietLogger())
	defer q.Stop()

	head, err := q.Enqueue(uuid.New(), testTimeline(), nil)
	require.NoError(t, err)
	second, err := q.Enqueue(uuid.New(), testTimeline(), nil)
	require.NoError(t, err)

	q.Start()
	require.Eventually(t, func() bool {
		_, ok := q.QueuePosition(head.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	// A job admitted after the head was claimed must line up behind the
	// survivors, not share a number with one of them.
	third, err := q.Enqueue(uuid.New(), testTimeline(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, third.Position)

	secondPos, ok := q.QueuePosition(second.ID)
	require.True(t, ok)
	require.Equal(t, 0, secondPos)
	thirdPos, ok := q.QueuePosition(third.ID)
	require.True(t, ok)
	require.Equal(t, 1, thirdPos)
	require.NotEqual(t, secondPos, thirdPos, "queued jobs must report distinct positions")

	close(gate)
}

func TestWorkerFailureIsIsolated(t *testing.T) {
	renderer := renderFunc(func(ctx context.Context, req cache.RenderRequest) (string, error) {
		if len(req.MediaIDs) > 0 && req.MediaIDs[0] == "poison" {
			return "", errs.FatalWorker(nil, "encoder exploded")
		}
		return "media://" + req.JobID.String(), nil
	})

	q := NewQueue(renderer, 1, time.Second, quietLogger())
	rec := newResultRecorder()
	rec.wire(q)
	defer q.Stop()

	good1, err := q.Enqueue(uuid.New(), testTimeline(), []string{"a"})
	require.NoError(t, err)
	bad, err := q.Enqueue(uuid.New(), testTimeline(), []string{"poison"})
	require.NoError(t, err)
	good2, err := q.Enqueue(uuid.New(), testTimeline(), []string{"b"})
	require.NoError(t, err)

	q.Start()
	require.Eventually(t, func() bool { return rec.terminalCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []uuid.UUID{good1.ID, good2.ID}, rec.completedOrder())
	require.Contains(t, rec.failMsgs[bad.ID], "encoder exploded")

	got, found := q.Job(bad.ID)
	require.True(t, found)
	require.Equal(t, models.RenderFailed, got.Status)
	require.Contains(t, got.Error, "encoder exploded")
}

func TestLivenessTimeoutReclaimsJob(t *testing.T) {
	renderer := renderFunc(func(ctx context.Context, req cache.RenderRequest) (string, error) {
		if len(req.MediaIDs) > 0 && req.MediaIDs[0] == "hang" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "media://" + req.JobID.String(), nil
	})

	q := NewQueue(renderer, 1, 40*time.Millisecond, quietLogger())
	rec := newResultRecorder()
	rec.wire(q)
	defer q.Stop()

	hung, err := q.Enqueue(uuid.New(), testTimeline(), []string{"hang"})
	require.NoError(t, err)
	next, err := q.Enqueue(uuid.New(), testTimeline(), []string{"fine"})
	require.NoError(t, err)

	q.Start()
	require.Eventually(t, func() bool { return rec.terminalCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	got, found := q.Job(hung.ID)
	require.True(t, found)
	require.Equal(t, models.RenderFailed, got.Status)
	require.Contains(t, got.Error, "went silent")

	after, found := q.Job(next.ID)
	require.True(t, found)
	require.Equal(t, models.RenderCompleted, after.Status, "the pool continues past a reclaimed job")
}

func TestConcurrencyBound(t *testing.T) {
	var current, peak int64
	renderer := renderFunc(func(ctx context.Context, req cache.RenderRequest) (string, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(25 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return "media://" + req.JobID.String(), nil
	})

	q := NewQueue(renderer, 2, time.Second, quietLogger())
	rec := newResultRecorder()
	rec.wire(q)
	defer q.Stop()

	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(uuid.New(), testTimeline(), nil)
		require.NoError(t, err)
	}
	q.Start()

	require.Eventually(t, func() bool { return rec.terminalCount() == 6 }, 3*time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2), "no more than the configured workers may process at once")
}

func TestAdmissionBounds(t *testing.T) {
	q := NewQueue(&StubRenderer{}, 1, time.Second, quietLogger())

	_, err := q.Enqueue(uuid.New(), nil, nil)
	require.Error(t, err)
	require.Equal(t, errs.KindValidation, errs.KindOf(err))

	for i := 0; i < maxQueueDepth; i++ {
		_, err := q.Enqueue(uuid.New(), testTimeline(), nil)
		require.NoError(t, err)
	}
	_, err = q.Enqueue(uuid.New(), testTimeline(), nil)
	require.Error(t, err)
	require.Equal(t, errs.KindTransient, errs.KindOf(err))
	require.Contains(t, err.Error(), "full")

	q2 := NewQueue(&StubRenderer{}, 1, time.Second, quietLogger())
	q2.Start()
	q2.Stop()
	_, err = q2.Enqueue(uuid.New(), testTimeline(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "shut down")
}

func TestReapTerminal(t *testing.T) {
	q := NewQueue(&StubRenderer{}, 1, time.Second, quietLogger())
	rec := newResultRecorder()
	rec.wire(q)
	defer q.Stop()

	job, err := q.Enqueue(uuid.New(), testTimeline(), nil)
	require.NoError(t, err)
	q.Start()
	require.Eventually(t, func() bool { return rec.terminalCount() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, 0, q.ReapTerminal(time.Now(), time.Hour), "fresh jobs survive")
	require.Equal(t, 1, q.ReapTerminal(time.Now().Add(2*time.Hour), time.Hour))
	_, found := q.Job(job.ID)
	require.False(t, found)
}

func TestStubRenderer(t *testing.T) {
	jobID := uuid.New()
	req := cache.RenderRequest{JobID: jobID, Timeline: testTimeline()}

	url, err := (&StubRenderer{}).Render(context.Background(), req)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "stub://render/"))
	require.Contains(t, url, jobID.String())
	require.True(t, strings.HasSuffix(url, ".mp4"))

	_, err = (&StubRenderer{FailWith: "disk full"}).Render(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, errs.KindFatalWorker, errs.KindOf(err))
	require.Contains(t, err.Error(), "disk full")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&StubRenderer{Delay: time.Second}).Render(ctx, req)
	require.Error(t, err)
	require.Equal(t, errs.KindTransient, errs.KindOf(err))
}

func TestRedisRendererWithoutRedis(t *testing.T) {
	_, err := (&RedisRenderer{}).Render(context.Background(), cache.RenderRequest{JobID: uuid.New()})
	require.Error(t, err)
	require.Equal(t, errs.KindTransient, errs.KindOf(err))
	require.Contains(t, err.Error(), "redis is not configured")
}
