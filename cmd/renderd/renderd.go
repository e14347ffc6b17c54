// cmd/renderd/renderd.go is the standalone render worker. It pops encode
// requests from the Redis work queue, runs the encode pass over the timeline
// snapshot, answers on the per-job reply key, and archives job outcomes to a
// PostgreSQL database in batches.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/cutroom-app/cutroom/internal/cache"
	"github.com/cutroom-app/cutroom/internal/database"
	"github.com/cutroom-app/cutroom/internal/models"
	"github.com/cutroom-app/cutroom/internal/render"
)

// renderOutcome pairs a consumed request with its result, queued for archival.
type renderOutcome struct {
	Req        cache.RenderRequest
	Status     models.RenderJobStatus
	URL        string
	ErrMsg     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RenderDaemon encapsulates the Redis + DB logic for consuming render
// requests, plus per-source activity tracking so idle sources age out.
type RenderDaemon struct {
	batchSize    int
	flushDelay   time.Duration
	idleAfter    time.Duration // duration until a silent source is dropped from tracking
	stepDelay    time.Duration // simulated encode time per plan step
	outputBase   string
	archive      bool          // whether a database is configured for archival
	lastActivity sync.Map      // map[uuid.UUID]time.Time keyed by match (or job when unattached)

	batchMu  sync.Mutex
	batch    []renderOutcome
	ctx      context.Context
	cancelFn context.CancelFunc
}

// NewRenderDaemon constructs a RenderDaemon instance from environment variables or defaults.
func NewRenderDaemon() *RenderDaemon {
	batchSize := getEnvInt("RENDERD_BATCH_SIZE", 20)
	flushMs := getEnvInt("RENDERD_FLUSH_MS", 500)
	idleSec := getEnvInt("RENDERD_IDLE_TIMEOUT_SEC", 600) // default 10 min
	stepMs := getEnvInt("RENDERD_STEP_MS", 25)

	ctx, cancel := context.WithCancel(context.Background())
	return &RenderDaemon{
		batchSize:  batchSize,
		flushDelay: time.Duration(flushMs) * time.Millisecond,
		idleAfter:  time.Duration(idleSec) * time.Second,
		stepDelay:  time.Duration(stepMs) * time.Millisecond,
		outputBase: getEnv("RENDER_OUTPUT_BASE", "https://media.cutroom.app/renders/"),
		batch:      make([]renderOutcome, 0, batchSize),
		ctx:        ctx,
		cancelFn:   cancel,
	}
}

// Run starts the two main loops:
//  1. A loop that reads from the Redis work queue, encodes each request, and
//     replies on the job's reply key while accumulating outcomes for the DB.
//  2. A periodic idle check that logs and drops sources that went silent.
func (rd *RenderDaemon) Run() {
	database.ConnectDB()
	rd.archive = database.DB != nil
	if !rd.archive {
		log.Println("No database configured; render outcomes will not be archived.")
	}

	if err := cache.ConnectRedis(); err != nil {
		log.Fatalf("renderd cannot reach Redis: %v", err)
	}

	go rd.consumeLoop()
	go rd.idleLoop()

	log.Println("cutroom-renderd service started.")
	<-rd.ctx.Done()
	log.Println("cutroom-renderd shutting down.")
}

// consumeLoop continuously uses BLPop to retrieve requests from the work queue.
func (rd *RenderDaemon) consumeLoop() {
	ticker := time.NewTicker(rd.flushDelay)
	defer ticker.Stop()

	queueName := cache.RenderQueueName()

	for {
		select {
		case <-rd.ctx.Done():
			return

		case <-ticker.C:
			rd.flushBatchToDB()

		default:
			// Use BLPop with a 3-second timeout so that context cancellation is handled.
			res, err := cache.Rdb.BLPop(rd.ctx, 3*time.Second, queueName).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
					continue
				}
				log.Printf("[ERROR] BLPop: %v\n", err)
				continue
			}
			if len(res) < 2 {
				// No message popped.
				continue
			}

			// res[0] is the queue name and res[1] the payload.
			payload := res[1]
			var req cache.RenderRequest
			if err := json.Unmarshal([]byte(payload), &req); err != nil {
				log.Printf("invalid render request: %v\n", err)
				continue
			}

			// Track last activity per source.
			rd.lastActivity.Store(activityKey(req), time.Now())

			outcome := rd.encode(req)
			rd.reply(outcome)
			rd.appendToBatch(outcome)
		}
	}
}

// activityKey groups jobs by match; a job without a match tracks on its own ID.
func activityKey(req cache.RenderRequest) uuid.UUID {
	if req.MatchID != uuid.Nil {
		return req.MatchID
	}
	return req.JobID
}

// encode runs the encode pass: flatten the timeline into a plan, then walk
// the steps with the configured per-step latency.
func (rd *RenderDaemon) encode(req cache.RenderRequest) renderOutcome {
	outcome := renderOutcome{Req: req, StartedAt: time.Now()}

	plan, err := render.BuildEncodePlan(req)
	if err != nil {
		log.Printf("job %s rejected: %v\n", req.JobID, err)
		outcome.Status = models.RenderFailed
		outcome.ErrMsg = err.Error()
		outcome.FinishedAt = time.Now()
		return outcome
	}

	for range plan.Steps {
		select {
		case <-rd.ctx.Done():
			outcome.Status = models.RenderFailed
			outcome.ErrMsg = "encode interrupted by shutdown"
			outcome.FinishedAt = time.Now()
			return outcome
		case <-time.After(rd.stepDelay):
		}
	}

	outcome.Status = models.RenderCompleted
	outcome.URL = fmt.Sprintf("%s%s.mp4", rd.outputBase, req.JobID)
	outcome.FinishedAt = time.Now()
	log.Printf("Rendered job %s: %d clips over %.1fs of timeline.\n",
		req.JobID, plan.ClipCount, plan.OutputDuration)
	return outcome
}

// reply pushes the outcome onto the job's reply key. The background context
// lets a finished job's reply land even while the daemon is draining.
func (rd *RenderDaemon) reply(outcome renderOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := cache.PublishRenderReply(ctx, cache.RenderReply{
		JobID:       outcome.Req.JobID,
		URL:         outcome.URL,
		Error:       outcome.ErrMsg,
		CompletedAt: outcome.FinishedAt.Unix(),
	})
	if err != nil {
		log.Printf("[ERROR] reply for job %s: %v\n", outcome.Req.JobID, err)
	}
}

// appendToBatch adds an outcome to the in-memory batch and flushes if the threshold is reached.
func (rd *RenderDaemon) appendToBatch(outcome renderOutcome) {
	if !rd.archive {
		return
	}
	rd.batchMu.Lock()
	defer rd.batchMu.Unlock()

	rd.batch = append(rd.batch, outcome)
	if len(rd.batch) >= rd.batchSize {
		rd.flushBatchToDBUnsafe()
	}
}

// flushBatchToDB flushes the current batch to the database in a single transaction.
func (rd *RenderDaemon) flushBatchToDB() {
	rd.batchMu.Lock()
	defer rd.batchMu.Unlock()
	rd.flushBatchToDBUnsafe()
}

func (rd *RenderDaemon) flushBatchToDBUnsafe() {
	if len(rd.batch) == 0 {
		return
	}
	batchCopy := make([]renderOutcome, len(rd.batch))
	copy(batchCopy, rd.batch)
	rd.batch = rd.batch[:0]

	ctx := context.Background()
	err := pgx.BeginTxFunc(ctx, database.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range batchCopy {
			if err := insertRenderOutcomeTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("insertRenderOutcomeTx: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("[ERROR] flushBatchToDB: %v\n", err)
	} else {
		log.Printf("Archived %d render outcomes to DB.\n", len(batchCopy))
	}
}

// idleLoop periodically checks if any source has been silent beyond the
// configured threshold, logs the idle state, and drops its marker.
func (rd *RenderDaemon) idleLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rd.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()
			rd.lastActivity.Range(func(key, val interface{}) bool {
				sourceID, ok1 := key.(uuid.UUID)
				last, ok2 := val.(time.Time)
				if ok1 && ok2 && now.Sub(last) > rd.idleAfter {
					log.Printf("No renders from %v for %s; dropping its activity marker.", sourceID, rd.idleAfter)
					rd.lastActivity.Delete(sourceID)
				}
				return true
			})
		}
	}
}

// insertRenderOutcomeTx upserts one render job row inside the transaction.
// Columns mirror the API server's own render_jobs writes so whichever side
// lands last leaves the same terminal record.
func insertRenderOutcomeTx(ctx context.Context, tx pgx.Tx, rec renderOutcome) error {
	timeline, err := json.Marshal(rec.Req.Timeline)
	if err != nil {
		return err
	}

	var matchID interface{}
	if rec.Req.MatchID != uuid.Nil {
		matchID = rec.Req.MatchID
	}
	createdAt := time.Unix(rec.Req.EnqueuedAt, 0)
	if rec.Req.EnqueuedAt == 0 {
		createdAt = rec.StartedAt
	}

	q := `
		INSERT INTO render_jobs (
			id, match_id, timeline, media_ids, status,
			result_url, error, created_at, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status      = EXCLUDED.status,
			result_url  = EXCLUDED.result_url,
			error       = EXCLUDED.error,
			started_at  = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`
	_, err = tx.Exec(ctx, q,
		rec.Req.JobID, matchID, timeline, rec.Req.MediaIDs, rec.Status,
		rec.URL, rec.ErrMsg, createdAt, rec.StartedAt, rec.FinishedAt,
	)
	return err
}

// Stop gracefully stops the daemon and flushes whatever is still batched.
func (rd *RenderDaemon) Stop() {
	rd.cancelFn()
	if rd.archive {
		rd.flushBatchToDB()
	}
}

// main is the entrypoint.
func main() {
	rd := NewRenderDaemon()
	go rd.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	rd.Stop()
	log.Println("Renderd shutdown complete.")
}

// getEnv retrieves an environment variable's value or returns a default.
func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}

// getEnvInt retrieves an integer value from an environment variable or returns a default value.
func getEnvInt(key string, defVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defVal
	}
	return i
}
