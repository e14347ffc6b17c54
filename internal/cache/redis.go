// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cutroom-app/cutroom/internal/models"
)

// Rdb is the global Redis client. Connect it once at application startup.
var Rdb *redis.Client

// DefaultRenderQueueName is the Redis list the render daemon consumes.
var DefaultRenderQueueName = "cutroom_render_jobs"

// LobbyEventChannel is the pub/sub channel lobby membership changes are
// published on so list views can refresh without polling.
var LobbyEventChannel = "cutroom_lobby_events"

// RenderRequest is the unit of work handed to the render daemon.
type RenderRequest struct {
	JobID      uuid.UUID        `json:"job_id"`
	MatchID    uuid.UUID        `json:"match_id,omitempty"`
	Timeline   *models.Timeline `json:"timeline"`
	MediaIDs   []string         `json:"media_ids"`
	EnqueuedAt int64            `json:"enqueued_at"`
}

// RenderReply is the daemon's answer, pushed to the job's reply key.
type RenderReply struct {
	JobID       uuid.UUID `json:"job_id"`
	URL         string    `json:"url,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt int64     `json:"completed_at"`
}

// LobbyEventRecord is the notification published on lobby join/leave.
type LobbyEventRecord struct {
	LobbyID   uuid.UUID `json:"lobby_id"`
	Event     string    `json:"event"`
	UserID    uuid.UUID `json:"user_id"`
	Timestamp int64     `json:"timestamp"`
}

// ConnectRedis initializes the global Redis client with environment variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
func ConnectRedis() error {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	Rdb = redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Rdb.Ping(ctx).Err(); err != nil {
		// A dead client must not look configured to callers checking Rdb.
		Rdb = nil
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return nil
}

// RenderQueueName returns the configured request queue name.
func RenderQueueName() string {
	return getEnv("RENDER_QUEUE_NAME", DefaultRenderQueueName)
}

// RenderReplyKey returns the per-job reply list the daemon answers on.
func RenderReplyKey(jobID uuid.UUID) string {
	return "cutroom_render_reply:" + jobID.String()
}

// PublishRenderRequest serializes the request and pushes it onto the render
// work queue. A quick network send; callers stay on their own goroutine.
func PublishRenderRequest(ctx context.Context, req RenderRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal RenderRequest: %w", err)
	}

	if err := Rdb.RPush(ctx, RenderQueueName(), data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", RenderQueueName(), err)
	}
	return nil
}

// PublishRenderReply pushes the daemon's result onto the job's reply key.
// The key expires on its own in case nobody is waiting anymore.
func PublishRenderReply(ctx context.Context, reply RenderReply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal RenderReply: %w", err)
	}

	key := RenderReplyKey(reply.JobID)
	if err := Rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", key, err)
	}
	if err := Rdb.Expire(ctx, key, 10*time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set expiry on '%s': %w", key, err)
	}
	return nil
}

// AwaitRenderReply blocks up to timeout for the daemon's reply to jobID.
func AwaitRenderReply(ctx context.Context, jobID uuid.UUID, timeout time.Duration) (*RenderReply, error) {
	res, err := Rdb.BLPop(ctx, timeout, RenderReplyKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	// BLPop returns [key, value]
	if len(res) < 2 {
		return nil, fmt.Errorf("unexpected BLPop result for job %s", jobID)
	}
	var reply RenderReply
	if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal RenderReply: %w", err)
	}
	return &reply, nil
}

// PublishLobbyEvent fans a membership change out on the lobby event channel.
// Publishing is best-effort; a nil client (Redis not configured) is a no-op.
func PublishLobbyEvent(ctx context.Context, record LobbyEventRecord) error {
	if Rdb == nil {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal LobbyEventRecord: %w", err)
	}
	if err := Rdb.Publish(ctx, LobbyEventChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish lobby event: %w", err)
	}
	return nil
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
