// internal/render/renderer.go
//
// Package render runs the bounded job queue that turns finished match
// timelines into media URLs. The queue admits jobs FIFO, processes them on
// a fixed worker pool, and dispatches the actual encode to a Renderer.
package render

import (
	"context"
	"fmt"
	"time"

	"github.com/cutroom-app/cutroom/internal/cache"
	"github.com/cutroom-app/cutroom/internal/errs"
)

// Renderer performs one encode. Implementations must honor ctx; the queue
// bounds every call with the render liveness timeout.
type Renderer interface {
	Render(ctx context.Context, req cache.RenderRequest) (string, error)
}

const defaultReplyTimeout = 2 * time.Minute

// RedisRenderer hands jobs to the external render daemon: it RPushes the
// request onto the work queue and BLPops the per-job reply key until the
// daemon answers or the liveness bound expires.
type RedisRenderer struct {
	// ReplyTimeout caps how long to wait on the reply key. The ctx
	// deadline lowers it further when tighter.
	ReplyTimeout time.Duration
}

func (r *RedisRenderer) Render(ctx context.Context, req cache.RenderRequest) (string, error) {
	if cache.Rdb == nil {
		return "", errs.Transient(nil, "redis is not configured")
	}
	if err := cache.PublishRenderRequest(ctx, req); err != nil {
		return "", errs.Transient(err, "dispatch render job %s", req.JobID)
	}

	timeout := r.ReplyTimeout
	if timeout <= 0 {
		timeout = defaultReplyTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	reply, err := cache.AwaitRenderReply(ctx, req.JobID, timeout)
	if err != nil {
		return "", errs.Transient(err, "await render reply for job %s", req.JobID)
	}
	if reply.Error != "" {
		return "", errs.FatalWorker(nil, "%s", reply.Error)
	}
	return reply.URL, nil
}

// StubRenderer completes jobs locally without a daemon. Tests and
// development builds use it whenever Redis is not configured.
type StubRenderer struct {
	// Delay simulates encode time.
	Delay time.Duration
	// FailWith, when set, fails every job with that message.
	FailWith string
	// BaseURL prefixes generated media URLs. Defaults to "stub://render/".
	BaseURL string
}

func (r *StubRenderer) Render(ctx context.Context, req cache.RenderRequest) (string, error) {
	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", errs.Transient(ctx.Err(), "stub encode interrupted")
		case <-time.After(r.Delay):
		}
	}
	if r.FailWith != "" {
		return "", errs.FatalWorker(nil, "%s", r.FailWith)
	}
	base := r.BaseURL
	if base == "" {
		base = "stub://render/"
	}
	return fmt.Sprintf("%s%s.mp4", base, req.JobID), nil
}
