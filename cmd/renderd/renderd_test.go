// cmd/renderd/renderd_test.go
package main

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cutroom-app/cutroom/internal/cache"
	"github.com/cutroom-app/cutroom/internal/models"
)

func testRequest() cache.RenderRequest {
	return cache.RenderRequest{
		JobID:   uuid.New(),
		MatchID: uuid.New(),
		Timeline: &models.Timeline{
			Duration: 30,
			Tracks: []*models.Track{
				{
					ID:   0,
					Kind: models.TrackVideo,
					Clips: []*models.Clip{
						{ID: uuid.New(), Kind: models.ClipVideo, MediaID: "clip-a", Position: 0, Duration: 5},
						{ID: uuid.New(), Kind: models.ClipImage, MediaID: "card-b", Position: 5, Duration: 3},
					},
				},
				{
					ID:   1,
					Kind: models.TrackAudio,
					Clips: []*models.Clip{
						{ID: uuid.New(), Kind: models.ClipAudio, MediaID: "bed-c", Position: 0, Duration: 8},
					},
				},
			},
		},
		MediaIDs:   []string{"clip-a", "card-b", "bed-c"},
		EnqueuedAt: time.Now().Unix(),
	}
}

func TestEncodeCompletesTimeline(t *testing.T) {
	rd := NewRenderDaemon()
	defer rd.Stop()
	rd.stepDelay = 0

	req := testRequest()
	outcome := rd.encode(req)

	if outcome.Status != models.RenderCompleted {
		t.Fatalf("expected completed, got %s (err=%q)", outcome.Status, outcome.ErrMsg)
	}
	if !strings.Contains(outcome.URL, req.JobID.String()) || !strings.HasSuffix(outcome.URL, ".mp4") {
		t.Fatalf("unexpected media URL %q", outcome.URL)
	}
	if outcome.ErrMsg != "" {
		t.Fatalf("completed outcome carries error %q", outcome.ErrMsg)
	}
	if outcome.FinishedAt.Before(outcome.StartedAt) {
		t.Fatalf("finished %v before started %v", outcome.FinishedAt, outcome.StartedAt)
	}
}

func TestEncodeRejectsMissingTimeline(t *testing.T) {
	rd := NewRenderDaemon()
	defer rd.Stop()
	rd.stepDelay = 0

	req := testRequest()
	req.Timeline = nil
	outcome := rd.encode(req)

	if outcome.Status != models.RenderFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}
	if outcome.ErrMsg == "" {
		t.Fatal("failed outcome must carry an error message")
	}
	if outcome.URL != "" {
		t.Fatalf("failed outcome must not carry a URL, got %q", outcome.URL)
	}
}

func TestEncodeInterruptedByShutdown(t *testing.T) {
	rd := NewRenderDaemon()
	rd.stepDelay = time.Minute

	rd.cancelFn()
	outcome := rd.encode(testRequest())

	if outcome.Status != models.RenderFailed {
		t.Fatalf("expected failed after shutdown, got %s", outcome.Status)
	}
	if !strings.Contains(outcome.ErrMsg, "shutdown") {
		t.Fatalf("expected shutdown error, got %q", outcome.ErrMsg)
	}
}

func TestActivityKeyGroupsByMatch(t *testing.T) {
	req := testRequest()
	if got := activityKey(req); got != req.MatchID {
		t.Fatalf("expected match key %s, got %s", req.MatchID, got)
	}

	req.MatchID = uuid.Nil
	if got := activityKey(req); got != req.JobID {
		t.Fatalf("expected job fallback key %s, got %s", req.JobID, got)
	}
}

func TestAppendToBatchSkipsWithoutArchive(t *testing.T) {
	rd := NewRenderDaemon()
	defer rd.Stop()
	rd.stepDelay = 0
	rd.archive = false

	for i := 0; i < rd.batchSize+5; i++ {
		rd.appendToBatch(renderOutcome{Req: testRequest(), Status: models.RenderCompleted})
	}

	rd.batchMu.Lock()
	defer rd.batchMu.Unlock()
	if len(rd.batch) != 0 {
		t.Fatalf("no-archive daemon accumulated %d outcomes", len(rd.batch))
	}
}
