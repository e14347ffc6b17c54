// internal/match/timeline.go
package match

import (
	"sort"

	"github.com/google/uuid"

	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/models"
)

// newTimeline builds the empty composition for a config: video tracks first,
// then audio tracks, ids sequential across both.
func newTimeline(cfg Config) *models.Timeline {
	t := &models.Timeline{
		Duration: float64(cfg.TimelineDurationSec),
	}
	id := 0
	for i := 0; i < cfg.VideoTracks; i++ {
		t.Tracks = append(t.Tracks, &models.Track{ID: id, Kind: models.TrackVideo})
		id++
	}
	for i := 0; i < cfg.AudioTracks; i++ {
		t.Tracks = append(t.Tracks, &models.Track{ID: id, Kind: models.TrackAudio})
		id++
	}
	return t
}

// clipFitsTrack reports whether a clip variant may sit on a track kind.
// The switch is exhaustive over ClipKind.
func clipFitsTrack(kind models.ClipKind, track models.TrackKind) bool {
	switch kind {
	case models.ClipVideo, models.ClipImage:
		return track == models.TrackVideo
	case models.ClipAudio:
		return track == models.TrackAudio
	default:
		return false
	}
}

// validateClipBounds checks the shared interval invariant: the clip must lie
// within [0, timeline duration] with a positive duration.
func validateClipBounds(t *models.Timeline, position, duration, sourceOffset float64) error {
	if duration <= 0 {
		return errs.Validation("clip duration must be positive, got %.3f", duration)
	}
	if position < 0 {
		return errs.Validation("clip position must not be negative, got %.3f", position)
	}
	if position+duration > t.Duration {
		return errs.Validation("clip interval [%.3f, %.3f] exceeds timeline duration %.3f",
			position, position+duration, t.Duration)
	}
	if sourceOffset < 0 {
		return errs.Validation("source offset must not be negative, got %.3f", sourceOffset)
	}
	return nil
}

// validateClipPayload checks the variant payload against its tag. The switch
// is exhaustive over ClipKind.
func validateClipPayload(cfg Config, clip *models.Clip) error {
	switch clip.Kind {
	case models.ClipVideo, models.ClipImage:
		if clip.Audio != nil {
			return errs.Validation("%s clip must not carry audio properties", clip.Kind)
		}
		if clip.Visual != nil {
			if clip.Visual.Opacity < 0 || clip.Visual.Opacity > 1 {
				return errs.Validation("opacity must be within [0, 1], got %.2f", clip.Visual.Opacity)
			}
			if clip.Visual.Scale <= 0 {
				return errs.Validation("scale must be positive, got %.2f", clip.Visual.Scale)
			}
		}
	case models.ClipAudio:
		if clip.Visual != nil {
			return errs.Validation("audio clip must not carry visual properties")
		}
		if clip.Audio != nil {
			if clip.Audio.Gain < 0 || clip.Audio.Gain > cfg.VolumeCeiling {
				return errs.Validation("gain must be within [0, %.2f], got %.2f", cfg.VolumeCeiling, clip.Audio.Gain)
			}
			if clip.Audio.Pan < -1 || clip.Audio.Pan > 1 {
				return errs.Validation("pan must be within [-1, 1], got %.2f", clip.Audio.Pan)
			}
		}
	default:
		return errs.Validation("unknown clip kind %q", clip.Kind)
	}
	return nil
}

// sortTrackClips keeps a track's clips ordered by timeline position.
func sortTrackClips(tr *models.Track) {
	sort.SliceStable(tr.Clips, func(i, j int) bool {
		return tr.Clips[i].Position < tr.Clips[j].Position
	})
}

// applyEditUnsafe validates op against the config snapshot and mutates the
// timeline. A nil error means the timeline changed and op is safe to
// broadcast (op.Clip is normalized for insert). Assumes the match lock is
// held.
func (m *Match) applyEditUnsafe(p *models.Player, op *models.EditOp) error {
	t := m.Timeline

	switch op.Op {
	case models.EditInsert:
		return m.applyInsertUnsafe(p, op)

	case models.EditMove:
		tr, clip, err := m.resolveClipUnsafe(p, op)
		if err != nil {
			return err
		}
		if op.Position == nil {
			return errs.Validation("move requires a position")
		}
		dest := tr
		if op.ToTrackID != nil && *op.ToTrackID != tr.ID {
			dest = t.Track(*op.ToTrackID)
			if dest == nil {
				return errs.Validation("no track %d on this timeline", *op.ToTrackID)
			}
			if !clipFitsTrack(clip.Kind, dest.Kind) {
				return errs.Validation("%s clip cannot sit on a %s track", clip.Kind, dest.Kind)
			}
		}
		if err := validateClipBounds(t, *op.Position, clip.Duration, clip.SourceOffset); err != nil {
			return err
		}
		if dest != tr {
			removeClip(tr, clip.ID)
			dest.Clips = append(dest.Clips, clip)
		}
		clip.Position = *op.Position
		sortTrackClips(dest)
		return nil

	case models.EditTrim:
		tr, clip, err := m.resolveClipUnsafe(p, op)
		if err != nil {
			return err
		}
		position := clip.Position
		duration := clip.Duration
		offset := clip.SourceOffset
		if op.Position != nil {
			position = *op.Position
		}
		if op.Duration != nil {
			duration = *op.Duration
		}
		if op.SourceOffset != nil {
			offset = *op.SourceOffset
		}
		if err := validateClipBounds(t, position, duration, offset); err != nil {
			return err
		}
		clip.Position = position
		clip.Duration = duration
		clip.SourceOffset = offset
		sortTrackClips(tr)
		return nil

	case models.EditDelete:
		tr, clip, err := m.resolveClipUnsafe(p, op)
		if err != nil {
			return err
		}
		removeClip(tr, clip.ID)
		p.ClipCount--
		return nil

	default:
		return errs.Validation("unknown edit op %q", op.Op)
	}
}

// applyInsertUnsafe admits a new clip: per-player cap, track fit, payload
// and bounds all checked before the timeline changes.
func (m *Match) applyInsertUnsafe(p *models.Player, op *models.EditOp) error {
	if op.Clip == nil {
		return errs.Validation("insert requires a clip payload")
	}
	if p.ClipCount >= m.Config.MaxClipsPerPlayer {
		return errs.Validation("clip cap reached: at most %d clips per player", m.Config.MaxClipsPerPlayer)
	}

	clip := op.Clip
	if !models.ValidClipKind(clip.Kind) {
		return errs.Validation("unknown clip kind %q", clip.Kind)
	}
	if clip.MediaID == "" {
		return errs.Validation("insert requires a source media id")
	}

	tr := m.Timeline.Track(op.TrackID)
	if tr == nil {
		return errs.Validation("no track %d on this timeline", op.TrackID)
	}
	if !clipFitsTrack(clip.Kind, tr.Kind) {
		return errs.Validation("%s clip cannot sit on a %s track", clip.Kind, tr.Kind)
	}
	if err := validateClipBounds(m.Timeline, clip.Position, clip.Duration, clip.SourceOffset); err != nil {
		return err
	}
	if err := validateClipPayload(m.Config, clip); err != nil {
		return err
	}

	if clip.ID == uuid.Nil {
		clip.ID = uuid.New()
	}
	// Ownership is server-assigned; clients cannot insert on behalf of
	// someone else.
	clip.OwnerID = p.ID

	tr.Clips = append(tr.Clips, clip)
	sortTrackClips(tr)
	p.ClipCount++
	return nil
}

// resolveClipUnsafe finds the op's clip and enforces that it sits on the
// op's track, plus ownership for mutating ops. A clip that exists elsewhere
// on the timeline gets a distinct error so stale clients can resync.
func (m *Match) resolveClipUnsafe(p *models.Player, op *models.EditOp) (*models.Track, *models.Clip, error) {
	tr := m.Timeline.Track(op.TrackID)
	if tr == nil {
		return nil, nil, errs.Validation("no track %d on this timeline", op.TrackID)
	}
	owner, clip := m.Timeline.FindClip(op.ClipID)
	if clip == nil {
		return nil, nil, errs.Validation("no clip %s on track %d", op.ClipID, op.TrackID)
	}
	if owner.ID != tr.ID {
		return nil, nil, errs.Validation("clip %s sits on track %d, not track %d", op.ClipID, owner.ID, op.TrackID)
	}
	if clip.OwnerID != p.ID {
		return nil, nil, errs.Validation("clip %s belongs to another participant", op.ClipID)
	}
	return tr, clip, nil
}

func removeClip(tr *models.Track, clipID uuid.UUID) {
	for i, c := range tr.Clips {
		if c.ID == clipID {
			tr.Clips = append(tr.Clips[:i], tr.Clips[i+1:]...)
			return
		}
	}
}

// cloneTimeline deep-copies a timeline so render jobs hold an immutable
// snapshot.
func cloneTimeline(t *models.Timeline) *models.Timeline {
	out := &models.Timeline{Duration: t.Duration}
	for _, tr := range t.Tracks {
		nt := &models.Track{ID: tr.ID, Kind: tr.Kind}
		for _, c := range tr.Clips {
			nc := *c
			if c.Visual != nil {
				v := *c.Visual
				nc.Visual = &v
			}
			if c.Audio != nil {
				a := *c.Audio
				nc.Audio = &a
			}
			nt.Clips = append(nt.Clips, &nc)
		}
		out.Tracks = append(out.Tracks, nt)
	}
	return out
}

// collectMediaIDs gathers the distinct source media referenced by a
// timeline, in first-use order.
func collectMediaIDs(t *models.Timeline) []string {
	seen := map[string]bool{}
	var ids []string
	for _, tr := range t.Tracks {
		for _, c := range tr.Clips {
			if c.MediaID != "" && !seen[c.MediaID] {
				seen[c.MediaID] = true
				ids = append(ids, c.MediaID)
			}
		}
	}
	return ids
}
