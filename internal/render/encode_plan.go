// internal/render/encode_plan.go
package render

import (
	"fmt"
	"sort"

	"github.com/cutroom-app/cutroom/internal/cache"
	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/models"
)

// EncodeStep is one planned operation of the encode pass: a single clip
// placed on the output with its variant-specific filter string.
type EncodeStep struct {
	TrackID int             `json:"trackId"`
	Kind    models.ClipKind `json:"kind"`
	MediaID string          `json:"mediaId"`
	Start   float64         `json:"start"`
	End     float64         `json:"end"`
	Filter  string          `json:"filter"`
}

// EncodePlan is the flattened composition order the render daemon walks.
type EncodePlan struct {
	Steps          []EncodeStep `json:"steps"`
	ClipCount      int          `json:"clipCount"`
	OutputDuration float64      `json:"outputDuration"`
}

// BuildEncodePlan flattens a render request's timeline into encode steps,
// track by track, clips in position order. The clip variant decides the
// filter; an unknown variant fails the whole job.
func BuildEncodePlan(req cache.RenderRequest) (*EncodePlan, error) {
	if req.Timeline == nil {
		return nil, errs.FatalWorker(nil, "render request %s has no timeline", req.JobID)
	}

	plan := &EncodePlan{OutputDuration: req.Timeline.Duration}
	for _, track := range req.Timeline.Tracks {
		clips := make([]*models.Clip, len(track.Clips))
		copy(clips, track.Clips)
		sort.SliceStable(clips, func(i, j int) bool { return clips[i].Position < clips[j].Position })

		for _, clip := range clips {
			filter, err := clipFilter(clip)
			if err != nil {
				return nil, err
			}
			plan.Steps = append(plan.Steps, EncodeStep{
				TrackID: track.ID,
				Kind:    clip.Kind,
				MediaID: clip.MediaID,
				Start:   clip.Position,
				End:     clip.End(),
				Filter:  filter,
			})
			plan.ClipCount++
		}
	}
	return plan, nil
}

// clipFilter renders the variant-specific filter expression.
func clipFilter(clip *models.Clip) (string, error) {
	switch clip.Kind {
	case models.ClipVideo:
		v := clip.Visual
		if v == nil {
			v = &models.VisualProps{Scale: 1, Opacity: 1}
		}
		return fmt.Sprintf("overlay x=%.2f y=%.2f scale=%.2f rotate=%.2f opacity=%.2f trim=%.3f",
			v.X, v.Y, v.Scale, v.Rotation, v.Opacity, clip.SourceOffset), nil
	case models.ClipImage:
		v := clip.Visual
		if v == nil {
			v = &models.VisualProps{Scale: 1, Opacity: 1}
		}
		return fmt.Sprintf("still x=%.2f y=%.2f scale=%.2f rotate=%.2f opacity=%.2f hold=%.3f",
			v.X, v.Y, v.Scale, v.Rotation, v.Opacity, clip.Duration), nil
	case models.ClipAudio:
		a := clip.Audio
		if a == nil {
			a = &models.AudioProps{Gain: 1}
		}
		return fmt.Sprintf("amix gain=%.2f pitch=%.2f pan=%.2f seek=%.3f",
			a.Gain, a.Pitch, a.Pan, clip.SourceOffset), nil
	default:
		return "", errs.FatalWorker(nil, "unknown clip kind %q on clip %s", clip.Kind, clip.ID)
	}
}
