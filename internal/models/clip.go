// internal/models/clip.go
package models

import "github.com/google/uuid"

// ClipKind tags the variant of a Clip. Every switch over a ClipKind must
// handle all three variants.
type ClipKind string

const (
	ClipVideo ClipKind = "video"
	ClipImage ClipKind = "image"
	ClipAudio ClipKind = "audio"
)

// ValidClipKind reports whether k is one of the known clip variants.
func ValidClipKind(k ClipKind) bool {
	switch k {
	case ClipVideo, ClipImage, ClipAudio:
		return true
	}
	return false
}

// TrackKind distinguishes video tracks from audio tracks.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// VisualProps are the transform properties shared by video and image clips.
type VisualProps struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Scale    float64 `json:"scale"`
	Rotation float64 `json:"rotation"`
	Opacity  float64 `json:"opacity"`
}

// AudioProps are the mix properties of an audio clip.
type AudioProps struct {
	Gain  float64 `json:"gain"`
	Pitch float64 `json:"pitch"`
	Pan   float64 `json:"pan"`
}

// Clip is a tagged union over {video, image, audio}. The base fields are
// shared by all variants; exactly one of Visual or Audio is set depending on
// Kind (Visual for video/image, Audio for audio).
type Clip struct {
	ID      uuid.UUID `json:"id"`
	Kind    ClipKind  `json:"kind"`
	OwnerID uuid.UUID `json:"ownerId"`

	// MediaID references the source asset in object storage.
	MediaID string `json:"mediaId"`

	// Position and Duration are seconds on the shared timeline; SourceOffset
	// is seconds into the source asset.
	Position     float64 `json:"position"`
	Duration     float64 `json:"duration"`
	SourceOffset float64 `json:"sourceOffset"`

	Visual *VisualProps `json:"visual,omitempty"`
	Audio  *AudioProps  `json:"audio,omitempty"`
}

// End returns the clip's end position on the timeline.
func (c *Clip) End() float64 {
	return c.Position + c.Duration
}

// Track holds an ordered list of clips. Clips are kept sorted by Position;
// overlap is allowed.
type Track struct {
	ID    int       `json:"id"`
	Kind  TrackKind `json:"kind"`
	Clips []*Clip   `json:"clips"`
}

// Timeline is the shared composition all match participants mutate.
type Timeline struct {
	// Duration is the fixed length of the composition in seconds.
	Duration float64  `json:"duration"`
	Tracks   []*Track `json:"tracks"`
}

// Track returns the track with the given id, or nil.
func (t *Timeline) Track(id int) *Track {
	for _, tr := range t.Tracks {
		if tr.ID == id {
			return tr
		}
	}
	return nil
}

// FindClip locates a clip by id across all tracks, returning the owning
// track and the clip, or (nil, nil) when absent.
func (t *Timeline) FindClip(clipID uuid.UUID) (*Track, *Clip) {
	for _, tr := range t.Tracks {
		for _, c := range tr.Clips {
			if c.ID == clipID {
				return tr, c
			}
		}
	}
	return nil, nil
}

// ClipCount returns the number of clips across all tracks.
func (t *Timeline) ClipCount() int {
	n := 0
	for _, tr := range t.Tracks {
		n += len(tr.Clips)
	}
	return n
}
