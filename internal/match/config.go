// internal/match/config.go
package match

import (
	"fmt"

	"github.com/cutroom-app/cutroom/internal/errs"
)

// Allowed ranges for every Config field. Values outside these bounds are
// rejected at lobby creation, before a match ever sees them.
const (
	MinTimelineDurationSec = 5
	MaxTimelineDurationSec = 600

	MinMatchDurationSec = 30
	MaxMatchDurationSec = 3600

	MinPlayerCap = 2
	MaxPlayerCap = 12

	MinClipsPerPlayer = 1
	MaxClipsPerPlayer = 100

	MinTracks = 0
	MaxTracks = 8

	MinVolumeCeiling = 0.1
	MaxVolumeCeiling = 4.0
)

// Config captures the per-match configuration snapshotted from the lobby at
// match start. It is immutable for the match's lifetime.
type Config struct {
	TimelineDurationSec int `json:"timelineDurationSec"` // length of the shared composition
	MatchDurationSec    int `json:"matchDurationSec"`    // editing time before the render kicks off
	PlayerCap           int `json:"playerCap"`           // lobby/match capacity
	MinPlayers          int `json:"minPlayers"`          // required to start a match

	MaxClipsPerPlayer int `json:"maxClipsPerPlayer"` // per-player clip budget
	VideoTracks       int `json:"videoTracks"`
	AudioTracks       int `json:"audioTracks"`

	// VolumeCeiling caps the gain of any audio clip.
	VolumeCeiling float64 `json:"volumeCeiling"`
}

// DefaultConfig returns the configuration applied when a lobby omits fields.
func DefaultConfig() Config {
	return Config{
		TimelineDurationSec: 60,
		MatchDurationSec:    300,
		PlayerCap:           4,
		MinPlayers:          2,
		MaxClipsPerPlayer:   10,
		VideoTracks:         2,
		AudioTracks:         2,
		VolumeCeiling:       2.0,
	}
}

// Validate checks every field against its allowed range and the cross-field
// constraints. The returned error is a validation error naming the first
// violated bound.
func (c Config) Validate() error {
	checkInt := func(name string, v, lo, hi int) error {
		if v < lo || v > hi {
			return errs.Validation("%s must be between %d and %d, got %d", name, lo, hi, v)
		}
		return nil
	}
	if err := checkInt("timelineDurationSec", c.TimelineDurationSec, MinTimelineDurationSec, MaxTimelineDurationSec); err != nil {
		return err
	}
	if err := checkInt("matchDurationSec", c.MatchDurationSec, MinMatchDurationSec, MaxMatchDurationSec); err != nil {
		return err
	}
	if err := checkInt("playerCap", c.PlayerCap, MinPlayerCap, MaxPlayerCap); err != nil {
		return err
	}
	if err := checkInt("minPlayers", c.MinPlayers, 1, MaxPlayerCap); err != nil {
		return err
	}
	if c.MinPlayers > c.PlayerCap {
		return errs.Validation("minPlayers (%d) cannot exceed playerCap (%d)", c.MinPlayers, c.PlayerCap)
	}
	if err := checkInt("maxClipsPerPlayer", c.MaxClipsPerPlayer, MinClipsPerPlayer, MaxClipsPerPlayer); err != nil {
		return err
	}
	if err := checkInt("videoTracks", c.VideoTracks, 1, MaxTracks); err != nil {
		return err
	}
	if err := checkInt("audioTracks", c.AudioTracks, MinTracks, MaxTracks); err != nil {
		return err
	}
	if c.VolumeCeiling < MinVolumeCeiling || c.VolumeCeiling > MaxVolumeCeiling {
		return errs.Validation("volumeCeiling must be between %.1f and %.1f, got %.2f", MinVolumeCeiling, MaxVolumeCeiling, c.VolumeCeiling)
	}
	return nil
}

// Update merges a partial rules map into the config. Missing keys keep their
// old value. JSON numbers arrive as float64; both float64 and int are
// accepted for integer fields. The merged result is validated before it is
// applied.
func (c *Config) Update(newRules map[string]interface{}) error {
	var ok bool

	tmp := *c

	assignInt := func(field *int, key string) error {
		if val, exists := newRules[key]; exists && val != nil {
			var floatVal float64
			floatVal, ok = val.(float64)
			if !ok {
				var intVal int
				intVal, ok = val.(int)
				if !ok {
					return fmt.Errorf("invalid type for %s", key)
				}
				*field = intVal
			} else {
				*field = int(floatVal)
			}
		}
		return nil
	}

	assignFloat := func(field *float64, key string) error {
		if val, exists := newRules[key]; exists && val != nil {
			*field, ok = val.(float64)
			if !ok {
				return fmt.Errorf("invalid type for %s", key)
			}
		}
		return nil
	}

	if err := assignInt(&tmp.TimelineDurationSec, "timelineDurationSec"); err != nil {
		return errs.Validation("%v", err)
	}
	if err := assignInt(&tmp.MatchDurationSec, "matchDurationSec"); err != nil {
		return errs.Validation("%v", err)
	}
	if err := assignInt(&tmp.PlayerCap, "playerCap"); err != nil {
		return errs.Validation("%v", err)
	}
	if err := assignInt(&tmp.MinPlayers, "minPlayers"); err != nil {
		return errs.Validation("%v", err)
	}
	if err := assignInt(&tmp.MaxClipsPerPlayer, "maxClipsPerPlayer"); err != nil {
		return errs.Validation("%v", err)
	}
	if err := assignInt(&tmp.VideoTracks, "videoTracks"); err != nil {
		return errs.Validation("%v", err)
	}
	if err := assignInt(&tmp.AudioTracks, "audioTracks"); err != nil {
		return errs.Validation("%v", err)
	}
	if err := assignFloat(&tmp.VolumeCeiling, "volumeCeiling"); err != nil {
		return errs.Validation("%v", err)
	}

	if err := tmp.Validate(); err != nil {
		return err
	}

	*c = tmp
	return nil
}
