package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cutroom-app/cutroom/internal/errs"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidateBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PlayerCap = MaxPlayerCap + 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Contains(t, err.Error(), "playerCap")

	cfg = DefaultConfig()
	cfg.MatchDurationSec = MinMatchDurationSec - 1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.VideoTracks = 0
	err = cfg.Validate()
	require.Error(t, err, "At least one video track is required")

	cfg = DefaultConfig()
	cfg.AudioTracks = 0
	assert.NoError(t, cfg.Validate(), "Audio tracks may be absent entirely")

	cfg = DefaultConfig()
	cfg.VolumeCeiling = 9.5
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PlayerCap = 2
	cfg.MinPlayers = 5
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot exceed")
}

func TestConfigUpdateMerges(t *testing.T) {
	cfg := DefaultConfig()

	// JSON decoding hands numbers over as float64
	require.NoError(t, cfg.Update(map[string]interface{}{
		"playerCap":         float64(6),
		"maxClipsPerPlayer": 20,
		"volumeCeiling":     1.5,
	}))
	assert.Equal(t, 6, cfg.PlayerCap)
	assert.Equal(t, 20, cfg.MaxClipsPerPlayer)
	assert.Equal(t, 1.5, cfg.VolumeCeiling)
	assert.Equal(t, DefaultConfig().MatchDurationSec, cfg.MatchDurationSec, "Missing keys keep their value")
}

func TestConfigUpdateRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.Update(map[string]interface{}{"playerCap": float64(99)})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Equal(t, DefaultConfig().PlayerCap, cfg.PlayerCap, "Failed updates must not leak partial state")

	err = cfg.Update(map[string]interface{}{"playerCap": "six"})
	require.Error(t, err)

	// minPlayers cannot exceed the cap after the merge
	err = cfg.Update(map[string]interface{}{"minPlayers": float64(8), "playerCap": float64(4)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minPlayers")
}
