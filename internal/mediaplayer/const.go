package mediaplayer

import (
	"math"

	"github.com/nerrad567/savantaudio/internal/savant"
)

// EntityDomain is the domain part of every zone entity id.
const EntityDomain = "media_player"

// PowerState is the on/off state of a zone.
type PowerState string

const (
	StateOn  PowerState = "on"
	StateOff PowerState = "off"
)

// Feature flags, numerically compatible with common media player hosts.
const (
	FeatureVolumeSet       = 4
	FeatureVolumeMute      = 8
	FeatureTurnOn          = 128
	FeatureTurnOff         = 256
	FeatureVolumeStep      = 1024
	FeatureSelectSource    = 2048
	FeatureSelectSoundMode = 65536
	FeatureGrouping        = 524288

	SupportedFeatures = FeatureTurnOn | FeatureTurnOff | FeatureSelectSource |
		FeatureSelectSoundMode | FeatureGrouping | FeatureVolumeSet |
		FeatureVolumeMute | FeatureVolumeStep
)

const (
	DeviceClass  = "receiver"
	Manufacturer = "Savant"

	IconOn  = "mdi:speaker"
	IconOff = "mdi:speaker-off"
)

// Sound mode tokens.
const (
	ModeStereo   = "stereo"
	ModeMono     = "mono"
	ModePassthru = "passthru"
)

// SoundModeList is every sound mode a zone can report.
var SoundModeList = []string{"stereo", "mono", "stereo,passthru", "mono,passthru"}

const volumeSpan = savant.VolumeMax - savant.VolumeMin

// LevelToDevice converts a 0..1 level to device units, -38..0.
func LevelToDevice(level float64) int {
	return int(math.Round(level*volumeSpan + savant.VolumeMin))
}

// DeviceToLevel converts device units to a 0..1 level.
func DeviceToLevel(raw int) float64 {
	return float64(raw-savant.VolumeMin) / volumeSpan
}
