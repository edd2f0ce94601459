package media

import (
	"fmt"
	"strings"
)

// Quality names a capture/encode preset.
type Quality string

const (
	Quality480p  Quality = "480p"
	Quality720p  Quality = "720p"
	Quality1080p Quality = "1080p"
	Quality4K    Quality = "4K"
	// QualityAuto leaves resolution, frame rate and bitrate to the platform.
	QualityAuto Quality = "auto"
)

// AudioBitrate is the sender cap applied to every audio track, in bits per second.
const AudioBitrate = 128_000

// Preset defines the concrete targets of a Quality.
type Preset struct {
	Name      Quality
	Width     int
	Height    int
	FrameRate int
	Bitrate   int // bits per second, 0 = uncapped
}

// Presets from lowest to highest, auto last.
var Presets = []Preset{
	{Name: Quality480p, Width: 854, Height: 480, FrameRate: 30, Bitrate: 1_500_000},
	{Name: Quality720p, Width: 1280, Height: 720, FrameRate: 60, Bitrate: 3_500_000},
	{Name: Quality1080p, Width: 1920, Height: 1080, FrameRate: 60, Bitrate: 6_000_000},
	{Name: Quality4K, Width: 3840, Height: 2160, FrameRate: 60, Bitrate: 12_000_000},
	{Name: QualityAuto},
}

// PresetFor finds the preset of q (case-insensitive).
func PresetFor(q Quality) (Preset, bool) {
	for _, p := range Presets {
		if strings.EqualFold(string(p.Name), string(q)) {
			return p, true
		}
	}
	return Preset{}, false
}

// ParseQuality converts user input into a Quality. Short aliases are accepted.
func ParseQuality(value string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return QualityAuto, nil
	case "lo", "low", "sd":
		return Quality480p, nil
	case "med", "medium", "hd":
		return Quality720p, nil
	case "hi", "high", "fhd":
		return Quality1080p, nil
	case "ultra", "uhd", "2160p":
		return Quality4K, nil
	}
	if p, ok := PresetFor(Quality(value)); ok {
		return p.Name, nil
	}
	return "", fmt.Errorf("unknown quality %q", value)
}
