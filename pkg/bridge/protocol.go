package bridge

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Playback modes select the player invocation flags.
const (
	ModeAudio = "audio"
	ModeVideo = "video"
)

// Player state values published on the player state topic.
const (
	StatePlay  = "play"
	StatePause = "pause"
	StateStop  = "stop"
)

// Instance state values published (retained) on the instance state topic.
const (
	InstanceOnline  = "online"
	InstanceOffline = "offline"
)

// Control payload literals.
const (
	ControlPlay  = "play"
	ControlPause = "pause"
	ControlStop  = "stop"
)

// Topic template placeholders.
const (
	PlaceholderHostname = "___HOSTNAME___"
	PlaceholderMonitor  = "___MONITOR___"
)

// AllHosts is the host segment addressing every bridge of a mode.
const AllHosts = "all"

// Topic leaves under <mode>/<host>/.
const (
	LeafURL           = "url"
	LeafURLLoop       = "url_loop"
	LeafControl       = "control"
	LeafSeek          = "seek"
	LeafVolume        = "volume"
	LeafSpeed         = "speed"
	LeafPlayerState   = "state/player"
	LeafInstanceState = "state/instance"
)

// SeekMode is the mpv seek reference.
type SeekMode string

const (
	SeekAbsolute SeekMode = "absolute"
	SeekRelative SeekMode = "relative"
)

// Topic builds <mode>/<host>/<leaf>.
func Topic(mode, host, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", mode, host, leaf)
}

// ValidMode reports whether mode is audio or video.
func ValidMode(mode string) bool {
	return mode == ModeAudio || mode == ModeVideo
}

// ParseURL validates a playback URL payload. Absolute local paths are passed
// through untouched since mpv plays them directly; anything else needs a
// scheme and a location.
func ParseURL(payload string) (string, error) {
	raw := strings.TrimSpace(payload)
	if raw == "" {
		return "", errors.New("url is empty")
	}
	if strings.HasPrefix(raw, "/") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("url %q has no scheme", raw)
	}
	if u.Host == "" && u.Path == "" && u.Opaque == "" {
		return "", fmt.Errorf("url %q has no location", raw)
	}
	return raw, nil
}

// ParseSeek parses a seek payload. A leading sign selects relative mode.
func ParseSeek(payload string) (float64, SeekMode, error) {
	raw := strings.TrimSpace(payload)
	value, err := ParseNumber(raw)
	if err != nil {
		return 0, "", err
	}
	if strings.HasPrefix(raw, "+") || strings.HasPrefix(raw, "-") {
		return value, SeekRelative, nil
	}
	return value, SeekAbsolute, nil
}

// ParseNumber parses a finite float payload.
func ParseNumber(payload string) (float64, error) {
	raw := strings.TrimSpace(payload)
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("expected number, got %q", raw)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("number %q out of range", raw)
	}
	return value, nil
}
