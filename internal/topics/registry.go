// Package topics holds the subscription and publish topics of a bridge.
package topics

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/mikey-austin/mpv_bridge/internal/core"
	"github.com/mikey-austin/mpv_bridge/pkg/bridge"
)

// Category names a set of subscription topics.
type Category string

const (
	URL     Category = "url"
	URLLoop Category = "url-loop"
	Control Category = "control"
	Seek    Category = "seek"
	Volume  Category = "volume"
	Speed   Category = "speed"
)

// Categories lists subscription categories in classification order.
var Categories = []Category{URL, URLLoop, Control, Seek, Volume, Speed}

var categoryLeaves = map[Category]string{
	URL:     bridge.LeafURL,
	URLLoop: bridge.LeafURLLoop,
	Control: bridge.LeafControl,
	Seek:    bridge.LeafSeek,
	Volume:  bridge.LeafVolume,
	Speed:   bridge.LeafSpeed,
}

// ParseCategory maps a config key (url_loop or url-loop) to a category.
func ParseCategory(name string) (Category, error) {
	c := Category(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-"))
	if _, ok := categoryLeaves[c]; !ok {
		return "", fmt.Errorf("unknown topic category %q", name)
	}
	return c, nil
}

// Registry holds topic sets per category plus the two publish topics.
type Registry struct {
	mu            sync.RWMutex
	sets          map[Category][]string
	playerState   string
	instanceState string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sets: map[Category][]string{}}
}

// Defaults returns a registry populated with the host and "all" topics for mode.
func Defaults(mode, hostname string) *Registry {
	r := NewRegistry()
	for _, c := range Categories {
		leaf := categoryLeaves[c]
		r.sets[c] = []string{
			bridge.Topic(mode, hostname, leaf),
			bridge.Topic(mode, bridge.AllHosts, leaf),
		}
	}
	r.playerState = bridge.Topic(mode, hostname, bridge.LeafPlayerState)
	r.instanceState = bridge.Topic(mode, hostname, bridge.LeafInstanceState)
	return r
}

// Add appends topic to the category set.
func (r *Registry) Add(c Category, topic string) error {
	if _, ok := categoryLeaves[c]; !ok {
		return core.WrapError(core.ErrConfig, "add topic", fmt.Errorf("unknown category %q", c))
	}
	if strings.TrimSpace(topic) == "" {
		return core.WrapError(core.ErrConfig, "add topic", fmt.Errorf("empty %s topic", c))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[c] = append(r.sets[c], topic)
	return nil
}

// Clear empties the category set.
func (r *Registry) Clear(c Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sets, c)
}

// Topics returns a copy of the category set in insertion order.
func (r *Registry) Topics(c Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.sets[c]...)
}

// Matches reports whether topic is literally a member of the category set.
func (r *Registry) Matches(topic string, c Category) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.sets[c] {
		if t == topic {
			return true
		}
	}
	return false
}

// Classify returns every category topic belongs to, in classification order.
func (r *Registry) Classify(topic string) []Category {
	var out []Category
	for _, c := range Categories {
		if r.Matches(topic, c) {
			out = append(out, c)
		}
	}
	return out
}

// Subscriptions returns every subscription topic once, category by category.
func (r *Registry) Subscriptions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, c := range Categories {
		for _, t := range r.sets[c] {
			if seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// PlayerState returns the player state publish topic.
func (r *Registry) PlayerState() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.playerState
}

// InstanceState returns the instance state publish topic.
func (r *Registry) InstanceState() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instanceState
}

// SetPlayerState overrides the player state topic.
func (r *Registry) SetPlayerState(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playerState = topic
}

// SetInstanceState overrides the instance state topic.
func (r *Registry) SetInstanceState(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instanceState = topic
}

var placeholderRe = regexp.MustCompile(`___[A-Z0-9_]+?___`)

// Expander substitutes topic template placeholders.
type Expander struct {
	Hostname string
	Monitor  int
}

// Expand replaces the hostname and monitor placeholders. Any placeholder
// left over is a configuration error.
func (e Expander) Expand(template string) (string, error) {
	out := strings.NewReplacer(
		bridge.PlaceholderHostname, e.Hostname,
		bridge.PlaceholderMonitor, strconv.Itoa(e.Monitor),
	).Replace(template)
	if left := placeholderRe.FindString(out); left != "" {
		return "", core.WrapError(core.ErrConfig, "expand topic", fmt.Errorf("unresolved placeholder %s in %q", left, template))
	}
	return out, nil
}
