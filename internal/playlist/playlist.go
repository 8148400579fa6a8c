// Package playlist holds the fixed track table the controller walks.
package playlist

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Track is one entry of the track table
type Track struct {
	Path  string
	Title string
	Index int
}

// Playlist is the track table. It is filled at startup and only read
// afterwards.
type Playlist struct {
	mu     sync.RWMutex
	tracks []Track
}

// NewPlaylist creates an empty playlist
func NewPlaylist() *Playlist {
	return &Playlist{tracks: make([]Track, 0)}
}

// FromPaths builds a playlist titled after the file names
func FromPaths(paths []string) *Playlist {
	p := NewPlaylist()
	for _, path := range paths {
		p.Add(path, "")
	}
	return p
}

// Add appends a track; an empty title is derived from the path
func (p *Playlist) Add(path string, title string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	p.tracks = append(p.tracks, Track{
		Path:  path,
		Title: title,
		Index: len(p.tracks),
	})
}

// Track returns a copy of the entry at index
func (p *Playlist) Track(index int) (Track, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if index < 0 || index >= len(p.tracks) {
		return Track{}, fmt.Errorf("invalid track index: %d", index)
	}
	return p.tracks[index], nil
}

// GetAll returns all tracks
func (p *Playlist) GetAll() []Track {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Return a copy to prevent external modification
	tracks := make([]Track, len(p.tracks))
	copy(tracks, p.tracks)
	return tracks
}
