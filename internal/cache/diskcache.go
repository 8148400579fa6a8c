// Package cache keeps decoded copies of imported tracks on disk so that
// compressed or remote playlist entries are converted only once.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// fileExt is the extension of every decoded cache file
const fileExt = ".wav"

// Entry represents a cache entry
type Entry struct {
	Key     string
	Path    string
	Size    int64
	element *list.Element
}

// DecodeFunc writes a decoded copy of source to dest
type DecodeFunc func(ctx context.Context, source, dest string) error

// DiskCache implements LRU disk-based cache with persistence across sessions
type DiskCache struct {
	mu          sync.Mutex
	cacheDir    string
	maxSize     int64
	currentSize int64

	// LRU tracking
	entries map[string]*Entry
	lru     *list.List

	// Per-key locks so a track is decoded at most once at a time
	decodeLocks sync.Map // map[string]*sync.Mutex

	client *http.Client
	logger zerolog.Logger
}

// NewDiskCache creates a new disk-based LRU cache
// On startup, it scans the cache directory and loads existing cached files
func NewDiskCache(cacheDir string, maxSizeBytes int64, logger zerolog.Logger) (*DiskCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &DiskCache{
		cacheDir: cacheDir,
		maxSize:  maxSizeBytes,
		entries:  make(map[string]*Entry),
		lru:      list.New(),
		client:   http.DefaultClient,
		logger:   logger,
	}

	// Load existing cache entries from disk (persistence across sessions)
	if err := c.scan(); err != nil {
		return nil, fmt.Errorf("failed to scan cache: %w", err)
	}

	c.logger.Debug().Str("dir", cacheDir).Int("entries", len(c.entries)).Int64("bytes", c.currentSize).Msg("cache loaded")
	return c, nil
}

// scan loads existing cache entries from disk. Leftover temporary files
// from an interrupted decode are removed.
func (c *DiskCache) scan() error {
	return filepath.WalkDir(c.cacheDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		if filepath.Ext(path) == ".tmp" {
			os.Remove(path)
			return nil
		}
		if filepath.Ext(path) != fileExt {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		key := strings.TrimSuffix(filepath.Base(path), fileExt)
		entry := &Entry{
			Key:  key,
			Path: path,
			Size: info.Size(),
		}
		entry.element = c.lru.PushBack(entry)
		c.entries[key] = entry
		c.currentSize += info.Size()
		return nil
	})
}

// hashKey creates a consistent hash for a key
func (c *DiskCache) hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// keyToPath converts a cache key to filesystem path
func (c *DiskCache) keyToPath(key string) string {
	return filepath.Join(c.cacheDir, c.hashKey(key)+fileExt)
}

// GetPathForKey returns the filesystem path for a cache key
func (c *DiskCache) GetPathForKey(key string) string {
	return c.keyToPath(key)
}

// Lookup returns the cached path for key and marks it recently used
func (c *DiskCache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := c.hashKey(key)
	entry, exists := c.entries[hash]
	if !exists {
		return "", false
	}
	if _, err := os.Stat(entry.Path); err != nil {
		// File disappeared, remove from cache
		c.remove(entry)
		return "", false
	}
	c.lru.MoveToFront(entry.element)
	return entry.Path, true
}

// RegisterFile registers an existing file at the cache path into the cache
// Should be called after writing a file to the path returned by GetPathForKey
func (c *DiskCache) RegisterFile(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := c.hashKey(key)

	// Check if already exists
	if entry, exists := c.entries[hash]; exists {
		c.lru.MoveToFront(entry.element)
		return nil
	}

	path := c.keyToPath(key)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat cache file: %w", err)
	}
	fileSize := info.Size()

	// Evict until there's space
	for c.currentSize+fileSize > c.maxSize && c.lru.Len() > 0 {
		c.evictOldest()
	}

	entry := &Entry{
		Key:  hash,
		Path: path,
		Size: fileSize,
	}
	entry.element = c.lru.PushFront(entry)
	c.entries[hash] = entry
	c.currentSize += fileSize
	return nil
}

// evictOldest removes the least recently used entry
func (c *DiskCache) evictOldest() {
	element := c.lru.Back()
	if element == nil {
		return
	}
	entry := element.Value.(*Entry)
	c.remove(entry)
	c.logger.Debug().Str("path", entry.Path).Int64("bytes", entry.Size).Msg("evicted cache entry")
}

func (c *DiskCache) remove(entry *Entry) {
	c.lru.Remove(entry.element)
	delete(c.entries, entry.Key)
	c.currentSize -= entry.Size
	os.Remove(entry.Path)
}

// Invalidate removes a cache entry both from memory and disk
// Use this when a cached file is discovered to be corrupt or invalid
func (c *DiskCache) Invalidate(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := c.hashKey(key)
	entry, exists := c.entries[hash]
	if !exists {
		return nil
	}

	c.lru.Remove(entry.element)
	delete(c.entries, hash)
	c.currentSize -= entry.Size

	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}

	c.logger.Info().Str("key", key).Str("hash", hash).Msg("invalidated cache entry")
	return nil
}

// Clear removes all cache entries
func (c *DiskCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.lru = list.New()
	c.currentSize = 0

	if err := os.RemoveAll(c.cacheDir); err != nil {
		return err
	}
	return os.MkdirAll(c.cacheDir, 0755)
}

// Size returns current cache size in bytes
func (c *DiskCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Len returns the number of cached files
func (c *DiskCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *DiskCache) decodeLock(key string) *sync.Mutex {
	lock, _ := c.decodeLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// fetchToTempFile downloads a remote URL into the system temp directory and
// returns the temporary file path. The caller removes it.
func (c *DiskCache) fetchToTempFile(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch URL: HTTP %d", resp.StatusCode)
	}

	// Keep the remote extension so the decoder can pick a format
	ext := filepath.Ext(StripQuery(url))
	tempFile, err := os.CreateTemp("", "fifoplayd-fetch-*"+ext+".tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	_, err = io.Copy(tempFile, resp.Body)
	if cerr := tempFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempFile.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}

	final := strings.TrimSuffix(tempFile.Name(), ".tmp")
	if err := os.Rename(tempFile.Name(), final); err != nil {
		os.Remove(tempFile.Name())
		return "", fmt.Errorf("failed to finalize download: %w", err)
	}
	c.logger.Debug().Str("url", url).Str("path", final).Msg("download complete")
	return final, nil
}

// EnsureDecoded ensures a source is decoded and cached. Remote URLs are
// downloaded first. Returns the cached file path.
func (c *DiskCache) EnsureDecoded(ctx context.Context, source string, decodeFn DecodeFunc) (string, error) {
	if path, ok := c.Lookup(source); ok {
		return path, nil
	}

	// Get lock for this source to prevent concurrent decode operations
	lock := c.decodeLock(source)
	lock.Lock()
	defer lock.Unlock()

	// Check again after acquiring lock (another goroutine may have completed it)
	if path, ok := c.Lookup(source); ok {
		return path, nil
	}

	sourcePath := source
	if IsRemote(source) {
		fetched, err := c.fetchToTempFile(ctx, source)
		if err != nil {
			return "", err
		}
		defer os.Remove(fetched)
		sourcePath = fetched
	}

	cachePath := c.keyToPath(source)
	tempPath := cachePath + ".tmp"
	c.logger.Info().Str("source", source).Msg("decoding to cache")
	if err := decodeFn(ctx, sourcePath, tempPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to decode: %w", err)
	}
	if err := os.Rename(tempPath, cachePath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to finalize cache file: %w", err)
	}

	if err := c.RegisterFile(source); err != nil {
		c.logger.Warn().Err(err).Str("source", source).Msg("failed to register cache file")
	}
	return cachePath, nil
}

// IsRemote reports whether source is an http(s) URL
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// StripQuery drops a URL query so the extension can be inspected
func StripQuery(source string) string {
	path, _, _ := strings.Cut(source, "?")
	return path
}
