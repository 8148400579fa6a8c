package cache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famish99/fifoplayd/internal/pcm"
	"github.com/famish99/fifoplayd/internal/pcmtest"
)

// fixedDecoder writes size bytes and counts calls
type fixedDecoder struct {
	size  int
	calls atomic.Int32
}

func (d *fixedDecoder) decode(_ context.Context, _, dest string) error {
	d.calls.Add(1)
	return os.WriteFile(dest, make([]byte, d.size), 0644)
}

func newCache(t *testing.T, maxSize int64) *DiskCache {
	t.Helper()
	c, err := NewDiskCache(filepath.Join(t.TempDir(), "cache"), maxSize, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestEnsureDecodedOnce(t *testing.T) {
	c := newCache(t, 1<<20)
	dec := &fixedDecoder{size: 100}
	ctx := context.Background()

	path, err := c.EnsureDecoded(ctx, "/music/a.mp3", dec.decode)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, c.GetPathForKey("/music/a.mp3"), path)
	assert.NoFileExists(t, path+".tmp")

	again, err := c.EnsureDecoded(ctx, "/music/a.mp3", dec.decode)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int32(1), dec.calls.Load())
	assert.Equal(t, int64(100), c.Size())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := newCache(t, 250)
	dec := &fixedDecoder{size: 100}
	ctx := context.Background()

	a, err := c.EnsureDecoded(ctx, "a.mp3", dec.decode)
	require.NoError(t, err)
	_, err = c.EnsureDecoded(ctx, "b.mp3", dec.decode)
	require.NoError(t, err)

	// Touch a so b becomes the oldest
	_, ok := c.Lookup("a.mp3")
	require.True(t, ok)

	_, err = c.EnsureDecoded(ctx, "c.mp3", dec.decode)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(200), c.Size())
	assert.FileExists(t, a)
	_, ok = c.Lookup("b.mp3")
	assert.False(t, ok)
	assert.NoFileExists(t, c.GetPathForKey("b.mp3"))
}

func TestDecodeErrorLeavesNothing(t *testing.T) {
	c := newCache(t, 1<<20)
	boom := errors.New("boom")

	_, err := c.EnsureDecoded(context.Background(), "a.ogg", func(_ context.Context, _, dest string) error {
		require.NoError(t, os.WriteFile(dest, []byte("partial"), 0644))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())
	assert.NoFileExists(t, c.GetPathForKey("a.ogg"))
	assert.NoFileExists(t, c.GetPathForKey("a.ogg")+".tmp")
}

func TestPersistsAcrossInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	c, err := NewDiskCache(dir, 1<<20, zerolog.Nop())
	require.NoError(t, err)
	dec := &fixedDecoder{size: 64}
	path, err := c.EnsureDecoded(context.Background(), "a.mp3", dec.decode)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.wav.tmp"), []byte("x"), 0644))

	reopened, err := NewDiskCache(dir, 1<<20, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
	assert.Equal(t, int64(64), reopened.Size())
	assert.NoFileExists(t, filepath.Join(dir, "stale.wav.tmp"))

	got, ok := reopened.Lookup("a.mp3")
	assert.True(t, ok)
	assert.Equal(t, path, got)
}

func TestInvalidateAndMissingFiles(t *testing.T) {
	c := newCache(t, 1<<20)
	dec := &fixedDecoder{size: 10}
	ctx := context.Background()

	path, err := c.EnsureDecoded(ctx, "a.mp3", dec.decode)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate("a.mp3"))
	assert.NoFileExists(t, path)
	assert.Zero(t, c.Size())
	require.NoError(t, c.Invalidate("a.mp3"), "invalidating twice is fine")

	path, err = c.EnsureDecoded(ctx, "b.mp3", dec.decode)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	_, ok := c.Lookup("b.mp3")
	assert.False(t, ok, "externally removed files drop out")
	assert.Zero(t, c.Len())

	_, err = c.EnsureDecoded(ctx, "c.mp3", dec.decode)
	require.NoError(t, err)
	require.NoError(t, c.Clear())
	assert.Zero(t, c.Len())
	assert.DirExists(t, c.cacheDir)
}

func TestImporterPassesLocalWAV(t *testing.T) {
	imp := NewImporter(newCache(t, 1<<20), zerolog.Nop())
	ctx := context.Background()

	got, err := imp.Resolve(ctx, "/music/a.wav")
	require.NoError(t, err)
	assert.Equal(t, "/music/a.wav", got)

	got, err = imp.Resolve(ctx, "/music/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/music/a.txt", got, "the parser rejects unknown files")
}

func TestImporterReportsTrackErrors(t *testing.T) {
	c := newCache(t, 1<<20)
	imp := NewImporter(c, zerolog.Nop())
	bad := pcmtest.WriteFile(t, t.TempDir(), "bad.mp3", []byte("not an mpeg stream"))

	_, err := imp.Resolve(context.Background(), bad)
	require.Error(t, err)
	var fe *pcm.FormatError
	assert.ErrorAs(t, err, &fe)
	assert.Zero(t, c.Len())

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err = imp.Resolve(context.Background(), srv.URL+"/missing.wav")
	var ie *pcm.IOError
	assert.ErrorAs(t, err, &ie)

	_, err = imp.Resolve(context.Background(), srv.URL+"/track.flac")
	assert.True(t, pcm.IsTrackError(err))
}

func TestImporterFetchesRemoteTracks(t *testing.T) {
	data := pcmtest.WAV(8000, 1, 16, pcmtest.Ramp(50))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write(data)
	}))
	defer srv.Close()

	c := newCache(t, 1<<20)
	imp := NewImporter(c, zerolog.Nop())
	url := srv.URL + "/tracks/a.wav?token=1"

	path, err := imp.Resolve(context.Background(), url)
	require.NoError(t, err)
	desc, err := pcm.Parse(path)
	require.NoError(t, err)
	assert.Equal(t, int64(50), desc.TotalSamples)

	_, err = imp.Resolve(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	entries, err := os.ReadDir(c.cacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the download is removed after decoding")
}
