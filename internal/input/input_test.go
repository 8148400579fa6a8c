package input

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestDebouncer(window time.Duration) (*Debouncer, *fakeClock) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	d := NewDebouncer(window)
	d.now = clock.now
	return d, clock
}

func TestDebouncerCollapsesEdgesInWindow(t *testing.T) {
	d, clock := newTestDebouncer(200 * time.Millisecond)

	assert.True(t, d.Edge(Next))
	clock.t = clock.t.Add(150 * time.Millisecond)
	assert.False(t, d.Edge(Next), "second edge inside the window")

	clock.t = clock.t.Add(100 * time.Millisecond)
	assert.True(t, d.Edge(Next), "window runs from the last accepted edge")
}

func TestDebouncerTracksControlsSeparately(t *testing.T) {
	d, clock := newTestDebouncer(200 * time.Millisecond)

	assert.True(t, d.Edge(Next))
	assert.True(t, d.Edge(Previous))
	assert.True(t, d.Edge(PlayPause))

	clock.t = clock.t.Add(10 * time.Millisecond)
	assert.False(t, d.Edge(Previous))
}

func TestFilterForwardsAcceptedEdges(t *testing.T) {
	d, clock := newTestDebouncer(200 * time.Millisecond)

	var got []Control
	sink := d.Filter(func(c Control) { got = append(got, c) })

	sink(PlayPause)
	sink(PlayPause)
	clock.t = clock.t.Add(time.Second)
	sink(PlayPause)
	sink(Stop)

	assert.Equal(t, []Control{PlayPause, PlayPause, Stop}, got)
}

func TestKeyControl(t *testing.T) {
	tests := map[byte]Control{
		' ': PlayPause,
		'1': PlayPause,
		'n': Next,
		'3': Next,
		'p': Previous,
		'4': Previous,
		's': Stop,
		'q': Quit,
	}
	for key, want := range tests {
		got, ok := KeyControl(key)
		require.True(t, ok, "key %q", key)
		assert.Equal(t, want, got, "key %q", key)
	}

	_, ok := KeyControl('x')
	assert.False(t, ok)
}

func TestKeyboardReadsPipe(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	d, _ := newTestDebouncer(200 * time.Millisecond)
	var got []Control
	k := NewKeyboard(r, d, func(c Control) { got = append(got, c) }, zerolog.Nop())

	_, err = w.Write([]byte("nnxp"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, k.Run(ctx))

	assert.Equal(t, []Control{Next, Previous}, got, "the repeated key is debounced")
}
