package emitter

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famish99/fifoplayd/internal/backends"
	"github.com/famish99/fifoplayd/internal/pcm"
	"github.com/famish99/fifoplayd/internal/pcmtest"
)

// fakeDevice has unlimited space unless told otherwise and records writes
type fakeDevice struct {
	space   [2]int
	samples [2][]int32
	queries int
}

func newFakeDevice(space int) *fakeDevice {
	return &fakeDevice{space: [2]int{space, space}}
}

func (d *fakeDevice) AvailableWriteSpace(ch backends.Channel) int {
	d.queries++
	return d.space[ch]
}

func (d *fakeDevice) WriteSample(ch backends.Channel, v int32) {
	d.samples[ch] = append(d.samples[ch], v)
}

func (d *fakeDevice) Reset() error  { return nil }
func (d *fakeDevice) Enable() error { return nil }
func (d *fakeDevice) Name() string  { return "fake" }

// sliceSource serves frames from a byte slice, optionally looping
type sliceSource struct {
	data     []byte
	pos      int
	loop     bool
	underrun bool
	// failAt makes reads from this offset on report a failed source
	failAt int
	reads  int
}

func (s *sliceSource) ReadFrame(width int) ([]byte, pcm.FrameStatus) {
	s.reads++
	if s.underrun {
		return nil, pcm.FrameUnderrun
	}
	if s.failAt > 0 && s.pos >= s.failAt {
		return nil, pcm.FrameFailed
	}
	if s.pos+width > len(s.data) {
		if !s.loop {
			return nil, pcm.FrameEnd
		}
		s.pos = 0
	}
	f := s.data[s.pos : s.pos+width]
	s.pos += width
	return f, pcm.FrameOK
}

func descFor(t *testing.T, rate, channels, bits int, data []byte) *pcm.TrackDescriptor {
	t.Helper()
	desc, err := pcm.NewDescriptor("test.wav", rate, channels, bits, 44, int64(len(data)))
	require.NoError(t, err)
	return desc
}

func TestTickSkipsWhenNoWriteSpace(t *testing.T) {
	data := pcmtest.Ramp(100)
	src := &sliceSource{data: data}

	for _, space := range [][2]int{{0, 10}, {10, 0}} {
		dev := &fakeDevice{space: space}
		e := New(dev, Options{HardwareRate: 8000, Budget: 10, Attenuation: 1}, zerolog.Nop())
		e.SetTrack(src, descFor(t, 8000, 1, 16, data))

		res := e.Tick()
		assert.True(t, res.Busy)
		assert.Zero(t, res.Written)
		assert.Empty(t, dev.samples[0])
		assert.Empty(t, dev.samples[1])
	}
	assert.Zero(t, src.reads, "busy ticks never touch the source")
}

func TestTickHonorsBudgetAndSpace(t *testing.T) {
	data := pcmtest.Ramp(100)

	tests := []struct {
		name   string
		budget int
		space  [2]int
		want   int
	}{
		{"budget bound", 10, [2]int{128, 128}, 10},
		{"left bound", 10, [2]int{3, 128}, 3},
		{"right bound", 10, [2]int{128, 7}, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{space: tt.space}
			e := New(dev, Options{HardwareRate: 8000, Budget: tt.budget, Attenuation: 1}, zerolog.Nop())
			e.SetTrack(&sliceSource{data: data}, descFor(t, 8000, 1, 16, data))

			res := e.Tick()
			assert.Equal(t, tt.want, res.Written)
			assert.Len(t, dev.samples[0], tt.want)
			assert.Len(t, dev.samples[1], tt.want)
		})
	}
}

func TestRateAdaptationConsumesSourceRate(t *testing.T) {
	tests := []struct {
		src, hw int
	}{
		{44100, 48000},
		{8000, 48000},
		{48000, 48000},
		{96000, 48000},
		{22050, 44100},
	}

	for _, tt := range tests {
		data := make([]byte, 2*1024)
		desc := descFor(t, tt.src, 1, 16, data)
		e := New(newFakeDevice(1<<30), Options{HardwareRate: tt.hw, Budget: tt.hw, Attenuation: 1}, zerolog.Nop())
		e.SetTrack(&sliceSource{data: data, loop: true}, desc)

		res := e.Tick()
		require.Equal(t, tt.hw, res.Written)
		assert.InDelta(t, tt.src, res.Consumed, 1, "%d -> %d", tt.src, tt.hw)
	}
}

func TestRateAdaptationTakesFrameOnFirstSample(t *testing.T) {
	data := pcmtest.Int16Frames(400, 800)
	dev := newFakeDevice(100)
	e := New(dev, Options{HardwareRate: 48000, Budget: 6, Attenuation: 1}, zerolog.Nop())
	e.SetTrack(&sliceSource{data: data}, descFor(t, 8000, 1, 16, data))

	res := e.Tick()
	assert.Equal(t, 1, res.Consumed)
	assert.Equal(t, []int32{400, 400, 400, 400, 400, 400}, dev.samples[0])

	e.Tick()
	assert.Equal(t, int32(800), dev.samples[0][6])
}

func TestDecodeExpandsAndAttenuates(t *testing.T) {
	t.Run("8-bit mono", func(t *testing.T) {
		data := []byte{255, 128, 0}
		dev := newFakeDevice(100)
		e := New(dev, Options{HardwareRate: 8000, Budget: 3, Attenuation: 4}, zerolog.Nop())
		e.SetTrack(&sliceSource{data: data}, descFor(t, 8000, 1, 8, data))

		e.Tick()
		assert.Equal(t, []int32{127 << 8 / 4, 0, -128 << 8 / 4}, dev.samples[0])
		assert.Equal(t, dev.samples[0], dev.samples[1], "mono goes to both channels")
	})

	t.Run("16-bit stereo", func(t *testing.T) {
		data := pcmtest.Int16Frames(1000, -1000, 32767, -32768)
		dev := newFakeDevice(100)
		e := New(dev, Options{HardwareRate: 8000, Budget: 2, Attenuation: 2}, zerolog.Nop())
		e.SetTrack(&sliceSource{data: data}, descFor(t, 8000, 2, 16, data))

		e.Tick()
		assert.Equal(t, []int32{500, 16383}, dev.samples[0])
		assert.Equal(t, []int32{-500, -16384}, dev.samples[1])
	})

	t.Run("unit attenuation keeps full scale", func(t *testing.T) {
		data := pcmtest.Int16Frames(-32768, 32767)
		dev := newFakeDevice(100)
		e := New(dev, Options{HardwareRate: 8000, Budget: 2, Attenuation: 0}, zerolog.Nop())
		e.SetTrack(&sliceSource{data: data}, descFor(t, 8000, 1, 16, data))

		e.Tick()
		assert.Equal(t, []int32{-32768, 32767}, dev.samples[0])
	})
}

func TestUnderrunWritesSilence(t *testing.T) {
	data := pcmtest.Ramp(8)
	src := &sliceSource{data: data}
	dev := newFakeDevice(100)
	e := New(dev, Options{HardwareRate: 8000, Budget: 4, Attenuation: 1}, zerolog.Nop())
	desc := descFor(t, 8000, 1, 16, data)
	e.SetTrack(src, desc)

	e.Tick()
	src.underrun = true
	res := e.Tick()

	assert.True(t, res.Underrun)
	assert.Equal(t, 4, res.Written, "underrun still keeps the FIFO fed")
	assert.Equal(t, []int32{0, 0, 0, 0}, dev.samples[0][4:])
	assert.EqualValues(t, 4, e.Underruns())
	assert.False(t, res.Ended)
}

func TestEndOfTrackNotifiesOnce(t *testing.T) {
	data := pcmtest.Ramp(5)
	var ended []*pcm.TrackDescriptor
	dev := newFakeDevice(100)
	e := New(dev, Options{
		HardwareRate: 8000,
		Budget:       10,
		Attenuation:  1,
		OnEnd:        func(d *pcm.TrackDescriptor) { ended = append(ended, d) },
	}, zerolog.Nop())
	desc := descFor(t, 8000, 1, 16, data)
	e.SetTrack(&sliceSource{data: data}, desc)

	res := e.Tick()
	assert.True(t, res.Ended)
	assert.Equal(t, 5, res.Written, "stops early at end of track")
	assert.EqualValues(t, 5, desc.SamplesPlayed())
	assert.True(t, desc.Exhausted())

	res = e.Tick()
	assert.True(t, res.Ended)
	assert.Zero(t, res.Written)
	require.Len(t, ended, 1)
	assert.Same(t, desc, ended[0])

	// A new track clears the end latch
	next := descFor(t, 8000, 1, 16, data)
	e.SetTrack(&sliceSource{data: data}, next)
	res = e.Tick()
	assert.Equal(t, 5, res.Written)
}

func TestFailedSourceCallsFailHook(t *testing.T) {
	data := pcmtest.Ramp(8)
	var ended, failed int
	dev := newFakeDevice(100)
	e := New(dev, Options{
		HardwareRate: 8000,
		Budget:       10,
		Attenuation:  1,
		OnEnd:        func(*pcm.TrackDescriptor) { ended++ },
		OnFail:       func(*pcm.TrackDescriptor) { failed++ },
	}, zerolog.Nop())
	e.SetTrack(&sliceSource{data: data, failAt: 6}, descFor(t, 8000, 1, 16, data))

	res := e.Tick()
	assert.True(t, res.Ended)
	assert.True(t, res.Failed)
	assert.Equal(t, 3, res.Written, "frames before the failure are played")

	res = e.Tick()
	assert.Zero(t, res.Written)
	assert.Equal(t, 1, failed)
	assert.Zero(t, ended)
}

func TestLoopingSourceRestartsPlayedCount(t *testing.T) {
	data := pcmtest.Ramp(4)
	dev := newFakeDevice(100)
	e := New(dev, Options{HardwareRate: 8000, Budget: 6, Attenuation: 1}, zerolog.Nop())
	desc := descFor(t, 8000, 1, 16, data)
	e.SetTrack(&sliceSource{data: data, loop: true}, desc)

	res := e.Tick()
	assert.Equal(t, 6, res.Consumed)
	assert.EqualValues(t, 2, desc.SamplesPlayed())
	assert.LessOrEqual(t, desc.SamplesPlayed(), desc.TotalSamples)
}

func TestTickWithoutTrackWritesNothing(t *testing.T) {
	dev := newFakeDevice(100)
	e := New(dev, Options{HardwareRate: 8000, Budget: 10, Attenuation: 1}, zerolog.Nop())

	res := e.Tick()
	assert.Zero(t, res.Written)
	assert.False(t, res.Busy)
	assert.Empty(t, dev.samples[0])
}
