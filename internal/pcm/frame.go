package pcm

// FrameStatus is the outcome of pulling one frame from a frame source
type FrameStatus int

const (
	// FrameOK means the returned bytes hold one whole frame
	FrameOK FrameStatus = iota
	// FrameUnderrun means no data is ready yet; the caller substitutes silence
	FrameUnderrun
	// FrameEnd means the current track has no more data
	FrameEnd
	// FrameFailed means the source cannot deliver the rest of the track
	FrameFailed
)

func (s FrameStatus) String() string {
	switch s {
	case FrameOK:
		return "ok"
	case FrameUnderrun:
		return "underrun"
	case FrameEnd:
		return "end"
	case FrameFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FrameSource hands out interleaved frames. The returned slice is only
// valid until the next call.
type FrameSource interface {
	ReadFrame(width int) ([]byte, FrameStatus)
}
