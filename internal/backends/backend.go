package backends

// Channel selects one side of the stereo output FIFO
type Channel int

const (
	Left Channel = iota
	Right
)

func (c Channel) String() string {
	if c == Left {
		return "left"
	}
	return "right"
}

// Device is the hardware output sink: a pair of write-space-limited FIFOs
// drained at a fixed rate, plus a control register.
type Device interface {
	// Write-space queries never block
	AvailableWriteSpace(ch Channel) int
	WriteSample(ch Channel, value int32)

	// Domain control
	Reset() error
	Enable() error

	// Name identifies the device in logs and status output
	Name() string
}

// DeviceFactory creates a new device instance
type DeviceFactory func() (Device, error)
