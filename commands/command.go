// Package commands arbitrates externally issued control commands: one
// arrival-ordered batch per pass, supersession then freshness filtering then
// exactly-once execution, with a response routed back to each command's
// initiator.
package commands

// Type is the wire command type enum. Values are part of the wire schema and
// must not be renumbered.
type Type int32

const (
	// TypeUnspecified is the proto default/zero value, reserved as a
	// deliberate no-op, never a real command.
	TypeUnspecified Type = 0
	// TypePoseReset rebases the reported tracking frame to a target pose.
	TypePoseReset Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeUnspecified:
		return "unspecified"
	case TypePoseReset:
		return "pose-reset"
	default:
		return "unknown"
	}
}

// PoseReset2d is the pose-reset payload: a target field-relative 2D pose,
// x forward, y left (meters), rotation counter-clockwise positive (radians).
type PoseReset2d struct {
	X        float64
	Y        float64
	Rotation float64
}

// Command is one externally issued command. Identity for deduplication is ID;
// LastChangeMicros is the receipt/last-change timestamp in the shared
// microsecond time base.
type Command struct {
	Type             Type
	ID               uint32
	PoseReset        *PoseReset2d
	LastChangeMicros int64
}

// Response is the terminal result for one processed command.
type Response struct {
	CommandID uint32
	Success   bool
	Error     string
}

// Pending pairs a command with the delivery context of its initiator.
type Pending struct {
	Command Command
	Ctx     Context
}

// Snapshot is one arrival-ordered batch read from the external queue
// collaborator, plus the queue's current time in the same base as
// LastChangeMicros. The arbiter never mutates the source queue.
type Snapshot struct {
	NowMicros int64
	Pending   []Pending
}
