package commands

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire schema (proto3 semantics, preserved bit-for-bit for interop):
//
//	Command           1: type (varint enum)
//	                  2: command_id (varint)
//	                  3: pose_reset_payload (message, one-of keyed by type)
//	PoseResetPayload  1: target_pose (Pose2d message)
//	Pose2d            1: x (double)  2: y (double)  3: rotation (double)
//	Response          1: command_id (varint)
//	                  2: success (varint bool)
//	                  3: error_message (string)
//
// Zero-valued fields are omitted, matching canonical proto3 encoding.

// MarshalCommand encodes a command for the wire.
func MarshalCommand(c Command) []byte {
	var b []byte
	if c.Type != TypeUnspecified {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Type))
	}
	if c.ID != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.ID))
	}
	if c.PoseReset != nil {
		payload := marshalPoseResetPayload(*c.PoseReset)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b
}

func marshalPoseResetPayload(p PoseReset2d) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalPose2d(p))
	return b
}

func marshalPose2d(p PoseReset2d) []byte {
	var b []byte
	if p.X != 0 {
		b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(p.X))
	}
	if p.Y != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(p.Y))
	}
	if p.Rotation != 0 {
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(p.Rotation))
	}
	return b
}

// UnmarshalCommand decodes a wire command. Unknown fields are skipped for
// forward compatibility.
func UnmarshalCommand(data []byte) (Command, error) {
	var c Command
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Command{}, fmt.Errorf("malformed command: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Command{}, fmt.Errorf("malformed command type: %w", protowire.ParseError(n))
			}
			c.Type = Type(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Command{}, fmt.Errorf("malformed command id: %w", protowire.ParseError(n))
			}
			c.ID = uint32(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Command{}, fmt.Errorf("malformed pose reset payload: %w", protowire.ParseError(n))
			}
			pr, err := unmarshalPoseResetPayload(v)
			if err != nil {
				return Command{}, err
			}
			c.PoseReset = &pr
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Command{}, fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return c, nil
}

func unmarshalPoseResetPayload(data []byte) (PoseReset2d, error) {
	var p PoseReset2d
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return PoseReset2d{}, fmt.Errorf("malformed pose reset payload: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return PoseReset2d{}, fmt.Errorf("malformed target pose: %w", protowire.ParseError(n))
			}
			pose, err := unmarshalPose2d(v)
			if err != nil {
				return PoseReset2d{}, err
			}
			p = pose
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return PoseReset2d{}, fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return p, nil
}

func unmarshalPose2d(data []byte) (PoseReset2d, error) {
	var p PoseReset2d
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return PoseReset2d{}, fmt.Errorf("malformed pose: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ == protowire.Fixed64Type && num >= 1 && num <= 3 {
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return PoseReset2d{}, fmt.Errorf("malformed pose field %d: %w", num, protowire.ParseError(n))
			}
			f := math.Float64frombits(v)
			switch num {
			case 1:
				p.X = f
			case 2:
				p.Y = f
			case 3:
				p.Rotation = f
			}
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return PoseReset2d{}, fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return p, nil
}

// MarshalResponse encodes a command response for the wire.
func MarshalResponse(r Response) []byte {
	var b []byte
	if r.CommandID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.CommandID))
	}
	if r.Success {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if r.Error != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, r.Error)
	}
	return b
}

// UnmarshalResponse decodes a wire command response.
func UnmarshalResponse(data []byte) (Response, error) {
	var r Response
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Response{}, fmt.Errorf("malformed response: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Response{}, fmt.Errorf("malformed command id: %w", protowire.ParseError(n))
			}
			r.CommandID = uint32(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Response{}, fmt.Errorf("malformed success flag: %w", protowire.ParseError(n))
			}
			r.Success = v != 0
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Response{}, fmt.Errorf("malformed error message: %w", protowire.ParseError(n))
			}
			r.Error = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Response{}, fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}
