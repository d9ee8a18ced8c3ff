package questnav

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"github.com/STMARobotics/QuestNav-sub003/apriltag"
	"github.com/STMARobotics/QuestNav-sub003/capture"
)

// HostClient adapts a generic resource speaking the passthrough-host
// DoCommand protocol to the capture.CameraHost interface. Intrinsics are
// cached per resolution and refreshed on resolution changes.
type HostClient struct {
	res    resource.Resource
	logger logging.Logger

	fx, fy, cx, cy float64
}

// NewHostClient wraps the camera host resource.
func NewHostClient(res resource.Resource, logger logging.Logger) *HostClient {
	return &HostClient{res: res, logger: logger}
}

func (h *HostClient) SetEnabled(enabled bool) error {
	command := "enable"
	if !enabled {
		command = "disable"
	}
	resp, err := h.res.DoCommand(context.Background(), map[string]interface{}{"command": command})
	if err != nil {
		if strings.Contains(err.Error(), "permission") {
			return fmt.Errorf("%w: %v", capture.ErrCameraPermission, err)
		}
		return err
	}
	if denied, ok := resp["permission_denied"].(bool); ok && denied {
		return capture.ErrCameraPermission
	}
	return nil
}

func (h *HostClient) SetResolution(res capture.Resolution) error {
	resp, err := h.res.DoCommand(context.Background(), map[string]interface{}{
		"command": "set-resolution",
		"width":   res.Width,
		"height":  res.Height,
	})
	if err != nil {
		return err
	}
	h.cacheIntrinsics(resp)
	return nil
}

func (h *HostClient) CaptureFrame(ctx context.Context) (*capture.RawFrame, error) {
	resp, err := h.res.DoCommand(ctx, map[string]interface{}{"command": "capture-frame"})
	if err != nil {
		if strings.Contains(err.Error(), "permission") {
			return nil, fmt.Errorf("%w: %v", capture.ErrCameraPermission, err)
		}
		return nil, err
	}

	width, ok := resp["width"].(float64)
	if !ok {
		return nil, fmt.Errorf("frame width is not a number")
	}
	height, ok := resp["height"].(float64)
	if !ok {
		return nil, fmt.Errorf("frame height is not a number")
	}
	pixels, err := bytesField(resp["pixels"])
	if err != nil {
		return nil, fmt.Errorf("frame pixels: %w", err)
	}
	w, ht := int(width), int(height)
	if len(pixels) < w*ht*4 {
		return nil, fmt.Errorf("frame buffer too small: %d bytes for %dx%d rgba", len(pixels), w, ht)
	}
	return &capture.RawFrame{
		Width:      w,
		Height:     ht,
		Stride:     w * 4,
		Pixels:     pixels,
		CapturedAt: time.Now(),
	}, nil
}

func (h *HostClient) SupportedResolutions() []capture.Resolution {
	resp, err := h.res.DoCommand(context.Background(), map[string]interface{}{"command": "supported-resolutions"})
	if err != nil {
		h.logger.Errorf("failed to list supported resolutions: %v", err)
		return nil
	}
	raw, ok := resp["resolutions"].([]interface{})
	if !ok {
		h.logger.Errorf("supported resolutions response is not a list")
		return nil
	}
	out := make([]capture.Resolution, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			h.logger.Warnf("resolution %d is not a map, skipping", i)
			continue
		}
		width, ok := m["width"].(float64)
		if !ok {
			h.logger.Warnf("resolution %d width is not a number, skipping", i)
			continue
		}
		height, ok := m["height"].(float64)
		if !ok {
			h.logger.Warnf("resolution %d height is not a number, skipping", i)
			continue
		}
		out = append(out, capture.Resolution{Width: int(width), Height: int(height)})
	}
	h.cacheIntrinsics(resp)
	return out
}

func (h *HostClient) Intrinsics() (fx, fy, cx, cy float64) {
	resp, err := h.res.DoCommand(context.Background(), map[string]interface{}{"command": "intrinsics"})
	if err != nil {
		h.logger.Warnf("failed to read intrinsics, using cached values: %v", err)
		return h.fx, h.fy, h.cx, h.cy
	}
	h.cacheIntrinsics(resp)
	return h.fx, h.fy, h.cx, h.cy
}

func (h *HostClient) cacheIntrinsics(resp map[string]interface{}) {
	intr, ok := resp["intrinsics"].(map[string]interface{})
	if !ok {
		return
	}
	if v, ok := intr["fx"].(float64); ok {
		h.fx = v
	}
	if v, ok := intr["fy"].(float64); ok {
		h.fy = v
	}
	if v, ok := intr["cx"].(float64); ok {
		h.cx = v
	}
	if v, ok := intr["cy"].(float64); ok {
		h.cy = v
	}
}

// DetectorClient adapts a generic resource speaking the detector DoCommand
// protocol to the apriltag.Detector interface. The heavy pixel buffer goes
// over as raw bytes; detections come back as a list of
// {id, corners: [{x, y} x4]} maps.
type DetectorClient struct {
	res resource.Resource
}

// NewDetectorClient wraps the detector resource.
func NewDetectorClient(res resource.Resource) *DetectorClient {
	return &DetectorClient{res: res}
}

func (d *DetectorClient) Detect(ctx context.Context, gray *capture.GrayImage) ([]apriltag.Detection, error) {
	resp, err := d.res.DoCommand(ctx, map[string]interface{}{
		"command": "detect",
		"family":  apriltag.Family,
		"width":   gray.Width,
		"height":  gray.Height,
		"pixels":  gray.Pixels,
	})
	if err != nil {
		return nil, err
	}
	raw, ok := resp["detections"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("detections response is not a list")
	}
	out := make([]apriltag.Detection, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("detection %d is not a map", i)
		}
		id, ok := m["id"].(float64)
		if !ok {
			return nil, fmt.Errorf("detection %d id is not a number", i)
		}
		cornersRaw, ok := m["corners"].([]interface{})
		if !ok || len(cornersRaw) != 4 {
			return nil, fmt.Errorf("detection %d must have exactly 4 corners", i)
		}
		det := apriltag.Detection{ID: int(id)}
		for j, cr := range cornersRaw {
			cm, ok := cr.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("detection %d corner %d is not a map", i, j)
			}
			x, ok := cm["x"].(float64)
			if !ok {
				return nil, fmt.Errorf("detection %d corner %d x is not a number", i, j)
			}
			y, ok := cm["y"].(float64)
			if !ok {
				return nil, fmt.Errorf("detection %d corner %d y is not a number", i, j)
			}
			det.Corners[j] = apriltag.Point2{X: x, Y: y}
		}
		out = append(out, det)
	}
	return out, nil
}

// bytesField accepts either raw bytes or the base64 string form the
// struct-value transport turns them into.
func bytesField(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		decoded, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unexpected payload type %T", v)
	}
}
