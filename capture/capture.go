// Package capture maintains a continuously refreshed camera frame for tag
// detection, pacing captures at the selected video mode's rate.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage"
	rdkutils "go.viam.com/rdk/utils"
	viamutils "go.viam.com/utils"
)

// ErrCameraPermission is the terminal failure for the capture loop: the host
// refused camera access. Retrying cannot succeed without external permission
// changes, so the loop halts instead of retrying.
var ErrCameraPermission = errors.New("camera permission denied")

// CameraHost is the external passthrough camera collaborator. Implementations
// wrap whatever XR/camera host actually owns the device.
type CameraHost interface {
	// SetEnabled turns camera access on or off. May return
	// ErrCameraPermission (possibly wrapped).
	SetEnabled(enabled bool) error
	// SetResolution applies a requested capture resolution. Only called
	// while the camera is disabled.
	SetResolution(res Resolution) error
	// CaptureFrame returns the current camera texture as an RGBA buffer.
	CaptureFrame(ctx context.Context) (*RawFrame, error)
	// SupportedResolutions enumerates what the camera position can deliver.
	SupportedResolutions() []Resolution
	// Intrinsics returns the pinhole parameters for the current resolution.
	Intrinsics() (fx, fy, cx, cy float64)
}

// State is the capture loop's lifecycle state.
type State int

const (
	// StateDisabled: the passthrough feature flag is off.
	StateDisabled State = iota
	// StateWaitingForCamera: feature on, camera access not yet up.
	StateWaitingForCamera
	// StateCapturing: steady state.
	StateCapturing
	// StateHalted: terminal, camera permission was denied.
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateWaitingForCamera:
		return "waiting-for-camera"
	case StateCapturing:
		return "capturing"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// EncodedFrame is a monotonic frame index plus an encoded payload. Replaced
// wholesale each cycle; readers always see the latest complete frame.
type EncodedFrame struct {
	Index uint64
	Data  []byte
}

// FrameHandler receives each converted grayscale frame. Called from the
// capture goroutine after the conversion synchronization point; it should
// hand work off quickly (the pipeline applies its own back-pressure).
type FrameHandler func(ctx context.Context, gray *GrayImage, index uint64)

// disabledPollInterval is how often the loop re-checks the feature flag while
// suspended.
const disabledPollInterval = 100 * time.Millisecond

// Source drives the Disabled -> WaitingForCamera -> Capturing state machine
// and keeps the latest encoded frame available.
type Source struct {
	logger logging.Logger
	host   CameraHost

	// hostMu serializes host access so a mode change never interleaves with
	// a capture: disable, set resolution, re-enable is one critical section.
	hostMu        sync.Mutex
	modes         []VideoMode
	modeIndex     int
	cameraEnabled bool

	mu             sync.RWMutex
	state          State
	frame          EncodedFrame
	frameIndex     uint64
	featureEnabled bool
	haltErr        error

	flipVertical bool
	handler      FrameHandler

	workers *viamutils.StoppableWorkers
}

// NewSource enumerates video modes from the host and prepares (but does not
// start) the capture loop.
func NewSource(host CameraHost, flipVertical bool, logger logging.Logger) (*Source, error) {
	resolutions := host.SupportedResolutions()
	if len(resolutions) == 0 {
		return nil, errors.New("camera host reports no supported resolutions")
	}
	modes := EnumerateModes(resolutions)
	s := &Source{
		logger:       logger,
		host:         host,
		modes:        modes,
		modeIndex:    DefaultModeIndex(modes),
		flipVertical: flipVertical,
		state:        StateDisabled,
	}
	return s, nil
}

// SetFrameHandler installs the downstream consumer. Must be called before
// Start.
func (s *Source) SetFrameHandler(h FrameHandler) {
	s.handler = h
}

// Start launches the capture loop on a background worker.
func (s *Source) Start() {
	s.workers = viamutils.NewBackgroundStoppableWorkers(s.loop)
}

// Close stops the capture loop and disables camera access.
func (s *Source) Close() {
	if s.workers != nil {
		s.workers.Stop()
	}
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	if s.cameraEnabled {
		if err := s.host.SetEnabled(false); err != nil {
			s.logger.Warnf("failed to disable camera on close: %v", err)
		}
		s.cameraEnabled = false
	}
}

// SetFeatureEnabled flips the passthrough feature flag. Takes effect at the
// next loop iteration, never mid-frame.
func (s *Source) SetFeatureEnabled(enabled bool) {
	s.mu.Lock()
	s.featureEnabled = enabled
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Source) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the terminal error after a halt, or nil.
func (s *Source) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.haltErr
}

// Modes returns the enumerated mode list.
func (s *Source) Modes() []VideoMode {
	return s.modes
}

// Mode returns the currently selected video mode.
func (s *Source) Mode() VideoMode {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	return s.modes[s.modeIndex]
}

// SetMode selects a new video mode. While capturing, camera access is
// disabled, the resolution applied, and access re-enabled as one synchronous
// step; capture blocks until the camera is ready again.
func (s *Source) SetMode(index int) error {
	if index < 0 || index >= len(s.modes) {
		return fmt.Errorf("video mode index %d out of range [0,%d)", index, len(s.modes))
	}
	s.hostMu.Lock()
	defer s.hostMu.Unlock()

	mode := s.modes[index]
	if s.cameraEnabled {
		if err := s.host.SetEnabled(false); err != nil {
			return fmt.Errorf("failed to disable camera for mode change: %w", err)
		}
		if err := s.host.SetResolution(Resolution{Width: mode.Width, Height: mode.Height}); err != nil {
			return fmt.Errorf("failed to apply resolution %dx%d: %w", mode.Width, mode.Height, err)
		}
		if err := s.host.SetEnabled(true); err != nil {
			return fmt.Errorf("failed to re-enable camera after mode change: %w", err)
		}
	} else {
		if err := s.host.SetResolution(Resolution{Width: mode.Width, Height: mode.Height}); err != nil {
			return fmt.Errorf("failed to apply resolution %dx%d: %w", mode.Width, mode.Height, err)
		}
	}
	s.modeIndex = index
	s.logger.Infof("video mode set to %s", mode)
	return nil
}

// LatestFrame returns the most recent encoded frame snapshot. ok is false
// until the first capture completes.
func (s *Source) LatestFrame() (EncodedFrame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame, s.frame.Index > 0
}

// FrameIndex returns the number of frames captured so far.
func (s *Source) FrameIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frameIndex
}

func (s *Source) setState(st State) {
	s.mu.Lock()
	if s.state != st {
		s.logger.Debugf("capture state: %s -> %s", s.state, st)
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Source) halt(err error) {
	s.logger.Errorf("capture loop halted: %v", err)
	s.mu.Lock()
	s.state = StateHalted
	s.haltErr = err
	s.mu.Unlock()
}

func (s *Source) loop(ctx context.Context) {
	s.logger.Info("starting capture loop")
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.RLock()
		enabled := s.featureEnabled
		halted := s.state == StateHalted
		s.mu.RUnlock()
		if halted {
			return
		}

		if !enabled {
			s.ensureCameraDisabled()
			s.setState(StateDisabled)
			if !viamutils.SelectContextOrWait(ctx, disabledPollInterval) {
				return
			}
			continue
		}

		if !s.ensureCameraEnabled() {
			// halt already recorded, or transient failure
			s.mu.RLock()
			halted := s.state == StateHalted
			s.mu.RUnlock()
			if halted {
				return
			}
			s.setState(StateWaitingForCamera)
			if !viamutils.SelectContextOrWait(ctx, disabledPollInterval) {
				return
			}
			continue
		}

		s.setState(StateCapturing)
		if err := s.captureOnce(ctx); err != nil {
			if errors.Is(err, ErrCameraPermission) {
				s.halt(err)
				return
			}
			s.logger.Warnf("capture cycle failed: %v", err)
		}

		if !viamutils.SelectContextOrWait(ctx, s.frameDelay()) {
			return
		}
	}
}

// frameDelay is the pacing interval: 1s / max(1, fps).
func (s *Source) frameDelay() time.Duration {
	fps := s.Mode().FPS
	if fps < 1 {
		fps = 1
	}
	return time.Second / time.Duration(fps)
}

func (s *Source) ensureCameraEnabled() bool {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	if s.cameraEnabled {
		return true
	}
	if err := s.host.SetEnabled(true); err != nil {
		if errors.Is(err, ErrCameraPermission) {
			s.halt(err)
			return false
		}
		s.logger.Warnf("failed to enable camera: %v", err)
		return false
	}
	s.cameraEnabled = true
	return true
}

func (s *Source) ensureCameraDisabled() {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	if !s.cameraEnabled {
		return
	}
	if err := s.host.SetEnabled(false); err != nil {
		s.logger.Warnf("failed to disable camera: %v", err)
		return
	}
	s.cameraEnabled = false
}

func (s *Source) captureOnce(ctx context.Context) error {
	s.hostMu.Lock()
	raw, err := s.host.CaptureFrame(ctx)
	s.hostMu.Unlock()
	if err != nil {
		return err
	}

	// Conversion is the synchronization point: detection never sees a
	// partially converted frame.
	gray := Grayscale(raw, s.flipVertical)

	encoded, err := s.encode(ctx, raw)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	s.mu.Lock()
	s.frameIndex++
	index := s.frameIndex
	s.frame = EncodedFrame{Index: index, Data: encoded}
	s.mu.Unlock()

	if s.handler != nil {
		s.handler(ctx, gray, index)
	}
	return nil
}

func (s *Source) encode(ctx context.Context, raw *RawFrame) ([]byte, error) {
	img := &image.RGBA{
		Pix:    raw.Pixels,
		Stride: raw.Stride,
		Rect:   image.Rect(0, 0, raw.Width, raw.Height),
	}
	return rimage.EncodeImage(ctx, img, rdkutils.MimeTypeJPEG)
}
