// Package questnav estimates a headset-mounted camera's field pose from
// AprilTag observations and arbitrates externally issued pose-reset commands.
package questnav

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
	rdkutils "go.viam.com/rdk/utils"

	"github.com/STMARobotics/QuestNav-sub003/apriltag"
	"github.com/STMARobotics/QuestNav-sub003/capture"
	"github.com/STMARobotics/QuestNav-sub003/commands"
	"github.com/STMARobotics/QuestNav-sub003/layout"
	"github.com/STMARobotics/QuestNav-sub003/pipeline"
	"github.com/STMARobotics/QuestNav-sub003/solver"
)

var (
	// TagTracker is the registered model for the localization service.
	TagTracker = resource.NewModel("stma", "questnav", "tag-tracker")
)

func init() {
	resource.RegisterService(genericservice.API, TagTracker,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newTagTracker,
		},
	)
}

// Config configures the tag tracker service.
type Config struct {
	LayoutPath     string  `json:"layout_path"`
	CameraHostName string  `json:"camera_host_name"`
	DetectorName   string  `json:"detector_name"`
	TagSizeMeters  float64 `json:"tag_size_meters"`
	FlipVertical   bool    `json:"flip_vertical"`
	SolverVariant  string  `json:"solver_variant"` // "iterative" or "ransac"
	MaxReprojErrPx float64 `json:"max_reprojection_error_px"`
	CommandTTLMs   int     `json:"command_ttl_ms"`
	EnableOnStart  bool    `json:"enable_on_start"`
}

// Validate ensures all parts of the config are valid and important fields
// exist. Returns implicit required (first return) and optional (second
// return) dependencies based on the config.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.LayoutPath == "" {
		return nil, nil, errors.New("layout_path is required")
	}
	if cfg.CameraHostName == "" {
		return nil, nil, errors.New("camera_host_name is required")
	}
	if cfg.DetectorName == "" {
		return nil, nil, errors.New("detector_name is required")
	}
	// Set defaults
	if cfg.TagSizeMeters == 0 {
		cfg.TagSizeMeters = layout.DefaultTagSizeMeters
	}
	if cfg.SolverVariant == "" {
		cfg.SolverVariant = "iterative"
	}
	if cfg.SolverVariant != "iterative" && cfg.SolverVariant != "ransac" {
		return nil, nil, errors.New("solver_variant must be either 'iterative' or 'ransac'")
	}
	if cfg.MaxReprojErrPx == 0 {
		cfg.MaxReprojErrPx = solver.DefaultMaxReprojErrPx
	}
	if cfg.MaxReprojErrPx < 0 {
		return nil, nil, errors.New("max_reprojection_error_px must be greater than 0")
	}
	if cfg.CommandTTLMs < 0 {
		return nil, nil, errors.New("command_ttl_ms must be greater than or equal to 0")
	}
	return []string{cfg.CameraHostName, cfg.DetectorName}, nil, nil
}

type tagTracker struct {
	resource.AlwaysRebuild
	name resource.Name

	logger logging.Logger
	cfg    *Config

	registry *layout.Registry
	source   *capture.Source
	pipe     *pipeline.Pipeline
	arbiter  *commands.Arbiter
}

func newTagTracker(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	hostRes, err := resource.FromDependencies[resource.Resource](deps, genericservice.Named(conf.CameraHostName))
	if err != nil {
		return nil, fmt.Errorf("failed to get camera host resource: %w", err)
	}
	detRes, err := resource.FromDependencies[resource.Resource](deps, genericservice.Named(conf.DetectorName))
	if err != nil {
		return nil, fmt.Errorf("failed to get detector resource: %w", err)
	}

	host := NewHostClient(hostRes, logger)
	detector := NewDetectorClient(detRes)
	return NewTagTracker(ctx, rawConf.ResourceName(), conf, host, detector, logger)
}

// NewTagTracker assembles the capture, detection, solve, and command
// arbitration stages. The camera host and detector are injected
// collaborators.
func NewTagTracker(ctx context.Context, name resource.Name, conf *Config,
	host capture.CameraHost, detector apriltag.Detector, logger logging.Logger,
) (resource.Resource, error) {
	registry, err := layout.Load(conf.LayoutPath, conf.TagSizeMeters)
	if err != nil {
		return nil, fmt.Errorf("failed to load field layout: %w", err)
	}
	logger.Infof("loaded field layout with %d tags", registry.Size())

	var slv solver.Solver
	switch conf.SolverVariant {
	case "ransac":
		slv = solver.NewRANSACSolver(time.Now().UnixNano())
	default:
		slv = solver.NewIterativeSolver()
	}

	source, err := capture.NewSource(host, conf.FlipVertical, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame source: %w", err)
	}

	intrinsics := func() solver.Intrinsics {
		fx, fy, cx, cy := host.Intrinsics()
		return solver.Intrinsics{Fx: fx, Fy: fy, Cx: cx, Cy: cy}
	}
	pipe := pipeline.New(registry, detector, slv, intrinsics, conf.MaxReprojErrPx, logger)
	source.SetFrameHandler(pipe.HandleFrame)

	arbiter := commands.NewArbiter(time.Duration(conf.CommandTTLMs)*time.Millisecond, logger)

	t := &tagTracker{
		name:     name,
		logger:   logger,
		cfg:      conf,
		registry: registry,
		source:   source,
		pipe:     pipe,
		arbiter:  arbiter,
	}
	arbiter.RegisterHandler(commands.TypePoseReset, t.handlePoseReset)

	source.Start()
	if conf.EnableOnStart {
		source.SetFeatureEnabled(true)
		logger.Info("passthrough capture enabled on start")
	}
	return t, nil
}

func (t *tagTracker) Name() resource.Name {
	return t.name
}

func (t *tagTracker) Close(ctx context.Context) error {
	t.source.Close()
	return nil
}

// handlePoseReset rebases the reported tracking frame onto the command's
// target pose.
func (t *tagTracker) handlePoseReset(ctx context.Context, cmd commands.Command) error {
	if cmd.PoseReset == nil {
		return errors.New("pose reset command carries no target pose")
	}
	t.pipe.ResetPose(pipeline.Pose2d{
		X:        cmd.PoseReset.X,
		Y:        cmd.PoseReset.Y,
		Rotation: cmd.PoseReset.Rotation,
	})
	return nil
}

// ProcessCommandSnapshot runs one arbitration pass. The network transport
// integration calls this once per received update tick.
func (t *tagTracker) ProcessCommandSnapshot(ctx context.Context, snap commands.Snapshot) {
	t.arbiter.Process(ctx, snap)
}

func (t *tagTracker) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	t.logger.Debugf("DoCommand: %+v", cmd)
	switch cmd["command"] {
	case "enable":
		t.source.SetFeatureEnabled(true)
		return map[string]interface{}{"status": "enabled"}, nil

	case "disable":
		t.source.SetFeatureEnabled(false)
		return map[string]interface{}{"status": "disabled"}, nil

	case "get-state":
		result := map[string]interface{}{"state": t.source.State().String()}
		if err := t.source.Err(); err != nil {
			result["error"] = err.Error()
		}
		return result, nil

	case "get-pose":
		pose, ok := t.pipe.LatestPose()
		if !ok {
			return map[string]interface{}{"available": false}, nil
		}
		est, _ := t.pipe.LatestEstimate()
		return map[string]interface{}{
			"available":       true,
			"x":               pose.X,
			"y":               pose.Y,
			"rotation":        pose.Rotation,
			"accepted_points": est.AcceptedPoints,
		}, nil

	case "list-modes":
		modes := t.source.Modes()
		out := make([]interface{}, len(modes))
		for i, m := range modes {
			out[i] = modeToMap(m)
		}
		return map[string]interface{}{"modes": out}, nil

	case "get-mode":
		return modeToMap(t.source.Mode()), nil

	case "set-mode":
		idx, ok := cmd["index"].(float64)
		if !ok {
			return nil, fmt.Errorf("index field is required")
		}
		if err := t.source.SetMode(int(idx)); err != nil {
			return nil, err
		}
		return modeToMap(t.source.Mode()), nil

	case "get-frame":
		frame, ok := t.source.LatestFrame()
		if !ok {
			return map[string]interface{}{"available": false}, nil
		}
		return map[string]interface{}{
			"available":   true,
			"frame_index": frame.Index,
			"mime_type":   rdkutils.MimeTypeJPEG,
			"data":        frame.Data,
		}, nil

	case "get-frame-index":
		return map[string]interface{}{"frame_index": t.source.FrameIndex()}, nil

	case "get-stats":
		stats := t.pipe.Stats()
		return map[string]interface{}{
			"frames_processed":    stats.FramesProcessed,
			"frames_with_pose":    stats.FramesWithPose,
			"frames_without_pose": stats.FramesWithoutPose,
			"dropped_while_busy":  stats.DroppedWhileBusy,
			"consecutive_misses":  stats.ConsecutiveMisses,
			"tracking_lost":       stats.TrackingLost,
			"frame_index":         t.source.FrameIndex(),
		}, nil

	case "process-commands":
		// batch of wire-encoded commands, base64 per entry; responses are
		// discarded (no reverse channel for web-initiated batches)
		raw, ok := cmd["commands"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("commands field must be a list")
		}
		now := time.Now().UnixMicro()
		pending := make([]commands.Pending, 0, len(raw))
		for i, entry := range raw {
			encoded, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("command %d is not a base64 string", i)
			}
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("command %d is not valid base64: %w", i, err)
			}
			decoded, err := commands.UnmarshalCommand(data)
			if err != nil {
				return nil, fmt.Errorf("command %d is malformed: %w", i, err)
			}
			decoded.LastChangeMicros = now
			pending = append(pending, commands.Pending{Command: decoded, Ctx: commands.WebContext{}})
		}
		t.arbiter.Process(ctx, commands.Snapshot{NowMicros: now, Pending: pending})
		return map[string]interface{}{"processed": len(pending)}, nil

	case "pose-reset":
		// web-initiated: no reverse channel, response intentionally discarded
		x, _ := cmd["x"].(float64)
		y, _ := cmd["y"].(float64)
		rotation, _ := cmd["rotation"].(float64)
		id, _ := cmd["command_id"].(float64)
		now := time.Now().UnixMicro()
		t.arbiter.Process(ctx, commands.Snapshot{
			NowMicros: now,
			Pending: []commands.Pending{{
				Command: commands.Command{
					Type:             commands.TypePoseReset,
					ID:               uint32(id),
					PoseReset:        &commands.PoseReset2d{X: x, Y: y, Rotation: rotation},
					LastChangeMicros: now,
				},
				Ctx: commands.WebContext{},
			}},
		})
		return map[string]interface{}{"status": "processed"}, nil

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

func modeToMap(m capture.VideoMode) map[string]interface{} {
	return map[string]interface{}{
		"pixel_format": m.PixelFormat,
		"width":        m.Width,
		"height":       m.Height,
		"fps":          m.FPS,
	}
}
