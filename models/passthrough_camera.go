// Package models holds the auxiliary resource models shipped alongside the
// tag tracker service.
package models

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage"
	genericservice "go.viam.com/rdk/services/generic"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
)

var (
	// PassthroughCamera exposes the tag tracker's latest captured frame as a
	// standard camera component, mainly for operator inspection.
	PassthroughCamera = resource.NewModel("stma", "questnav", "passthrough-camera")
)

func init() {
	resource.RegisterComponent(camera.API, PassthroughCamera,
		resource.Registration[camera.Camera, *PassthroughCameraConfig]{
			Constructor: newPassthroughCamera,
		},
	)
}

// PassthroughCameraConfig names the tag tracker service whose frames to serve.
type PassthroughCameraConfig struct {
	resource.TriviallyValidateConfig
	TrackerName string `json:"tracker_name"`
}

// Validate ensures all parts of the config are valid and important fields
// exist. Returns implicit dependencies based on the config.
func (cfg *PassthroughCameraConfig) Validate(path string) ([]string, []string, error) {
	if cfg.TrackerName == "" {
		return nil, nil, errors.New("tracker_name is required")
	}
	return []string{cfg.TrackerName}, nil, nil
}

type passthroughCamera struct {
	name    resource.Name
	logger  logging.Logger
	cfg     *PassthroughCameraConfig
	tracker resource.Resource
}

func newPassthroughCamera(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (camera.Camera, error) {
	conf, err := resource.NativeConfig[*PassthroughCameraConfig](rawConf)
	if err != nil {
		return nil, err
	}

	tracker, err := trackerFromDeps(deps, conf.TrackerName)
	if err != nil {
		return nil, err
	}

	return &passthroughCamera{
		name:    rawConf.ResourceName(),
		logger:  logger,
		cfg:     conf,
		tracker: tracker,
	}, nil
}

func trackerFromDeps(deps resource.Dependencies, name string) (resource.Resource, error) {
	tracker, err := resource.FromDependencies[resource.Resource](deps, genericservice.Named(name))
	if err != nil {
		return nil, fmt.Errorf("tag tracker %q not found in dependencies: %w", name, err)
	}
	return tracker, nil
}

func (s *passthroughCamera) Reconfigure(ctx context.Context, deps resource.Dependencies, rawConf resource.Config) error {
	conf, err := resource.NativeConfig[*PassthroughCameraConfig](rawConf)
	if err != nil {
		return err
	}
	tracker, err := trackerFromDeps(deps, conf.TrackerName)
	if err != nil {
		return err
	}
	s.cfg = conf
	s.tracker = tracker
	return nil
}

func (s *passthroughCamera) Name() resource.Name {
	return s.name
}

func (s *passthroughCamera) Close(context.Context) error {
	return nil
}

func (s *passthroughCamera) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}

// latestFrame pulls the newest encoded frame from the tracker. ok is false
// while the tracker has not yet captured anything.
func (s *passthroughCamera) latestFrame(ctx context.Context) (data []byte, mimeType string, ok bool, err error) {
	resp, err := s.tracker.DoCommand(ctx, map[string]interface{}{"command": "get-frame"})
	if err != nil {
		return nil, "", false, err
	}
	if available, _ := resp["available"].(bool); !available {
		return nil, "", false, nil
	}
	mimeType, _ = resp["mime_type"].(string)
	if mimeType == "" {
		mimeType = rdkutils.MimeTypeJPEG
	}
	switch payload := resp["data"].(type) {
	case []byte:
		return payload, mimeType, true, nil
	case string:
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", false, fmt.Errorf("invalid frame payload: %w", err)
		}
		return decoded, mimeType, true, nil
	default:
		return nil, "", false, fmt.Errorf("unexpected frame payload type %T", payload)
	}
}

func (s *passthroughCamera) Image(ctx context.Context, mimeType string, extra map[string]interface{}) ([]byte, camera.ImageMetadata, error) {
	data, frameMime, ok, err := s.latestFrame(ctx)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	if !ok {
		return nil, camera.ImageMetadata{}, errors.New("no frame captured yet")
	}
	return data, camera.ImageMetadata{MimeType: frameMime}, nil
}

func (s *passthroughCamera) Images(ctx context.Context, mimeTypes []string, extra map[string]interface{}) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	data, frameMime, ok, err := s.latestFrame(ctx)
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}
	if !ok {
		return nil, resource.ResponseMetadata{}, errors.New("no frame captured yet")
	}

	img, err := rimage.DecodeImage(ctx, data, frameMime)
	if err != nil {
		return nil, resource.ResponseMetadata{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	named, err := camera.NamedImageFromImage(img, "passthrough", frameMime)
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}
	return []camera.NamedImage{named}, resource.ResponseMetadata{}, nil
}

func (s *passthroughCamera) NextPointCloud(ctx context.Context, extra map[string]interface{}) (pointcloud.PointCloud, error) {
	return nil, errors.New("next point cloud not implemented")
}

func (s *passthroughCamera) Properties(ctx context.Context) (camera.Properties, error) {
	return camera.Properties{}, nil
}

func (s *passthroughCamera) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}
