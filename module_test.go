package questnav

import (
	"strings"
	"testing"

	"github.com/STMARobotics/QuestNav-sub003/layout"
	"github.com/STMARobotics/QuestNav-sub003/solver"
)

func validConfig() *Config {
	return &Config{
		LayoutPath:     "/etc/field/layout.json",
		CameraHostName: "quest-host",
		DetectorName:   "tag-detector",
	}
}

func TestConfigValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing layout", func(c *Config) { c.LayoutPath = "" }, "layout_path"},
		{"missing host", func(c *Config) { c.CameraHostName = "" }, "camera_host_name"},
		{"missing detector", func(c *Config) { c.DetectorName = "" }, "detector_name"},
		{"bad solver", func(c *Config) { c.SolverVariant = "magic" }, "solver_variant"},
		{"negative threshold", func(c *Config) { c.MaxReprojErrPx = -1 }, "max_reprojection_error_px"},
		{"negative ttl", func(c *Config) { c.CommandTTLMs = -10 }, "command_ttl_ms"},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(cfg)
		_, _, err := cfg.Validate("")
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %s", tc.name, err, tc.want)
		}
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := validConfig()
	deps, _, err := cfg.Validate("")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.TagSizeMeters != layout.DefaultTagSizeMeters {
		t.Errorf("tag size default: got %f, want %f", cfg.TagSizeMeters, layout.DefaultTagSizeMeters)
	}
	if cfg.SolverVariant != "iterative" {
		t.Errorf("solver default: got %q, want iterative", cfg.SolverVariant)
	}
	if cfg.MaxReprojErrPx != solver.DefaultMaxReprojErrPx {
		t.Errorf("threshold default: got %f, want %f", cfg.MaxReprojErrPx, solver.DefaultMaxReprojErrPx)
	}

	if len(deps) != 2 || deps[0] != "quest-host" || deps[1] != "tag-detector" {
		t.Errorf("implicit deps: got %v", deps)
	}
}

func TestConfigValidateRANSACVariant(t *testing.T) {
	cfg := validConfig()
	cfg.SolverVariant = "ransac"
	if _, _, err := cfg.Validate(""); err != nil {
		t.Errorf("ransac variant rejected: %v", err)
	}
}
