// Package layout holds the field-space geometry of every AprilTag on the field.
package layout

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// DefaultTagSizeMeters is the printed edge length of a 36h11 field tag.
const DefaultTagSizeMeters = 0.1651

// Entry is one tag's four field-space corners, ordered bottom-left,
// bottom-right, top-right, top-left as seen by a viewer facing the tag.
type Entry struct {
	ID      int
	Corners [4]r3.Vector
}

// Registry maps tag id to field geometry. Read-only after Load/New, safe for
// concurrent readers.
type Registry struct {
	entries map[int]Entry
}

// fileFormat mirrors the WPILib field layout JSON shape.
type fileFormat struct {
	Tags []struct {
		ID   int `json:"ID"`
		Pose struct {
			Translation struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
				Z float64 `json:"z"`
			} `json:"translation"`
			Rotation struct {
				Quaternion struct {
					W float64 `json:"W"`
					X float64 `json:"X"`
					Y float64 `json:"Y"`
					Z float64 `json:"Z"`
				} `json:"quaternion"`
			} `json:"rotation"`
		} `json:"pose"`
	} `json:"tags"`
	Field struct {
		Length float64 `json:"length"`
		Width  float64 `json:"width"`
	} `json:"field"`
}

// Load reads a WPILib-format layout file and derives per-tag corner geometry
// using the given tag edge length. Pass DefaultTagSizeMeters unless the field
// uses nonstandard tags.
func Load(path string, tagSizeMeters float64) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout file: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("failed to parse layout file %s: %w", path, err)
	}
	if len(ff.Tags) == 0 {
		return nil, fmt.Errorf("layout file %s contains no tags", path)
	}

	entries := make([]Entry, 0, len(ff.Tags))
	for _, t := range ff.Tags {
		pose := spatialmath.NewPose(
			r3.Vector{X: t.Pose.Translation.X, Y: t.Pose.Translation.Y, Z: t.Pose.Translation.Z},
			&spatialmath.Quaternion{
				Real: t.Pose.Rotation.Quaternion.W,
				Imag: t.Pose.Rotation.Quaternion.X,
				Jmag: t.Pose.Rotation.Quaternion.Y,
				Kmag: t.Pose.Rotation.Quaternion.Z,
			},
		)
		entries = append(entries, EntryFromPose(t.ID, pose, tagSizeMeters))
	}
	return New(entries)
}

// New builds a registry from already-derived entries. Duplicate ids are an
// error: a field layout is expected to name each tag once.
func New(entries []Entry) (*Registry, error) {
	m := make(map[int]Entry, len(entries))
	for _, e := range entries {
		if _, ok := m[e.ID]; ok {
			return nil, fmt.Errorf("duplicate tag id %d in layout", e.ID)
		}
		m[e.ID] = e
	}
	return &Registry{entries: m}, nil
}

// EntryFromPose derives the four field-space corners of a tag from its field
// pose. Tag body frame convention: +X out of the tag face, +Z up, so the tag
// plane is the YZ plane and a viewer facing the tag sees tag +Y to their left.
func EntryFromPose(id int, tagPose spatialmath.Pose, tagSizeMeters float64) Entry {
	h := tagSizeMeters / 2
	// bottom-left, bottom-right, top-right, top-left in the tag body frame
	local := [4]r3.Vector{
		{X: 0, Y: h, Z: -h},
		{X: 0, Y: -h, Z: -h},
		{X: 0, Y: -h, Z: h},
		{X: 0, Y: h, Z: h},
	}
	var corners [4]r3.Vector
	for i, c := range local {
		corners[i] = spatialmath.Compose(tagPose, spatialmath.NewPoseFromPoint(c)).Point()
	}
	return Entry{ID: id, Corners: corners}
}

// Lookup returns a tag's corners. A miss is a recoverable condition for the
// caller, not an error: unmatched detections are skipped, never fatal.
func (r *Registry) Lookup(id int) (Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// Size returns the number of tags in the layout.
func (r *Registry) Size() int {
	return len(r.entries)
}

// IDs returns all tag ids, in no particular order.
func (r *Registry) IDs() []int {
	ids := make([]int, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
