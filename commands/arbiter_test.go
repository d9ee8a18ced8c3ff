package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
)

// recorder captures delivered responses in order.
type recorder struct {
	responses []Response
}

func (r *recorder) Deliver(resp Response) {
	r.responses = append(r.responses, resp)
}

func poseResetCmd(id uint32, changedMicros int64) Command {
	return Command{
		Type:             TypePoseReset,
		ID:               id,
		PoseReset:        &PoseReset2d{X: 1, Y: 2, Rotation: 0.5},
		LastChangeMicros: changedMicros,
	}
}

func TestProcessExecutesFreshCommand(t *testing.T) {
	logger := logging.NewTestLogger(t)
	a := NewArbiter(500*time.Millisecond, logger)

	var executed []uint32
	a.RegisterHandler(TypePoseReset, func(ctx context.Context, cmd Command) error {
		executed = append(executed, cmd.ID)
		return nil
	})

	rec := &recorder{}
	now := int64(10_000_000)
	a.Process(context.Background(), Snapshot{
		NowMicros: now,
		Pending:   []Pending{{Command: poseResetCmd(1, now-1000), Ctx: rec}},
	})

	if len(executed) != 1 || executed[0] != 1 {
		t.Errorf("executed: got %v, want [1]", executed)
	}
	if len(rec.responses) != 1 {
		t.Fatalf("responses: got %d, want 1", len(rec.responses))
	}
	resp := rec.responses[0]
	if resp.CommandID != 1 || !resp.Success || resp.Error != "" {
		t.Errorf("response: got %+v, want success for command 1", resp)
	}
}

func TestProcessSupersession(t *testing.T) {
	logger := logging.NewTestLogger(t)
	a := NewArbiter(500*time.Millisecond, logger)

	var executed []uint32
	a.RegisterHandler(TypePoseReset, func(ctx context.Context, cmd Command) error {
		executed = append(executed, cmd.ID)
		return nil
	})

	recOld := &recorder{}
	recNew := &recorder{}
	now := int64(10_000_000)
	a.Process(context.Background(), Snapshot{
		NowMicros: now,
		Pending: []Pending{
			{Command: poseResetCmd(1, now-2000), Ctx: recOld},
			{Command: poseResetCmd(2, now-1000), Ctx: recNew},
		},
	})

	// only the last command of the type executes
	if len(executed) != 1 || executed[0] != 2 {
		t.Errorf("executed: got %v, want [2]", executed)
	}

	if len(recOld.responses) != 1 {
		t.Fatalf("superseded responses: got %d, want 1", len(recOld.responses))
	}
	old := recOld.responses[0]
	if old.Success || !strings.Contains(old.Error, "superseded") {
		t.Errorf("superseded response: got %+v", old)
	}
	if len(recNew.responses) != 1 || !recNew.responses[0].Success {
		t.Errorf("winning response: got %+v", recNew.responses)
	}
}

func TestProcessRejectsStaleCommand(t *testing.T) {
	logger := logging.NewTestLogger(t)
	a := NewArbiter(500*time.Millisecond, logger)

	executed := 0
	a.RegisterHandler(TypePoseReset, func(ctx context.Context, cmd Command) error {
		executed++
		return nil
	})

	rec := &recorder{}
	now := int64(10_000_000)
	// age is exactly the TTL: rejected, the comparison is inclusive
	a.Process(context.Background(), Snapshot{
		NowMicros: now,
		Pending:   []Pending{{Command: poseResetCmd(1, now-500_000), Ctx: rec}},
	})

	if executed != 0 {
		t.Errorf("executed: got %d, want 0", executed)
	}
	if len(rec.responses) != 1 {
		t.Fatalf("responses: got %d, want 1", len(rec.responses))
	}
	resp := rec.responses[0]
	if resp.Success {
		t.Error("stale command unexpectedly succeeded")
	}
	if !strings.Contains(resp.Error, "too old") || !strings.Contains(resp.Error, "500 ms") {
		t.Errorf("stale error message: got %q", resp.Error)
	}
}

func TestProcessIgnoresUnspecified(t *testing.T) {
	logger := logging.NewTestLogger(t)
	a := NewArbiter(0, logger)
	a.RegisterHandler(TypePoseReset, func(ctx context.Context, cmd Command) error { return nil })

	rec := &recorder{}
	a.Process(context.Background(), Snapshot{
		NowMicros: 10_000_000,
		Pending: []Pending{{
			Command: Command{Type: TypeUnspecified, ID: 9, LastChangeMicros: 9_999_000},
			Ctx:     rec,
		}},
	})

	if len(rec.responses) != 0 {
		t.Errorf("responses: got %v, want none", rec.responses)
	}
}

func TestProcessSkipsUnrecognizedType(t *testing.T) {
	logger := logging.NewTestLogger(t)
	a := NewArbiter(0, logger)
	a.RegisterHandler(TypePoseReset, func(ctx context.Context, cmd Command) error { return nil })

	rec := &recorder{}
	a.Process(context.Background(), Snapshot{
		NowMicros: 10_000_000,
		Pending: []Pending{{
			Command: Command{Type: Type(42), ID: 3, LastChangeMicros: 9_999_000},
			Ctx:     rec,
		}},
	})

	if len(rec.responses) != 0 {
		t.Errorf("responses: got %v, want none", rec.responses)
	}
}

func TestProcessHandlerError(t *testing.T) {
	logger := logging.NewTestLogger(t)
	a := NewArbiter(0, logger)
	a.RegisterHandler(TypePoseReset, func(ctx context.Context, cmd Command) error {
		return errors.New("no pose available to rebase")
	})

	rec := &recorder{}
	now := int64(10_000_000)
	a.Process(context.Background(), Snapshot{
		NowMicros: now,
		Pending:   []Pending{{Command: poseResetCmd(4, now-1000), Ctx: rec}},
	})

	if len(rec.responses) != 1 {
		t.Fatalf("responses: got %d, want 1", len(rec.responses))
	}
	resp := rec.responses[0]
	if resp.Success || !strings.Contains(resp.Error, "no pose available") {
		t.Errorf("failure response: got %+v", resp)
	}
}

func TestProcessDefaultTTL(t *testing.T) {
	logger := logging.NewTestLogger(t)
	a := NewArbiter(0, logger)

	executed := 0
	a.RegisterHandler(TypePoseReset, func(ctx context.Context, cmd Command) error {
		executed++
		return nil
	})

	rec := &recorder{}
	now := int64(10_000_000)
	a.Process(context.Background(), Snapshot{
		NowMicros: now,
		Pending: []Pending{
			// 499 ms old: inside the 500 ms default
			{Command: poseResetCmd(1, now-499_000), Ctx: rec},
		},
	})
	if executed != 1 {
		t.Errorf("executed: got %d, want 1", executed)
	}
}

func TestProcessEachPassIndependent(t *testing.T) {
	logger := logging.NewTestLogger(t)
	a := NewArbiter(500*time.Millisecond, logger)

	executed := 0
	a.RegisterHandler(TypePoseReset, func(ctx context.Context, cmd Command) error {
		executed++
		return nil
	})

	rec := &recorder{}
	now := int64(10_000_000)
	snap := Snapshot{
		NowMicros: now,
		Pending:   []Pending{{Command: poseResetCmd(1, now-1000), Ctx: rec}},
	}
	a.Process(context.Background(), snap)
	a.Process(context.Background(), snap)

	// the queue collaborator owns deduplication across passes; the arbiter
	// processes whatever each snapshot contains
	if executed != 2 {
		t.Errorf("executed: got %d, want 2", executed)
	}
}
