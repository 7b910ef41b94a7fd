package device

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/facebridge/errors"
	"github.com/c360/facebridge/protocol"
	"github.com/c360/facebridge/store"
)

// FaceRecords is the face-table surface the dispatcher writes to.
// *store.FaceStore satisfies it.
type FaceRecords interface {
	Insert(ctx context.Context, rec store.FaceRecord) error
	Get(ctx context.Context, id string) (store.FaceRecord, error)
	Update(ctx context.Context, id string, fn func(rec *store.FaceRecord) error) error
	Delete(ctx context.Context, id string) error
}

// AttendanceRecords is the attendance-table surface the dispatcher writes to.
// *store.AttendanceStore satisfies it.
type AttendanceRecords interface {
	Insert(ctx context.Context, rec store.AttendanceRecord) error
	DeleteByFace(ctx context.Context, faceID string) (int, error)
}

// Dispatcher routes authenticated commands to record-store operations.
// Exactly one response is produced per request envelope.
type Dispatcher struct {
	faces      FaceRecords
	attendance AttendanceRecords
	logger     *slog.Logger

	// Monotonic id source for attendance rows created from sendlog batches.
	nextLogID atomic.Int64
}

// NewDispatcher creates a command dispatcher over the given stores.
func NewDispatcher(faces FaceRecords, attendance AttendanceRecords, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		faces:      faces,
		attendance: attendance,
		logger:     logger,
	}
	d.nextLogID.Store(time.Now().UnixMilli())
	return d
}

// Handle executes one authenticated request and returns its response.
// Unknown commands get a generic failure so the terminal's correlator
// always sees a reply.
func (d *Dispatcher) Handle(ctx context.Context, env *protocol.Envelope) *protocol.Response {
	switch env.Name {
	case protocol.CmdEnrollment:
		return d.handleEnrollment(ctx, env)
	case protocol.CmdUpdate:
		return d.handleUpdate(ctx, env)
	case protocol.CmdDelete:
		return d.handleDelete(ctx, env)
	case protocol.CmdSendLog:
		return d.handleSendLog(ctx, env)
	default:
		d.logger.Warn("unknown command", "cmd", env.Name)
		return protocol.Fail(protocol.RetUnknown, protocol.ReasonInvalidCommand)
	}
}

func (d *Dispatcher) handleEnrollment(ctx context.Context, env *protocol.Envelope) *protocol.Response {
	var req protocol.EnrollmentRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Fail(protocol.CmdEnrollment, protocol.ReasonDBError)
	}
	if req.ID == "" {
		return protocol.Fail(protocol.CmdEnrollment, protocol.ReasonMissingID)
	}

	rec := store.FaceRecord{
		ID:       req.ID,
		Name:     req.Name,
		Image:    req.Image,
		RecordID: uuid.NewString(),
		Status:   store.FaceStatusPending,
	}
	if err := d.faces.Insert(ctx, rec); err != nil {
		d.logger.Error("enrollment insert failed", "id", req.ID, "error", err)
		return protocol.Fail(protocol.CmdEnrollment, protocol.ReasonDBError)
	}

	d.logger.Info("enrollment stored", "id", req.ID, "name", req.Name, "image", elideImage(req.Image))
	return protocol.OK(protocol.CmdEnrollment)
}

func (d *Dispatcher) handleUpdate(ctx context.Context, env *protocol.Envelope) *protocol.Response {
	var req protocol.UpdateRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Fail(protocol.CmdUpdate, protocol.ReasonDBError)
	}
	if req.ID == "" {
		return protocol.Fail(protocol.CmdUpdate, protocol.ReasonMissingID)
	}
	if req.Name == nil && req.Image == nil {
		return protocol.Fail(protocol.CmdUpdate, protocol.ReasonNoFieldsToUpdate)
	}

	err := d.faces.Update(ctx, req.ID, func(rec *store.FaceRecord) error {
		if req.Name != nil {
			rec.Name = *req.Name
		}
		if req.Image != nil {
			rec.Image = *req.Image
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrRecordNotFound) {
			return protocol.Fail(protocol.CmdUpdate, protocol.ReasonUserNotFound)
		}
		d.logger.Error("update failed", "id", req.ID, "error", err)
		return protocol.Fail(protocol.CmdUpdate, protocol.ReasonDBError)
	}

	d.logger.Info("face record updated", "id", req.ID)
	return protocol.OK(protocol.CmdUpdate)
}

func (d *Dispatcher) handleDelete(ctx context.Context, env *protocol.Envelope) *protocol.Response {
	var req protocol.DeleteRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Fail(protocol.CmdDelete, protocol.ReasonDBError)
	}
	if req.ID == "" {
		return protocol.Fail(protocol.CmdDelete, protocol.ReasonMissingID)
	}

	rec, err := d.faces.Get(ctx, req.ID)
	if err != nil {
		if errors.Is(err, errors.ErrRecordNotFound) {
			return protocol.Fail(protocol.CmdDelete, protocol.ReasonUserNotFound)
		}
		d.logger.Error("delete lookup failed", "id", req.ID, "error", err)
		return protocol.Fail(protocol.CmdDelete, protocol.ReasonDBError)
	}

	// Dependent attendance rows go first, the face record second.
	if rec.RecordID != "" {
		n, err := d.attendance.DeleteByFace(ctx, rec.RecordID)
		if err != nil {
			d.logger.Error("attendance cleanup failed", "id", req.ID, "error", err)
			return protocol.Fail(protocol.CmdDelete, protocol.ReasonDBError)
		}
		if n > 0 {
			d.logger.Info("attendance rows removed", "id", req.ID, "count", n)
		}
	}
	if err := d.faces.Delete(ctx, req.ID); err != nil {
		d.logger.Error("face delete failed", "id", req.ID, "error", err)
		return protocol.Fail(protocol.CmdDelete, protocol.ReasonDBError)
	}

	d.logger.Info("face record deleted", "id", req.ID)
	return protocol.OK(protocol.CmdDelete)
}

// handleSendLog accepts a batch of log entries and acknowledges with the
// count received. Persistence is best effort; a row that fails to store is
// logged but does not fail the acknowledgment.
func (d *Dispatcher) handleSendLog(ctx context.Context, env *protocol.Envelope) *protocol.Response {
	var req protocol.SendLogRequest
	if err := env.Decode(&req); err != nil {
		return protocol.Fail(protocol.CmdSendLog, protocol.ReasonDBError).WithCount(0)
	}

	for _, entry := range req.Record {
		rec := store.AttendanceRecord{
			ID:         strconv.FormatInt(d.nextLogID.Add(1), 10),
			EmployeeID: enrollIDString(entry.EnrollID),
			Time:       entry.Time,
			Status:     store.StatusUnsynced,
		}
		// Tie the row to its face record so deleting the identity can
		// clean up its attendance. Unknown identities still store.
		if rec.EmployeeID != "" {
			if face, err := d.faces.Get(ctx, rec.EmployeeID); err == nil {
				rec.FaceID = face.RecordID
			}
		}
		if err := d.attendance.Insert(ctx, rec); err != nil {
			d.logger.Error("log entry store failed", "enrollid", entry.EnrollID, "error", err)
		}
	}

	d.logger.Info("log batch received", "count", len(req.Record), "sn", req.SN)
	return protocol.OK(protocol.CmdSendLog).WithCount(len(req.Record))
}

// enrollIDString renders a wire enrollid (string or number) as a string id.
func enrollIDString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case int64:
		return strconv.FormatInt(id, 10)
	case int:
		return strconv.Itoa(id)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", id)
	}
}

// elideImage replaces base64 image payloads in log output.
func elideImage(image string) string {
	if image == "" {
		return ""
	}
	return "<base64_image_data>"
}
