package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ApprovalAction enumerates approval log actions.
type ApprovalAction string

const (
	// ApprovalSubmit marks a submit action.
	ApprovalSubmit ApprovalAction = "SUBMIT"
	// ApprovalApprove marks an approve action.
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalReject marks a reject action.
	ApprovalReject ApprovalAction = "REJECT"
	// ApprovalClose marks the acknowledgement of a rejection.
	ApprovalClose ApprovalAction = "CLOSE"
	// ApprovalRevise marks a resubmitted revision.
	ApprovalRevise ApprovalAction = "REVISE"
)

// ApprovalLog represents a single approval record. Level is the approval
// level after the action; LineID is set for line-level approvals.
type ApprovalLog struct {
	ID      int64
	Module  string
	RefID   uuid.UUID
	DocID   int64
	LineID  int64
	Level   int
	ActorID int64
	Action  ApprovalAction
	Note    string
	At      time.Time
}

// ApprovalRef derives the stable reference id of a document.
func ApprovalRef(module string, docID int64) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%d", module, docID)))
}

// ApprovalRecorder persists approval history.
type ApprovalRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ApprovalRecorder {
	return &ApprovalRecorder{pool: pool, logger: logger}
}

func (l ApprovalLog) validate() error {
	if l.Module == "" {
		return errors.New("approval module required")
	}
	if l.ActorID == 0 {
		return errors.New("approval actor required")
	}
	if l.DocID == 0 {
		return errors.New("approval document id required")
	}
	if l.Action == "" {
		return errors.New("approval action required")
	}
	return nil
}

// WriteApproval inserts an approval entry using exec, typically the open
// transaction of the state change it documents.
func WriteApproval(ctx context.Context, exec Execer, log ApprovalLog) error {
	if err := log.validate(); err != nil {
		return err
	}
	if log.RefID == uuid.Nil {
		log.RefID = ApprovalRef(log.Module, log.DocID)
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err := exec.Exec(ctx, `INSERT INTO approvals (module, ref_id, doc_id, line_id, level, actor_id, action, note, at)
VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6, $7, $8, COALESCE($9, NOW()))`,
		log.Module, log.RefID, log.DocID, log.LineID, log.Level, log.ActorID, string(log.Action), log.Note, at)
	return err
}

// Record writes approval entry outside of any transaction.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil {
		return errors.New("approval recorder not initialised")
	}
	if err := WriteApproval(ctx, r.pool, log); err != nil {
		r.logger.Error("record approval", slog.Any("error", err), slog.String("module", log.Module), slog.Int64("doc_id", log.DocID))
		return err
	}
	return nil
}

// List returns approvals for a document in chronological order.
func (r *ApprovalRecorder) List(ctx context.Context, module string, docID int64) ([]ApprovalLog, error) {
	if r == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, module, ref_id, doc_id, COALESCE(line_id, 0), level, actor_id, action, note, at
FROM approvals WHERE module=$1 AND ref_id=$2 ORDER BY at ASC, id ASC`, module, ApprovalRef(module, docID))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ApprovalLog, error) {
		var l ApprovalLog
		var action string
		err := row.Scan(&l.ID, &l.Module, &l.RefID, &l.DocID, &l.LineID, &l.Level, &l.ActorID, &action, &l.Note, &l.At)
		l.Action = ApprovalAction(action)
		return l, err
	})
}
