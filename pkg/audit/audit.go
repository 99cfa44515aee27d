package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one governance decision as persisted for audit.
type Record struct {
	DecisionID string
	Identity   string
	Component  string
	Verdict    string
	Reasons    json.RawMessage
	InputRaw   json.RawMessage
	CreatedAt  time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO governance_decisions
		(decision_id, identity, component, verdict, reasons, input_raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.DecisionID, rec.Identity, rec.Component, rec.Verdict, rec.Reasons, rec.InputRaw, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID, identity string) (Record, error) {
	var rec Record
	if identity != "" {
		row := w.DB.QueryRow(ctx, `
			SELECT decision_id, identity, component, verdict, reasons, input_raw, created_at
			FROM governance_decisions WHERE identity=$1 AND decision_id=$2
		`, identity, decisionID)
		if err := row.Scan(&rec.DecisionID, &rec.Identity, &rec.Component, &rec.Verdict, &rec.Reasons, &rec.InputRaw, &rec.CreatedAt); err != nil {
			return rec, err
		}
		return rec, nil
	}
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, identity, component, verdict, reasons, input_raw, created_at
		FROM governance_decisions WHERE decision_id=$1
	`, decisionID)
	if err := row.Scan(&rec.DecisionID, &rec.Identity, &rec.Component, &rec.Verdict, &rec.Reasons, &rec.InputRaw, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}
