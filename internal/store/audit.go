package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgersync/ledgersync/internal/domain"
)

type auditEnvelope struct {
	Operation *domain.Operation `json:"operation"`
}

// AuditLog records ledger operations in a sequence-keyed partition
type AuditLog struct {
	conn *Conn
}

// NewAuditLog creates an audit log on top of conn
func NewAuditLog(conn *Conn) *AuditLog {
	return &AuditLog{conn: conn}
}

// Log persists an audit entry
func (a *AuditLog) Log(ctx context.Context, op *domain.Operation) error {
	if op == nil {
		return fmt.Errorf("operation cannot be nil")
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(auditEnvelope{Operation: op})
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	_, err = a.conn.Append(ctx, payload)
	return err
}

// List returns audit operations in chronological order
func (a *AuditLog) List(ctx context.Context) ([]*domain.Operation, error) {
	var ops []*domain.Operation
	err := a.conn.Scan(ctx, func(_, v []byte) error {
		var env auditEnvelope
		if err := json.Unmarshal(v, &env); err != nil {
			return fmt.Errorf("corrupted audit entry: %w", err)
		}
		if env.Operation != nil {
			op := *env.Operation
			op.Timestamp = op.Timestamp.UTC()
			ops = append(ops, &op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}
