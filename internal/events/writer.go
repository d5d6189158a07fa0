package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	TypeSnapshotImported = "snapshot.imported"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so it commits or
// rolls back with the data it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, batchID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "local-user"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal event payload")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,batch_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, batchID, actorID, string(data))
	return errors.Wrap(err, "insert event")
}
