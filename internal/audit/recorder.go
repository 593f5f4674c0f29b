// Package audit records accepted settings mutations. Recording is
// best-effort on every path: a failed audit write is logged and dropped,
// never surfaced to the caller.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"settings-service/internal/client"
	"settings-service/internal/util"
)

// ErrUnavailable indicates the audit trail has no ClickHouse sink, so
// history reads cannot be served.
var ErrUnavailable = errors.New("audit trail unavailable")

// Operation names recorded in the trail and published as event types.
const (
	OpCreateDefault   = "settings.created"
	OpReplace         = "settings.replaced"
	OpPatchSection    = "settings.section_patched"
	OpAddAddress      = "settings.address_added"
	OpRemoveAddress   = "settings.address_removed"
	OpDeactivate      = "settings.account.deactivated"
	OpReactivate      = "settings.account.reactivated"
	OpDeletionRequest = "settings.deletion.requested"
	OpExportRequest   = "settings.export.requested"
	OpSyncClientWins  = "settings.sync.client_adopted"
	OpSyncServerWins  = "settings.sync.server_kept"
)

const createAuditTableQuery = `
CREATE TABLE IF NOT EXISTS settings_audit (
	user_bucket UInt16,
	user_id     String,
	operation   LowCardinality(String),
	section     LowCardinality(String),
	old_version Int64,
	new_version Int64,
	occurred_at DateTime64(3, 'UTC')
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(occurred_at)
ORDER BY (user_bucket, user_id, occurred_at)`

const insertAuditQuery = `
INSERT INTO settings_audit
	(user_bucket, user_id, operation, section, old_version, new_version, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

const selectHistoryQuery = `
SELECT operation, section, old_version, new_version, occurred_at
FROM settings_audit
WHERE user_id = ?
ORDER BY occurred_at DESC
LIMIT ?`

// Entry is one accepted mutation.
type Entry struct {
	UserID     string    `json:"user_id"`
	Operation  string    `json:"operation"`
	Section    string    `json:"section,omitempty"`
	OldVersion int64     `json:"old_version"`
	NewVersion int64     `json:"new_version"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Recorder fans an entry out to ClickHouse (analytics) and Kafka
// (downstream consumers). Either sink may be nil.
type Recorder struct {
	clickhouse *client.ClickHouseClient
	producer   *client.KafkaProducer
	buckets    int
	hasherPool sync.Pool
	logger     *zap.Logger
}

func NewRecorder(clickhouse *client.ClickHouseClient, producer *client.KafkaProducer, logger *zap.Logger) *Recorder {
	r := &Recorder{
		clickhouse: clickhouse,
		producer:   producer,
		buckets:    1024,
		logger:     logger,
	}
	r.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return r
}

// EnsureSchema creates the audit table if it does not exist. A nil sink is
// not an error; the recorder simply has nothing to prepare.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if r.clickhouse == nil {
		return nil
	}
	if err := r.clickhouse.Exec(ctx, createAuditTableQuery); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

// History returns the newest recorded mutations for a user, most recent
// first. Unlike Record, reads are not best-effort: without a ClickHouse sink
// there is nothing to read and ErrUnavailable is returned.
func (r *Recorder) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if r.clickhouse == nil {
		return nil, ErrUnavailable
	}

	rows, err := r.clickhouse.QueryRows(ctx, selectHistoryQuery, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		entry := Entry{UserID: userID}
		if err := rows.Scan(&entry.Operation, &entry.Section, &entry.OldVersion, &entry.NewVersion, &entry.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit rows: %w", err)
	}
	return entries, nil
}

// UserBucket returns a stable bucket for a user (0 to buckets-1), used in
// the audit table's sort key.
func (r *Recorder) UserBucket(userID string) int {
	hasher := r.hasherPool.Get().(hash.Hash64)
	defer r.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(userID))
	return int(hasher.Sum64() % uint64(r.buckets))
}

// Record writes the entry to every configured sink.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	if r.clickhouse != nil {
		err := r.clickhouse.AsyncInsert(ctx, insertAuditQuery,
			uint16(r.UserBucket(entry.UserID)),
			entry.UserID,
			entry.Operation,
			entry.Section,
			entry.OldVersion,
			entry.NewVersion,
			entry.OccurredAt,
		)
		if err != nil {
			r.logger.Warn("Audit insert failed",
				util.String("user_id", entry.UserID),
				util.String("operation", entry.Operation),
				util.ErrorField(err))
		}
	}

	if r.producer != nil {
		payload, err := json.Marshal(entry)
		if err != nil {
			r.logger.Warn("Audit event encode failed", util.ErrorField(err))
			return
		}
		err = r.producer.Publish(ctx, []byte(entry.UserID), payload, map[string]string{
			"event_type": entry.Operation,
		})
		if err != nil {
			r.logger.Warn("Audit event publish failed",
				util.String("user_id", entry.UserID),
				util.String("operation", entry.Operation),
				util.ErrorField(err))
		}
	}
}
