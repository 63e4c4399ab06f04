package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	uuid "github.com/satori/go.uuid"
)

var ErrSubmissionNotFound = errors.New("submission not found")

// submissionSchema is applied on connect so the store works against a blank
// database; every statement is idempotent.
var submissionSchema = `
CREATE TABLE IF NOT EXISTS submission (
    id uuid PRIMARY KEY,
    method text NOT NULL,
    bundle_hash bytea NOT NULL,
    replacement_uuid text,
    signer bytea,
    target_block bigint NOT NULL,
    builders jsonb NOT NULL,
    success_count int NOT NULL,
    failure_count int NOT NULL,
    error text,
    received_at timestamptz NOT NULL,
    inserted_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS submission_bundle_hash_idx ON submission (bundle_hash);
`

type DBSubmission struct {
	ID              uuid.UUID       `db:"id"`
	Method          string          `db:"method"`
	BundleHash      []byte          `db:"bundle_hash"`
	ReplacementUUID sql.NullString  `db:"replacement_uuid"`
	Signer          []byte          `db:"signer"`
	TargetBlock     int64           `db:"target_block"`
	Builders        json.RawMessage `db:"builders"`
	SuccessCount    int             `db:"success_count"`
	FailureCount    int             `db:"failure_count"`
	Error           sql.NullString  `db:"error"`
	ReceivedAt      time.Time       `db:"received_at"`
	InsertedAt      time.Time       `db:"inserted_at"`
}

var insertSubmissionQuery = `
INSERT INTO submission (id, method, bundle_hash, replacement_uuid, signer, target_block, builders,
                        success_count, failure_count, error, received_at)
VALUES (:id, :method, :bundle_hash, :replacement_uuid, :signer, :target_block, :builders,
        :success_count, :failure_count, :error, :received_at)
ON CONFLICT (id) DO NOTHING`

var getSubmissionQuery = `
SELECT id, method, bundle_hash, replacement_uuid, signer, target_block, builders,
       success_count, failure_count, error, received_at, inserted_at
FROM submission
WHERE id = $1`

var listSubmissionsByBundleQuery = `
SELECT id, method, bundle_hash, replacement_uuid, signer, target_block, builders,
       success_count, failure_count, error, received_at, inserted_at
FROM submission
WHERE bundle_hash = $1
ORDER BY received_at DESC, inserted_at DESC
LIMIT $2`

// SubmissionRecord is one fanned-out send as the API saw it: what was asked
// for, where it went and how the builder set replied.
type SubmissionRecord struct {
	ID              uuid.UUID
	Method          string
	BundleHash      common.Hash
	ReplacementUUID string
	Signer          common.Address
	TargetBlock     uint64
	Builders        []string
	SuccessCount    int
	FailureCount    int
	Error           string
	ReceivedAt      time.Time
}

// NewSubmissionRecord starts a record for one inbound call, stamped with a
// fresh ID and the receive time.
func NewSubmissionRecord(method string) *SubmissionRecord {
	return &SubmissionRecord{
		ID:         uuid.NewV4(),
		Method:     method,
		ReceivedAt: time.Now().UTC(),
	}
}

// RecordResults fills the per-builder outcome: names in send order, the
// success and failure tallies and the first error in builder order.
func (r *SubmissionRecord) RecordResults(results []SendResult, err error) {
	r.Builders = r.Builders[:0]
	r.SuccessCount = 0
	r.FailureCount = 0
	for _, result := range results {
		r.Builders = append(r.Builders, result.Builder)
		if result.Err != nil {
			r.FailureCount++
		} else {
			r.SuccessCount++
		}
	}
	if err != nil {
		r.Error = err.Error()
	}
}

// DBStore keeps submission history in postgres.
type DBStore struct {
	db *sqlx.DB

	insertSubmission *sqlx.NamedStmt
	getSubmission    *sqlx.Stmt
	listByBundle     *sqlx.Stmt
}

// NewDBStore connects, applies the schema and prepares the statements. The
// schema must exist before prepare, so it is created here rather than by an
// external migration.
func NewDBStore(postgresDSN string) (*DBStore, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	if _, err := db.Exec(submissionSchema); err != nil {
		return nil, err
	}

	insertSubmission, err := db.PrepareNamed(insertSubmissionQuery)
	if err != nil {
		return nil, err
	}
	getSubmission, err := db.Preparex(getSubmissionQuery)
	if err != nil {
		return nil, err
	}
	listByBundle, err := db.Preparex(listSubmissionsByBundleQuery)
	if err != nil {
		return nil, err
	}

	return &DBStore{
		db:               db,
		insertSubmission: insertSubmission,
		getSubmission:    getSubmission,
		listByBundle:     listByBundle,
	}, nil
}

func (s *DBStore) InsertSubmission(ctx context.Context, record *SubmissionRecord) error {
	row, err := submissionToRow(record)
	if err != nil {
		return err
	}
	_, err = s.insertSubmission.ExecContext(ctx, row)
	return err
}

func (s *DBStore) GetSubmission(ctx context.Context, id uuid.UUID) (*SubmissionRecord, error) {
	var row DBSubmission
	err := s.getSubmission.GetContext(ctx, &row, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubmissionNotFound
	} else if err != nil {
		return nil, err
	}
	return submissionFromRow(&row)
}

// SubmissionsByBundle returns the most recent records targeting the given
// bundle hash, newest first.
func (s *DBStore) SubmissionsByBundle(ctx context.Context, hash common.Hash, limit int) ([]*SubmissionRecord, error) {
	var rows []DBSubmission
	if err := s.listByBundle.SelectContext(ctx, &rows, hash.Bytes(), limit); err != nil {
		return nil, err
	}
	records := make([]*SubmissionRecord, len(rows))
	for i := range rows {
		record, err := submissionFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		records[i] = record
	}
	return records, nil
}

func (s *DBStore) Close() error {
	return s.db.Close()
}

func submissionToRow(record *SubmissionRecord) (*DBSubmission, error) {
	builders, err := json.Marshal(record.Builders)
	if err != nil {
		return nil, err
	}
	return &DBSubmission{
		ID:              record.ID,
		Method:          record.Method,
		BundleHash:      record.BundleHash.Bytes(),
		ReplacementUUID: sql.NullString{String: record.ReplacementUUID, Valid: record.ReplacementUUID != ""},
		Signer:          record.Signer.Bytes(),
		TargetBlock:     int64(record.TargetBlock),
		Builders:        builders,
		SuccessCount:    record.SuccessCount,
		FailureCount:    record.FailureCount,
		Error:           sql.NullString{String: record.Error, Valid: record.Error != ""},
		ReceivedAt:      record.ReceivedAt,
	}, nil
}

func submissionFromRow(row *DBSubmission) (*SubmissionRecord, error) {
	var builders []string
	if len(row.Builders) > 0 {
		if err := json.Unmarshal(row.Builders, &builders); err != nil {
			return nil, err
		}
	}
	return &SubmissionRecord{
		ID:              row.ID,
		Method:          row.Method,
		BundleHash:      common.BytesToHash(row.BundleHash),
		ReplacementUUID: row.ReplacementUUID.String,
		Signer:          common.BytesToAddress(row.Signer),
		TargetBlock:     uint64(row.TargetBlock),
		Builders:        builders,
		SuccessCount:    row.SuccessCount,
		FailureCount:    row.FailureCount,
		Error:           row.Error.String,
		ReceivedAt:      row.ReceivedAt,
	}, nil
}
