package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for database/sql

	"papervault/internal/fault"
)

type sqliteStore struct{ db *sql.DB }

// OpenSQLite opens or creates the metadata database and ensures PRAGMAs
// and schema.
func OpenSQLite(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS exams (
  id           TEXT PRIMARY KEY,
  name         TEXT NOT NULL,
  subject      TEXT NOT NULL,
  scheduled_at INTEGER NOT NULL,
  created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS papers (
  id              TEXT PRIMARY KEY,
  exam_id         TEXT NOT NULL,
  subject         TEXT NOT NULL,
  filename        TEXT NOT NULL,
  size            INTEGER NOT NULL,
  content_address TEXT NOT NULL,
  plaintext_hash  TEXT NOT NULL,
  recipient       TEXT NOT NULL,
  key_version     INTEGER NOT NULL,
  wrapped_key     BLOB NOT NULL,
  iv              BLOB NOT NULL,
  unlock_time     INTEGER NOT NULL,
  time_authority  TEXT NOT NULL,
  time_ref        TEXT NOT NULL,
  time_sealed_key TEXT NOT NULL DEFAULT '',
  ledger_tx_id    TEXT NOT NULL DEFAULT '',
  block_number    INTEGER NOT NULL DEFAULT 0,
  status          TEXT NOT NULL,
  uploaded_by     TEXT NOT NULL,
  created_at      INTEGER NOT NULL,
  updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS papers_exam_idx ON papers(exam_id);
CREATE TABLE IF NOT EXISTS key_material (
  owner              TEXT NOT NULL,
  version            INTEGER NOT NULL,
  public_key         TEXT NOT NULL,
  sealed_private_key BLOB NOT NULL,
  salt               BLOB NOT NULL,
  iterations         INTEGER NOT NULL,
  created_at         INTEGER NOT NULL,
  PRIMARY KEY (owner, version)
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) SavePaper(ctx context.Context, p *Paper) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM papers WHERE id=?`, p.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("paper %s: %w", p.ID, fault.ErrPaperAlreadyExists)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO papers(id, exam_id, subject, filename, size, content_address,
  plaintext_hash, recipient, key_version, wrapped_key, iv, unlock_time,
  time_authority, time_ref, time_sealed_key, ledger_tx_id, block_number,
  status, uploaded_by, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ExamID, p.Subject, p.Filename, p.Size, p.ContentAddress,
		p.PlaintextHash, p.Recipient, p.KeyVersion,
		p.WrappedKey, p.IV, p.UnlockTime.UTC().Unix(),
		p.TimeAuthority, p.TimeRef, p.TimeSealedKey, p.LedgerTxID,
		p.BlockNumber, p.Status, p.UploadedBy,
		p.CreatedAt.UTC().Unix(), p.UpdatedAt.UTC().Unix())
	return err
}

func (s *sqliteStore) UpdatePaper(ctx context.Context, p *Paper) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE papers SET ledger_tx_id=?, block_number=?, status=?, time_sealed_key=?, updated_at=?
WHERE id=?`,
		p.LedgerTxID, p.BlockNumber, p.Status, p.TimeSealedKey,
		p.UpdatedAt.UTC().Unix(), p.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("paper %s: %w", p.ID, fault.ErrPaperNotFound)
	}
	return nil
}

const paperColumns = `id, exam_id, subject, filename, size, content_address,
  plaintext_hash, recipient, key_version, wrapped_key, iv, unlock_time,
  time_authority, time_ref, time_sealed_key, ledger_tx_id, block_number,
  status, uploaded_by, created_at, updated_at`

func scanPaper(row interface{ Scan(...any) error }) (*Paper, error) {
	var p Paper
	var unlock, created, updated int64
	err := row.Scan(&p.ID, &p.ExamID, &p.Subject, &p.Filename, &p.Size,
		&p.ContentAddress, &p.PlaintextHash, &p.Recipient, &p.KeyVersion,
		&p.WrappedKey, &p.IV,
		&unlock, &p.TimeAuthority, &p.TimeRef, &p.TimeSealedKey,
		&p.LedgerTxID, &p.BlockNumber, &p.Status, &p.UploadedBy,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	p.UnlockTime = time.Unix(unlock, 0).UTC()
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.UpdatedAt = time.Unix(updated, 0).UTC()
	return &p, nil
}

func (s *sqliteStore) Paper(ctx context.Context, id string) (*Paper, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paperColumns+` FROM papers WHERE id=?`, id)
	p, err := scanPaper(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("paper %s: %w", id, fault.ErrPaperNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *sqliteStore) PapersByExam(ctx context.Context, examID string) ([]Paper, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paperColumns+` FROM papers WHERE exam_id=? ORDER BY created_at ASC, id ASC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Paper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveExam(ctx context.Context, e *Exam) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO exams(id, name, subject, scheduled_at, created_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, subject=excluded.subject,
  scheduled_at=excluded.scheduled_at`,
		e.ID, e.Name, e.Subject, e.ScheduledAt.UTC().Unix(), e.CreatedAt.UTC().Unix())
	return err
}

func (s *sqliteStore) Exam(ctx context.Context, id string) (*Exam, error) {
	var e Exam
	var scheduled, created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, subject, scheduled_at, created_at FROM exams WHERE id=?`, id).
		Scan(&e.ID, &e.Name, &e.Subject, &scheduled, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("exam %s: %w", id, fault.ErrExamNotFound)
	}
	if err != nil {
		return nil, err
	}
	e.ScheduledAt = time.Unix(scheduled, 0).UTC()
	e.CreatedAt = time.Unix(created, 0).UTC()
	return &e, nil
}

func (s *sqliteStore) SaveKeyMaterial(ctx context.Context, km *KeyMaterial) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM key_material WHERE owner=?`, km.Owner).Scan(&latest); err != nil {
		return err
	}
	if km.Version != int(latest.Int64)+1 {
		return fmt.Errorf("key material for %s: version %d does not follow %d",
			km.Owner, km.Version, latest.Int64)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO key_material(owner, version, public_key, sealed_private_key, salt, iterations, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		km.Owner, km.Version, km.PublicKey, km.SealedPrivateKey, km.Salt,
		km.Iterations, km.CreatedAt.UTC().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) LatestKeyMaterial(ctx context.Context, owner string) (*KeyMaterial, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT owner, version, public_key, sealed_private_key, salt, iterations, created_at
FROM key_material WHERE owner=? ORDER BY version DESC LIMIT 1`, owner)
	return scanKeyMaterial(row, owner)
}

func (s *sqliteStore) KeyMaterialVersion(ctx context.Context, owner string, version int) (*KeyMaterial, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT owner, version, public_key, sealed_private_key, salt, iterations, created_at
FROM key_material WHERE owner=? AND version=?`, owner, version)
	return scanKeyMaterial(row, owner)
}

func scanKeyMaterial(row *sql.Row, owner string) (*KeyMaterial, error) {
	var km KeyMaterial
	var created int64
	err := row.Scan(&km.Owner, &km.Version, &km.PublicKey,
		&km.SealedPrivateKey, &km.Salt, &km.Iterations, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key material for %s: %w", owner, fault.ErrKeyMaterialNotFound)
	}
	if err != nil {
		return nil, err
	}
	km.CreatedAt = time.Unix(created, 0).UTC()
	return &km, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
