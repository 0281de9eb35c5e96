package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const journalDBName = "incidents.db"

// EncryptedJournal implements domain.IncidentJournal using a SQLCipher
// encrypted SQLite database. It only records history; nothing in it is
// used to restore negotiations after a restart.
type EncryptedJournal struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedJournal opens (or creates) the journal in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedJournal(dataDir string, key []byte) (*EncryptedJournal, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, journalDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted journal: %w", err)
	}
	// Escalations arrive from many watchers at once; serialize writers
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted journal: %w", err)
	}

	j := &EncryptedJournal{db: db, dbPath: dbPath}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

func (j *EncryptedJournal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		negotiation_id TEXT NOT NULL,
		service_name TEXT NOT NULL DEFAULT '',
		daemon_pid INTEGER NOT NULL,
		cause TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		signal_error TEXT NOT NULL DEFAULT '',
		occurred_at INTEGER NOT NULL
	);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends an incident. A zero OccurredAt is stamped with the current time.
func (j *EncryptedJournal) Record(incident domain.Incident) error {
	if incident.OccurredAt.IsZero() {
		incident.OccurredAt = time.Now()
	}
	_, err := j.db.Exec(`
		INSERT INTO incidents (negotiation_id, service_name, daemon_pid, cause, detail, signal_error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		incident.NegotiationID, incident.ServiceName, incident.DaemonPID,
		string(incident.Cause), incident.Detail, incident.SignalError,
		incident.OccurredAt.UnixMilli(),
	)
	return err
}

// List returns up to limit incidents, newest first. limit <= 0 returns all.
func (j *EncryptedJournal) List(limit int) ([]domain.Incident, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := j.db.Query(`
		SELECT id, negotiation_id, service_name, daemon_pid, cause, detail, signal_error, occurred_at
		FROM incidents ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []domain.Incident
	for rows.Next() {
		var inc domain.Incident
		var cause string
		var occurred int64
		if err := rows.Scan(&inc.ID, &inc.NegotiationID, &inc.ServiceName, &inc.DaemonPID,
			&cause, &inc.Detail, &inc.SignalError, &occurred); err != nil {
			return nil, err
		}
		inc.Cause = domain.EscalationCause(cause)
		inc.OccurredAt = time.UnixMilli(occurred)
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// Path returns the database file path.
func (j *EncryptedJournal) Path() string {
	return j.dbPath
}

// Close releases the database connection.
func (j *EncryptedJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Ensure EncryptedJournal implements domain.IncidentJournal.
var _ domain.IncidentJournal = (*EncryptedJournal)(nil)
