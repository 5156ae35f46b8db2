package entry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store defines persistence for config entries.
type Store interface {
	// Get returns ErrEntryNotFound if the entry does not exist.
	Get(ctx context.Context, id string) (*ConfigEntry, error)

	List(ctx context.Context) ([]ConfigEntry, error)

	// FindByUniqueID returns ErrEntryNotFound if no entry of the domain has uniqueID.
	FindByUniqueID(ctx context.Context, domain, uniqueID string) (*ConfigEntry, error)

	// Create returns ErrEntryExists on an id or unique id collision.
	Create(ctx context.Context, e *ConfigEntry) error

	// Update returns ErrEntryNotFound if the entry does not exist.
	Update(ctx context.Context, e *ConfigEntry) error

	// Delete returns ErrEntryNotFound if the entry does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteStore implements Store on the config_entries table.
// Data and options are stored as JSON columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an open database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const entryColumns = `id, domain, title, unique_id, source, data, options, created_at, updated_at`

// Get retrieves an entry by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*ConfigEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM config_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("querying entry by id: %w", err)
	}
	return e, nil
}

// List retrieves all entries in creation order.
func (s *SQLiteStore) List(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM config_entries ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []ConfigEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, nil
}

// FindByUniqueID retrieves the entry of domain with uniqueID.
func (s *SQLiteStore) FindByUniqueID(ctx context.Context, domain, uniqueID string) (*ConfigEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM config_entries WHERE domain = ? AND unique_id = ?`,
		domain, uniqueID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("querying entry by unique id: %w", err)
	}
	return e, nil
}

// Create inserts a new entry.
func (s *SQLiteStore) Create(ctx context.Context, e *ConfigEntry) error {
	dataJSON, optionsJSON, err := marshalEntry(e)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Domain, e.Title, nullableString(e.UniqueID), string(e.Source),
		string(dataJSON), string(optionsJSON),
		e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrEntryExists
		}
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

// Update replaces title, unique id, data and options of an entry.
func (s *SQLiteStore) Update(ctx context.Context, e *ConfigEntry) error {
	dataJSON, optionsJSON, err := marshalEntry(e)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE config_entries
		SET title = ?, unique_id = ?, data = ?, options = ?, updated_at = ?
		WHERE id = ?`,
		e.Title, nullableString(e.UniqueID), string(dataJSON), string(optionsJSON),
		e.UpdatedAt.Format(time.RFC3339Nano), e.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrEntryExists
		}
		return fmt.Errorf("updating entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Delete removes an entry.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM config_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func marshalEntry(e *ConfigEntry) (dataJSON, optionsJSON []byte, err error) {
	if dataJSON, err = json.Marshal(e.Data); err != nil {
		return nil, nil, fmt.Errorf("marshalling data: %w", err)
	}
	if optionsJSON, err = json.Marshal(e.Options); err != nil {
		return nil, nil, fmt.Errorf("marshalling options: %w", err)
	}
	return dataJSON, optionsJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*ConfigEntry, error) {
	var (
		e                    ConfigEntry
		uniqueID             sql.NullString
		source               string
		dataJSON, optsJSON   string
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.ID, &e.Domain, &e.Title, &uniqueID, &source,
		&dataJSON, &optsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.UniqueID = uniqueID.String
	e.Source = Origin(source)
	e.State = StateNotLoaded

	if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
		return nil, fmt.Errorf("unmarshalling data: %w", err)
	}
	if err := json.Unmarshal([]byte(optsJSON), &e.Options); err != nil {
		return nil, fmt.Errorf("unmarshalling options: %w", err)
	}

	var err error
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &e, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: PRIMARY KEY")
}
