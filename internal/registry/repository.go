package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityRepository defines persistence for registered entities.
type EntityRepository interface {
	// GetByID returns ErrEntityNotFound if the entity id is not registered.
	GetByID(ctx context.Context, entityID string) (*Entity, error)

	// GetByUniqueID returns ErrEntityNotFound if no entity has the pair.
	GetByUniqueID(ctx context.Context, platform, uniqueID string) (*Entity, error)

	List(ctx context.Context) ([]Entity, error)

	// Create returns ErrEntityExists on an id or unique id collision.
	Create(ctx context.Context, e *Entity) error

	// Update returns ErrEntityNotFound if the entity does not exist.
	Update(ctx context.Context, e *Entity) error

	// Delete returns ErrEntityNotFound if the entity does not exist.
	Delete(ctx context.Context, entityID string) error
}

// DeviceRepository defines persistence for registered devices.
type DeviceRepository interface {
	// GetByID returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// GetByIdentifier returns ErrDeviceNotFound if no device carries the identifier.
	GetByIdentifier(ctx context.Context, ident Identifier) (*Device, error)

	List(ctx context.Context) ([]Device, error)

	// Create returns ErrDeviceExists if an identifier is already taken.
	Create(ctx context.Context, d *Device) error

	// Update replaces the device row and its identifier set.
	Update(ctx context.Context, d *Device) error

	// Delete returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteEntityRepository implements EntityRepository on the entity_registry table.
type SQLiteEntityRepository struct {
	db *sql.DB
}

// NewSQLiteEntityRepository creates an entity repository on an open database.
func NewSQLiteEntityRepository(db *sql.DB) *SQLiteEntityRepository {
	return &SQLiteEntityRepository{db: db}
}

const entityColumns = `entity_id, unique_id, platform, config_entry_id, device_id,
	original_name, created_at, updated_at`

// GetByID retrieves an entity by entity id.
func (r *SQLiteEntityRepository) GetByID(ctx context.Context, entityID string) (*Entity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entity_registry WHERE entity_id = ?`, entityID)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("querying entity by id: %w", err)
	}
	return e, nil
}

// GetByUniqueID retrieves an entity by (platform, unique id).
func (r *SQLiteEntityRepository) GetByUniqueID(ctx context.Context, platform, uniqueID string) (*Entity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entity_registry WHERE platform = ? AND unique_id = ?`,
		platform, uniqueID)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("querying entity by unique id: %w", err)
	}
	return e, nil
}

// List retrieves all entities ordered by entity id.
func (r *SQLiteEntityRepository) List(ctx context.Context) ([]Entity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entity_registry ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return entities, nil
}

// Create inserts a new entity.
func (r *SQLiteEntityRepository) Create(ctx context.Context, e *Entity) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entity_registry (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntityID, e.UniqueID, e.Platform, e.ConfigEntryID,
		nullableString(e.DeviceID), e.OriginalName,
		e.CreatedAt.Format(time.RFC3339), e.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrEntityExists
		}
		return fmt.Errorf("inserting entity: %w", err)
	}
	return nil
}

// Update modifies an existing entity. The unique id and platform are immutable.
func (r *SQLiteEntityRepository) Update(ctx context.Context, e *Entity) error {
	e.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE entity_registry
		SET config_entry_id = ?, device_id = ?, original_name = ?, updated_at = ?
		WHERE entity_id = ?`,
		e.ConfigEntryID, nullableString(e.DeviceID), e.OriginalName,
		e.UpdatedAt.Format(time.RFC3339), e.EntityID,
	)
	if err != nil {
		return fmt.Errorf("updating entity: %w", err)
	}
	return requireAffected(result, ErrEntityNotFound)
}

// Delete removes an entity.
func (r *SQLiteEntityRepository) Delete(ctx context.Context, entityID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM entity_registry WHERE entity_id = ?`, entityID)
	if err != nil {
		return fmt.Errorf("deleting entity: %w", err)
	}
	return requireAffected(result, ErrEntityNotFound)
}

// SQLiteDeviceRepository implements DeviceRepository on the device_registry
// and device_identifiers tables.
type SQLiteDeviceRepository struct {
	db *sql.DB
}

// NewSQLiteDeviceRepository creates a device repository on an open database.
func NewSQLiteDeviceRepository(db *sql.DB) *SQLiteDeviceRepository {
	return &SQLiteDeviceRepository{db: db}
}

const deviceColumns = `id, config_entry_id, manufacturer, model, name, sw_version,
	hw_version, via_device_id, created_at, updated_at`

// GetByID retrieves a device and its identifiers.
func (r *SQLiteDeviceRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM device_registry WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	if d.Identifiers, err = r.identifiers(ctx, d.ID); err != nil {
		return nil, err
	}
	return d, nil
}

// GetByIdentifier retrieves the device carrying ident.
func (r *SQLiteDeviceRepository) GetByIdentifier(ctx context.Context, ident Identifier) (*Device, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT device_id FROM device_identifiers WHERE domain = ? AND identifier = ?`,
		ident.Domain, ident.ID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by identifier: %w", err)
	}
	return r.GetByID(ctx, id)
}

// List retrieves all devices ordered by name.
func (r *SQLiteDeviceRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM device_registry ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	// Identifiers are loaded after the cursor is closed; the pool holds a
	// single connection.
	for i := range devices {
		if devices[i].Identifiers, err = r.identifiers(ctx, devices[i].ID); err != nil {
			return nil, err
		}
	}
	return devices, nil
}

// Create inserts a device and its identifiers in one transaction.
func (r *SQLiteDeviceRepository) Create(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_registry (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ConfigEntryID, nullableString(d.Manufacturer), nullableString(d.Model),
		d.Name, nullableString(d.SWVersion), nullableString(d.HWVersion),
		nullableString(d.ViaDeviceID),
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	if err := insertIdentifiers(ctx, tx, d); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device: %w", err)
	}
	return nil
}

// Update replaces the device attributes and identifier set.
func (r *SQLiteDeviceRepository) Update(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	result, err := tx.ExecContext(ctx, `
		UPDATE device_registry
		SET config_entry_id = ?, manufacturer = ?, model = ?, name = ?,
			sw_version = ?, hw_version = ?, via_device_id = ?, updated_at = ?
		WHERE id = ?`,
		d.ConfigEntryID, nullableString(d.Manufacturer), nullableString(d.Model), d.Name,
		nullableString(d.SWVersion), nullableString(d.HWVersion), nullableString(d.ViaDeviceID),
		d.UpdatedAt.Format(time.RFC3339), d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	if err := requireAffected(result, ErrDeviceNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_identifiers WHERE device_id = ?`, d.ID); err != nil {
		return fmt.Errorf("clearing device identifiers: %w", err)
	}
	if err := insertIdentifiers(ctx, tx, d); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device: %w", err)
	}
	return nil
}

// Delete removes a device. Identifiers cascade.
func (r *SQLiteDeviceRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM device_registry WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireAffected(result, ErrDeviceNotFound)
}

func (r *SQLiteDeviceRepository) identifiers(ctx context.Context, deviceID string) ([]Identifier, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT domain, identifier FROM device_identifiers WHERE device_id = ? ORDER BY domain, identifier`,
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying device identifiers: %w", err)
	}
	defer rows.Close()

	var ids []Identifier
	for rows.Next() {
		var id Identifier
		if err := rows.Scan(&id.Domain, &id.ID); err != nil {
			return nil, fmt.Errorf("scanning device identifier: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device identifiers: %w", err)
	}
	return ids, nil
}

func insertIdentifiers(ctx context.Context, tx *sql.Tx, d *Device) error {
	for _, id := range d.Identifiers {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO device_identifiers (device_id, domain, identifier) VALUES (?, ?, ?)`,
			d.ID, id.Domain, id.ID)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: identifier %s", ErrDeviceExists, id)
			}
			return fmt.Errorf("inserting device identifier: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e                    Entity
		deviceID             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.EntityID, &e.UniqueID, &e.Platform, &e.ConfigEntryID,
		&deviceID, &e.OriginalName, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.DeviceID = deviceID.String

	var err error
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &e, nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d                                     Device
		manufacturer, model, swVersion, hwVer sql.NullString
		viaDeviceID                           sql.NullString
		createdAt, updatedAt                  string
	)
	if err := row.Scan(&d.ID, &d.ConfigEntryID, &manufacturer, &model, &d.Name,
		&swVersion, &hwVer, &viaDeviceID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Manufacturer = manufacturer.String
	d.Model = model.String
	d.SWVersion = swVersion.String
	d.HWVersion = hwVer.String
	d.ViaDeviceID = viaDeviceID.String

	var err error
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

// nullableString stores empty strings as NULL.
func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireAffected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
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
