package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/brokerd/internal/models"
)

// SQLiteApplicationRepository implements ApplicationRepository for SQLite/libsql.
type SQLiteApplicationRepository struct {
	db *sql.DB
}

// NewSQLiteApplicationRepository creates a new SQLite application repository.
func NewSQLiteApplicationRepository(db *sql.DB) *SQLiteApplicationRepository {
	return &SQLiteApplicationRepository{db: db}
}

const applicationColumns = `id, name, api_key_hash, key_prefix, settings_json, created_at, updated_at`

// Create creates a new application.
func (r *SQLiteApplicationRepository) Create(ctx context.Context, app *models.Application) error {
	now := time.Now()
	if app.ID == "" {
		app.ID = ulid.Make().String()
	}
	app.CreatedAt = now
	app.UpdatedAt = now

	settingsJSON, err := json.Marshal(app.Settings)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, app.ID, app.Name, app.APIKeyHash, app.KeyPrefix, string(settingsJSON),
		now.Format(time.RFC3339), now.Format(time.RFC3339))

	return err
}

// GetByID retrieves an application by ID.
func (r *SQLiteApplicationRepository) GetByID(ctx context.Context, id string) (*models.Application, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+applicationColumns+` FROM applications WHERE id = ?
	`, id)
	return r.scanApplication(row)
}

// GetByKeyHash retrieves an application by its hashed API key.
func (r *SQLiteApplicationRepository) GetByKeyHash(ctx context.Context, hash string) (*models.Application, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+applicationColumns+` FROM applications WHERE api_key_hash = ?
	`, hash)
	return r.scanApplication(row)
}

// GetByName retrieves an application by name.
func (r *SQLiteApplicationRepository) GetByName(ctx context.Context, name string) (*models.Application, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+applicationColumns+` FROM applications WHERE name = ?
	`, name)
	return r.scanApplication(row)
}

// List returns all applications ordered by name.
func (r *SQLiteApplicationRepository) List(ctx context.Context) ([]*models.Application, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+applicationColumns+` FROM applications ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var apps []*models.Application
	for rows.Next() {
		app, err := scanApplicationRow(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// Update updates an existing application.
func (r *SQLiteApplicationRepository) Update(ctx context.Context, app *models.Application) error {
	app.UpdatedAt = time.Now()

	settingsJSON, err := json.Marshal(app.Settings)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE applications
		SET name = ?, api_key_hash = ?, key_prefix = ?, settings_json = ?, updated_at = ?
		WHERE id = ?
	`, app.Name, app.APIKeyHash, app.KeyPrefix, string(settingsJSON),
		app.UpdatedAt.Format(time.RFC3339), app.ID)

	return err
}

// Delete deletes an application by ID.
func (r *SQLiteApplicationRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteApplicationRepository) scanApplication(row *sql.Row) (*models.Application, error) {
	app, err := scanApplicationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return app, err
}

func scanApplicationRow(row rowScanner) (*models.Application, error) {
	var app models.Application
	var settingsJSON string
	var createdAt, updatedAt string

	err := row.Scan(
		&app.ID,
		&app.Name,
		&app.APIKeyHash,
		&app.KeyPrefix,
		&settingsJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(settingsJSON), &app.Settings); err != nil {
		return nil, err
	}

	app.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	app.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &app, nil
}
