package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/brokerd/internal/models"
)

// SQLiteScheduleRepository implements ScheduleRepository for SQLite/libsql.
type SQLiteScheduleRepository struct {
	db *sql.DB
}

// NewSQLiteScheduleRepository creates a new SQLite schedule repository.
func NewSQLiteScheduleRepository(db *sql.DB) *SQLiteScheduleRepository {
	return &SQLiteScheduleRepository{db: db}
}

const scheduleColumns = `id, name, description, enabled, spec_json, endpoint_json,
	retry_policy_json, created_by, bull_job_key, last_executed_at,
	last_execution_status, last_execution_error, execution_count,
	next_execution_at, metadata_json, created_at, updated_at`

// Create creates a new schedule.
func (r *SQLiteScheduleRepository) Create(ctx context.Context, schedule *models.Schedule) error {
	now := time.Now()
	if schedule.ID == "" {
		schedule.ID = ulid.Make().String()
	}
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	specJSON, endpointJSON, retryJSON, metadataJSON, err := marshalScheduleFields(schedule)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, schedule.ID, schedule.Name, schedule.Description, schedule.Enabled,
		specJSON, endpointJSON, retryJSON, schedule.CreatedBy,
		nullableString(schedule.BullJobKey), nullableTime(schedule.LastExecutedAt),
		nullableString(schedule.LastExecutionStatus), nullableString(schedule.LastExecutionError),
		schedule.ExecutionCount, nullableTime(schedule.NextExecutionAt), metadataJSON,
		now.Format(time.RFC3339), now.Format(time.RFC3339))

	return err
}

// GetByID retrieves a schedule by ID.
func (r *SQLiteScheduleRepository) GetByID(ctx context.Context, id string) (*models.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE id = ?
	`, id)

	schedule, err := scanScheduleRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return schedule, err
}

// GetByName retrieves a schedule by its unique name.
func (r *SQLiteScheduleRepository) GetByName(ctx context.Context, name string) (*models.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE name = ?
	`, name)

	schedule, err := scanScheduleRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return schedule, err
}

// List returns all schedules ordered by name.
func (r *SQLiteScheduleRepository) List(ctx context.Context) ([]*models.Schedule, error) {
	return r.query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules ORDER BY name
	`)
}

// ListEnabled returns all enabled schedules ordered by name.
func (r *SQLiteScheduleRepository) ListEnabled(ctx context.Context) ([]*models.Schedule, error) {
	return r.query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 ORDER BY name
	`)
}

// Update updates an existing schedule.
func (r *SQLiteScheduleRepository) Update(ctx context.Context, schedule *models.Schedule) error {
	schedule.UpdatedAt = time.Now()

	specJSON, endpointJSON, retryJSON, metadataJSON, err := marshalScheduleFields(schedule)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE schedules
		SET name = ?, description = ?, enabled = ?, spec_json = ?, endpoint_json = ?,
			retry_policy_json = ?, bull_job_key = ?, last_executed_at = ?,
			last_execution_status = ?, last_execution_error = ?, execution_count = ?,
			next_execution_at = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?
	`, schedule.Name, schedule.Description, schedule.Enabled, specJSON, endpointJSON,
		retryJSON, nullableString(schedule.BullJobKey), nullableTime(schedule.LastExecutedAt),
		nullableString(schedule.LastExecutionStatus), nullableString(schedule.LastExecutionError),
		schedule.ExecutionCount, nullableTime(schedule.NextExecutionAt), metadataJSON,
		schedule.UpdatedAt.Format(time.RFC3339), schedule.ID)

	return err
}

// Delete deletes a schedule by ID.
func (r *SQLiteScheduleRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (r *SQLiteScheduleRepository) query(ctx context.Context, q string, args ...any) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var schedules []*models.Schedule
	for rows.Next() {
		schedule, err := scanScheduleRow(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

func marshalScheduleFields(s *models.Schedule) (spec, endpoint, retry string, metadata *string, err error) {
	specJSON, err := json.Marshal(s.Schedule)
	if err != nil {
		return "", "", "", nil, err
	}
	endpointJSON, err := json.Marshal(s.Endpoint)
	if err != nil {
		return "", "", "", nil, err
	}
	retryJSON, err := json.Marshal(s.RetryPolicy)
	if err != nil {
		return "", "", "", nil, err
	}
	var metadataJSON *string
	if len(s.Metadata) > 0 {
		data, err := json.Marshal(s.Metadata)
		if err != nil {
			return "", "", "", nil, err
		}
		str := string(data)
		metadataJSON = &str
	}
	return string(specJSON), string(endpointJSON), string(retryJSON), metadataJSON, nil
}

func scanScheduleRow(row rowScanner) (*models.Schedule, error) {
	var schedule models.Schedule
	var specJSON, endpointJSON, retryJSON string
	var description, bullJobKey, lastStatus, lastError, metadataJSON sql.NullString
	var lastExecutedAt, nextExecutionAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&schedule.ID,
		&schedule.Name,
		&description,
		&schedule.Enabled,
		&specJSON,
		&endpointJSON,
		&retryJSON,
		&schedule.CreatedBy,
		&bullJobKey,
		&lastExecutedAt,
		&lastStatus,
		&lastError,
		&schedule.ExecutionCount,
		&nextExecutionAt,
		&metadataJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.Description = description.String
	schedule.BullJobKey = bullJobKey.String
	schedule.LastExecutionStatus = lastStatus.String
	schedule.LastExecutionError = lastError.String

	if err := json.Unmarshal([]byte(specJSON), &schedule.Schedule); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(endpointJSON), &schedule.Endpoint); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(retryJSON), &schedule.RetryPolicy); err != nil {
		return nil, err
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &schedule.Metadata); err != nil {
			return nil, err
		}
	}

	schedule.LastExecutedAt = parseNullableTime(lastExecutedAt)
	schedule.NextExecutionAt = parseNullableTime(nextExecutionAt)
	schedule.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	schedule.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &schedule, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
