package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/brokerd/internal/models"
)

// SQLiteAppWebhookRepository implements AppWebhookRepository for SQLite/libsql.
type SQLiteAppWebhookRepository struct {
	db *sql.DB
}

// NewSQLiteAppWebhookRepository creates a new SQLite webhook repository.
func NewSQLiteAppWebhookRepository(db *sql.DB) *SQLiteAppWebhookRepository {
	return &SQLiteAppWebhookRepository{db: db}
}

const appWebhookColumns = `id, application_id, url, events_json, queues_json, headers_json,
	secret_encrypted, retry_config_json, is_active, failure_count, last_triggered_at,
	created_at, updated_at`

// Create creates a new application webhook.
func (r *SQLiteAppWebhookRepository) Create(ctx context.Context, webhook *models.AppWebhook) error {
	now := time.Now()
	if webhook.ID == "" {
		webhook.ID = ulid.Make().String()
	}
	webhook.CreatedAt = now
	webhook.UpdatedAt = now

	eventsJSON, queuesJSON, headersJSON, retryJSON, err := marshalWebhookFields(webhook)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO app_webhooks (`+appWebhookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, webhook.ID, webhook.ApplicationID, webhook.URL, eventsJSON, queuesJSON, headersJSON,
		webhook.SecretEncrypted, retryJSON, webhook.Active, webhook.FailureCount,
		nullableTime(webhook.LastTriggeredAt), now.Format(time.RFC3339), now.Format(time.RFC3339))

	return err
}

// GetByID retrieves a webhook by ID.
func (r *SQLiteAppWebhookRepository) GetByID(ctx context.Context, id string) (*models.AppWebhook, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+appWebhookColumns+` FROM app_webhooks WHERE id = ?
	`, id)

	webhook, err := scanAppWebhookRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return webhook, err
}

// GetByApplicationID retrieves all webhooks for an application.
func (r *SQLiteAppWebhookRepository) GetByApplicationID(ctx context.Context, appID string) ([]*models.AppWebhook, error) {
	return r.query(ctx, `
		SELECT `+appWebhookColumns+` FROM app_webhooks
		WHERE application_id = ?
		ORDER BY created_at
	`, appID)
}

// GetActiveByApplicationID retrieves active webhooks for an application.
func (r *SQLiteAppWebhookRepository) GetActiveByApplicationID(ctx context.Context, appID string) ([]*models.AppWebhook, error) {
	return r.query(ctx, `
		SELECT `+appWebhookColumns+` FROM app_webhooks
		WHERE application_id = ? AND is_active = 1
		ORDER BY created_at
	`, appID)
}

// Update updates an existing webhook.
func (r *SQLiteAppWebhookRepository) Update(ctx context.Context, webhook *models.AppWebhook) error {
	webhook.UpdatedAt = time.Now()

	eventsJSON, queuesJSON, headersJSON, retryJSON, err := marshalWebhookFields(webhook)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE app_webhooks
		SET url = ?, events_json = ?, queues_json = ?, headers_json = ?,
			secret_encrypted = ?, retry_config_json = ?, is_active = ?,
			failure_count = ?, last_triggered_at = ?, updated_at = ?
		WHERE id = ?
	`, webhook.URL, eventsJSON, queuesJSON, headersJSON,
		webhook.SecretEncrypted, retryJSON, webhook.Active,
		webhook.FailureCount, nullableTime(webhook.LastTriggeredAt),
		webhook.UpdatedAt.Format(time.RFC3339), webhook.ID)

	return err
}

// Delete deletes a webhook by ID.
func (r *SQLiteAppWebhookRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM app_webhooks WHERE id = ?`, id)
	return err
}

// RecordSuccess resets the failure count and stamps lastTriggeredAt.
func (r *SQLiteAppWebhookRepository) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE app_webhooks
		SET failure_count = 0, last_triggered_at = ?, updated_at = ?
		WHERE id = ?
	`, at.Format(time.RFC3339), time.Now().Format(time.RFC3339), id)
	return err
}

// RecordFailure atomically increments the failure count and deactivates the
// webhook once the count reaches quarantineAfter.
func (r *SQLiteAppWebhookRepository) RecordFailure(ctx context.Context, id string, quarantineAfter int) (int, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE app_webhooks
		SET failure_count = failure_count + 1,
			is_active = CASE WHEN failure_count + 1 >= ? THEN 0 ELSE is_active END,
			updated_at = ?
		WHERE id = ?
	`, quarantineAfter, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return 0, err
	}

	var count int
	err = r.db.QueryRowContext(ctx, `SELECT failure_count FROM app_webhooks WHERE id = ?`, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("webhook %s not found", id)
	}
	return count, err
}

func (r *SQLiteAppWebhookRepository) query(ctx context.Context, q string, args ...any) ([]*models.AppWebhook, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var webhooks []*models.AppWebhook
	for rows.Next() {
		webhook, err := scanAppWebhookRow(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, webhook)
	}
	return webhooks, rows.Err()
}

func marshalWebhookFields(w *models.AppWebhook) (events, queues string, headers *string, retry string, err error) {
	eventsJSON, err := json.Marshal(w.Events)
	if err != nil {
		return "", "", nil, "", err
	}
	queuesJSON, err := json.Marshal(w.Queues)
	if err != nil {
		return "", "", nil, "", err
	}
	var headersJSON *string
	if len(w.Headers) > 0 {
		data, err := json.Marshal(w.Headers)
		if err != nil {
			return "", "", nil, "", err
		}
		s := string(data)
		headersJSON = &s
	}
	retryJSON, err := json.Marshal(w.RetryConfig)
	if err != nil {
		return "", "", nil, "", err
	}
	return string(eventsJSON), string(queuesJSON), headersJSON, string(retryJSON), nil
}

func scanAppWebhookRow(row rowScanner) (*models.AppWebhook, error) {
	var webhook models.AppWebhook
	var eventsJSON, queuesJSON, retryJSON string
	var headersJSON, secretEncrypted, lastTriggeredAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&webhook.ID,
		&webhook.ApplicationID,
		&webhook.URL,
		&eventsJSON,
		&queuesJSON,
		&headersJSON,
		&secretEncrypted,
		&retryJSON,
		&webhook.Active,
		&webhook.FailureCount,
		&lastTriggeredAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	webhook.SecretEncrypted = secretEncrypted.String

	if err := json.Unmarshal([]byte(eventsJSON), &webhook.Events); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(queuesJSON), &webhook.Queues); err != nil {
		return nil, err
	}
	if headersJSON.Valid {
		if err := json.Unmarshal([]byte(headersJSON.String), &webhook.Headers); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(retryJSON), &webhook.RetryConfig); err != nil {
		return nil, err
	}

	webhook.LastTriggeredAt = parseNullableTime(lastTriggeredAt)
	webhook.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	webhook.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &webhook, nil
}

// nullableTime renders an optional timestamp as RFC3339 text or NULL.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
