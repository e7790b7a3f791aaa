package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/brokerd/internal/models"
)

// SQLiteSubscriptionRepository implements SubscriptionRepository for SQLite/libsql.
type SQLiteSubscriptionRepository struct {
	db *sql.DB
}

// NewSQLiteSubscriptionRepository creates a new SQLite subscription repository.
func NewSQLiteSubscriptionRepository(db *sql.DB) *SQLiteSubscriptionRepository {
	return &SQLiteSubscriptionRepository{db: db}
}

const subscriptionColumns = `id, application_id, name, endpoint, method, headers_json,
	filters_json, events_json, retry_config_json, is_active, trigger_count,
	last_triggered_at, created_at, updated_at`

// Create creates a new subscription.
func (r *SQLiteSubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	now := time.Now()
	if sub.ID == "" {
		sub.ID = ulid.Make().String()
	}
	sub.CreatedAt = now
	sub.UpdatedAt = now

	headersJSON, filtersJSON, eventsJSON, retryJSON, err := marshalSubscriptionFields(sub)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.ApplicationID, sub.Name, sub.Endpoint, sub.Method, headersJSON,
		filtersJSON, eventsJSON, retryJSON, sub.Active, sub.TriggerCount,
		nullableTime(sub.LastTriggeredAt), now.Format(time.RFC3339), now.Format(time.RFC3339))

	return err
}

// GetByID retrieves a subscription by ID.
func (r *SQLiteSubscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?
	`, id)

	sub, err := scanSubscriptionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// GetByApplicationID retrieves all subscriptions for an application.
func (r *SQLiteSubscriptionRepository) GetByApplicationID(ctx context.Context, appID string) ([]*models.Subscription, error) {
	return r.query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE application_id = ?
		ORDER BY name
	`, appID)
}

// GetActiveByApplicationID retrieves active subscriptions for an application.
func (r *SQLiteSubscriptionRepository) GetActiveByApplicationID(ctx context.Context, appID string) ([]*models.Subscription, error) {
	return r.query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE application_id = ? AND is_active = 1
		ORDER BY name
	`, appID)
}

// Update updates an existing subscription.
func (r *SQLiteSubscriptionRepository) Update(ctx context.Context, sub *models.Subscription) error {
	sub.UpdatedAt = time.Now()

	headersJSON, filtersJSON, eventsJSON, retryJSON, err := marshalSubscriptionFields(sub)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET name = ?, endpoint = ?, method = ?, headers_json = ?, filters_json = ?,
			events_json = ?, retry_config_json = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, sub.Name, sub.Endpoint, sub.Method, headersJSON, filtersJSON,
		eventsJSON, retryJSON, sub.Active, sub.UpdatedAt.Format(time.RFC3339), sub.ID)

	return err
}

// Delete deletes a subscription by ID.
func (r *SQLiteSubscriptionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	return err
}

// RecordTrigger increments triggerCount and stamps lastTriggeredAt.
func (r *SQLiteSubscriptionRepository) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET trigger_count = trigger_count + 1, last_triggered_at = ?, updated_at = ?
		WHERE id = ?
	`, at.Format(time.RFC3339), time.Now().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteSubscriptionRepository) query(ctx context.Context, q string, args ...any) ([]*models.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRow(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func marshalSubscriptionFields(s *models.Subscription) (headers *string, filters, events, retry string, err error) {
	var headersJSON *string
	if len(s.Headers) > 0 {
		data, err := json.Marshal(s.Headers)
		if err != nil {
			return nil, "", "", "", err
		}
		str := string(data)
		headersJSON = &str
	}
	filtersJSON, err := json.Marshal(s.Filters)
	if err != nil {
		return nil, "", "", "", err
	}
	eventsJSON, err := json.Marshal(s.Events)
	if err != nil {
		return nil, "", "", "", err
	}
	retryJSON, err := json.Marshal(s.RetryConfig)
	if err != nil {
		return nil, "", "", "", err
	}
	return headersJSON, string(filtersJSON), string(eventsJSON), string(retryJSON), nil
}

func scanSubscriptionRow(row rowScanner) (*models.Subscription, error) {
	var sub models.Subscription
	var filtersJSON, eventsJSON, retryJSON string
	var headersJSON, lastTriggeredAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&sub.ID,
		&sub.ApplicationID,
		&sub.Name,
		&sub.Endpoint,
		&sub.Method,
		&headersJSON,
		&filtersJSON,
		&eventsJSON,
		&retryJSON,
		&sub.Active,
		&sub.TriggerCount,
		&lastTriggeredAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if headersJSON.Valid {
		if err := json.Unmarshal([]byte(headersJSON.String), &sub.Headers); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(filtersJSON), &sub.Filters); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventsJSON), &sub.Events); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(retryJSON), &sub.RetryConfig); err != nil {
		return nil, err
	}

	sub.LastTriggeredAt = parseNullableTime(lastTriggeredAt)
	sub.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sub.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &sub, nil
}
