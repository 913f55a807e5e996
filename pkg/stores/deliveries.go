package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/webhook"
)

const deliveryColumns = `id, event, url, payload, status, attempt, max_attempts, status_code,
	response_body, error, next_retry_at, created_at, updated_at`

// CreateDelivery inserts a webhook delivery row.
func (s *SQLiteStore) CreateDelivery(ctx context.Context, d *webhook.Delivery) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	query := `
		INSERT INTO webhook_deliveries (` + deliveryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.Event,
		d.URL,
		string(d.Payload),
		d.Status,
		d.Attempt,
		d.MaxAttempts,
		nullInt(d.StatusCode),
		nullString(d.ResponseBody),
		nullString(d.Error),
		nullMillis(d.NextRetryAt),
		toMillis(d.CreatedAt),
		toMillis(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook delivery: %w", err)
	}
	return nil
}

// UpdateDelivery overwrites the attempt state of a delivery.
func (s *SQLiteStore) UpdateDelivery(ctx context.Context, d *webhook.Delivery) error {
	d.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE webhook_deliveries
		SET status = ?, attempt = ?, status_code = ?, response_body = ?, error = ?,
			next_retry_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		d.Status,
		d.Attempt,
		nullInt(d.StatusCode),
		nullString(d.ResponseBody),
		nullString(d.Error),
		nullMillis(d.NextRetryAt),
		toMillis(d.UpdatedAt),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook delivery: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return webhook.ErrDeliveryNotFound
	}
	return nil
}

// GetDelivery retrieves a delivery by ID.
func (s *SQLiteStore) GetDelivery(ctx context.Context, id string) (*webhook.Delivery, error) {
	return scanDelivery(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id))
}

// ListDeliveries lists deliveries, newest first.
func (s *SQLiteStore) ListDeliveries(ctx context.Context, filter webhook.DeliveryFilter) ([]webhook.Delivery, error) {
	var where []string
	var args []interface{}
	if filter.Event != "" {
		where = append(where, "event = ?")
		args = append(args, filter.Event)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []webhook.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook deliveries: %w", err)
	}
	return deliveries, nil
}

func scanDelivery(row scanner) (*webhook.Delivery, error) {
	d := &webhook.Delivery{}
	var (
		payload              string
		statusCode           sql.NullInt64
		responseBody, errMsg sql.NullString
		nextRetry            sql.NullInt64
		createdAt, updatedAt int64
	)

	err := row.Scan(
		&d.ID,
		&d.Event,
		&d.URL,
		&payload,
		&d.Status,
		&d.Attempt,
		&d.MaxAttempts,
		&statusCode,
		&responseBody,
		&errMsg,
		&nextRetry,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
	}

	d.Payload = []byte(payload)
	d.StatusCode = int(statusCode.Int64)
	d.ResponseBody = responseBody.String
	d.Error = errMsg.String
	d.NextRetryAt = fromNullMillis(nextRetry)
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return d, nil
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}
