package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/idangerous/pushqueue/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// TokenRepo is the PostgreSQL implementation of domain.TokenRepository.
// Audience resolution builds one query per filter spec instead of chaining
// mutable query state.
type TokenRepo struct {
	pool *pgxpool.Pool
}

// NewTokenRepo creates a new postgres TokenRepo.
func NewTokenRepo(pool *pgxpool.Pool) *TokenRepo {
	return &TokenRepo{pool: pool}
}

const tokenColumns = `id, token, device_type, device_id, device_model, os_version,
	app_version, customer_id, customer_email, store_id, is_active,
	created_at, updated_at, last_seen_at`

// Resolve computes the deduplicated recipient set for a filter spec.
func (r *TokenRepo) Resolve(ctx context.Context, f *domain.FilterSpec, storeID int64) ([]domain.Recipient, error) {
	query, args := buildResolveQuery(f, storeID)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	defer rows.Close()

	return collectRecipients(rows)
}

// ForCustomer returns the active tokens of a single customer within a store.
func (r *TokenRepo) ForCustomer(ctx context.Context, customerID, storeID int64) ([]domain.Recipient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.id, t.token, t.customer_id
		FROM device_tokens t
		WHERE t.is_active AND t.store_id = $1 AND t.customer_id = $2
		ORDER BY t.id
	`, storeID, customerID)
	if err != nil {
		return nil, fmt.Errorf("resolve customer %d tokens: %w", customerID, err)
	}
	defer rows.Close()

	return collectRecipients(rows)
}

// buildResolveQuery translates a FilterSpec into a single SQL statement.
// Predicates are AND-combined; the order bucket joins the external orders
// table and implies a registered owner.
func buildResolveQuery(f *domain.FilterSpec, storeID int64) (string, []any) {
	query := `SELECT t.id, t.token, t.customer_id FROM device_tokens t`
	args := []any{storeID}

	grouped := false
	having := ""

	if f != nil && f.CustomerGroup != 0 {
		query += ` JOIN customers c ON c.id = t.customer_id`
	}

	if f != nil && f.OrderBucket != "" {
		if f.OrderBucket == domain.Orders0 {
			query += ` LEFT JOIN orders o ON o.customer_id = t.customer_id`
		} else {
			query += ` JOIN orders o ON o.customer_id = t.customer_id`
			grouped = true
		}
	}

	query += ` WHERE t.is_active AND t.store_id = $1`

	if f != nil {
		switch f.OwnerType {
		case domain.OwnerMember:
			query += ` AND t.customer_id IS NOT NULL`
		case domain.OwnerGuest:
			query += ` AND t.customer_id IS NULL`
		}

		if f.DeviceType != "" {
			args = append(args, string(f.DeviceType))
			query += fmt.Sprintf(` AND t.device_type = $%d`, len(args))
		}

		if f.CustomerGroup != 0 {
			args = append(args, f.CustomerGroup)
			query += fmt.Sprintf(` AND c.group_id = $%d`, len(args))
		}

		if f.LastSeenFrom != nil {
			args = append(args, *f.LastSeenFrom)
			query += fmt.Sprintf(` AND t.last_seen_at >= $%d`, len(args))
		}
		if f.LastSeenTo != nil {
			args = append(args, *f.LastSeenTo)
			query += fmt.Sprintf(` AND t.last_seen_at <= $%d`, len(args))
		}

		switch f.OrderBucket {
		case "":
		case domain.Orders0:
			// Owners present in the token set but absent from orders.
			query += ` AND t.customer_id IS NOT NULL AND o.id IS NULL`
		case domain.Orders1:
			having = `HAVING COUNT(o.id) = 1`
		case domain.Orders2:
			having = `HAVING COUNT(o.id) = 2`
		case domain.Orders3:
			having = `HAVING COUNT(o.id) = 3`
		case domain.Orders4to10:
			having = `HAVING COUNT(o.id) BETWEEN 4 AND 10`
		case domain.Orders11to50:
			having = `HAVING COUNT(o.id) BETWEEN 11 AND 50`
		case domain.Orders51Up:
			having = `HAVING COUNT(o.id) >= 51`
		}
		if grouped {
			query += ` AND t.customer_id IS NOT NULL`
		}
	}

	if grouped {
		query += ` GROUP BY t.id, t.token, t.customer_id ` + having
	}
	query += ` ORDER BY t.id`

	return query, args
}

// collectRecipients scans resolver rows and drops duplicate token strings.
// A token can appear twice through join fan-out; the later occurrence loses.
func collectRecipients(rows pgx.Rows) ([]domain.Recipient, error) {
	var recipients []domain.Recipient
	seen := make(map[string]struct{})

	for rows.Next() {
		var rec domain.Recipient
		if err := rows.Scan(&rec.TokenID, &rec.Token, &rec.CustomerID); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if _, dup := seen[rec.Token]; dup {
			log.Debug().Int64("token_id", rec.TokenID).Msg("dropping duplicate token from recipient set")
			continue
		}
		seen[rec.Token] = struct{}{}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

// Register upserts a device token. The token string is the natural key; a
// matching device id within the store replaces that device's previous token.
func (r *TokenRepo) Register(ctx context.Context, reg domain.TokenRegistration) (*domain.DeviceToken, error) {
	// Same token string: refresh in place.
	row := r.pool.QueryRow(ctx, `
		UPDATE device_tokens SET
			device_type = $2, device_id = NULLIF($3, ''), device_model = NULLIF($4, ''),
			os_version = NULLIF($5, ''), app_version = NULLIF($6, ''),
			customer_id = $7, customer_email = NULLIF($8, ''), store_id = $9,
			is_active = TRUE, updated_at = now(), last_seen_at = now()
		WHERE token = $1
		RETURNING `+tokenColumns,
		reg.Token, string(reg.DeviceType), reg.DeviceID, reg.DeviceModel,
		reg.OSVersion, reg.AppVersion, reg.CustomerID, reg.CustomerEmail, reg.StoreID)

	tok, err := scanToken(row)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update token: %w", err)
	}

	// Same device, new token: replace the device's token.
	if reg.DeviceID != "" {
		row = r.pool.QueryRow(ctx, `
			UPDATE device_tokens SET
				token = $1, device_type = $2, device_model = NULLIF($4, ''),
				os_version = NULLIF($5, ''), app_version = NULLIF($6, ''),
				customer_id = $7, customer_email = NULLIF($8, ''),
				is_active = TRUE, updated_at = now(), last_seen_at = now()
			WHERE device_id = $3 AND store_id = $9
			RETURNING `+tokenColumns,
			reg.Token, string(reg.DeviceType), reg.DeviceID, reg.DeviceModel,
			reg.OSVersion, reg.AppVersion, reg.CustomerID, reg.CustomerEmail, reg.StoreID)

		tok, err = scanToken(row)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update device token: %w", err)
		}
	}

	row = r.pool.QueryRow(ctx, `
		INSERT INTO device_tokens
			(token, device_type, device_id, device_model, os_version, app_version,
			 customer_id, customer_email, store_id, is_active, last_seen_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			$7, NULLIF($8, ''), $9, TRUE, now())
		RETURNING `+tokenColumns,
		reg.Token, string(reg.DeviceType), reg.DeviceID, reg.DeviceModel,
		reg.OSVersion, reg.AppVersion, reg.CustomerID, reg.CustomerEmail, reg.StoreID)

	tok, err = scanToken(row)
	if err != nil {
		return nil, fmt.Errorf("insert token: %w", err)
	}
	return tok, nil
}

// Deactivate turns a token off without deleting it.
func (r *TokenRepo) Deactivate(ctx context.Context, token string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE device_tokens SET is_active = FALSE, updated_at = now() WHERE token = $1
	`, token)
	if err != nil {
		return fmt.Errorf("deactivate token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteByToken removes a token the gateway declared permanently invalid.
// Deleting an already-gone token is not an error.
func (r *TokenRepo) DeleteByToken(ctx context.Context, token string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM device_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// Delete removes a token by id.
func (r *TokenRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM device_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete token %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns tokens most recently seen first.
func (r *TokenRepo) List(ctx context.Context, limit, offset int) ([]*domain.DeviceToken, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+tokenColumns+` FROM device_tokens
		ORDER BY last_seen_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*domain.DeviceToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// CountByType returns active-token counts grouped by device type.
func (r *TokenRepo) CountByType(ctx context.Context) (map[domain.DeviceType]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT device_type, COUNT(*) FROM device_tokens WHERE is_active GROUP BY device_type
	`)
	if err != nil {
		return nil, fmt.Errorf("count tokens by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.DeviceType]int64)
	for rows.Next() {
		var dt string
		var n int64
		if err := rows.Scan(&dt, &n); err != nil {
			return nil, fmt.Errorf("scan token count: %w", err)
		}
		counts[domain.DeviceType(dt)] = n
	}
	return counts, rows.Err()
}

func scanToken(row scannable) (*domain.DeviceToken, error) {
	var t domain.DeviceToken
	var deviceID, deviceModel, osVersion, appVersion, customerEmail *string

	err := row.Scan(
		&t.ID, &t.Token, &t.DeviceType, &deviceID, &deviceModel, &osVersion,
		&appVersion, &t.CustomerID, &customerEmail, &t.StoreID, &t.IsActive,
		&t.CreatedAt, &t.UpdatedAt, &t.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	if deviceID != nil {
		t.DeviceID = *deviceID
	}
	if deviceModel != nil {
		t.DeviceModel = *deviceModel
	}
	if osVersion != nil {
		t.OSVersion = *osVersion
	}
	if appVersion != nil {
		t.AppVersion = *appVersion
	}
	if customerEmail != nil {
		t.CustomerEmail = *customerEmail
	}
	return &t, nil
}
