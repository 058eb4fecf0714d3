// Package accounts is the Postgres-backed repository for Account, Template
// and per-account logo assets: the lookups the Worker, Reconciler and
// Scheduler need but that live outside the queue's own state machine.
package accounts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forumkit/igpipeline/models"
)

// Repository is the account/template/logo store.
type Repository struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetAccount satisfies worker.AccountLookup and reconciler's account lookup.
func (r *Repository) GetAccount(accountID string) (*models.Account, error) {
	a := &models.Account{}
	var tokenExpiresAt sql.NullTime
	var defaultTemplateID, schoolID sql.NullString

	err := r.db.QueryRow(`
		SELECT account_id, handle, ig_user_id, app_id, access_token_encrypted, app_secret_encrypted,
		       token_expires_at, publish_mode, batch_threshold, is_active, default_template_id, school_id,
		       degraded, created_at, updated_at
		FROM accounts WHERE account_id = $1`, accountID).Scan(
		&a.AccountID, &a.Handle, &a.IGUserID, &a.AppID, &a.AccessTokenEncrypted, &a.AppSecretEncrypted,
		&tokenExpiresAt, &a.PublishMode, &a.BatchThreshold, &a.IsActive, &defaultTemplateID, &schoolID,
		&a.Degraded, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("accounts: get_account: %w", err)
	}
	if tokenExpiresAt.Valid {
		a.TokenExpiresAt = tokenExpiresAt.Time
	}
	a.DefaultTemplateID = defaultTemplateID.String
	a.SchoolID = schoolID.String
	return a, nil
}

// ListActiveAccounts satisfies scheduler.AccountLister: every account the
// carousel formation and token-refresh ticks need to consider.
func (r *Repository) ListActiveAccounts() ([]*models.Account, error) {
	rows, err := r.db.Query(`
		SELECT account_id, handle, ig_user_id, app_id, access_token_encrypted, app_secret_encrypted,
		       token_expires_at, publish_mode, batch_threshold, is_active, default_template_id, school_id,
		       degraded, created_at, updated_at
		FROM accounts WHERE is_active = TRUE AND degraded = FALSE`)
	if err != nil {
		return nil, fmt.Errorf("accounts: list_active: %w", err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		a := &models.Account{}
		var tokenExpiresAt sql.NullTime
		var defaultTemplateID, schoolID sql.NullString
		if err := rows.Scan(&a.AccountID, &a.Handle, &a.IGUserID, &a.AppID, &a.AccessTokenEncrypted, &a.AppSecretEncrypted,
			&tokenExpiresAt, &a.PublishMode, &a.BatchThreshold, &a.IsActive, &defaultTemplateID, &schoolID,
			&a.Degraded, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("accounts: list_active: %w", err)
		}
		if tokenExpiresAt.Valid {
			a.TokenExpiresAt = tokenExpiresAt.Time
		}
		a.DefaultTemplateID = defaultTemplateID.String
		a.SchoolID = schoolID.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkDegraded flips an account's degraded flag, used when the Graph Client
// reports a permanent auth failure (expired/revoked token).
func (r *Repository) MarkDegraded(accountID string, degraded bool) error {
	_, err := r.db.Exec(`UPDATE accounts SET degraded = $1, updated_at = NOW() WHERE account_id = $2`, degraded, accountID)
	if err != nil {
		return fmt.Errorf("accounts: mark_degraded: %w", err)
	}
	return nil
}

// UpdateToken persists a refreshed long-lived token and its new expiry.
func (r *Repository) UpdateToken(accountID, encryptedToken string, expiresAt time.Time) error {
	_, err := r.db.Exec(`
		UPDATE accounts SET access_token_encrypted = $1, token_expires_at = $2, updated_at = NOW()
		WHERE account_id = $3`, encryptedToken, expiresAt, accountID)
	if err != nil {
		return fmt.Errorf("accounts: update_token: %w", err)
	}
	return nil
}

// GetTemplateConfig satisfies worker.TemplateLookup, returning the raw
// config_json for DecodeTemplateConfig to parse.
func (r *Repository) GetTemplateConfig(templateID string) ([]byte, error) {
	var raw json.RawMessage
	err := r.db.QueryRow(`SELECT config_json FROM templates WHERE template_id = $1`, templateID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("accounts: get_template_config: %w", err)
	}
	return raw, nil
}

// GetLogo satisfies worker.LogoLookup. Logo bytes live on disk rather than
// in Postgres: this reads the file named by the account's logo_path column,
// and returns nil bytes when that column is empty.
func (r *Repository) GetLogo(accountID string) ([]byte, error) {
	var path sql.NullString
	err := r.db.QueryRow(`SELECT logo_path FROM accounts WHERE account_id = $1`, accountID).Scan(&path)
	if err != nil {
		return nil, fmt.Errorf("accounts: get_logo: %w", err)
	}
	if !path.Valid || path.String == "" {
		return nil, nil
	}
	return readLogoFile(path.String)
}
