// Package queue is the durable store and state machine for IGPost and
// CarouselGroup records: CAS reservation, the access patterns workers and
// schedulers need, and the carousel formation rule.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/forumkit/igpipeline/models"
)

// ErrAlreadyTaken is returned by Reserve when the CAS on (id, status) fails
// because another worker already moved the record.
var ErrAlreadyTaken = errors.New("queue: record already reserved by another worker")

// Store is the Queue Store: durable persistence with CAS transitions.
type Store struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB. Schema bootstrap is a separate call
// (EnsureSchema) so callers can run it once at startup.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates every table the pipeline needs if absent. No
// migration framework: boot-time idempotent DDL, the way the teacher's
// Database.createTables does it.
func (s *Store) EnsureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			handle TEXT NOT NULL,
			ig_user_id TEXT NOT NULL,
			app_id TEXT NOT NULL,
			access_token_encrypted TEXT NOT NULL,
			app_secret_encrypted TEXT NOT NULL,
			token_expires_at TIMESTAMPTZ,
			publish_mode TEXT NOT NULL DEFAULT 'instant',
			batch_threshold INTEGER NOT NULL DEFAULT 2,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			default_template_id TEXT,
			school_id TEXT,
			degraded BOOLEAN NOT NULL DEFAULT FALSE,
			logo_path TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			template_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			account_id TEXT,
			config_json JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS carousel_groups (
			group_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'forming',
			target_count INTEGER NOT NULL,
			actual_count INTEGER NOT NULL DEFAULT 0,
			ig_media_id TEXT,
			ig_permalink TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ig_posts (
			id BIGSERIAL PRIMARY KEY,
			public_id TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL,
			template_id TEXT,
			forum_post_id TEXT NOT NULL,
			publish_mode TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			image_url TEXT,
			caption TEXT,
			hashtags TEXT[],
			ig_media_id TEXT,
			ig_permalink TEXT,
			published_at TIMESTAMPTZ,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error_code TEXT,
			last_error_message TEXT,
			carousel_group_id TEXT,
			pending_container_id TEXT,
			lease_owner TEXT,
			lease_expires_at TIMESTAMPTZ,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ig_posts_status ON ig_posts(status)`,
		`CREATE INDEX IF NOT EXISTS idx_ig_posts_account_status ON ig_posts(account_id, status)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("queue: schema bootstrap: %w", err)
		}
	}
	return nil
}

// Insert persists a new IGPost record, typically in PENDING, created
// when a forum post is approved.
func (s *Store) Insert(p *models.IGPost) error {
	row := s.db.QueryRow(`
		INSERT INTO ig_posts (public_id, account_id, template_id, forum_post_id, publish_mode, status, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		p.PublicID, p.AccountID, p.TemplateID, p.ForumPostID, p.PublishMode, p.Status, p.Priority)

	return row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// ListForRender returns up to limit PENDING records ordered by
// (priority, created_at) ascending.
func (s *Store) ListForRender(limit int) ([]*models.IGPost, error) {
	rows, err := s.db.Query(`
		SELECT id, public_id, account_id, template_id, forum_post_id, publish_mode, status,
		       COALESCE(image_url,''), COALESCE(caption,''), hashtags, retry_count, priority, created_at, updated_at
		FROM ig_posts
		WHERE status = $1
		ORDER BY priority ASC, created_at ASC
		LIMIT $2`, models.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list_for_render: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// ListForPublishInstant returns READY records in INSTANT mode.
func (s *Store) ListForPublishInstant(limit int) ([]*models.IGPost, error) {
	rows, err := s.db.Query(`
		SELECT id, public_id, account_id, template_id, forum_post_id, publish_mode, status,
		       COALESCE(image_url,''), COALESCE(caption,''), hashtags, retry_count, priority, created_at, updated_at,
		       COALESCE(pending_container_id,'')
		FROM ig_posts
		WHERE status = $1 AND publish_mode = $2
		ORDER BY priority ASC, created_at ASC
		LIMIT $3`, models.StatusReady, models.PublishModeInstant, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list_for_publish_instant: %w", err)
	}
	defer rows.Close()

	var out []*models.IGPost
	for rows.Next() {
		p := &models.IGPost{}
		if err := rows.Scan(&p.ID, &p.PublicID, &p.AccountID, &p.TemplateID, &p.ForumPostID,
			&p.PublishMode, &p.Status, &p.ImageURL, &p.Caption, pq.Array(&p.Hashtags),
			&p.RetryCount, &p.Priority, &p.CreatedAt, &p.UpdatedAt, &p.PendingContainerID); err != nil {
			return nil, fmt.Errorf("queue: list_for_publish_instant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListForCarousel returns READY, BATCH-mode, ungrouped records for an
// account ordered oldest-first — the candidate pool for formation.
func (s *Store) ListForCarousel(accountID string) ([]*models.IGPost, error) {
	rows, err := s.db.Query(`
		SELECT id, public_id, account_id, template_id, forum_post_id, publish_mode, status,
		       COALESCE(image_url,''), COALESCE(caption,''), hashtags, retry_count, priority, created_at, updated_at
		FROM ig_posts
		WHERE status = $1 AND publish_mode = $2 AND account_id = $3 AND carousel_group_id IS NULL
		ORDER BY created_at ASC, id ASC`, models.StatusReady, models.PublishModeBatch, accountID)
	if err != nil {
		return nil, fmt.Errorf("queue: list_for_carousel: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// Stuck returns records in the given state older than the cutoff — the
// reconciler's candidate pool.
func (s *Store) Stuck(status models.IGPostStatus, olderThan time.Time) ([]*models.IGPost, error) {
	rows, err := s.db.Query(`
		SELECT id, public_id, account_id, template_id, forum_post_id, publish_mode, status,
		       COALESCE(image_url,''), COALESCE(caption,''), hashtags, retry_count, priority, created_at, updated_at,
		       COALESCE(ig_media_id,'')
		FROM ig_posts
		WHERE status = $1 AND updated_at < $2`, status, olderThan)
	if err != nil {
		return nil, fmt.Errorf("queue: stuck: %w", err)
	}
	defer rows.Close()

	var out []*models.IGPost
	for rows.Next() {
		p := &models.IGPost{}
		if err := rows.Scan(&p.ID, &p.PublicID, &p.AccountID, &p.TemplateID, &p.ForumPostID,
			&p.PublishMode, &p.Status, &p.ImageURL, &p.Caption, pq.Array(&p.Hashtags),
			&p.RetryCount, &p.Priority, &p.CreatedAt, &p.UpdatedAt, &p.IGMediaID); err != nil {
			return nil, fmt.Errorf("queue: stuck: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Reserve performs the CAS transition fromState -> toState for id,
// stamping the lease owner/expiry. Losing the race returns
// ErrAlreadyTaken, never a generic error, so callers can treat it as
// "someone else has it" rather than a fault.
func (s *Store) Reserve(id int64, fromState, toState models.IGPostStatus, workerToken string, leaseTTL time.Duration) error {
	res, err := s.db.Exec(`
		UPDATE ig_posts
		SET status = $1, lease_owner = $2, lease_expires_at = NOW() + $3::interval, updated_at = NOW()
		WHERE id = $4 AND status = $5`,
		toState, workerToken, fmt.Sprintf("%d seconds", int(leaseTTL.Seconds())), id, fromState)
	if err != nil {
		return fmt.Errorf("queue: reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: reserve: %w", err)
	}
	if n == 0 {
		return ErrAlreadyTaken
	}
	return nil
}

// Release reverts a record from its reserved state back to a prior state
// without requiring the caller to still hold the lease token check — used
// by cancellation/rollback paths where the worker itself initiates the
// release.
func (s *Store) Release(id int64, fromState, toState models.IGPostStatus) error {
	_, err := s.db.Exec(`
		UPDATE ig_posts
		SET status = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		toState, id, fromState)
	if err != nil {
		return fmt.Errorf("queue: release: %w", err)
	}
	return nil
}

// CompleteRender persists render outputs and transitions RENDERING->READY.
func (s *Store) CompleteRender(id int64, imageURL, caption string, hashtags []string) error {
	_, err := s.db.Exec(`
		UPDATE ig_posts
		SET status = $1, image_url = $2, caption = $3, hashtags = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6`,
		models.StatusReady, imageURL, caption, pq.Array(hashtags), id, models.StatusRendering)
	if err != nil {
		return fmt.Errorf("queue: complete_render: %w", err)
	}
	return nil
}

// FailRender transitions a record out of RENDERING: back to PENDING if
// retries remain, otherwise to FAILED.
func (s *Store) FailRender(id int64, code, message string, retryCount int, toState models.IGPostStatus) error {
	_, err := s.db.Exec(`
		UPDATE ig_posts
		SET status = $1, last_error_code = $2, last_error_message = $3, retry_count = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6`,
		toState, code, message, retryCount, id, models.StatusRendering)
	if err != nil {
		return fmt.Errorf("queue: fail_render: %w", err)
	}
	return nil
}

// CompletePublish persists publish outputs and transitions to PUBLISHED.
func (s *Store) CompletePublish(id int64, igMediaID, igPermalink string) error {
	_, err := s.db.Exec(`
		UPDATE ig_posts
		SET status = $1, ig_media_id = $2, ig_permalink = $3, published_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status = $5`,
		models.StatusPublished, igMediaID, igPermalink, id, models.StatusPublishing)
	if err != nil {
		return fmt.Errorf("queue: complete_publish: %w", err)
	}
	return nil
}

// FailPublish transitions a record out of PUBLISHING: back to READY if
// retries remain, otherwise to FAILED.
func (s *Store) FailPublish(id int64, code, message string, retryCount int, toState models.IGPostStatus) error {
	_, err := s.db.Exec(`
		UPDATE ig_posts
		SET status = $1, last_error_code = $2, last_error_message = $3, retry_count = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6`,
		toState, code, message, retryCount, id, models.StatusPublishing)
	if err != nil {
		return fmt.Errorf("queue: fail_publish: %w", err)
	}
	return nil
}

// SetPublishedMediaID records a confirmed Graph media id on a record that
// remains in PUBLISHING because the permalink fetch that normally follows
// publish failed. No status CAS: the record stays put so the reconciler's
// Stuck() scan picks it up once it crosses StuckThreshold and retries the
// permalink lookup itself.
func (s *Store) SetPublishedMediaID(id int64, igMediaID string) error {
	_, err := s.db.Exec(`UPDATE ig_posts SET ig_media_id = $1, updated_at = NOW() WHERE id = $2`, igMediaID, id)
	if err != nil {
		return fmt.Errorf("queue: set_published_media_id: %w", err)
	}
	return nil
}

// CompletePublishWithNote is CompletePublish plus a last_error_code note,
// for completions that originate outside the normal publish path (the
// reconciler forcing PUBLISHED after finding the media remotely) where the
// note is part of the observable record of how the post got there.
func (s *Store) CompletePublishWithNote(id int64, igMediaID, igPermalink, code string) error {
	_, err := s.db.Exec(`
		UPDATE ig_posts
		SET status = $1, ig_media_id = $2, ig_permalink = $3, last_error_code = $4, published_at = NOW(), updated_at = NOW()
		WHERE id = $5 AND status = $6`,
		models.StatusPublished, igMediaID, igPermalink, code, id, models.StatusPublishing)
	if err != nil {
		return fmt.Errorf("queue: complete_publish_with_note: %w", err)
	}
	return nil
}

// SetPendingContainer records an in-flight container id for idempotent
// retry: a worker that crashes after creating a container but before
// publishing reuses this id instead of creating a duplicate.
func (s *Store) SetPendingContainer(id int64, containerID string) error {
	_, err := s.db.Exec(`UPDATE ig_posts SET pending_container_id = $1, updated_at = NOW() WHERE id = $2`, containerID, id)
	if err != nil {
		return fmt.Errorf("queue: set_pending_container: %w", err)
	}
	return nil
}

// AssignCarouselGroup atomically assigns group_id to the given post ids,
// used by the formation rule once T oldest READY records are chosen.
func (s *Store) AssignCarouselGroup(ids []int64, groupID string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(`UPDATE ig_posts SET carousel_group_id = $1, updated_at = NOW() WHERE id = ANY($2)`,
		groupID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("queue: assign_carousel_group: %w", err)
	}
	return nil
}

// InsertCarouselGroup creates a new CarouselGroup row in FORMING.
func (s *Store) InsertCarouselGroup(g *models.CarouselGroup) error {
	row := s.db.QueryRow(`
		INSERT INTO carousel_groups (group_id, account_id, status, target_count, actual_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at`,
		g.GroupID, g.AccountID, g.Status, g.TargetCount, g.ActualCount)
	return row.Scan(&g.CreatedAt, &g.UpdatedAt)
}

// UpdateCarouselGroupStatus transitions a group's status.
func (s *Store) UpdateCarouselGroupStatus(groupID string, toState models.CarouselStatus) error {
	_, err := s.db.Exec(`UPDATE carousel_groups SET status = $1, updated_at = NOW() WHERE group_id = $2`, toState, groupID)
	if err != nil {
		return fmt.Errorf("queue: update_carousel_group_status: %w", err)
	}
	return nil
}

// CompleteCarouselGroup persists the published media id/permalink and
// marks the group COMPLETED.
func (s *Store) CompleteCarouselGroup(groupID, igMediaID, igPermalink string) error {
	_, err := s.db.Exec(`
		UPDATE carousel_groups
		SET status = $1, ig_media_id = $2, ig_permalink = $3, updated_at = NOW()
		WHERE group_id = $4`,
		models.CarouselCompleted, igMediaID, igPermalink, groupID)
	if err != nil {
		return fmt.Errorf("queue: complete_carousel_group: %w", err)
	}
	return nil
}

// PostsInGroup returns every IGPost belonging to a carousel group, in
// the deterministic member order (ascending id) the spec requires for
// child-container creation order.
func (s *Store) PostsInGroup(groupID string) ([]*models.IGPost, error) {
	rows, err := s.db.Query(`
		SELECT id, public_id, account_id, template_id, forum_post_id, publish_mode, status,
		       COALESCE(image_url,''), COALESCE(caption,''), hashtags, retry_count, priority, created_at, updated_at
		FROM ig_posts
		WHERE carousel_group_id = $1
		ORDER BY id ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("queue: posts_in_group: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// ListReadyCarouselGroups returns up to limit groups in READY, the
// scheduler's candidate pool for carousel publish dispatch.
func (s *Store) ListReadyCarouselGroups(limit int) ([]*models.CarouselGroup, error) {
	rows, err := s.db.Query(`
		SELECT group_id, account_id, status, target_count, actual_count,
		       COALESCE(ig_media_id,''), COALESCE(ig_permalink,''), created_at, updated_at
		FROM carousel_groups
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, models.CarouselReady, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list_ready_carousel_groups: %w", err)
	}
	defer rows.Close()
	return scanCarouselGroups(rows)
}

// ReserveCarouselGroup performs the CAS transition READY->PROCESSING for a
// carousel group, the group-level analogue of Reserve.
func (s *Store) ReserveCarouselGroup(groupID string) error {
	res, err := s.db.Exec(`
		UPDATE carousel_groups SET status = $1, updated_at = NOW() WHERE group_id = $2 AND status = $3`,
		models.CarouselProcessing, groupID, models.CarouselReady)
	if err != nil {
		return fmt.Errorf("queue: reserve_carousel_group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: reserve_carousel_group: %w", err)
	}
	if n == 0 {
		return ErrAlreadyTaken
	}
	return nil
}

// CountsByStatus returns the number of ig_posts rows per status, for the
// ops debug surface.
func (s *Store) CountsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM ig_posts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue: counts_by_status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue: counts_by_status: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanCarouselGroups(rows *sql.Rows) ([]*models.CarouselGroup, error) {
	var out []*models.CarouselGroup
	for rows.Next() {
		g := &models.CarouselGroup{}
		if err := rows.Scan(&g.GroupID, &g.AccountID, &g.Status, &g.TargetCount, &g.ActualCount,
			&g.IGMediaID, &g.IGPermalink, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("queue: scan_carousel_group: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: scan_carousel_group: %w", err)
	}
	return out, nil
}

func scanPosts(rows *sql.Rows) ([]*models.IGPost, error) {
	var out []*models.IGPost
	for rows.Next() {
		p := &models.IGPost{}
		if err := rows.Scan(&p.ID, &p.PublicID, &p.AccountID, &p.TemplateID, &p.ForumPostID,
			&p.PublishMode, &p.Status, &p.ImageURL, &p.Caption, pq.Array(&p.Hashtags),
			&p.RetryCount, &p.Priority, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("queue: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: scan: %w", err)
	}
	return out, nil
}
