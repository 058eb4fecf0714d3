// Package forumcontent resolves the forum post a render job is for: title,
// body, author, and school name, the raw material the renderer composes
// into an image. The spec leaves the forum platform's own storage out of
// scope, so this is a thin read-only view over a forum_posts table the
// platform is expected to expose alongside the pipeline's own schema.
package forumcontent

import (
	"database/sql"
	"fmt"

	"github.com/forumkit/igpipeline/models"
)

// Repository resolves models.Content by forum post id.
type Repository struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the read view table if absent, for standalone/dev
// deployments that do not already have the forum platform's own schema
// present. Production deployments expect this table to be owned and
// populated by the forum platform itself.
func (r *Repository) EnsureSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS forum_posts (
			forum_post_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			author_display TEXT NOT NULL,
			school_name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("forumcontent: schema bootstrap: %w", err)
	}
	return nil
}

// GetContent satisfies scheduler.ContentProvider.
func (r *Repository) GetContent(forumPostID string) (models.Content, error) {
	c := models.Content{ID: forumPostID}
	err := r.db.QueryRow(`
		SELECT title, body, author_display, school_name, created_at
		FROM forum_posts WHERE forum_post_id = $1`, forumPostID).Scan(
		&c.Title, &c.Body, &c.AuthorName, &c.SchoolName, &c.CreatedAt)
	if err != nil {
		return models.Content{}, fmt.Errorf("forumcontent: get_content: %w", err)
	}
	return c, nil
}
