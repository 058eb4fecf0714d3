package queue

import (
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/forumkit/igpipeline/models"
)

func TestReserveSucceedsOnMatchingStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusRendering, "worker-1", "300 seconds", int64(42), models.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Reserve(42, models.StatusPending, models.StatusRendering, "worker-1", 5*time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReserveFailsWhenAlreadyTaken(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusRendering, "worker-1", "300 seconds", int64(42), models.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Reserve(42, models.StatusPending, models.StatusRendering, "worker-1", 5*time.Minute)
	if err != ErrAlreadyTaken {
		t.Fatalf("expected ErrAlreadyTaken, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListForRenderOrdersByPriorityThenCreatedAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "public_id", "account_id", "template_id", "forum_post_id", "publish_mode", "status",
		"image_url", "caption", "hashtags", "retry_count", "priority", "created_at", "updated_at",
	}).AddRow(1, "pub-1", "acct-1", "tmpl-1", "fp-1", models.PublishModeInstant, models.StatusPending,
		"", "", "{}", 0, 0, now, now)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, public_id, account_id, template_id, forum_post_id, publish_mode, status,`) +
		`.*` + regexp.QuoteMeta(`ORDER BY priority ASC, created_at ASC`)).
		WithArgs(models.StatusPending, 10).
		WillReturnRows(rows)

	posts, err := store.ListForRender(10)
	if err != nil {
		t.Fatalf("ListForRender: %v", err)
	}
	if len(posts) != 1 || posts[0].PublicID != "pub-1" {
		t.Fatalf("unexpected posts: %+v", posts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompletePublishTransitionsToPublished(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusPublished, "M1", "https://instagram.com/p/M1", int64(7), models.StatusPublishing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.CompletePublish(7, "M1", "https://instagram.com/p/M1"); err != nil {
		t.Fatalf("CompletePublish: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetPublishedMediaIDLeavesStatusUntouched(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts SET ig_media_id = $1, updated_at = NOW() WHERE id = $2`)).
		WithArgs("M1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SetPublishedMediaID(7, "M1"); err != nil {
		t.Fatalf("SetPublishedMediaID: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompletePublishWithNoteStampsErrorCode(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusPublished, "M1", "https://instagram.com/p/M1", "reconciled_found", int64(7), models.StatusPublishing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.CompletePublishWithNote(7, "M1", "https://instagram.com/p/M1", "reconciled_found"); err != nil {
		t.Fatalf("CompletePublishWithNote: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
