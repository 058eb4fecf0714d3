package forumcontent

import (
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestGetContentScansRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	repo := New(db)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"title", "body", "author_display", "school_name", "created_at"}).
		AddRow("Bake sale Friday", "Come support the club", "Jordan P.", "Lincoln High", now)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT title, body, author_display, school_name, created_at`)).
		WithArgs("fp-1").
		WillReturnRows(rows)

	c, err := repo.GetContent("fp-1")
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if c.Title != "Bake sale Friday" || c.SchoolName != "Lincoln High" {
		t.Fatalf("unexpected content: %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
