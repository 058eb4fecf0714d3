package accounts

import (
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestGetAccountScansRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	repo := New(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"account_id", "handle", "ig_user_id", "app_id", "access_token_encrypted", "app_secret_encrypted",
		"token_expires_at", "publish_mode", "batch_threshold", "is_active", "default_template_id", "school_id",
		"degraded", "created_at", "updated_at",
	}).AddRow("acct-1", "forumkit.news", "ig123", "app1", "enc-token", "enc-secret",
		now, "instant", 2, true, "tmpl-1", "school-1", false, now, now)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT account_id, handle, ig_user_id, app_id, access_token_encrypted, app_secret_encrypted,`)).
		WithArgs("acct-1").
		WillReturnRows(rows)

	a, err := repo.GetAccount("acct-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.Handle != "forumkit.news" || a.BatchThreshold != 2 {
		t.Fatalf("unexpected account: %+v", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateTokenIssuesExpectedUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	repo := New(db)
	expiry := time.Now().Add(60 * 24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET access_token_encrypted`)).
		WithArgs("enc-new", expiry, "acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateToken("acct-1", "enc-new", expiry); err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
