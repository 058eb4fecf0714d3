package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/forumkit/igpipeline/graphclient"
	"github.com/forumkit/igpipeline/models"
	"github.com/forumkit/igpipeline/queue"
	"github.com/forumkit/igpipeline/vault"
)

type fakeAccounts struct{ account *models.Account }

func (f *fakeAccounts) GetAccount(accountID string) (*models.Account, error) { return f.account, nil }
func (f *fakeAccounts) MarkDegraded(accountID string, degraded bool) error   { return nil }

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

func TestResolveOneForcesPublishedWhenFoundRemotely(t *testing.T) {
	v := testVault(t)
	token, _ := v.Encrypt("tok")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "M9", "permalink": "https://instagram.com/p/M9"})
	}))
	defer srv.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := queue.New(db)
	manager := queue.NewManager(store)
	graph := graphclient.New(srv.URL, "v21.0")
	accounts := &fakeAccounts{account: &models.Account{AccountID: "acct-1", AccessTokenEncrypted: token}}

	r := New(store, manager, graph, v, accounts)

	post := &models.IGPost{ID: 9, PublicID: "pub-9", AccountID: "acct-1", IGMediaID: "M9", Status: models.StatusPublishing}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusPublished, "M9", "https://instagram.com/p/M9", "reconciled_found", int64(9), models.StatusPublishing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r.resolveOne(context.Background(), post)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolveOneRollsBackWhenNoMediaID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := queue.New(db)
	manager := queue.NewManager(store)
	r := New(store, manager, nil, nil, &fakeAccounts{})

	post := &models.IGPost{ID: 2, PublicID: "pub-2", AccountID: "acct-1", Status: models.StatusPublishing}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusReady, "reconciled_missing", "stuck in publishing with no media id", 1, int64(2), models.StatusPublishing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r.resolveOne(context.Background(), post)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
