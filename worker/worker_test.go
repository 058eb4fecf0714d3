package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/forumkit/igpipeline/cdn"
	"github.com/forumkit/igpipeline/graphclient"
	"github.com/forumkit/igpipeline/models"
	"github.com/forumkit/igpipeline/queue"
	"github.com/forumkit/igpipeline/vault"
)

type fakeAccounts struct {
	account  *models.Account
	degraded bool
}

func (f *fakeAccounts) GetAccount(accountID string) (*models.Account, error) { return f.account, nil }
func (f *fakeAccounts) MarkDegraded(accountID string, degraded bool) error {
	f.degraded = degraded
	return nil
}

type fakeTemplates struct{ raw []byte }

func (f *fakeTemplates) GetTemplateConfig(templateID string) ([]byte, error) { return f.raw, nil }

type fakeLogos struct{}

func (fakeLogos) GetLogo(accountID string) ([]byte, error) { return nil, nil }

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

func TestPublishSingleSucceeds(t *testing.T) {
	v := testVault(t)
	encToken, err := v.Encrypt("EAAG-test-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v21.0/ig123/media":
			json.NewEncoder(w).Encode(map[string]string{"id": "container-1"})
		case r.URL.Path == "/v21.0/ig123/media_publish":
			json.NewEncoder(w).Encode(map[string]string{"id": "media-1"})
		default:
			json.NewEncoder(w).Encode(map[string]string{"id": "container-1", "status_code": "FINISHED", "permalink": "https://instagram.com/p/media-1"})
		}
	}))
	defer srv.Close()

	graph := graphclient.New(srv.URL, "v21.0")

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := queue.New(db)
	manager := queue.NewManager(store)

	account := &models.Account{AccountID: "acct-1", IGUserID: "ig123", AccessTokenEncrypted: encToken}
	accounts := &fakeAccounts{account: account}

	w := New(store, manager, graph, cdn.New(t.TempDir(), "https://cdn.example.com"), v, accounts, &fakeTemplates{}, fakeLogos{})

	post := &models.IGPost{
		ID:        7,
		PublicID:  "pub-7",
		AccountID: "acct-1",
		ImageURL:  "https://cdn.example.com/social_media/pub-7.jpg",
		Caption:   "hello",
		Status:    models.StatusPublishing,
	}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs("container-1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusPublished, "media-1", "https://instagram.com/p/media-1", int64(7), models.StatusPublishing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.PublishSingle(context.Background(), post)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPublishSingleSkipsDegradedAccount(t *testing.T) {
	v := testVault(t)
	account := &models.Account{AccountID: "acct-1", IGUserID: "ig123", Degraded: true}
	accounts := &fakeAccounts{account: account}

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := queue.New(db)
	manager := queue.NewManager(store)

	graph := graphclient.New("http://127.0.0.1:0", "v21.0")
	w := New(store, manager, graph, cdn.New(t.TempDir(), "https://cdn.example.com"), v, accounts, &fakeTemplates{}, fakeLogos{})

	post := &models.IGPost{ID: 1, PublicID: "pub-1", AccountID: "acct-1", Status: models.StatusPublishing}
	w.PublishSingle(context.Background(), post)
	// No expectations set on mock: reaching here without a call proves the
	// degraded short-circuit fired before any DB/graph interaction.
}

// TestPublishSingleStaysPublishingWhenPermalinkFetchFails covers the §8
// PUBLISHED ⇒ ig_permalink≠∅ invariant: a media that published but whose
// permalink lookup failed must stay in PUBLISHING with the media id
// recorded, not be marked PUBLISHED with an empty permalink.
func TestPublishSingleStaysPublishingWhenPermalinkFetchFails(t *testing.T) {
	v := testVault(t)
	encToken, err := v.Encrypt("EAAG-test-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v21.0/ig123/media":
			json.NewEncoder(w).Encode(map[string]string{"id": "container-1"})
		case r.URL.Path == "/v21.0/ig123/media_publish":
			json.NewEncoder(w).Encode(map[string]string{"id": "media-1"})
		case strings.HasPrefix(r.URL.Path, "/v21.0/container-1"):
			json.NewEncoder(w).Encode(map[string]string{"id": "container-1", "status_code": "FINISHED"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		}
	}))
	defer srv.Close()

	graph := graphclient.New(srv.URL, "v21.0", graphclient.WithBackoff(time.Millisecond, time.Millisecond, 1))

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := queue.New(db)
	manager := queue.NewManager(store)

	account := &models.Account{AccountID: "acct-1", IGUserID: "ig123", AccessTokenEncrypted: encToken}
	accounts := &fakeAccounts{account: account}

	w := New(store, manager, graph, cdn.New(t.TempDir(), "https://cdn.example.com"), v, accounts, &fakeTemplates{}, fakeLogos{})

	post := &models.IGPost{
		ID:        8,
		PublicID:  "pub-8",
		AccountID: "acct-1",
		ImageURL:  "https://cdn.example.com/social_media/pub-8.jpg",
		Caption:   "hello",
		Status:    models.StatusPublishing,
	}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs("container-1", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts SET ig_media_id = $1, updated_at = NOW() WHERE id = $2`)).
		WithArgs("media-1", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.PublishSingle(context.Background(), post)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func carouselMemberRows(members []*models.IGPost) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "public_id", "account_id", "template_id", "forum_post_id", "publish_mode", "status",
		"image_url", "caption", "hashtags", "retry_count", "priority", "created_at", "updated_at",
	})
	for _, m := range members {
		rows.AddRow(m.ID, m.PublicID, m.AccountID, "", "fp-"+m.PublicID, models.PublishModeBatch, models.StatusReady,
			m.ImageURL, m.Caption, "{}", 0, 0, now, now)
	}
	return rows
}

// TestPublishCarouselRollsBackReservationOnPartialFailure covers the case
// where one carousel member loses the READY->PUBLISHING reservation race:
// the already-reserved sibling is released back to READY and the group
// itself is put back in READY rather than wedging in PROCESSING.
func TestPublishCarouselRollsBackReservationOnPartialFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := queue.New(db)
	manager := queue.NewManager(store)
	w := New(store, manager, nil, nil, nil, nil, nil, nil)

	members := []*models.IGPost{
		{ID: 11, PublicID: "pub-11", AccountID: "acct-1", ImageURL: "https://cdn.example.com/11.jpg", Caption: "cap11"},
		{ID: 12, PublicID: "pub-12", AccountID: "acct-1", ImageURL: "https://cdn.example.com/12.jpg", Caption: "cap12"},
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, public_id, account_id, template_id, forum_post_id, publish_mode, status,`)).
		WithArgs("group-1").
		WillReturnRows(carouselMemberRows(members))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusPublishing, "worker", "120 seconds", int64(11), models.StatusReady).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusPublishing, "worker", "120 seconds", int64(12), models.StatusReady).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusReady, int64(11), models.StatusPublishing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE carousel_groups`)).
		WithArgs(models.CarouselReady, "group-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.PublishCarousel(context.Background(), "group-1")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestPublishCarouselRollsGroupBackToReadyOnTransientFailure covers §4.6:
// a transient Graph failure mid-assembly rolls every member and the group
// back to READY so the next carousel-publish tick retries the whole group.
func TestPublishCarouselRollsGroupBackToReadyOnTransientFailure(t *testing.T) {
	v := testVault(t)
	encToken, err := v.Encrypt("EAAG-test-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	graph := graphclient.New(srv.URL, "v21.0", graphclient.WithBackoff(time.Millisecond, time.Millisecond, 1))

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := queue.New(db)
	manager := queue.NewManager(store)

	account := &models.Account{AccountID: "acct-1", IGUserID: "ig123", AccessTokenEncrypted: encToken}
	accounts := &fakeAccounts{account: account}

	w := New(store, manager, graph, cdn.New(t.TempDir(), "https://cdn.example.com"), v, accounts, &fakeTemplates{}, fakeLogos{})

	members := []*models.IGPost{
		{ID: 21, PublicID: "pub-21", AccountID: "acct-1", ImageURL: "https://cdn.example.com/21.jpg", Caption: "cap21"},
		{ID: 22, PublicID: "pub-22", AccountID: "acct-1", ImageURL: "https://cdn.example.com/22.jpg", Caption: "cap22"},
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, public_id, account_id, template_id, forum_post_id, publish_mode, status,`)).
		WithArgs("group-2").
		WillReturnRows(carouselMemberRows(members))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusPublishing, "worker", "120 seconds", int64(21), models.StatusReady).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusPublishing, "worker", "120 seconds", int64(22), models.StatusReady).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusReady, "graph_transient", "boom", 1, int64(21), models.StatusPublishing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ig_posts`)).
		WithArgs(models.StatusReady, "graph_transient", "boom", 1, int64(22), models.StatusPublishing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE carousel_groups`)).
		WithArgs(models.CarouselReady, "group-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.PublishCarousel(context.Background(), "group-2")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
