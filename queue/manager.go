package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forumkit/igpipeline/models"
)

const (
	maxRenderRetries  = 3
	maxPublishRetries = 3

	renderLeaseTTL  = 2 * time.Minute
	publishLeaseTTL = 2 * time.Minute
)

// Manager owns the state machine transitions and the carousel formation
// rule on top of the Store's raw CAS operations.
type Manager struct {
	store *Store
}

// NewManager builds a Manager around an existing Store.
func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// ReserveForRender claims a PENDING record for rendering.
func (m *Manager) ReserveForRender(id int64, workerToken string) error {
	return m.store.Reserve(id, models.StatusPending, models.StatusRendering, workerToken, renderLeaseTTL)
}

// ReserveForPublish claims a READY record for publishing.
func (m *Manager) ReserveForPublish(id int64, workerToken string) error {
	return m.store.Reserve(id, models.StatusReady, models.StatusPublishing, workerToken, publishLeaseTTL)
}

// RenderSucceeded transitions RENDERING->READY with the produced outputs.
func (m *Manager) RenderSucceeded(id int64, imageURL, caption string, hashtags []string) error {
	return m.store.CompleteRender(id, imageURL, caption, hashtags)
}

// RenderFailed applies the RENDERING->{PENDING,FAILED} rule: retry while
// under budget, else terminal FAILED.
func (m *Manager) RenderFailed(id int64, code, message string, priorRetryCount int, retryable bool) error {
	next := models.StatusFailed
	retryCount := priorRetryCount + 1
	if retryable && retryCount < maxRenderRetries {
		next = models.StatusPending
	}
	return m.store.FailRender(id, code, message, retryCount, next)
}

// PublishSucceeded transitions PUBLISHING->PUBLISHED.
func (m *Manager) PublishSucceeded(id int64, igMediaID, igPermalink string) error {
	return m.store.CompletePublish(id, igMediaID, igPermalink)
}

// ForcePublishedReconciled transitions PUBLISHING->PUBLISHED on a record
// the reconciler found already live on the remote end, stamping
// last_error_code so the record shows how it got there.
func (m *Manager) ForcePublishedReconciled(id int64, igMediaID, igPermalink string) error {
	return m.store.CompletePublishWithNote(id, igMediaID, igPermalink, "reconciled_found")
}

// ReserveCarouselMembers claims every member of a READY carousel group for
// publishing, the member-level analogue of ReserveForPublish the group-level
// ReserveCarouselGroup CAS has no part in. Stops at the first failure and
// returns the ids successfully reserved so far so the caller can roll them
// back.
func (m *Manager) ReserveCarouselMembers(members []*models.IGPost, workerToken string) ([]int64, error) {
	reserved := make([]int64, 0, len(members))
	for _, p := range members {
		if err := m.store.Reserve(p.ID, models.StatusReady, models.StatusPublishing, workerToken, publishLeaseTTL); err != nil {
			return reserved, err
		}
		reserved = append(reserved, p.ID)
	}
	return reserved, nil
}

// PublishFailed applies the PUBLISHING->{READY,FAILED} rule.
func (m *Manager) PublishFailed(id int64, code, message string, priorRetryCount int, retryable bool) error {
	next := models.StatusFailed
	retryCount := priorRetryCount + 1
	if retryable && retryCount < maxPublishRetries {
		next = models.StatusReady
	}
	return m.store.FailPublish(id, code, message, retryCount, next)
}

// TryFormCarousel applies the per-account formation rule: if the number
// of READY, ungrouped, BATCH-mode posts K >= account.BatchThreshold T,
// the oldest T (tie-broken by ascending id) become a new CarouselGroup in
// READY. Re-evaluated every tick against the account's *current*
// threshold (see SPEC_FULL.md open-question decision on lowering
// batch_threshold). Returns the new group id, or "" if formation did not
// trigger.
func (m *Manager) TryFormCarousel(account *models.Account) (string, error) {
	candidates, err := m.store.ListForCarousel(account.AccountID)
	if err != nil {
		return "", fmt.Errorf("queue: try_form_carousel: %w", err)
	}
	if len(candidates) < account.BatchThreshold {
		return "", nil
	}

	chosen := candidates[:account.BatchThreshold]
	ids := make([]int64, len(chosen))
	for i, p := range chosen {
		ids[i] = p.ID
	}

	group := &models.CarouselGroup{
		GroupID:     uuid.New().String(),
		AccountID:   account.AccountID,
		Status:      models.CarouselForming,
		TargetCount: account.BatchThreshold,
		ActualCount: len(chosen),
	}
	if err := m.store.InsertCarouselGroup(group); err != nil {
		return "", fmt.Errorf("queue: try_form_carousel: %w", err)
	}
	if err := m.store.AssignCarouselGroup(ids, group.GroupID); err != nil {
		return "", fmt.Errorf("queue: try_form_carousel: %w", err)
	}
	if err := m.store.UpdateCarouselGroupStatus(group.GroupID, models.CarouselReady); err != nil {
		return "", fmt.Errorf("queue: try_form_carousel: %w", err)
	}

	return group.GroupID, nil
}
