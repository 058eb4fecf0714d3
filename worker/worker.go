// Package worker drives the Renderer and Graph Client against READY/PENDING
// queue records: the single-post instant path and the carousel batch path.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forumkit/igpipeline/cdn"
	"github.com/forumkit/igpipeline/graphclient"
	"github.com/forumkit/igpipeline/models"
	"github.com/forumkit/igpipeline/pipelineerr"
	"github.com/forumkit/igpipeline/queue"
	"github.com/forumkit/igpipeline/renderer"
	"github.com/forumkit/igpipeline/utils"
	"github.com/forumkit/igpipeline/vault"
)

// AccountLookup resolves the account owning a post; implemented by the
// accounts repository (kept outside this package since account CRUD is
// not part of the pipeline's scope).
type AccountLookup interface {
	GetAccount(accountID string) (*models.Account, error)
	MarkDegraded(accountID string, degraded bool) error
}

// TemplateLookup resolves the raw template config for a post.
type TemplateLookup interface {
	GetTemplateConfig(templateID string) ([]byte, error)
}

// LogoLookup resolves an account's logo bytes, if any.
type LogoLookup interface {
	GetLogo(accountID string) ([]byte, error)
}

// Worker is the Publisher Worker: one instance is shared by every render
// and publish tick, holding no per-record state of its own.
type Worker struct {
	store    *queue.Store
	manager  *queue.Manager
	graph    *graphclient.Client
	cdnPub   *cdn.Publisher
	vault    *vault.Vault
	accounts AccountLookup
	tmpls    TemplateLookup
	logos    LogoLookup
}

// New builds a Worker from its collaborators.
func New(store *queue.Store, manager *queue.Manager, graph *graphclient.Client, cdnPub *cdn.Publisher, v *vault.Vault, accounts AccountLookup, tmpls TemplateLookup, logos LogoLookup) *Worker {
	return &Worker{store: store, manager: manager, graph: graph, cdnPub: cdnPub, vault: v, accounts: accounts, tmpls: tmpls, logos: logos}
}

// RenderOne renders a single post the scheduler has already reserved into
// RENDERING: composes the image, publishes it to the CDN, and transitions
// RENDERING->READY (or to PENDING/FAILED on error).
func (w *Worker) RenderOne(p *models.IGPost, content models.Content) {
	utils.Debugf("render start public_id=%s account_id=%s", p.PublicID, p.AccountID)

	rawCfg, err := w.tmpls.GetTemplateConfig(p.TemplateID)
	if err != nil {
		w.failRender(p, err)
		return
	}
	cfg, err := renderer.DecodeTemplateConfig(rawCfg, true)
	if err != nil {
		w.failRender(p, err)
		return
	}

	var logo []byte
	if cfg.LogoEnabled {
		logo, _ = w.logos.GetLogo(p.AccountID)
	}

	imgBytes, err := renderer.Render(content, cfg, logo, renderer.FormatJPEG, 95, time.Now())
	if err != nil {
		w.failRender(p, err)
		return
	}

	filename := fmt.Sprintf("%s_%d.jpg", p.PublicID, p.RetryCount)
	url, err := w.cdnPub.Publish(imgBytes, filename, "social_media")
	if err != nil {
		w.failRender(p, err)
		return
	}

	caption := content.Title
	if caption == "" {
		caption = content.Body
	}

	if err := w.manager.RenderSucceeded(p.ID, url, caption, p.Hashtags); err != nil {
		utils.Errorf("render complete persist failed public_id=%s err=%v", p.PublicID, err)
		return
	}

	utils.Infof("render complete public_id=%s image_url=%s", p.PublicID, url)
}

func (w *Worker) failRender(p *models.IGPost, err error) {
	t := pipelineerr.Classify(err, string(models.StatusPending))
	if ferr := w.manager.RenderFailed(p.ID, t.Code, t.Message, p.RetryCount, t.Retryable); ferr != nil {
		utils.Errorf("render failure persist failed public_id=%s err=%v", p.PublicID, ferr)
	}
	utils.Warnf("render failed public_id=%s code=%s message=%s", p.PublicID, t.Code, t.Message)
}

// PublishSingle drives the instant (single-image) two-phase publish for
// a READY post.
func (w *Worker) PublishSingle(ctx context.Context, p *models.IGPost) {
	account, err := w.accounts.GetAccount(p.AccountID)
	if err != nil {
		w.failPublish(p, err)
		return
	}
	if account.Degraded {
		utils.Warnf("skipping publish for degraded account account_id=%s public_id=%s", account.AccountID, p.PublicID)
		return
	}

	token, err := w.vault.Decrypt(account.AccessTokenEncrypted)
	if err != nil {
		w.failPublish(p, err)
		return
	}

	correlationID := fmt.Sprintf("%s-%d", p.PublicID, p.RetryCount+1)

	containerID := p.PendingContainerID
	if containerID == "" {
		containerID, err = w.graph.CreateImageContainer(ctx, account.IGUserID, token, p.ImageURL, p.CaptionWithHashtags(), correlationID)
		if err != nil {
			w.failPublish(p, err)
			return
		}
		if err := w.store.SetPendingContainer(p.ID, containerID); err != nil {
			utils.Warnf("failed to persist pending_container_id public_id=%s err=%v", p.PublicID, err)
		}
	}

	if err := w.graph.WaitContainerReady(ctx, containerID, token, correlationID); err != nil {
		w.failPublish(p, err)
		return
	}

	mediaID, err := w.graph.PublishContainer(ctx, account.IGUserID, token, containerID, correlationID)
	if err != nil {
		w.failPublish(p, err)
		return
	}

	info, err := w.graph.GetMediaInfo(ctx, mediaID, token, correlationID)
	if err != nil {
		// Published remotely but the permalink is unknown: stay in
		// PUBLISHING with the media id recorded so the reconciler's Stuck()
		// scan retries the lookup and force-publishes once it resolves,
		// rather than recording PUBLISHED with an empty permalink.
		utils.Warnf("media published but permalink fetch failed public_id=%s media_id=%s err=%v", p.PublicID, mediaID, err)
		if serr := w.store.SetPublishedMediaID(p.ID, mediaID); serr != nil {
			utils.Errorf("persisting published media id failed public_id=%s err=%v", p.PublicID, serr)
		}
		return
	}

	if err := w.manager.PublishSucceeded(p.ID, mediaID, info.Permalink); err != nil {
		utils.Errorf("publish complete persist failed public_id=%s err=%v", p.PublicID, err)
		return
	}
	utils.Infof("publish complete public_id=%s media_id=%s", p.PublicID, mediaID)
}

func (w *Worker) failPublish(p *models.IGPost, err error) {
	t := pipelineerr.Classify(err, string(models.StatusReady))
	if t.Degrade {
		if derr := w.accounts.MarkDegraded(p.AccountID, true); derr != nil {
			utils.Errorf("failed to mark account degraded account_id=%s err=%v", p.AccountID, derr)
		}
	}
	if ferr := w.manager.PublishFailed(p.ID, t.Code, t.Message, p.RetryCount, t.Retryable); ferr != nil {
		utils.Errorf("publish failure persist failed public_id=%s err=%v", p.PublicID, ferr)
	}
	utils.Warnf("publish failed public_id=%s code=%s message=%s", p.PublicID, t.Code, t.Message)
}

// PublishCarousel drives the carousel two-phase publish for every member
// of groupID, creating child containers one at a time in the deterministic
// member order.
func (w *Worker) PublishCarousel(ctx context.Context, groupID string) {
	members, err := w.store.PostsInGroup(groupID)
	if err != nil {
		utils.Errorf("carousel publish: list members failed group_id=%s err=%v", groupID, err)
		return
	}
	if len(members) < 2 {
		utils.Errorf("carousel publish: group_id=%s has fewer than 2 members (%d), refusing to publish", groupID, len(members))
		return
	}

	reserved, err := w.manager.ReserveCarouselMembers(members, "worker")
	if err != nil {
		w.rollbackCarouselReservation(groupID, reserved)
		utils.Errorf("carousel publish: reserving members failed group_id=%s err=%v", groupID, err)
		return
	}

	account, err := w.accounts.GetAccount(members[0].AccountID)
	if err != nil {
		w.failCarousel(groupID, members, err)
		return
	}
	token, err := w.vault.Decrypt(account.AccessTokenEncrypted)
	if err != nil {
		w.failCarousel(groupID, members, err)
		return
	}

	correlationID := fmt.Sprintf("carousel-%s-%s", groupID, uuid.NewString())

	// Deterministic order: members are already sorted by ascending id
	// from PostsInGroup; children are created serially in that order.
	childIDs := make([]string, 0, len(members))
	for _, m := range members {
		cid, err := w.graph.CreateCarouselItemContainer(ctx, account.IGUserID, token, m.ImageURL, correlationID)
		if err != nil {
			w.failCarousel(groupID, members, err)
			return
		}
		if err := w.graph.WaitContainerReady(ctx, cid, token, correlationID); err != nil {
			w.failCarousel(groupID, members, err)
			return
		}
		childIDs = append(childIDs, cid)
	}

	leadCaption := members[0].CaptionWithHashtags()
	parentID, err := w.graph.CreateCarouselContainer(ctx, account.IGUserID, token, childIDs, leadCaption, correlationID)
	if err != nil {
		w.failCarousel(groupID, members, err)
		return
	}
	if err := w.graph.WaitContainerReady(ctx, parentID, token, correlationID); err != nil {
		w.failCarousel(groupID, members, err)
		return
	}

	mediaID, err := w.graph.PublishContainer(ctx, account.IGUserID, token, parentID, correlationID)
	if err != nil {
		w.failCarousel(groupID, members, err)
		return
	}

	info, _ := w.graph.GetMediaInfo(ctx, mediaID, token, correlationID)

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(post *models.IGPost) {
			defer wg.Done()
			if err := w.manager.PublishSucceeded(post.ID, mediaID, info.Permalink); err != nil {
				utils.Errorf("carousel member publish persist failed public_id=%s err=%v", post.PublicID, err)
			}
		}(m)
	}
	wg.Wait()

	if err := w.store.CompleteCarouselGroup(groupID, mediaID, info.Permalink); err != nil {
		utils.Errorf("carousel group complete persist failed group_id=%s err=%v", groupID, err)
	}
	utils.Infof("carousel publish complete group_id=%s media_id=%s members=%d", groupID, mediaID, len(members))
}

// rollbackCarouselReservation releases members reserved by a
// ReserveCarouselMembers call that did not complete for every member, and
// puts the group itself back in READY so the next carousel-publish tick
// picks it up again.
func (w *Worker) rollbackCarouselReservation(groupID string, reservedIDs []int64) {
	for _, id := range reservedIDs {
		if err := w.store.Release(id, models.StatusPublishing, models.StatusReady); err != nil {
			utils.Errorf("carousel member reservation rollback failed group_id=%s id=%d err=%v", groupID, id, err)
		}
	}
	if err := w.store.UpdateCarouselGroupStatus(groupID, models.CarouselReady); err != nil {
		utils.Errorf("carousel group rollback to ready failed group_id=%s err=%v", groupID, err)
	}
}

// failCarousel rolls every member back to READY (transient) or FAILED
// (terminal). The group follows the same rule: FAILED when the error is not
// retryable or any member exhausts its retry budget, otherwise back to
// READY so ListReadyCarouselGroups re-dispatches it on the next tick — the
// whole group retries together (see SPEC_FULL.md open-question decision on
// partial carousel re-render).
func (w *Worker) failCarousel(groupID string, members []*models.IGPost, err error) {
	t := pipelineerr.Classify(err, string(models.StatusReady))
	if t.Degrade && len(members) > 0 {
		if derr := w.accounts.MarkDegraded(members[0].AccountID, true); derr != nil {
			utils.Errorf("failed to mark account degraded account_id=%s err=%v", members[0].AccountID, derr)
		}
	}

	anyFailed := false
	for _, m := range members {
		if ferr := w.manager.PublishFailed(m.ID, t.Code, t.Message, m.RetryCount, t.Retryable); ferr != nil {
			utils.Errorf("carousel member failure persist failed public_id=%s err=%v", m.PublicID, ferr)
		}
		if !t.Retryable || m.RetryCount+1 >= 3 {
			anyFailed = true
		}
	}

	nextGroupState := models.CarouselReady
	if anyFailed {
		nextGroupState = models.CarouselFailed
	}
	if err := w.store.UpdateCarouselGroupStatus(groupID, nextGroupState); err != nil {
		utils.Errorf("carousel group status update failed group_id=%s to=%s err=%v", groupID, nextGroupState, err)
	}
	utils.Warnf("carousel publish failed group_id=%s code=%s message=%s retryable=%v", groupID, t.Code, t.Message, !anyFailed)
}
