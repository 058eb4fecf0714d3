// Package reconciler resolves ambiguous local state by asking the Graph
// Client for remote truth, for records stuck in PUBLISHING, and moves
// FAILED records still under their retry budget back to READY. PUBLISHED
// and FAILED records are not checked against the Graph API.
package reconciler

import (
	"context"
	"time"

	"github.com/forumkit/igpipeline/graphclient"
	"github.com/forumkit/igpipeline/models"
	"github.com/forumkit/igpipeline/queue"
	"github.com/forumkit/igpipeline/utils"
	"github.com/forumkit/igpipeline/vault"
	"github.com/forumkit/igpipeline/worker"
)

// StuckThreshold is how long a record may sit in PUBLISHING before the
// reconciler treats it as a candidate (spec default: 30 minutes).
const StuckThreshold = 30 * time.Minute

const maxPublishRetriesForReschedule = 3

// Reconciler aligns local queue state with remote Instagram truth.
type Reconciler struct {
	store    *queue.Store
	manager  *queue.Manager
	graph    *graphclient.Client
	vault    *vault.Vault
	accounts worker.AccountLookup
}

// New builds a Reconciler from its collaborators.
func New(store *queue.Store, manager *queue.Manager, graph *graphclient.Client, v *vault.Vault, accounts worker.AccountLookup) *Reconciler {
	return &Reconciler{store: store, manager: manager, graph: graph, vault: v, accounts: accounts}
}

// Run resolves every record stuck in PUBLISHING older than StuckThreshold.
func (r *Reconciler) Run(ctx context.Context) {
	stuck, err := r.store.Stuck(models.StatusPublishing, time.Now().Add(-StuckThreshold))
	if err != nil {
		utils.Errorf("reconciler: list stuck failed: %v", err)
		return
	}

	for _, p := range stuck {
		r.resolveOne(ctx, p)
	}
}

func (r *Reconciler) resolveOne(ctx context.Context, p *models.IGPost) {
	if p.IGMediaID == "" {
		// Never made it past container creation / publish_container: no
		// remote id to check, so it is treated as a transient publish
		// failure and rolled back for retry.
		if err := r.manager.PublishFailed(p.ID, "reconciled_missing", "stuck in publishing with no media id", p.RetryCount, true); err != nil {
			utils.Errorf("reconciler: rollback failed public_id=%s err=%v", p.PublicID, err)
		}
		return
	}

	account, err := r.accounts.GetAccount(p.AccountID)
	if err != nil {
		utils.Errorf("reconciler: account lookup failed public_id=%s err=%v", p.PublicID, err)
		return
	}
	token, err := r.vault.Decrypt(account.AccessTokenEncrypted)
	if err != nil {
		utils.Errorf("reconciler: token decrypt failed public_id=%s err=%v", p.PublicID, err)
		return
	}

	info, err := r.graph.GetMediaInfo(ctx, p.IGMediaID, token, "reconcile-"+p.PublicID)
	if err != nil {
		utils.Warnf("reconciler: remote lookup failed public_id=%s media_id=%s err=%v", p.PublicID, p.IGMediaID, err)
		r.resolveAbsent(p)
		return
	}

	if info.ID != "" {
		if err := r.manager.ForcePublishedReconciled(p.ID, info.ID, info.Permalink); err != nil {
			utils.Errorf("reconciler: force-published persist failed public_id=%s err=%v", p.PublicID, err)
			return
		}
		utils.Infof("reconciler: found remotely, forced PUBLISHED public_id=%s media_id=%s", p.PublicID, info.ID)
		return
	}

	r.resolveAbsent(p)
}

func (r *Reconciler) resolveAbsent(p *models.IGPost) {
	// Absent remotely: downgrade to FAILED with a reconciled_missing code.
	if err := r.manager.PublishFailed(p.ID, "reconciled_missing", "media not found remotely", maxPublishRetriesForReschedule, false); err != nil {
		utils.Errorf("reconciler: downgrade failed public_id=%s err=%v", p.PublicID, err)
		return
	}
	utils.Warnf("reconciler: absent remotely, downgraded to FAILED public_id=%s", p.PublicID)
}

// RescheduleFailed finds FAILED records under the retry budget and moves
// them back to READY, allowing another publish attempt.
func (r *Reconciler) RescheduleFailed(maxRetries int) {
	failed, err := r.store.Stuck(models.StatusFailed, time.Now().Add(-StuckThreshold))
	if err != nil {
		utils.Errorf("reconciler: list failed failed: %v", err)
		return
	}
	for _, p := range failed {
		if p.RetryCount >= maxRetries {
			continue
		}
		if err := r.store.Release(p.ID, models.StatusFailed, models.StatusReady); err != nil {
			utils.Errorf("reconciler: reschedule failed public_id=%s err=%v", p.PublicID, err)
			continue
		}
		utils.Infof("reconciler: rescheduled FAILED->READY public_id=%s retry_count=%d", p.PublicID, p.RetryCount)
	}
}
