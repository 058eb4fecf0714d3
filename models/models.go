// Package models holds the pipeline's persisted data shapes: accounts,
// templates, IG post intents and their carousel groupings.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PublishMode is an account's posting policy.
type PublishMode string

const (
	PublishModeInstant PublishMode = "instant"
	PublishModeBatch   PublishMode = "batch"
)

// IGPostStatus is the lifecycle state of a single IGPost record.
type IGPostStatus string

const (
	StatusPending    IGPostStatus = "pending"
	StatusRendering  IGPostStatus = "rendering"
	StatusReady      IGPostStatus = "ready"
	StatusPublishing IGPostStatus = "publishing"
	StatusPublished  IGPostStatus = "published"
	StatusFailed     IGPostStatus = "failed"
	StatusCancelled  IGPostStatus = "cancelled"
)

// Terminal reports whether status can no longer transition.
func (s IGPostStatus) Terminal() bool {
	return s == StatusPublished || s == StatusCancelled
}

// CarouselStatus is the lifecycle state of a CarouselGroup.
type CarouselStatus string

const (
	CarouselForming    CarouselStatus = "forming"
	CarouselReady      CarouselStatus = "ready"
	CarouselProcessing CarouselStatus = "processing"
	CarouselCompleted  CarouselStatus = "completed"
	CarouselFailed     CarouselStatus = "failed"
)

// Account is a single Instagram business account the pipeline publishes to.
type Account struct {
	AccountID string
	Handle    string
	IGUserID  string
	AppID     string

	AccessTokenEncrypted string
	AppSecretEncrypted   string
	TokenExpiresAt       time.Time

	PublishMode       PublishMode
	BatchThreshold    int
	IsActive          bool
	DefaultTemplateID string
	SchoolID          string
	Degraded          bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces the account-level invariants from the data model:
// publish_mode=batch requires batch_threshold in [2,10].
func (a *Account) Validate() error {
	if a.PublishMode == PublishModeBatch && a.BatchThreshold < 2 {
		return fmt.Errorf("models: account %s has publish_mode=batch but batch_threshold=%d (must be >= 2)", a.AccountID, a.BatchThreshold)
	}
	if a.BatchThreshold > 10 {
		return fmt.Errorf("models: account %s batch_threshold=%d exceeds max of 10", a.AccountID, a.BatchThreshold)
	}
	return nil
}

// Template names a reusable, per-account (or global) render configuration.
type Template struct {
	TemplateID string
	Name       string
	AccountID  string // empty means global
	ConfigJSON json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IGPost is one forum-post -> Instagram-post publishing intent.
type IGPost struct {
	ID          int64
	PublicID    string
	AccountID   string
	TemplateID  string
	ForumPostID string

	PublishMode PublishMode
	Status      IGPostStatus

	ImageURL string
	Caption  string
	Hashtags []string

	IGMediaID   string
	IGPermalink string
	PublishedAt *time.Time

	RetryCount         int
	LastErrorCode      string
	LastErrorMessage   string
	CarouselGroupID    *string
	PendingContainerID string

	LeaseOwner     string
	LeaseExpiresAt *time.Time

	Priority int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces the cross-field invariants from the data model.
func (p *IGPost) Validate() error {
	if p.Status == StatusPublished && p.IGMediaID == "" {
		return fmt.Errorf("models: post %s is published without ig_media_id", p.PublicID)
	}
	if p.Status == StatusReady && (p.ImageURL == "" || p.Caption == "") {
		return fmt.Errorf("models: post %s is ready without image_url/caption", p.PublicID)
	}
	return nil
}

// CaptionWithHashtags joins the caption and hashtags exactly once; this is
// the single place hashtags get appended to the outgoing Graph caption.
func (p *IGPost) CaptionWithHashtags() string {
	if len(p.Hashtags) == 0 {
		return p.Caption
	}
	tags := ""
	for i, h := range p.Hashtags {
		if i > 0 {
			tags += " "
		}
		tags += h
	}
	return p.Caption + "\n\n" + tags
}

// CarouselGroup is 2-10 IGPosts published atomically as one multi-image post.
type CarouselGroup struct {
	GroupID   string
	AccountID string
	Status    CarouselStatus

	TargetCount int
	ActualCount int

	IGMediaID   string
	IGPermalink string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Content is what the renderer consumes to compose an image card.
type Content struct {
	ID         string
	Title      string
	Body       string
	AuthorName string
	SchoolName string
	CreatedAt  time.Time
}
