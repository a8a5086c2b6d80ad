// Package delivery hands finished artifacts to the messaging channel.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

// Publisher sends a payload to a topic and returns the broker message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the message published for every delivered artifact.
type Notification struct {
	AccountID    string               `json:"account_id"`
	ArtifactPath string               `json:"artifact_path"`
	ArtifactName string               `json:"artifact_name"`
	ArtifactURI  string               `json:"artifact_uri,omitempty"`
	Meta         harvest.ArtifactMeta `json:"meta"`
	SentAt       time.Time            `json:"sent_at"`
}

// NewNotification builds the payload for one artifact.
func NewNotification(accountID, artifactPath string, meta harvest.ArtifactMeta, now time.Time) Notification {
	return Notification{
		AccountID:    accountID,
		ArtifactPath: artifactPath,
		ArtifactName: filepath.Base(artifactPath),
		ArtifactURI:  meta.MirrorURI,
		Meta:         meta,
		SentAt:       now.UTC(),
	}
}

// Attributes are the message attributes subscribers filter on.
func (n Notification) Attributes() map[string]string {
	attrs := map[string]string{
		"account_id": n.AccountID,
		"source":     string(n.Meta.Source),
		"format":     string(n.Meta.Format),
		"partial":    strconv.FormatBool(n.Meta.IsPartial),
	}
	if n.Meta.JobID != "" {
		attrs["job_id"] = n.Meta.JobID
	}
	if n.Meta.SHA256 != "" {
		attrs["sha256"] = n.Meta.SHA256
	}
	return attrs
}

// Notifier implements harvest.Deliverer by publishing a Notification.
type Notifier struct {
	pub    Publisher
	topic  string
	clock  harvest.Clock
	logger *zap.Logger
}

var _ harvest.Deliverer = (*Notifier)(nil)

// NewNotifier builds a Notifier. clock may be nil.
func NewNotifier(pub Publisher, topic string, clock harvest.Clock, logger *zap.Logger) (*Notifier, error) {
	if pub == nil {
		return nil, errors.New("delivery: publisher is required")
	}
	if topic == "" {
		return nil, errors.New("delivery: topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, topic: topic, clock: clock, logger: logger}, nil
}

// Deliver publishes the artifact notification.
func (n *Notifier) Deliver(ctx context.Context, accountID, artifactPath string, meta harvest.ArtifactMeta) error {
	now := time.Now()
	if n.clock != nil {
		now = n.clock.Now()
	}
	id, err := n.pub.Publish(ctx, n.topic, NewNotification(accountID, artifactPath, meta, now))
	if err != nil {
		return fmt.Errorf("deliver %s: %w", filepath.Base(artifactPath), err)
	}
	n.logger.Info("artifact delivered",
		zap.String("account_id", accountID),
		zap.String("artifact", artifactPath),
		zap.String("message_id", id),
	)
	return nil
}
