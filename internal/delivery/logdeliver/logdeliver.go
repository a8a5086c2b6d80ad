// Package logdeliver is the development Deliverer: it only logs the hand-off.
package logdeliver

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

// Deliverer logs every artifact it is handed.
type Deliverer struct {
	logger *zap.Logger
}

var _ harvest.Deliverer = (*Deliverer)(nil)

// New returns a Deliverer writing to logger.
func New(logger *zap.Logger) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{logger: logger}
}

// Deliver fails when the artifact is missing so the caller queues it.
func (d *Deliverer) Deliver(ctx context.Context, accountID, artifactPath string, meta harvest.ArtifactMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(artifactPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("artifact %s is missing: %w", artifactPath, err)
		}
		return fmt.Errorf("stat artifact: %w", err)
	}
	d.logger.Info("artifact ready for delivery",
		zap.String("account_id", accountID),
		zap.String("artifact", artifactPath),
		zap.String("source", string(meta.Source)),
		zap.Int("results", meta.TotalResults),
		zap.Bool("partial", meta.IsPartial),
		zap.String("mirror_uri", meta.MirrorURI),
	)
	return nil
}
