package engine

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/papertrailhq/papertrail/internal/remote"
	"github.com/papertrailhq/papertrail/internal/store"
)

// Puller fetches everything the remote knows that the durable watermark
// has not yet seen.
type Puller struct {
	store  *store.Store
	client *remote.Client
	logger *log.Logger
}

// NewPuller creates a pull engine. If logger is nil, a default stderr
// logger is used.
func NewPuller(st *store.Store, client *remote.Client, logger *log.Logger) *Puller {
	if logger == nil {
		logger = log.New(os.Stderr, "[pull] ", log.LstdFlags)
	}
	return &Puller{store: st, client: client, logger: logger}
}

// Pull fetches the snapshot of remote changes past the stored watermark.
//
// The watermark is NOT advanced here: only a successful merge moves it,
// inside the merge transaction. A failure (or a crash between pull and
// merge) therefore just repeats the same pull next time, which is safe:
// pulling from an unchanged watermark is idempotent.
func (p *Puller) Pull(ctx context.Context) (*remote.Snapshot, error) {
	watermark, err := p.store.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark: %w", err)
	}

	snap, err := p.client.Pull(ctx, watermark)
	if err != nil {
		return nil, fmt.Errorf("pull since %d failed: %w", watermark, err)
	}

	total := 0
	for _, records := range snap.ByKind {
		total += len(records)
	}
	p.logger.Printf("Pulled %d records across %d kinds (watermark %d -> %d)",
		total, len(snap.ByKind), watermark, snap.NewWatermark)

	return snap, nil
}
