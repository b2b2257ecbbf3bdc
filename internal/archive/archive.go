// Package archive stores raw webhook deliveries in a blob store so they can
// be replayed with `flounder normalize`.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/flounder/internal/link"
	"github.com/JakeFAU/flounder/internal/metrics"
)

// DefaultPrefix is the object prefix used when none is configured.
const DefaultPrefix = "webhooks"

const contentType = "application/json"

// Archiver writes one object per delivery under prefix/YYYY/MM/DD/.
type Archiver struct {
	store  link.BlobStore
	prefix string
	clock  link.Clock
	ids    link.IDGenerator
	logger *zap.Logger
}

// New builds an Archiver.
func New(store link.BlobStore, prefix string, clock link.Clock, ids link.IDGenerator, logger *zap.Logger) *Archiver {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, prefix: prefix, clock: clock, ids: ids, logger: logger}
}

// Save writes body and returns the object URI.
func (a *Archiver) Save(ctx context.Context, body []byte) (string, error) {
	id, err := a.ids.NewID()
	if err != nil {
		metrics.ObserveArchiveWrite(metrics.StatusFailed)
		return "", fmt.Errorf("archive id: %w", err)
	}
	now := a.clock.Now().UTC()
	objectPath := path.Join(a.prefix, now.Format("2006/01/02"), id+".json")

	uri, err := a.store.PutObject(ctx, objectPath, contentType, bytes.NewReader(body))
	if err != nil {
		metrics.ObserveArchiveWrite(metrics.StatusFailed)
		return "", fmt.Errorf("archive %s: %w", objectPath, err)
	}
	metrics.ObserveArchiveWrite(metrics.StatusSucceeded)
	a.logger.Debug("webhook archived", zap.String("uri", uri), zap.Int("bytes", len(body)))
	return uri, nil
}
