// Package backup implements the full-database export/import surface.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relevolab/relevo/internal/store"
)

// ErrUnknownCollection rejects an import whose payload names a collection
// that does not exist locally. Validation happens before any destructive
// step.
var ErrUnknownCollection = errors.New("import payload references an unknown collection")

// Service reads and writes whole-database snapshots.
type Service struct {
	store  *store.Store
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("backup: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, logger: logger}, nil
}

// Export emits one JSON object keyed by collection name to the array of its
// records, settings included.
func (s *Service) Export(ctx context.Context) ([]byte, error) {
	snapshot := map[string][]json.RawMessage{}
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, collection := range s.store.Collections() {
			records, err := collection.Export(tx)
			if err != nil {
				return err
			}
			if records == nil {
				records = []json.RawMessage{}
			}
			snapshot[collection.Name()] = records
		}
		return nil
	})
	if err != nil {
		s.logger.Error("export failed", zap.Error(err))
		return nil, err
	}
	return json.MarshalIndent(snapshot, "", "  ")
}

// Import performs a destructive replace: every collection is cleared, then
// the imported arrays are bulk-inserted, all in one transaction. The
// payload's top-level keys must be a subset of the known collection names or
// the operation is rejected without touching anything.
func (s *Service) Import(ctx context.Context, payload []byte) error {
	var snapshot map[string][]json.RawMessage
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return fmt.Errorf("backup: decode payload: %w", err)
	}
	for name := range snapshot {
		if _, ok := s.store.Collection(name); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCollection, name)
		}
	}

	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, collection := range s.store.Collections() {
			if err := collection.Replace(tx, snapshot[collection.Name()]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("import failed", zap.Error(err))
		return err
	}
	s.logger.Info("database imported", zap.Int("collections", len(snapshot)))
	return nil
}
