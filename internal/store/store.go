package store

import (
	"context"
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store owns the local database handle and the set of registered collections.
type Store struct {
	db          *gorm.DB
	logger      *zap.Logger
	collections []Collection
	byName      map[string]Collection
}

// Open establishes the SQLite connection backing the durable store.
// Collections must be registered and Migrate called before first use.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return &Store{
		db:     db,
		logger: logger,
		byName: make(map[string]Collection),
	}, nil
}

// Register adds collections to the store. Registration order is the order
// sync and export walk the collections.
func (s *Store) Register(collections ...Collection) error {
	for _, collection := range collections {
		name := collection.Name()
		if _, exists := s.byName[name]; exists {
			return fmt.Errorf("collection %q registered twice", name)
		}
		s.collections = append(s.collections, collection)
		s.byName[name] = collection
	}
	return nil
}

// Migrate brings the schema forward: auto-migration for every registered
// collection plus the recorded named migrations. Safe to run repeatedly.
func (s *Store) Migrate() error {
	models := []any{&migrationRecord{}}
	for _, collection := range s.collections {
		models = append(models, collection.Model())
	}
	if err := s.db.AutoMigrate(models...); err != nil {
		return err
	}

	if err := applyMigrations(s.db, s.collections, s.logger); err != nil {
		return err
	}

	s.logger.Info("durable store initialized",
		zap.Int("collections", len(s.collections)))
	return nil
}

// DB exposes the underlying gorm handle for repository queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Collections returns every registered collection in registration order.
func (s *Store) Collections() []Collection {
	return s.collections
}

// Collection looks a collection up by name.
func (s *Store) Collection(name string) (Collection, bool) {
	collection, ok := s.byName[name]
	return collection, ok
}

// Transaction runs fn inside a single transaction scope. Multi-row mutations
// belonging to one logical operation must go through here.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
