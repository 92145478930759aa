package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// schemaVersionKey is the document id within CollectionMetadata that holds
// the logical schema version (spec.md §4.2: "metadata.version holds the
// schema version; mismatch triggers a one-shot migration routine specified
// by a registered migrator name"). This is distinct from goose's own
// migration bookkeeping, which only tracks the documents table's DDL.
const schemaVersionKey = "version"

// Migrator transforms the store's logical contents from one schema version
// to the next. Registered migrators run in order until the stored version
// matches CurrentVersion.
type Migrator interface {
	// Name identifies the migrator for logging and for the registry lookup.
	Name() string
	// FromVersion is the version this migrator expects to find before running.
	FromVersion() int
	// ToVersion is the version this migrator leaves the store at.
	ToVersion() int
	// Run performs the migration within ctx, reading and rewriting documents
	// via s as needed.
	Run(ctx context.Context, s *Store) error
}

type schemaVersionDoc struct {
	Version int `json:"version"`
}

// EnsureSchemaVersion reads metadata.version, running any registered
// migrators whose FromVersion matches the stored version in sequence until
// either currentVersion is reached or no further migrator applies. If no
// metadata.version document exists yet, it is seeded at currentVersion
// without running any migrator (fresh database).
func (s *Store) EnsureSchemaVersion(ctx context.Context, currentVersion int, migrators []Migrator, nowMillis int64) error {
	version, err := s.readSchemaVersion(ctx)
	if err != nil {
		return err
	}

	if version < 0 {
		return s.writeSchemaVersion(ctx, currentVersion, nowMillis)
	}

	byFrom := make(map[int]Migrator, len(migrators))
	for _, m := range migrators {
		byFrom[m.FromVersion()] = m
	}

	for version < currentVersion {
		m, ok := byFrom[version]
		if !ok {
			return fmt.Errorf("store: no migrator registered from schema version %d", version)
		}

		s.logger.Info("store: running schema migrator", "name", m.Name(), "from", m.FromVersion(), "to", m.ToVersion())

		if err := m.Run(ctx, s); err != nil {
			return fmt.Errorf("store: migrator %s failed: %w", m.Name(), err)
		}

		version = m.ToVersion()

		if err := s.writeSchemaVersion(ctx, version, nowMillis); err != nil {
			return err
		}
	}

	return nil
}

// readSchemaVersion returns -1 if no version document has been written yet.
func (s *Store) readSchemaVersion(ctx context.Context) (int, error) {
	data, err := s.Get(ctx, CollectionMetadata, schemaVersionKey)
	if err != nil {
		if err == ErrNotFound {
			return -1, nil
		}

		return 0, err
	}

	var doc schemaVersionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("store: decoding schema version: %w", err)
	}

	return doc.Version, nil
}

func (s *Store) writeSchemaVersion(ctx context.Context, version int, nowMillis int64) error {
	data, err := json.Marshal(schemaVersionDoc{Version: version})
	if err != nil {
		return err
	}

	return s.Put(ctx, CollectionMetadata, schemaVersionKey, data, nowMillis)
}
