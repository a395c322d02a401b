package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinlake/binance-collector/internal/logging"
	"github.com/coinlake/binance-collector/internal/model"
)

// FileRepository is the JSON-file-backed CurrencyPairRepository. The
// collection is small, so all entries are cached in memory and the whole
// file is rewritten on every mutation. Rewrites go through a temp file
// plus rename so a crash never leaves a half-written checkpoint.
type FileRepository struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*model.CurrencyPair
}

// OpenFile loads the repository from path, creating an empty checkpoint
// when the file does not exist yet.
func OpenFile(path string) (*FileRepository, error) {
	r := &FileRepository{
		path:    path,
		logger:  logging.WithComponent("repository"),
		entries: make(map[string]*model.CurrencyPair),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("repository: read %s: %w", path, err)
		}
		if err := r.flush(); err != nil {
			return nil, err
		}
		return r, nil
	}

	if err := json.Unmarshal(data, &r.entries); err != nil {
		return nil, fmt.Errorf("repository: parse %s: %w", path, err)
	}

	r.logger.Info().Int("pairs", len(r.entries)).Str("path", path).Msg("Repository loaded")
	return r, nil
}

// flush rewrites the checkpoint file. Callers must hold the mutex.
func (r *FileRepository) flush() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("repository: marshal: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("repository: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".currency_pairs-*.json")
	if err != nil {
		return fmt.Errorf("repository: create temp: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("repository: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("repository: close temp: %w", err)
	}

	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("repository: rename: %w", err)
	}
	return nil
}

// Find returns all pairs matching the query; a nil query matches all.
func (r *FileRepository) Find(query *Query) []*model.CurrencyPair {
	r.mu.Lock()
	defer r.mu.Unlock()

	pairs := make([]*model.CurrencyPair, 0, len(r.entries))
	for _, pair := range r.entries {
		if query.Matches(pair) {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// Create stores a new pair and mirrors the checkpoint.
func (r *FileRepository) Create(pair *model.CurrencyPair) (*model.CurrencyPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[pair.UUID]; ok {
		return nil, ErrEntityAlreadyExists
	}

	r.entries[pair.UUID] = pair
	if err := r.flush(); err != nil {
		return nil, err
	}
	return pair, nil
}

// Read returns the pair under uuid.
func (r *FileRepository) Read(uuid string) (*model.CurrencyPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.entries[uuid]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return pair, nil
}

// Update replaces the pair under uuid, touching its updated_at timestamp.
func (r *FileRepository) Update(uuid string, pair *model.CurrencyPair) (*model.CurrencyPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[uuid]; !ok {
		return nil, ErrEntityNotFound
	}

	pair.UpdatedAt = time.Now()
	r.entries[uuid] = pair
	if err := r.flush(); err != nil {
		return nil, err
	}
	return pair, nil
}

// Delete removes the pair under uuid; absent uuids are a no-op.
func (r *FileRepository) Delete(uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[uuid]; !ok {
		return nil
	}

	delete(r.entries, uuid)
	return r.flush()
}
