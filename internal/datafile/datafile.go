// Package datafile maintains the pool of per-(pair, channel) gzip append
// streams that raw exchange messages are written into, one JSON object
// per line. Files roll over lazily on the first write of a new calendar
// day.
package datafile

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinlake/binance-collector/internal/logging"
	"github.com/coinlake/binance-collector/internal/model"
)

const dateLayout = "2006-01-02"

// DataFile is one open gzip append stream. Handles stay valid until
// CloseFile is called or a day rollover evicts them inside GetFile;
// callers that cache handles across day boundaries must re-fetch.
type DataFile struct {
	path string
	date string

	file *os.File
	gz   *gzip.Writer
}

// Path returns the on-disk location of the stream.
func (d *DataFile) Path() string {
	return d.path
}

// open creates the parent directory and the append-mode gzip stream.
func (d *DataFile) open() error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("datafile: create %s: %w", filepath.Dir(d.path), err)
	}

	file, err := os.OpenFile(d.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("datafile: open %s: %w", d.path, err)
	}

	d.file = file
	d.gz = gzip.NewWriter(file)
	return nil
}

// close flushes and closes the gzip stream and the underlying file.
func (d *DataFile) close() error {
	if d.gz == nil {
		return nil
	}

	gzErr := d.gz.Close()
	fileErr := d.file.Close()
	d.gz = nil
	d.file = nil

	if gzErr != nil {
		return fmt.Errorf("datafile: close %s: %w", d.path, gzErr)
	}
	if fileErr != nil {
		return fmt.Errorf("datafile: close %s: %w", d.path, fileErr)
	}
	return nil
}

// WriteData appends data as one JSON line. The gzip stream is flushed
// after each line so readers see records without waiting for a close;
// durability beyond that is best-effort, there is no fsync.
func (d *DataFile) WriteData(data any) error {
	if d.gz == nil {
		return fmt.Errorf("datafile: write %s: stream closed", d.path)
	}

	line, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("datafile: encode: %w", err)
	}

	if _, err := d.gz.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("datafile: write %s: %w", d.path, err)
	}
	if err := d.gz.Flush(); err != nil {
		return fmt.Errorf("datafile: flush %s: %w", d.path, err)
	}
	return nil
}

// Manager owns the handle pool, keyed by (symbol, channel short name).
// A single mutex guards the map and all open/close transitions; writes on
// a handle happen outside the lock because messages for one symbol arrive
// on a single goroutine.
type Manager struct {
	root    string
	pattern string
	logger  zerolog.Logger

	// now is the clock used for day attribution; a seam for tests.
	now func() time.Time

	mu    sync.Mutex
	files map[string]*DataFile
}

// NewManager creates a pool rooted at root, naming files after pattern
// (placeholders {name} and {ts}).
func NewManager(root, pattern string) *Manager {
	return &Manager{
		root:    root,
		pattern: pattern,
		logger:  logging.WithComponent("datafile"),
		now:     time.Now,
		files:   make(map[string]*DataFile),
	}
}

func (m *Manager) key(pair *model.CurrencyPair, name string) string {
	return pair.Symbol() + "_" + name
}

func (m *Manager) fileName(name, date string) string {
	return strings.NewReplacer("{name}", name, "{ts}", date).Replace(m.pattern)
}

// GetFile returns the open stream for (pair, name), opening it on first
// use. When the stored date of an existing stream differs from today the
// old stream is closed and evicted before a fresh one is opened; this is
// the only place day rollover happens.
func (m *Manager) GetFile(pair *model.CurrencyPair, name string) (*DataFile, error) {
	key := m.key(pair, name)
	date := m.now().Format(dateLayout)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.files[key]; ok && existing.date != date {
		// Close before evicting so an open error below cannot leak the
		// old handle.
		if err := existing.close(); err != nil {
			m.logger.Error().Err(err).Str("path", existing.path).Msg("Could not close rolled file")
		}
		delete(m.files, key)
	}

	if existing, ok := m.files[key]; ok {
		return existing, nil
	}

	file := &DataFile{
		path: filepath.Join(m.root, pair.Symbol(), m.fileName(name, date)),
		date: date,
	}
	if err := file.open(); err != nil {
		return nil, err
	}

	m.files[key] = file
	return file, nil
}

// CloseFile closes and evicts the stream for (pair, name) if present;
// calling it for an unknown key is a no-op.
func (m *Manager) CloseFile(pair *model.CurrencyPair, name string) {
	key := m.key(pair, name)

	m.mu.Lock()
	defer m.mu.Unlock()

	file, ok := m.files[key]
	if !ok {
		return
	}

	if err := file.close(); err != nil {
		m.logger.Error().Err(err).Str("path", file.path).Msg("Could not close file")
	}
	delete(m.files, key)
}

// Close closes every open stream. Called once at shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, file := range m.files {
		if err := file.close(); err != nil {
			m.logger.Error().Err(err).Str("path", file.path).Msg("Could not close file")
		}
		delete(m.files, key)
	}
}
