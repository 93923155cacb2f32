package writer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// StorageError wraps any filesystem failure raised by the writer. Callers
// decide whether to drop, retry or halt; the writer itself never retries.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, path string, err error) error {
	return &StorageError{Op: op, Path: path, Err: err}
}

const tempPrefix = ".tmp-"

// FileWriter persists row, quarantine, overview and close files under the
// configured base directory. Every mutation goes through a write-temp,
// optional fsync, rename sequence so a crash mid-write leaves the previous
// file intact. A per-target lock serializes writers racing on one file while
// leaving unrelated files concurrent.
type FileWriter struct {
	baseDir string
	fsync   bool
	log     *logger.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFileWriter(cfg config.WriterConfig) *FileWriter {
	w := &FileWriter{
		baseDir: cfg.BaseDir,
		fsync:   cfg.Fsync,
		log:     logger.GetLogger().WithComponent("writer"),
		locks:   make(map[string]*sync.Mutex),
	}
	w.log.WithFields(logger.Fields{
		"base_dir": w.baseDir,
		"fsync":    w.fsync,
	}).Info("file writer initialized")
	return w
}

func (w *FileWriter) BaseDir() string {
	return w.baseDir
}

// RowPath returns the session row file for one index and expiry bucket, e.g.
// <base>/NIFTY/this_week/2025-04-08.
func (w *FileWriter) RowPath(key models.BatchKey) string {
	return filepath.Join(w.baseDir, key.Index, string(key.ExpiryCode), key.SessionDate)
}

// OverviewPath returns the per-bucket overview file, replaced on every
// aggregation emit.
func (w *FileWriter) OverviewPath(index string, code models.ExpiryCode) string {
	return filepath.Join(w.baseDir, index, string(code), "overview")
}

// QuarantinePath returns the session quarantine file for one index.
func (w *FileWriter) QuarantinePath(index, sessionDate string) string {
	return filepath.Join(w.baseDir, index, "quarantine", sessionDate)
}

// ClosePath returns the close ledger entry for one index and session date.
func (w *FileWriter) ClosePath(index, sessionDate string) string {
	return filepath.Join(w.baseDir, index, "closes", sessionDate)
}

func (w *FileWriter) CloseDir(index string) string {
	return filepath.Join(w.baseDir, index, "closes")
}

// Append adds a single row to the target file.
func (w *FileWriter) Append(target string, row models.QuoteRow) error {
	return w.AppendMany(target, []models.QuoteRow{row})
}

// AppendMany appends rows to the target file in one atomic step. The header
// is written once, when the file is first created. An empty batch is a no-op.
func (w *FileWriter) AppendMany(target string, rows []models.QuoteRow) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		records = append(records, encodeRow(row))
	}
	return w.appendRecords(target, rowHeader, records)
}

// AppendQuarantined appends rows to a quarantine file, tagging each with the
// category that sidelined it.
func (w *FileWriter) AppendQuarantined(target string, category models.QuarantineCategory, rows []models.QuoteRow) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		records = append(records, encodeQuarantine(category, row))
	}
	return w.appendRecords(target, quarantineHeader, records)
}

// WriteOverview replaces the overview file with a single snapshot row.
func (w *FileWriter) WriteOverview(target string, snap models.OverviewSnapshot) error {
	return w.replaceRecords(target, overviewHeader, [][]string{encodeOverview(snap)})
}

// WriteClose replaces the close ledger entry for one session date.
func (w *FileWriter) WriteClose(target string, entry models.SessionClose) error {
	return w.replaceRecords(target, closeHeader, [][]string{encodeClose(entry)})
}

// Exists reports whether the target file has been created.
func (w *FileWriter) Exists(target string) bool {
	info, err := os.Stat(target)
	return err == nil && info.Mode().IsRegular()
}

// ListFiles returns the names of regular files directly under dir, sorted
// ascending. A missing directory is an empty listing, not an error.
func (w *FileWriter) ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storageErr("list", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadRows parses a row file back into quote rows.
func (w *FileWriter) ReadRows(target string) ([]models.QuoteRow, error) {
	records, err := w.readRecords(target, rowHeader)
	if err != nil {
		return nil, err
	}
	rows := make([]models.QuoteRow, 0, len(records))
	for i, rec := range records {
		row, err := decodeRow(rec)
		if err != nil {
			return nil, storageErr("decode", target, fmt.Errorf("line %d: %w", i+2, err))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// QuarantinedRow pairs a sidelined row with the category that held it back.
type QuarantinedRow struct {
	Category models.QuarantineCategory
	Row      models.QuoteRow
}

// ReadQuarantined parses a quarantine file.
func (w *FileWriter) ReadQuarantined(target string) ([]QuarantinedRow, error) {
	records, err := w.readRecords(target, quarantineHeader)
	if err != nil {
		return nil, err
	}
	rows := make([]QuarantinedRow, 0, len(records))
	for i, rec := range records {
		category, row, err := decodeQuarantine(rec)
		if err != nil {
			return nil, storageErr("decode", target, fmt.Errorf("line %d: %w", i+2, err))
		}
		rows = append(rows, QuarantinedRow{Category: category, Row: row})
	}
	return rows, nil
}

// ReadOverview parses an overview file. The file holds exactly one snapshot.
func (w *FileWriter) ReadOverview(target string) (models.OverviewSnapshot, error) {
	records, err := w.readRecords(target, overviewHeader)
	if err != nil {
		return models.OverviewSnapshot{}, err
	}
	if len(records) != 1 {
		return models.OverviewSnapshot{}, storageErr("decode", target, fmt.Errorf("expected 1 snapshot row, got %d", len(records)))
	}
	snap, err := decodeOverview(records[0])
	if err != nil {
		return models.OverviewSnapshot{}, storageErr("decode", target, err)
	}
	return snap, nil
}

// ReadClose parses a close ledger entry.
func (w *FileWriter) ReadClose(target string) (models.SessionClose, error) {
	records, err := w.readRecords(target, closeHeader)
	if err != nil {
		return models.SessionClose{}, err
	}
	if len(records) != 1 {
		return models.SessionClose{}, storageErr("decode", target, fmt.Errorf("expected 1 close row, got %d", len(records)))
	}
	entry, err := decodeClose(records[0])
	if err != nil {
		return models.SessionClose{}, storageErr("decode", target, err)
	}
	return entry, nil
}

func (w *FileWriter) targetLock(target string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[target]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[target] = lock
	}
	return lock
}

func (w *FileWriter) appendRecords(target string, header []string, records [][]string) error {
	lock := w.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	existing, err := os.ReadFile(target)
	if err != nil && !os.IsNotExist(err) {
		return storageErr("read", target, err)
	}
	return w.writeFileLocked(target, existing, header, records)
}

func (w *FileWriter) replaceRecords(target string, header []string, records [][]string) error {
	lock := w.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	return w.writeFileLocked(target, nil, header, records)
}

// writeFileLocked builds the complete new file content in a temp file next to
// the target and renames it into place. When prefix is non-empty the header
// is assumed to already be part of it.
func (w *FileWriter) writeFileLocked(target string, prefix []byte, header []string, records [][]string) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storageErr("mkdir", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+filepath.Base(target)+"-*")
	if err != nil {
		return storageErr("create", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if len(prefix) > 0 {
		if _, err := tmp.Write(prefix); err != nil {
			cleanup()
			return storageErr("write", tmpName, err)
		}
	}

	cw := csv.NewWriter(tmp)
	if len(prefix) == 0 {
		if err := cw.Write(header); err != nil {
			cleanup()
			return storageErr("write", tmpName, err)
		}
	}
	for _, rec := range records {
		if err := cw.Write(rec); err != nil {
			cleanup()
			return storageErr("write", tmpName, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		cleanup()
		return storageErr("write", tmpName, err)
	}

	if w.fsync {
		if err := tmp.Sync(); err != nil {
			cleanup()
			return storageErr("fsync", tmpName, err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storageErr("close", tmpName, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return storageErr("rename", target, err)
	}
	if w.fsync {
		if err := syncDir(dir); err != nil {
			return storageErr("fsync", dir, err)
		}
	}
	return nil
}

// syncDir flushes the directory entry so the rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (w *FileWriter) readRecords(target string, header []string) ([][]string, error) {
	lock := w.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(target)
	if err != nil {
		return nil, storageErr("open", target, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = len(header)
	all, err := reader.ReadAll()
	if err != nil {
		return nil, storageErr("decode", target, err)
	}
	if len(all) == 0 {
		return nil, storageErr("decode", target, fmt.Errorf("missing header"))
	}
	return all[1:], nil
}
