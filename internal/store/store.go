// Package store is the CSV record engine shared by the bridge and agent
// processes. Every mutation happens under the target file's sidecar lock;
// appends are single-line writes and bulk mutations go through a
// temp-file-plus-rename so a crash leaves either the old or the new file,
// never a partial one.
package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/highdesert/meshlink/internal/lockfile"
)

// ErrDiskPressure marks a write that failed for lack of space. Reads keep
// working; callers stop enqueuing and retry later.
var ErrDiskPressure = errors.New("disk pressure")

// ErrMalformedRow tags per-row diagnostics. A malformed row never aborts
// the read of the rest of the file.
var ErrMalformedRow = errors.New("malformed row")

// Row is one record keyed by column name.
type Row map[string]string

// RowDiagnostic reports a skipped line.
type RowDiagnostic struct {
	Path string
	Line int
	Err  error
}

// Store reads, validates, and safely mutates record files.
type Store struct {
	log *zap.Logger
}

// New returns a store that reports skipped rows through the logger.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{log: log}
}

// Ensure creates the record file with its header if missing, and upgrades
// the header in place when the schema gained columns since the file was
// written.
func (s *Store) Ensure(path string, schema Schema) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return lockfile.WithLock(path, func() error {
		header, rows, _, err := s.readLocked(path, schema)
		if err != nil {
			if os.IsNotExist(err) {
				return s.writeLocked(path, schema, nil)
			}
			return err
		}
		if schema.matches(header) {
			return nil
		}
		return s.writeLocked(path, schema, rows)
	})
}

// ReadRows returns all parseable rows plus diagnostics for every skipped
// line. A missing file reads as empty.
func (s *Store) ReadRows(path string, schema Schema) ([]Row, []RowDiagnostic, error) {
	var rows []Row
	var diags []RowDiagnostic
	err := lockfile.WithLock(path, func() error {
		var err error
		_, rows, diags, err = s.readLocked(path, schema)
		if err != nil && os.IsNotExist(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	for _, d := range diags {
		s.log.Warn("skipped malformed row",
			zap.String("path", d.Path),
			zap.Int("line", d.Line),
			zap.Error(d.Err))
	}
	return rows, diags, nil
}

// AppendRow appends one row without touching the rest of the file.
func (s *Store) AppendRow(path string, schema Schema, row Row) error {
	if err := s.validate(schema, row); err != nil {
		return err
	}
	if err := s.Ensure(path, schema); err != nil {
		return err
	}
	return lockfile.WithLock(path, func() error {
		file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer file.Close()
		w := csv.NewWriter(file)
		if err := w.Write(encodeRow(schema, row)); err != nil {
			return mapWriteErr(path, err)
		}
		w.Flush()
		return mapWriteErr(path, w.Error())
	})
}

// RewriteRows applies fn to the full row set and atomically replaces the
// file when fn reports a change. fn must not retain the slice.
func (s *Store) RewriteRows(path string, schema Schema, fn func(rows []Row) ([]Row, bool, error)) error {
	if err := s.Ensure(path, schema); err != nil {
		return err
	}
	return lockfile.WithLock(path, func() error {
		_, rows, diags, err := s.readLocked(path, schema)
		if err != nil {
			return err
		}
		for _, d := range diags {
			s.log.Warn("skipped malformed row during rewrite",
				zap.String("path", d.Path),
				zap.Int("line", d.Line),
				zap.Error(d.Err))
		}
		next, changed, err := fn(rows)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		for _, row := range next {
			if verr := s.validate(schema, row); verr != nil {
				return verr
			}
		}
		return s.writeLocked(path, schema, next)
	})
}

// readLocked parses the file. Caller holds the lock.
func (s *Store) readLocked(path string, schema Schema) ([]string, []Row, []RowDiagnostic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, nil, nil, nil
	}
	header, err := parseLine(lines[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse header of %s: %w", path, err)
	}

	var rows []Row
	var diags []RowDiagnostic
	for i, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields, perr := parseLine(line)
		if perr != nil {
			diags = append(diags, RowDiagnostic{Path: path, Line: i + 2, Err: fmt.Errorf("%w: %v", ErrMalformedRow, perr)})
			continue
		}
		if len(fields) != len(header) {
			diags = append(diags, RowDiagnostic{
				Path: path,
				Line: i + 2,
				Err:  fmt.Errorf("%w: %d fields, header has %d", ErrMalformedRow, len(fields), len(header)),
			})
			continue
		}
		row := make(Row, len(header))
		for j, column := range header {
			if schema.has(column) {
				row[column] = unescapeField(fields[j])
			}
		}
		rows = append(rows, row)
	}
	return header, rows, diags, nil
}

// writeLocked replaces the file via temp + rename. Caller holds the lock.
func (s *Store) writeLocked(path string, schema Schema, rows []Row) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), schema.Name+"-*.tmp")
	if err != nil {
		return mapWriteErr(path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := csv.NewWriter(tmp)
	if err := w.Write(schema.Columns); err != nil {
		tmp.Close()
		return mapWriteErr(path, err)
	}
	for _, row := range rows {
		if err := w.Write(encodeRow(schema, row)); err != nil {
			tmp.Close()
			return mapWriteErr(path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return mapWriteErr(path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return mapWriteErr(path, err)
	}
	if err := tmp.Close(); err != nil {
		return mapWriteErr(path, err)
	}
	return os.Rename(tmpName, path)
}

func (s *Store) validate(schema Schema, row Row) error {
	for column := range row {
		if !schema.has(column) {
			return fmt.Errorf("column %q not in %s schema v%d", column, schema.Name, schema.Version)
		}
	}
	return nil
}

func encodeRow(schema Schema, row Row) []string {
	fields := make([]string, len(schema.Columns))
	for i, column := range schema.Columns {
		fields[i] = escapeField(row[column])
	}
	return fields
}

func parseLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	return r.Read()
}

func mapWriteErr(path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %s: %v", ErrDiskPressure, path, err)
	}
	return err
}
