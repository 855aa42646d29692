// Package storage persists the bot's message log to a spreadsheet file.
//
// The primary format is xlsx. When the workbook cannot be read or written
// the store downgrades to a sibling CSV file with the same base name and
// keeps serving; the downgrade is permanent for the life of the process.
// All operations take the store mutex and use whole-file read-modify-write
// semantics, which keeps the on-disk file consistent for external readers.
package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hefzhail/botops/internal/log"
	"github.com/hefzhail/botops/internal/xerrors"
)

// Record is one logged bot interaction.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Intent    string    `json:"intent"`
	Message   string    `json:"message"`
	Reply     string    `json:"reply"`
}

// File formats the store can operate in.
const (
	FormatXLSX = "xlsx"
	FormatCSV  = "csv"
)

const (
	sheetName  = "Sheet1"
	timeLayout = "2006-01-02 15:04:05"
)

var header = []string{"timestamp", "user_id", "username", "intent", "message", "reply"}

// Options configures a Store.
type Options struct {
	Logger log.Logger

	// Path is the spreadsheet file. A .xlsx extension selects the xlsx
	// codec; anything else is treated as CSV from the start.
	Path string

	// OnFallback fires once when the store downgrades from xlsx to CSV.
	OnFallback func()

	// OnError fires on every failed operation with the operation name.
	OnError func(op string)
}

// Store is a mutex-guarded spreadsheet-backed message log.
type Store struct {
	mu     sync.Mutex
	path   string
	format string
	logger log.Logger

	onFallback func()
	onError    func(op string)
}

// Open creates a Store for the given path, probing the file once so a
// corrupt or unwritable workbook triggers the CSV fallback immediately
// rather than on the first append.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, xerrors.New("storage: Path is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	s := &Store{
		path:       opts.Path,
		format:     FormatCSV,
		logger:     opts.Logger,
		onFallback: opts.OnFallback,
		onError:    opts.OnError,
	}
	if strings.EqualFold(filepath.Ext(opts.Path), ".xlsx") {
		s.format = FormatXLSX
	}

	if s.format == FormatXLSX {
		if err := s.probeXLSX(); err != nil {
			s.logger.Warn(ctx, "xlsx unusable, falling back to csv",
				"path", s.path,
				"reason", err.Error(),
			)
			s.downgradeLocked()
		}
	}
	if s.format == FormatCSV {
		if err := s.ensureCSVHeader(); err != nil {
			return nil, xerrors.Wrap(err, "storage: initialize csv")
		}
	}

	s.logger.Info(ctx, "message store ready", "path", s.path, "format", s.format)
	return s, nil
}

// DataFormat returns the active file format.
// Implements httpmw.DataInfo.
func (s *Store) DataFormat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// DataFile returns the active file path.
// Implements httpmw.DataInfo.
func (s *Store) DataFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Append adds a record to the log. An xlsx write failure downgrades the
// store to CSV and retries the same record there.
func (s *Store) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format == FormatXLSX {
		err := s.appendXLSX(rec)
		if err == nil {
			return nil
		}
		s.logger.Warn(ctx, "xlsx append failed, falling back to csv",
			"path", s.path,
			"reason", err.Error(),
		)
		s.downgradeLocked()
		if herr := s.ensureCSVHeader(); herr != nil {
			s.fireError("append")
			return xerrors.Wrap(herr, "storage: initialize fallback csv")
		}
	}

	if err := s.appendCSV(rec); err != nil {
		s.fireError("append")
		return xerrors.Wrap(err, "storage: append")
	}
	return nil
}

// List returns all records in file order, oldest first. Rows that do not
// parse are skipped so a hand-edited file cannot wedge the dashboard.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.readRowsLocked()
	if err != nil {
		s.fireError("list")
		return nil, xerrors.Wrap(err, "storage: list")
	}

	recs := make([]Record, 0, len(rows))
	for i, row := range rows {
		if i == 0 && isHeader(row) {
			continue
		}
		rec, ok := parseRow(row)
		if !ok {
			s.logger.Warn(ctx, "skipping malformed row", "path", s.path, "row", i+1)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Clear truncates the log back to a lone header row.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.format == FormatXLSX {
		err = s.writeEmptyXLSX()
	} else {
		err = s.writeEmptyCSV()
	}
	if err != nil {
		s.fireError("clear")
		return xerrors.Wrap(err, "storage: clear")
	}
	s.logger.Info(ctx, "message log cleared", "path", s.path)
	return nil
}

// Backup copies the active file to a timestamped sibling and returns the
// copy's path.
func (s *Store) Backup(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ext := filepath.Ext(s.path)
	base := strings.TrimSuffix(s.path, ext)
	dst := fmt.Sprintf("%s_backup_%s%s", base, time.Now().Format("20060102_150405"), ext)

	if err := copyFile(s.path, dst); err != nil {
		s.fireError("backup")
		return "", xerrors.Wrap(err, "storage: backup")
	}
	s.logger.Info(ctx, "message log backed up", "path", s.path, "backup", dst)
	return dst, nil
}

// WriteCSV streams the full log as CSV, header included, regardless of the
// active format. Backs the dashboard export download.
func (s *Store) WriteCSV(ctx context.Context, w io.Writer) error {
	recs, err := s.List(ctx)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return xerrors.Wrap(err, "storage: export header")
	}
	for _, rec := range recs {
		if err := cw.Write(formatRow(rec)); err != nil {
			return xerrors.Wrap(err, "storage: export row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return xerrors.Wrap(err, "storage: export flush")
	}
	return nil
}

// internals; callers hold s.mu unless noted

func (s *Store) fireError(op string) {
	if s.onError != nil {
		s.onError(op)
	}
}

// downgradeLocked switches the store to the sibling CSV file.
func (s *Store) downgradeLocked() {
	ext := filepath.Ext(s.path)
	s.path = strings.TrimSuffix(s.path, ext) + ".csv"
	s.format = FormatCSV
	if s.onFallback != nil {
		s.onFallback()
	}
}

// probeXLSX verifies the workbook can be opened, creating it with a header
// row when missing.
func (s *Store) probeXLSX() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return s.writeEmptyXLSX()
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s *Store) writeEmptyXLSX() error {
	f := excelize.NewFile()
	defer f.Close()

	cells := make([]interface{}, len(header))
	for i, h := range header {
		cells[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &cells); err != nil {
		return err
	}
	return f.SaveAs(s.path)
}

func (s *Store) appendXLSX(rec Record) error {
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sheet := activeSheet(f)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return err
	}

	cell, err := excelize.CoordinatesToCellName(1, len(rows)+1)
	if err != nil {
		return err
	}
	vals := formatRow(rec)
	cells := make([]interface{}, len(vals))
	for i, v := range vals {
		cells[i] = v
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return err
	}
	return f.Save()
}

// ensureCSVHeader creates the CSV file with a header row when it is missing
// or empty.
func (s *Store) ensureCSVHeader() error {
	if fi, err := os.Stat(s.path); err == nil && fi.Size() > 0 {
		return nil
	}
	return s.writeEmptyCSV()
}

func (s *Store) writeEmptyCSV() error {
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func (s *Store) appendCSV(rec Record) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(formatRow(rec)); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func (s *Store) readRowsLocked() ([][]string, error) {
	if s.format == FormatXLSX {
		f, err := excelize.OpenFile(s.path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return f.GetRows(activeSheet(f))
	}

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	return cr.ReadAll()
}

// activeSheet returns the workbook's first sheet, tolerating files written
// by other tools with a renamed sheet.
func activeSheet(f *excelize.File) string {
	if list := f.GetSheetList(); len(list) > 0 {
		return list[0]
	}
	return sheetName
}

func formatRow(rec Record) []string {
	return []string{
		rec.Timestamp.Format(timeLayout),
		strconv.FormatInt(rec.UserID, 10),
		rec.Username,
		rec.Intent,
		rec.Message,
		rec.Reply,
	}
}

func parseRow(row []string) (Record, bool) {
	if len(row) < len(header) {
		return Record{}, false
	}
	ts, err := time.ParseInLocation(timeLayout, row[0], time.Local)
	if err != nil {
		return Record{}, false
	}
	uid, err := strconv.ParseInt(row[1], 10, 64)
	if err != nil {
		return Record{}, false
	}
	return Record{
		Timestamp: ts,
		UserID:    uid,
		Username:  row[2],
		Intent:    row[3],
		Message:   row[4],
		Reply:     row[5],
	}, true
}

func isHeader(row []string) bool {
	return len(row) > 0 && strings.EqualFold(row[0], "timestamp")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
