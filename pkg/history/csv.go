package history

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var csvHeader = []string{"Date", "Time", "Person", "Context"}

const (
	timeLayout = "03:04:05 PM"
	restLayout = "January, 2006"
)

// FormatDate renders t as "17th October, 2026".
func FormatDate(t time.Time) string {
	return strconv.Itoa(t.Day()) + daySuffix(t.Day()) + " " + t.Format(restLayout)
}

// ParseDate is the inverse of FormatDate.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	day, rest, ok := strings.Cut(s, " ")
	if !ok || len(day) < 3 {
		return time.Time{}, fmt.Errorf("history: invalid date %q", s)
	}
	n, err := strconv.Atoi(day[:len(day)-2])
	if err != nil || daySuffix(n) != day[len(day)-2:] {
		return time.Time{}, fmt.Errorf("history: invalid date %q", s)
	}
	month, err := time.ParseInLocation(restLayout, rest, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("history: invalid date %q: %w", s, err)
	}
	return time.Date(month.Year(), month.Month(), n, 0, 0, 0, 0, loc), nil
}

// DayFileName is the CSV file holding entries for t's day.
func DayFileName(t time.Time) string {
	return FormatDate(t) + ".csv"
}

func daySuffix(day int) string {
	if day >= 11 && day <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	}
	return "th"
}

// CSVStore writes one CSV file per local day into a directory.
type CSVStore struct {
	dir string
	loc *time.Location

	mu     sync.Mutex
	closed bool
}

// NewCSVStore creates dir if needed.
func NewCSVStore(dir string) (*CSVStore, error) {
	if dir == "" {
		return nil, errors.New("history: CSV directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create %s: %w", dir, err)
	}
	return &CSVStore{dir: dir, loc: time.Local}, nil
}

// Dir returns the log directory.
func (s *CSVStore) Dir() string { return s.dir }

// Append implements Store.
func (s *CSVStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	t := e.Time.In(s.loc)
	path := filepath.Join(s.dir, DayFileName(t))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("history: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("history: stat %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		_ = w.Write(csvHeader)
	}
	_ = w.Write([]string{FormatDate(t), t.Format(timeLayout), e.Person, e.Text})
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("history: write %s: %w", path, err)
	}
	return nil
}

// Recent implements Store. Files are read newest day first until n
// entries are found.
func (s *CSVStore) Recent(_ context.Context, n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	days, err := s.days()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, day := range days {
		entries, err := s.readFile(day.path)
		if err != nil {
			return nil, err
		}
		out = append(entries, out...)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return tail(out, n), nil
}

type dayFile struct {
	path string
	date time.Time
}

// days lists the day files, newest first.
func (s *CSVStore) days() ([]dayFile, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	var days []dayFile
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".csv")
		date, err := ParseDate(name, s.loc)
		if err != nil {
			continue
		}
		days = append(days, dayFile{path: m, date: date})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].date.After(days[j].date) })
	return days, nil
}

func (s *CSVStore) readFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(csvHeader)

	var entries []Entry
	for first := true; ; first = false {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("history: read %s: %w", path, err)
		}
		if first && rec[0] == csvHeader[0] {
			continue
		}
		entries = append(entries, Entry{
			Time:   s.parseTime(rec[0], rec[1]),
			Person: rec[2],
			Text:   rec[3],
		})
	}
	return entries, nil
}

func (s *CSVStore) parseTime(date, clock string) time.Time {
	day, err := ParseDate(date, s.loc)
	if err != nil {
		return time.Time{}
	}
	tod, err := time.ParseInLocation(timeLayout, clock, s.loc)
	if err != nil {
		return day
	}
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour(), tod.Minute(), tod.Second(), 0, s.loc)
}

// Close implements Store.
func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
