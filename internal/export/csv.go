// Package export writes finalized series to CSV history files and reads
// them back. It is pure serialization: ordering and completeness are
// guaranteed upstream by the retrieval session.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/thd32000/galileo-dash/internal/thd"
)

const (
	timeLayout = "2006-01-02 15:04:05"
	nameLayout = "2006-01-02__15-04-05"
)

// Characters not allowed in filenames on Windows; stripped from user tags.
var badNameChars = regexp.MustCompile(`[\\/*?:"<>|]`)

var csvHeader = []string{"timestamp", "temperature", "humidity", "status"}

// Meta is what a history filename and metadata row carry besides records.
type Meta struct {
	Equipment string `json:"equipment"`
	Tag       string `json:"tag"`
	Session   string `json:"session,omitempty"`
}

// Store reads and writes CSV history files under one directory.
type Store struct {
	dir string
}

// NewStore creates the history directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("export: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save writes one retrieval to a new file named
// <date>__<time>__<equipment>[__<tag>].csv with a ';' delimiter, a '#'
// metadata row, header row, then one row per record.
func (s *Store) Save(series thd.Series, meta Meta) (string, error) {
	base := fmt.Sprintf("%s__%s", time.Now().Format(nameLayout), sanitize(meta.Equipment))
	if tag := sanitize(meta.Tag); tag != "" {
		base += "__" + tag
	}
	name := base + ".csv"

	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("export: create %s: %w", name, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'

	// Metadata row for future reloads, same shape the vendor tool used.
	if err := w.Write([]string{"#", "equipment:", meta.Equipment, "tag:", meta.Tag, "session:", meta.Session}); err != nil {
		return "", err
	}
	if err := w.Write(csvHeader); err != nil {
		return "", err
	}
	for _, r := range series {
		row := []string{
			r.Timestamp.Format(timeLayout),
			strconv.FormatFloat(r.Temperature, 'f', 2, 64),
			strconv.FormatFloat(r.Humidity, 'f', 2, 64),
			r.Flags.String(),
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("export: write %s: %w", name, err)
	}
	return name, nil
}

// List returns history filenames, newest first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("export: read dir: %w", err)
	}

	type item struct {
		name string
		mod  time.Time
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{e.Name(), fi.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mod.After(items[j].mod) })

	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.name
	}
	return names, nil
}

// Load reads one history file back into records. Files from the vendor
// tool without the '#' metadata row are accepted; equipment and tag come
// from the filename.
func (s *Store) Load(name string) (thd.Series, Meta, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, Meta{}, fmt.Errorf("export: invalid history name %q", name)
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("export: open %s: %w", name, err)
	}
	defer f.Close()

	meta := metaFromName(name)

	r := csv.NewReader(f)
	r.Comma = ';'
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, Meta{}, fmt.Errorf("export: parse %s: %w", name, err)
	}

	var series thd.Series
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		if strings.HasPrefix(row[0], "#") || row[0] == "timestamp" {
			continue
		}
		if len(row) < 3 {
			continue
		}
		ts, err := time.Parse(timeLayout, row[0])
		if err != nil {
			return nil, Meta{}, fmt.Errorf("export: %s row %d timestamp %q: %w", name, i+1, row[0], err)
		}
		temp, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, Meta{}, fmt.Errorf("export: %s row %d temperature %q: %w", name, i+1, row[1], err)
		}
		hum, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, Meta{}, fmt.Errorf("export: %s row %d humidity %q: %w", name, i+1, row[2], err)
		}
		rec := thd.MeasurementRecord{
			Index:       len(series),
			Timestamp:   ts,
			Temperature: temp,
			Humidity:    hum,
		}
		if len(row) >= 4 {
			rec.Flags = thd.ParseFlags(row[3])
		}
		series = append(series, rec)
	}
	return series, meta, nil
}

// metaFromName recovers equipment and tag from
// <date>__<time>__<equipment>[__<tag>].csv.
func metaFromName(name string) Meta {
	parts := strings.Split(strings.TrimSuffix(name, ".csv"), "__")
	m := Meta{}
	if len(parts) >= 3 {
		m.Equipment = parts[2]
	}
	if len(parts) >= 4 {
		m.Tag = parts[3]
	}
	return m
}

func sanitize(s string) string {
	return strings.TrimSpace(badNameChars.ReplaceAllString(s, ""))
}
