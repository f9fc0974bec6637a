// Package cleaner turns raw inventory partitions into validated,
// de-duplicated, loss-category-classified engine input files.
package cleaner

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/withObsrvr/flood-impact-runner/internal/inventory"
	"github.com/withObsrvr/flood-impact-runner/internal/logging"
	"github.com/withObsrvr/flood-impact-runner/internal/metrics"
	"github.com/withObsrvr/flood-impact-runner/internal/raster"
)

const blankKey = "<blank>"

// DepthSampler looks up flood depth at WGS84 coordinates.
type DepthSampler interface {
	Sample(lon, lat float64) (float64, raster.SampleStatus)
}

// RowReader streams inventory rows.
type RowReader interface {
	Read(dst []inventory.Row) (int, error)
	Close() error
}

// RowOpener opens an inventory file for reading.
type RowOpener func(path string, batchSize int) (RowReader, error)

// OpenParquet is the default RowOpener.
func OpenParquet(path string, batchSize int) (RowReader, error) {
	r, err := inventory.OpenRows(path, batchSize)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SummaryStore persists stage summaries as JSON.
type SummaryStore interface {
	ReadJSON(name string, v any) error
	WriteJSON(name string, v any) error
}

// Options configures a Cleaner.
type Options struct {
	RunDir    string
	Mode      Mode
	Bounds    *raster.Bounds // selection box for zone-less records
	Hazard    DepthSampler   // nil disables the depth filter
	BatchSize int
	Resume    bool
}

// Input names one partition to clean.
type Input struct {
	State   string
	Objects []string // object keys, recorded in the summary
	Paths   []string // local files, read in order
}

// CSVPath returns the cleaned output path for a partition and category.
func CSVPath(runDir string, cat Category, state string) string {
	return filepath.Join(runDir, "input", "fast_csv", "flc="+string(cat), "state="+state+".csv")
}

// SummaryName returns the store name of a partition's cleaning summary.
func SummaryName(state string) string {
	return "state_cleaning/state=" + state + ".json"
}

// Cleaner cleans partitions. It is safe for concurrent use on distinct
// partitions.
type Cleaner struct {
	lookups    *Lookups
	classifier *Classifier
	opts       Options
	store      SummaryStore
	open       RowOpener
	log        *slog.Logger
}

// New creates a Cleaner reading parquet files.
func New(l *Lookups, store SummaryStore, opts Options) *Cleaner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 65536
	}
	return &Cleaner{
		lookups:    l,
		classifier: NewClassifier(l, opts.Mode, opts.Bounds),
		opts:       opts,
		store:      store,
		open:       OpenParquet,
		log:        logging.Component("cleaner"),
	}
}

// WithOpener replaces the row opener.
func (c *Cleaner) WithOpener(open RowOpener) *Cleaner {
	c.open = open
	return c
}

// Clean processes one partition and persists its summary. With Resume set
// a previous summary is returned as is when it was built from the same
// objects, still balances, and all of its output files exist.
func (c *Cleaner) Clean(ctx context.Context, in Input) (*Summary, error) {
	log := c.log.With("state", in.State)

	if c.opts.Resume {
		if prev, ok := c.reuse(in); ok {
			log.Info("reusing cleaning summary", "written_rows", prev.WrittenRows)
			return prev, nil
		}
	}

	sinks := &sinkSet{paths: make(map[Category]string), open: make(map[Category]*csvSink)}
	for _, cat := range Categories {
		p := CSVPath(c.opts.RunDir, cat, in.State)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale %s: %w", p, err)
		}
		sinks.paths[cat] = p
	}

	sum := newSummary(in.State, in.Objects)
	seen := make(map[string]struct{})
	buf := make([]inventory.Row, c.opts.BatchSize)

	for _, path := range in.Paths {
		if err := c.cleanFile(ctx, path, buf, sum, seen, sinks); err != nil {
			sinks.close()
			return nil, err
		}
	}
	if err := sinks.close(); err != nil {
		return nil, fmt.Errorf("close cleaned csv for state=%s: %w", in.State, err)
	}

	for cat, p := range sinks.paths {
		if info, err := os.Stat(p); err == nil && info.Size() > 0 {
			sum.CSVPaths[cat] = p
		}
	}

	if err := sum.Check(); err != nil {
		return nil, fmt.Errorf("cleaning invariant: %w", err)
	}
	if err := c.store.WriteJSON(SummaryName(in.State), sum); err != nil {
		return nil, fmt.Errorf("save cleaning summary: %w", err)
	}
	c.observe(sum)

	log.Info("partition cleaned",
		"input_rows", sum.InputRows,
		"written_rows", sum.WrittenRows,
		"dropped", sum.DroppedTotal(),
	)
	return sum, nil
}

func (c *Cleaner) reuse(in Input) (*Summary, bool) {
	var prev Summary
	if err := c.store.ReadJSON(SummaryName(in.State), &prev); err != nil {
		return nil, false
	}
	if prev.State != in.State || !slices.Equal(prev.Objects, in.Objects) {
		c.log.Info("cleaning summary is for other inputs, recleaning", "state", in.State)
		return nil, false
	}
	if err := prev.Check(); err != nil {
		c.log.Warn("discarding inconsistent cleaning summary", "state", in.State, "error", err)
		return nil, false
	}
	for _, p := range prev.CSVPaths {
		if _, err := os.Stat(p); err != nil {
			return nil, false
		}
	}
	return &prev, true
}

func (c *Cleaner) cleanFile(ctx context.Context, path string, buf []inventory.Row, sum *Summary, seen map[string]struct{}, sinks *sinkSet) error {
	r, err := c.open(path, len(buf))
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		for i := 0; i < n; i++ {
			if err := c.cleanRow(FromRow(buf[i]), sum, seen, sinks); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", path, rerr)
		}
	}
}

func (c *Cleaner) cleanRow(raw RawRecord, sum *Summary, seen map[string]struct{}, sinks *sinkSet) error {
	sum.InputRows++

	foundKey := blankKey
	if v, ok := raw.FoundType.Get(); ok {
		foundKey = strings.ToUpper(v)
	}
	sum.FoundTypeCounts[foundKey]++

	zone := NormalizeZone(raw.FirmZone)
	zoneKey := zone
	if zoneKey == "" {
		zoneKey = blankKey
	}
	sum.FirmzoneCounts[zoneKey]++

	rec, cat, reason := c.Evaluate(raw, zone, seen)
	if reason != "" {
		sum.Dropped[reason]++
		return nil
	}

	if err := sinks.write(cat, rec); err != nil {
		return fmt.Errorf("write cleaned record for state=%s: %w", sum.State, err)
	}
	sum.AssignedFLCCounts[cat]++
	sum.WrittenByFLC[cat]++
	sum.WrittenRows++
	return nil
}

// Evaluate validates and classifies one record. zone is the normalized
// zone code. seen holds dedup keys already accepted in the partition and
// is updated when the record passes the dedup check. A non-empty Reason
// means the record is dropped.
func (c *Cleaner) Evaluate(raw RawRecord, zone string, seen map[string]struct{}) (Record, Category, Reason) {
	bid, hasBID := raw.BID.Get()
	occText, hasOcc := raw.OccType.Get()
	foundText, hasFound := raw.FoundType.Get()
	if !hasBID || !hasOcc || !hasFound ||
		!raw.Cost.OK || !raw.Area.OK || !raw.NumStories.OK ||
		!raw.FirstFloorHt.OK || !raw.Latitude.OK || !raw.Longitude.OK {
		return Record{}, "", ReasonMissingRequired
	}

	occ, ok := c.lookups.Occupancy(occText)
	if !ok {
		return Record{}, "", ReasonInvalidOccupancy
	}

	code, ok := c.lookups.Foundation(foundText)
	if !ok || !c.lookups.ValidFoundation(code) {
		return Record{}, "", ReasonInvalidFoundation
	}

	lat, lon := raw.Latitude.V, raw.Longitude.V
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return Record{}, "", ReasonInvalidLatLon
	}

	if c.opts.Hazard != nil {
		switch _, status := c.opts.Hazard.Sample(lon, lat); status {
		case raster.SampleOutside:
			return Record{}, "", ReasonOutsideRaster
		case raster.SampleDry:
			return Record{}, "", ReasonZeroDepth
		}
	}

	key := DedupKey(bid, lat, lon)
	if _, dup := seen[key]; dup {
		return Record{}, "", ReasonDuplicateKey
	}
	seen[key] = struct{}{}

	cat, reason := c.classifier.Classify(zone, lon, lat)
	if reason != "" {
		return Record{}, "", reason
	}

	contents := 0.0
	if v, ok := raw.ContentCost.Get(); ok {
		contents = v
	}

	return Record{
		FltyID:         key,
		Occ:            occ,
		Cost:           raw.Cost.V,
		Area:           raw.Area.V,
		NumStories:     raw.NumStories.V,
		FoundationType: code,
		FirstFloorHt:   raw.FirstFloorHt.V,
		ContentCost:    contents,
		Latitude:       lat,
		Longitude:      lon,
	}, cat, ""
}

func (c *Cleaner) observe(sum *Summary) {
	m := metrics.Get()
	if m == nil {
		return
	}
	m.AddRecordsRead(metrics.Labels{State: sum.State}, float64(sum.InputRows))
	for reason, n := range sum.Dropped {
		m.AddRecordsDropped(metrics.Labels{State: sum.State, Reason: string(reason)}, float64(n))
	}
	for cat, n := range sum.WrittenByFLC {
		m.AddRecordsWritten(metrics.Labels{State: sum.State, Category: string(cat)}, float64(n))
	}
}

type csvSink struct {
	f *os.File
	w *csv.Writer
}

// sinkSet opens one CSV writer per category on first use.
type sinkSet struct {
	paths map[Category]string
	open  map[Category]*csvSink
}

func (s *sinkSet) write(cat Category, rec Record) error {
	sink, ok := s.open[cat]
	if !ok {
		path, known := s.paths[cat]
		if !known {
			return fmt.Errorf("no output path for category %s", cat)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create directory for %s: %w", path, err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		sink = &csvSink{f: f, w: csv.NewWriter(f)}
		if err := sink.w.Write(CSVHeader); err != nil {
			f.Close()
			return fmt.Errorf("write header to %s: %w", path, err)
		}
		s.open[cat] = sink
	}
	return sink.w.Write(rec.CSVRow())
}

func (s *sinkSet) close() error {
	var errs []error
	for cat, sink := range s.open {
		sink.w.Flush()
		if err := sink.w.Error(); err != nil {
			errs = append(errs, err)
		}
		if err := sink.f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.open, cat)
	}
	return errors.Join(errs...)
}
