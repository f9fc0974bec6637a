package attest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/flood-impact-runner/internal/checkpoint"
	"github.com/withObsrvr/flood-impact-runner/internal/logging"
)

// FileBackup saves events as JSON files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a backup writer under dir.
func NewFileBackup(dir string) *FileBackup {
	return &FileBackup{dir: dir}
}

// Path returns the file an event is saved to.
func (f *FileBackup) Path(evt *Event) string {
	raster := strings.NewReplacer("/", "_", "\\", "_").Replace(evt.Run.RasterObject)
	return filepath.Join(f.dir, fmt.Sprintf("%s_%s_%s.json", evt.Run.Mode, raster, evt.Run.RunID))
}

// Save writes evt atomically.
func (f *FileBackup) Save(evt *Event) error {
	return checkpoint.WriteFile(f.Path(evt), evt)
}

// FileEmitter writes chained events to local files only.
type FileEmitter struct {
	chain  *ChainTracker
	backup *FileBackup
	log    *slog.Logger
	now    func() time.Time
}

// NewFileEmitter creates an emitter that keeps events and chain heads in dir.
func NewFileEmitter(dir string) (*FileEmitter, error) {
	chain, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	return &FileEmitter{
		chain:  chain,
		backup: NewFileBackup(dir),
		log:    logging.Component("attest"),
		now:    time.Now,
	}, nil
}

// Emit links evt into its chain and saves it.
func (e *FileEmitter) Emit(_ context.Context, evt *Event) error {
	key := evt.Run.ChainKey()
	prev, err := e.chain.GetHead(key)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}
	stamp(evt, e.now())
	evt.SetChainHashes(prev)

	if err := e.backup.Save(evt); err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	if err := e.chain.SetHead(key, evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "chain", key, "error", err)
	}
	e.log.Info("attested run",
		"run_id", evt.Run.RunID,
		"chain", key,
		"prev_hash", prev,
		"event_hash", evt.Chain.EventHash,
	)
	return nil
}

// Close releases resources.
func (e *FileEmitter) Close() error { return nil }

func stamp(evt *Event, now time.Time) {
	evt.Version = EventVersion
	evt.EventType = EventType
	evt.EventID = NewEventID()
	evt.Timestamp = now.UTC()
}
