// Package attest emits tamper-evident attestation events for finished runs.
// Each event lists the run's artifacts with their checksums and is linked to
// the previous event for the same mode and raster through a hash chain.
package attest

import (
	"time"
)

// EventVersion is the attestation schema version.
const EventVersion = "1.0"

// EventType identifies run attestations.
const EventType = "flood_run"

// Event is a run attestation.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Run       RunInfo             `json:"run"`
	Artifacts map[string]Artifact `json:"artifacts"`
	Producer  ProducerInfo        `json:"producer"`
	Chain     ChainInfo           `json:"chain"`
}

// RunInfo identifies the run being attested.
type RunInfo struct {
	RunID        string   `json:"run_id"`
	RasterObject string   `json:"raster_object"`
	Mode         string   `json:"mode"`
	States       []string `json:"states"`
	Tasks        int      `json:"tasks"`
	Successes    int      `json:"successes"`
}

// Artifact describes one output file.
type Artifact struct {
	Checksum    string `json:"checksum"`
	RowCount    int64  `json:"row_count,omitempty"`
	StoragePath string `json:"storage_path"`
	ByteSize    int64  `json:"byte_size"`
}

// ProducerInfo identifies the software that produced the run.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the key of the chain this run belongs to.
func (r RunInfo) ChainKey() string {
	return r.Mode + "/" + r.RasterObject
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}
