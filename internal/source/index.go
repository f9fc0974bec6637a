// Package source discovers inventory partitions and hazard rasters from an
// object listing.
package source

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/withObsrvr/flood-impact-runner/internal/storage"
)

// Partition is one region of the inventory and the parquet objects that
// make it up, ordered by key.
type Partition struct {
	State   string
	Objects []storage.ObjectInfo
}

// Keys returns the object keys of the partition.
func (p Partition) Keys() []string {
	keys := make([]string, len(p.Objects))
	for i, o := range p.Objects {
		keys[i] = o.Key
	}
	return keys
}

// PartitionIndex groups inventory objects by region.
type PartitionIndex struct {
	pattern *regexp.Regexp
	byState map[string][]storage.ObjectInfo
}

// NewPartitionIndex creates an empty index for keys of the form
// <prefix>/state=<REGION>/<file>.parquet.
func NewPartitionIndex(prefix string) *PartitionIndex {
	prefix = strings.Trim(prefix, "/")
	return &PartitionIndex{
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `/state=([^/]+)/.+\.parquet$`),
		byState: make(map[string][]storage.ObjectInfo),
	}
}

// ParseState extracts the region from an object key.
func (idx *PartitionIndex) ParseState(key string) (string, bool) {
	m := idx.pattern.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Add indexes an object if its key matches the partition layout.
func (idx *PartitionIndex) Add(obj storage.ObjectInfo) bool {
	state, ok := idx.ParseState(obj.Key)
	if !ok {
		return false
	}
	idx.byState[state] = append(idx.byState[state], obj)
	return true
}

// AddAll indexes a listing and returns how many objects matched.
func (idx *PartitionIndex) AddAll(objs []storage.ObjectInfo) int {
	n := 0
	for _, o := range objs {
		if idx.Add(o) {
			n++
		}
	}
	return n
}

// States returns the indexed regions in sorted order.
func (idx *PartitionIndex) States() []string {
	states := make([]string, 0, len(idx.byState))
	for s := range idx.byState {
		states = append(states, s)
	}
	sort.Strings(states)
	return states
}

// Len returns the number of indexed regions.
func (idx *PartitionIndex) Len() int {
	return len(idx.byState)
}

// Partitions returns the named partitions sorted by region. Every state
// must exist in the index.
func (idx *PartitionIndex) Partitions(states []string) ([]Partition, error) {
	out := make([]Partition, 0, len(states))
	for _, s := range states {
		objs, ok := idx.byState[s]
		if !ok {
			return nil, fmt.Errorf("state %q not indexed", s)
		}
		sorted := make([]storage.ObjectInfo, len(objs))
		copy(sorted, objs)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
		out = append(out, Partition{State: s, Objects: sorted})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State < out[j].State })
	return out, nil
}
