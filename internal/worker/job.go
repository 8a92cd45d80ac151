// Package worker implements the background job queue and processing pool
// (spec.md §4.9, component C10): a Redis-backed priority queue with
// deterministic job ids, consumed by a small worker pool that runs
// purge-scan, revalidate and entity-gc jobs.
package worker

import "encoding/json"

// Job classes, matching the qless-style klass strings spec §6 specifies.
const (
	KlassPurgeScan  = "ledge.jobs.purge"
	KlassRevalidate = "ledge.jobs.revalidate"
	KlassEntityGC   = "ledge.jobs.entity_gc"
)

// Job is the queue's internal representation of one unit of work.
type Job struct {
	Klass    string            `json:"klass"`
	JID      string            `json:"jid"`
	Tags     []string          `json:"tags"`
	Priority int               `json:"priority"`
	Payload  map[string]string `json:"payload"`
}

func (j Job) encode() ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(b []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(b, &j)
	return j, err
}
