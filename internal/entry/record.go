// Package entry defines the cached metadata record (spec.md §3 "main")
// and its field-map encoding.
package entry

import (
	"strconv"
	"strings"

	"github.com/I90Runner/ledge/internal/headers"
)

const headerFieldPrefix = "h:"

// Record is the decoded form of the `main` hash key.
type Record struct {
	Status  int
	Expires int64 // unix seconds
	URI     string
	Entity  string // blobstore id of the current body
	Headers *headers.Bag
}

// ToFields encodes r as the field map written by HMSET (spec §4.6). Per
// spec.md's open question, no `body` field is ever written here — bodies
// live only in blobstore, addressed by Entity.
func (r Record) ToFields() map[string]string {
	fields := map[string]string{
		"status":  strconv.Itoa(r.Status),
		"expires": strconv.FormatInt(r.Expires, 10),
		"uri":     r.URI,
		"entity":  r.Entity,
	}
	if r.Headers != nil {
		r.Headers.Each(func(name, value string) {
			fields[headerFieldPrefix+name] = value
		})
	}
	return fields
}

// FromFields decodes a field map read via HGETALL. present reports
// whether the map represented an actual record (non-empty); a missing
// main key yields present=false, mapping to freshness.SUBZERO.
func FromFields(fields map[string]string) (rec Record, present bool) {
	if len(fields) == 0 {
		return Record{}, false
	}

	rec.Headers = headers.New()
	for k, v := range fields {
		switch k {
		case "status":
			rec.Status, _ = strconv.Atoi(v)
		case "expires":
			rec.Expires, _ = strconv.ParseInt(v, 10, 64)
		case "uri":
			rec.URI = v
		case "entity":
			rec.Entity = v
		default:
			if name, ok := strings.CutPrefix(k, headerFieldPrefix); ok {
				rec.Headers.Add(name, v)
			}
		}
	}
	return rec, true
}
