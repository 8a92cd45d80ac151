// Package keychain derives the set of co-located Redis keys for a cache
// entry from its request fingerprint (spec.md §3, §4.1).
package keychain

import (
	"net/url"
	"sort"
	"strings"
)

// Chain is the set of keys derived from a single root fingerprint.
type Chain struct {
	Root         string
	Main         string
	Entities     string
	FetchingLock string
	RepSet       string
}

// Keys returns every key in the chain, in a stable order.
func (c Chain) Keys() []string {
	return []string{c.Main, c.Entities, c.FetchingLock, c.RepSet}
}

// For derives the key chain for a root fingerprint. It is a pure,
// collision-free function: the four suffixes are fixed and none is a
// suffix of another, so two different roots never derive the same key,
// whatever characters the roots contain.
func For(root string) Chain {
	return Chain{
		Root:         root,
		Main:         root + "::main",
		Entities:     root + "::entities",
		FetchingLock: root + "::fetching_lock",
		RepSet:       root + "::repset",
	}
}

// Fingerprint derives the cache key root from request identity: method,
// scheme, host, path and a normalized (sorted) query string, per spec §3.
func Fingerprint(method, scheme, host, path, rawQuery string) string {
	method = strings.ToUpper(method)
	normalizedQuery := normalizeQuery(rawQuery)

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if normalizedQuery != "" {
		b.WriteByte('?')
		b.WriteString(normalizedQuery)
	}
	return b.String()
}

// normalizeQuery sorts query parameters by key (and by value within a key)
// so that semantically identical query strings always fingerprint
// identically regardless of client-supplied ordering.
func normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for j, v := range vs {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
