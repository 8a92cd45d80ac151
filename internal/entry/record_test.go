package entry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/I90Runner/ledge/internal/headers"
)

func TestRecord_RoundTrip(t *testing.T) {
	h := headers.New()
	h.Add("Content-Type", "text/html")
	h.Add("X-Trace", "abc")

	rec := Record{Status: 200, Expires: 1700000000, URI: "/a?b=1", Entity: "deadbeef", Headers: h}

	fields := rec.ToFields()
	assert.NotContains(t, fields, "body")

	decoded, present := FromFields(fields)
	require.True(t, present)
	assert.Equal(t, rec.Status, decoded.Status)
	assert.Equal(t, rec.Expires, decoded.Expires)
	assert.Equal(t, rec.URI, decoded.URI)
	assert.Equal(t, rec.Entity, decoded.Entity)

	v, ok := decoded.Headers.Get("Content-Type")
	require.True(t, ok)
	assert.Equal(t, "text/html", v)
}

func TestFromFields_Empty(t *testing.T) {
	_, present := FromFields(map[string]string{})
	assert.False(t, present)
}
