package headers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBag_AddPreservesOrderAndCase(t *testing.T) {
	b := New()
	b.Add("Content-Type", "text/html")
	b.Add("X-Custom", "a")
	b.Add("x-custom", "b")

	assert.Equal(t, []string{"Content-Type", "X-Custom"}, b.Names())

	v, ok := b.Get("X-CUSTOM")
	assert.True(t, ok)
	assert.Equal(t, "a, b", v)
}

func TestBag_Set(t *testing.T) {
	b := New()
	b.Add("Cache-Control", "max-age=10")
	b.Set("Cache-Control", "no-store")

	v, ok := b.Get("cache-control")
	assert.True(t, ok)
	assert.Equal(t, "no-store", v)
}

func TestBag_Del(t *testing.T) {
	b := New()
	b.Add("A", "1")
	b.Add("B", "2")
	b.Del("a")

	_, ok := b.Get("A")
	assert.False(t, ok)
	assert.Equal(t, []string{"B"}, b.Names())
}

func TestBag_Each(t *testing.T) {
	b := New()
	b.Add("A", "1")
	b.Add("B", "2")

	var seen []string
	b.Each(func(name, value string) {
		seen = append(seen, name+"="+value)
	})
	assert.Equal(t, []string{"A=1", "B=2"}, seen)
}

func TestBag_GetMissing(t *testing.T) {
	b := New()
	_, ok := b.Get("missing")
	assert.False(t, ok)
}
