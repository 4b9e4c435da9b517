package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldProcess(t *testing.T) {
	d := New(time.Minute, 10)
	key := Key("brisa-iot/sensors/node-1", []byte(`{"temperature":20,"timestamp":1}`))

	assert.True(t, d.ShouldProcess(key))
	assert.False(t, d.ShouldProcess(key))
	assert.True(t, d.ShouldProcess(""))
	assert.True(t, d.ShouldProcess(""))
}

func TestForget(t *testing.T) {
	d := New(time.Minute, 10)
	assert.True(t, d.ShouldProcess("a"))
	d.Forget("a")
	d.Forget("missing")
	assert.Equal(t, 0, d.Len())
	assert.True(t, d.ShouldProcess("a"))
	assert.False(t, d.ShouldProcess("a"))
}

func TestKeyDependsOnTopic(t *testing.T) {
	payload := []byte(`{"temperature":20}`)
	assert.NotEqual(t, Key("a", payload), Key("b", payload))
	assert.Equal(t, Key("a", payload), Key("a", payload))
}

func TestExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	d := New(time.Second, 10)
	d.now = func() time.Time { return now }

	assert.True(t, d.ShouldProcess("x"))
	now = now.Add(2 * time.Second)
	assert.True(t, d.ShouldProcess("x"))
}

func TestBoundedSize(t *testing.T) {
	d := New(time.Hour, 3)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		d.ShouldProcess(id)
	}
	assert.LessOrEqual(t, d.Len(), 3)
}
