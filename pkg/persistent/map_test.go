package persistent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPutNormalizesValues tests that stored values read the same before and after a restart
func TestPutNormalizesValues(t *testing.T) {
	m := New()
	require.NoError(t, m.Put("count", 3))
	require.NoError(t, m.Put("name", "plate-7"))
	require.NoError(t, m.Put("tags", []any{"a", 1}))
	require.NoError(t, m.Put("nested", map[string]any{"ok": true}))
	require.NoError(t, m.Put("nothing", nil))

	v, ok := m.Get("count")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	restored := New()
	require.NoError(t, json.Unmarshal(data, restored))

	assert.Equal(t, m.AsMap(), restored.AsMap())
	s, ok := restored.GetString("name")
	assert.True(t, ok)
	assert.Equal(t, "plate-7", s)
}

// TestPutRejectsUnportableValues tests the closed value set
func TestPutRejectsUnportableValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"empty key", "", "x"},
		{"byte slice", "raw", []byte("abc")},
		{"struct", "s", struct{ A int }{1}},
		{"channel", "ch", make(chan int)},
		{"non string map key", "m", map[int]string{1: "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			err := m.Put(tt.key, tt.value)
			assert.Error(t, err)
			assert.True(t, Error.Has(err))
			assert.Equal(t, 0, m.Len())
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m, err := FromMap(map[string]any{"a": "1", "b": 2.5})
	require.NoError(t, err)

	c := m.Clone()
	require.NoError(t, c.Put("a", "changed"))
	c.Delete("b")

	v, _ := m.GetString("a")
	assert.Equal(t, "1", v)
	assert.Equal(t, []string{"a", "b"}, m.Keys())
	assert.Equal(t, []string{"a"}, c.Keys())
}

func TestUnmarshalRejectsNonObject(t *testing.T) {
	m := New()
	assert.Error(t, m.UnmarshalJSON([]byte(`[1,2]`)))
}
