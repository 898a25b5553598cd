package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	At     time.Time         `json:"at"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := sample{Name: "a", Labels: map[string]string{"z": "1", "a": "2", "m": "3"}}

	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first, again))
	}
}

func TestTimePrecisionSurvives(t *testing.T) {
	at := time.Date(2026, 10, 15, 12, 0, 0, 123456789, time.UTC)
	data, err := Marshal(sample{Name: "t", At: at})
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.True(t, at.Equal(out.At))
}
