package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/carecall/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	in := &queue.Cursor{
		CreatedAt: time.Date(2024, 1, 15, 9, 0, 0, 123456000, time.UTC),
		JobID:     "3f2504e0-4f89-11d3-9a0c-0305e82c3301",
	}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, time.UTC, out.CreatedAt.Location())
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	encode := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name   string
		cursor string
	}{
		{name: "not base64", cursor: "%%%"},
		{name: "missing separator", cursor: encode("12345")},
		{name: "empty job id", cursor: encode("12345|")},
		{name: "bad timestamp", cursor: encode("yesterday|abc")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobCursor(tt.cursor)
			assert.Error(t, err)
		})
	}
}

func TestDecodeJobCursor_Empty(t *testing.T) {
	cursor, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}
