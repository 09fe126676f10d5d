package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSince(t *testing.T) {
	got, err := parseSince("2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseSince("2024-05-01T12:30:00+02:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)))

	_, err = parseSince("yesterday")
	assert.ErrorContains(t, err, `invalid time "yesterday"`)
}

func TestRecordFilter(t *testing.T) {
	filter, err := recordFilter("")
	require.NoError(t, err)
	assert.Nil(t, filter.UpdatedAfter)
	assert.False(t, filter.IncludeDeprecated)

	filter, err = recordFilter("2024-05-01")
	require.NoError(t, err)
	require.NotNil(t, filter.UpdatedAfter)
	assert.Equal(t, 2024, filter.UpdatedAfter.Year())

	_, err = recordFilter("05/01/2024")
	assert.Error(t, err)
}
