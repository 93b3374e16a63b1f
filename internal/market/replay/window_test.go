package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionCoversRangeContiguously(t *testing.T) {
	from, to := DayBounds(
		time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC),
		time.UTC,
	)
	spans := Partition(from, to, 300*time.Minute)

	require.Len(t, spans, 10)
	assert.Equal(t, from, spans[0].From)
	assert.Equal(t, to, spans[len(spans)-1].To)

	var total time.Duration
	for i, s := range spans {
		assert.True(t, s.From.Before(s.To))
		assert.LessOrEqual(t, s.Duration(), 300*time.Minute)
		if i > 0 {
			assert.Equal(t, spans[i-1].To, s.From, "span %d is not contiguous", i)
		}
		total += s.Duration()
	}
	assert.Equal(t, 2880*time.Minute, total)
	assert.Equal(t, 180*time.Minute, spans[9].Duration())
}

func TestPartitionEvenDivision(t *testing.T) {
	from := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	spans := Partition(from, from.Add(24*time.Hour), 60*time.Minute)

	require.Len(t, spans, 24)
	for _, s := range spans {
		assert.Equal(t, time.Hour, s.Duration())
	}
}

func TestPartitionSizeLargerThanRange(t *testing.T) {
	from := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	spans := Partition(from, from.Add(24*time.Hour), 48*time.Hour)

	require.Len(t, spans, 1)
	assert.Equal(t, from.Add(24*time.Hour), spans[0].To)
}

func TestPartitionDegenerate(t *testing.T) {
	from := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Empty(t, Partition(from, from, time.Minute))
	assert.Empty(t, Partition(from, from.Add(-time.Hour), time.Minute))
	assert.Empty(t, Partition(from, from.Add(time.Hour), 0))
}

func TestDayBoundsUsesReferenceZone(t *testing.T) {
	cst := time.FixedZone("CST", 8*3600)
	from, to := DayBounds(
		time.Date(2019, 1, 1, 15, 30, 0, 0, time.UTC),
		time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		cst,
	)

	assert.Equal(t, time.Date(2018, 12, 31, 16, 0, 0, 0, time.UTC), from.UTC())
	assert.Equal(t, time.Date(2019, 1, 1, 16, 0, 0, 0, time.UTC), to.UTC())
	assert.Equal(t, 24*time.Hour, to.Sub(from))
}

func TestDayBoundsSingleDay(t *testing.T) {
	day := time.Date(2019, 3, 10, 0, 0, 0, 0, time.UTC)
	from, to := DayBounds(day, day, nil)

	assert.Equal(t, day, from)
	assert.Equal(t, day.Add(24*time.Hour), to)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "sent", StatusSent.String())
	assert.Equal(t, "processed", StatusProcessed.String())
}
