package collab

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceTracker_StartsWithNoPosition(t *testing.T) {
	tr := newSequenceTracker(nil)
	tr.begin("run-1")

	_, ok := tr.position()
	assert.False(t, ok, "fresh session has no watermark")
}

func TestSequenceTracker_MonotonicWatermark(t *testing.T) {
	tests := []struct {
		name string
		seqs []int64
		want int64
	}{
		{"in order", []int64{1, 2, 3}, 3},
		{"out of order", []int64{3, 1, 2}, 3},
		{"duplicates", []int64{5, 5, 5}, 5},
		{"local max first", []int64{10, 4, 7, 9}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newSequenceTracker(nil)
			tr.begin("run-1")
			for _, s := range tt.seqs {
				tr.observe(s)
			}
			got, ok := tr.position()
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSequenceTracker_ObserveReportsAdvance(t *testing.T) {
	tr := newSequenceTracker(nil)
	tr.begin("run-1")

	assert.True(t, tr.observe(5))
	assert.False(t, tr.observe(5), "duplicate does not advance")
	assert.False(t, tr.observe(3), "late arrival does not advance")
	assert.True(t, tr.observe(6))
}

func TestSequenceTracker_BeginResetsAcrossSessions(t *testing.T) {
	tr := newSequenceTracker(nil)
	tr.begin("run-1")
	tr.observe(42)

	tr.begin("run-2")
	_, ok := tr.position()
	assert.False(t, ok, "watermark must not leak across sessions")
}

func TestWatermarkJournal_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watermarks.db")

	j, err := openWatermarkJournal(path)
	require.NoError(t, err)

	tr := newSequenceTracker(j)
	tr.begin("run-1")
	tr.observe(42)
	require.NoError(t, j.close())

	// A fresh tracker on the same journal resumes where the old one stopped.
	j2, err := openWatermarkJournal(path)
	require.NoError(t, err)
	defer j2.close()

	tr2 := newSequenceTracker(j2)
	tr2.begin("run-1")
	got, ok := tr2.position()
	require.True(t, ok)
	assert.Equal(t, int64(42), got)

	// Other runs are unaffected.
	tr2.begin("run-2")
	_, ok = tr2.position()
	assert.False(t, ok)
}
