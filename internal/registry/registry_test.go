package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/store"
	"github.com/roach88/fota/internal/testutil"
)

func newRegistry(t *testing.T) (*Registry, *testutil.StepClock) {
	t.Helper()
	clock := testutil.NewStepClock(time.Time{}, time.Second)
	return New(store.NewMemoryTable(nil), clock.Now, nil), clock
}

func TestRecordLiveness_MissingIdentity(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"", "   "} {
		_, err := r.RecordLiveness(ctx, id, "10.0.0.1", "1.0")
		require.ErrorIs(t, err, model.ErrMissingIdentity)
	}
	assert.Empty(t, r.List(ctx))
}

func TestRecordLiveness_CreatesRecord(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	rec, err := r.RecordLiveness(ctx, "AA:BB", "10.0.0.1", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceRecord{
		DeviceID:            "AA:BB",
		LastKnownAddress:    "10.0.0.1",
		SelfReportedVersion: "1.0.0",
		LastSeenAt:          testutil.Epoch,
	}, rec)

	got, ok, err := r.Get(ctx, "AA:BB")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.LastKnownAddress, got.LastKnownAddress)
	assert.True(t, rec.LastSeenAt.Equal(got.LastSeenAt))
}

func TestRecordLiveness_LastWriteWinsAndTimeIncreases(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	first, err := r.RecordLiveness(ctx, "dev", "10.0.0.1", "")
	require.NoError(t, err)
	second, err := r.RecordLiveness(ctx, "dev", "10.0.0.2", "")
	require.NoError(t, err)

	devices := r.List(ctx)
	require.Len(t, devices, 1)
	assert.Equal(t, "10.0.0.2", devices["dev"].LastKnownAddress)
	assert.True(t, second.LastSeenAt.After(first.LastSeenAt))
}

func TestRecordLiveness_AbsentVersionKeepsPrevious(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.RecordLiveness(ctx, "dev", "10.0.0.1", "1.2.3")
	require.NoError(t, err)
	_, err = r.RecordLiveness(ctx, "dev", "10.0.0.9", "")
	require.NoError(t, err)

	dev := r.List(ctx)["dev"]
	assert.Equal(t, "1.2.3", dev.SelfReportedVersion)
	assert.Equal(t, "10.0.0.9", dev.LastKnownAddress)

	_, err = r.RecordLiveness(ctx, "dev", "10.0.0.9", "1.2.4")
	require.NoError(t, err)
	assert.Equal(t, "1.2.4", r.List(ctx)["dev"].SelfReportedVersion)
}

func TestRecordLiveness_ClockStandingStillStillIncreases(t *testing.T) {
	fixed := testutil.Epoch
	r := New(store.NewMemoryTable(nil), func() time.Time { return fixed }, nil)
	ctx := context.Background()

	a, err := r.RecordLiveness(ctx, "dev", "a", "")
	require.NoError(t, err)
	b, err := r.RecordLiveness(ctx, "dev", "b", "")
	require.NoError(t, err)

	assert.Equal(t, fixed.Add(time.Nanosecond), b.LastSeenAt)
	assert.True(t, b.LastSeenAt.After(a.LastSeenAt))
}

func TestRecordLiveness_ConcurrentSameDevice(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.RecordLiveness(ctx, "dev", fmt.Sprintf("10.0.0.%d", i), fmt.Sprintf("v%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	dev := r.List(ctx)["dev"]
	// Fields always come from the same report.
	var i int
	_, err := fmt.Sscanf(dev.LastKnownAddress, "10.0.0.%d", &i)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("v%d", i), dev.SelfReportedVersion)
	assert.Equal(t, testutil.Epoch.Add((n-1)*time.Second), dev.LastSeenAt)
}

func TestRecordLiveness_ConcurrentDistinctDevicesOnDisk(t *testing.T) {
	table, err := store.OpenFileTable(filepath.Join(t.TempDir(), "devices"), nil, nil)
	require.NoError(t, err)
	r := New(table, nil, nil)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.RecordLiveness(ctx, fmt.Sprintf("dev-%02d", i), fmt.Sprintf("10.0.1.%d", i), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	devices := r.List(ctx)
	require.Len(t, devices, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("10.0.1.%d", i), devices[fmt.Sprintf("dev-%02d", i)].LastKnownAddress)
	}
}

func TestList_SkipsUnreadableRecords(t *testing.T) {
	table := store.NewMemoryTable(nil)
	r := New(table, nil, nil)
	ctx := context.Background()

	_, err := r.RecordLiveness(ctx, "good", "10.0.0.1", "")
	require.NoError(t, err)
	_, err = table.Put(ctx, "bad", []byte{0xff})
	require.NoError(t, err)

	devices := r.List(ctx)
	assert.Len(t, devices, 1)
	assert.Contains(t, devices, "good")
}

func TestRecordLiveness_OverwritesUnreadableRecord(t *testing.T) {
	table := store.NewMemoryTable(nil)
	r := New(table, nil, nil)
	ctx := context.Background()

	_, err := table.Put(ctx, "dev", []byte{0xff})
	require.NoError(t, err)

	_, err = r.RecordLiveness(ctx, "dev", "10.0.0.1", "2.0")
	require.NoError(t, err)
	assert.Equal(t, "2.0", r.List(ctx)["dev"].SelfReportedVersion)
}

func TestImport_KeepsNewerRecord(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	live, err := r.RecordLiveness(ctx, "dev", "10.0.0.1", "2.0")
	require.NoError(t, err)

	written, err := r.Import(ctx, model.DeviceRecord{
		DeviceID:         "dev",
		LastKnownAddress: "192.168.0.5",
		LastSeenAt:       live.LastSeenAt.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, "10.0.0.1", r.List(ctx)["dev"].LastKnownAddress)

	written, err = r.Import(ctx, model.DeviceRecord{
		DeviceID:         "other",
		LastKnownAddress: "192.168.0.6",
		LastSeenAt:       live.LastSeenAt.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, written)

	_, err = r.Import(ctx, model.DeviceRecord{})
	require.ErrorIs(t, err, model.ErrMissingIdentity)
}

func TestPaddedIdentitiesShareOneRecord(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.RecordLiveness(ctx, "AA:BB ", "10.0.0.1", "1.0.0")
	require.NoError(t, err)
	written, err := r.Import(ctx, model.DeviceRecord{DeviceID: " CC:DD", LastSeenAt: testutil.Epoch})
	require.NoError(t, err)
	assert.True(t, written)

	dev, ok, err := r.Get(ctx, " AA:BB")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "AA:BB", dev.DeviceID)

	devices := r.List(ctx)
	assert.Len(t, devices, 2)
	assert.Equal(t, "CC:DD", devices["CC:DD"].DeviceID)
}
