package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fota/internal/blob"
	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/store"
	"github.com/roach88/fota/internal/testutil"
)

const publicURL = "http://ota.local:8008"

func openService(t *testing.T, backend store.Backend, mutate ...func(*Options)) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		DataDir:     dir,
		Backend:     backend,
		Compression: blob.CompressionNone,
		PublicURL:   publicURL,
		Now:         testutil.NewStepClock(time.Time{}, time.Second).Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, dir
}

func TestResolveDesired_EmptyCatalogGivesSentinel(t *testing.T) {
	svc, _ := openService(t, store.BackendMemory)

	got := svc.ResolveDesiredFirmware(context.Background(), "dev")
	assert.True(t, got.Unknown())
	assert.Equal(t, model.UnknownDesired(), got)
}

func TestResolveDesired_LexicalLatestFallback(t *testing.T) {
	svc, _ := openService(t, store.BackendMemory)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.0.10", "1.0.2"} {
		_, err := svc.PublishFirmware(ctx, v, "fw.bin", []byte(v))
		require.NoError(t, err)
	}

	got := svc.ResolveDesiredFirmware(ctx, "dev")
	assert.Equal(t, model.Desired{
		Version: "1.0.2",
		URL:     publicURL + "/firmwares/firmware_1.0.2.bin",
		Source:  model.SourceLatest,
	}, got)
}

func TestResolveDesired_NaturalOrderIsPluggable(t *testing.T) {
	svc, _ := openService(t, store.BackendMemory, func(o *Options) { o.Compare = model.NaturalCompare })
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.0.10", "1.0.2"} {
		_, err := svc.PublishFirmware(ctx, v, "fw.bin", []byte(v))
		require.NoError(t, err)
	}
	assert.Equal(t, "1.0.10", svc.ResolveDesiredFirmware(ctx, "dev").Version)
}

func TestResolveDesired_AssignmentWinsEvenIfNeverUploaded(t *testing.T) {
	svc, _ := openService(t, store.BackendMemory)
	ctx := context.Background()

	_, err := svc.PublishFirmware(ctx, "9.9.9", "fw.bin", []byte("x"))
	require.NoError(t, err)
	_, err = svc.Assign(ctx, "dev", "2.0.0")
	require.NoError(t, err)

	got := svc.ResolveDesiredFirmware(ctx, "dev")
	assert.Equal(t, model.Desired{
		Version: "2.0.0",
		URL:     publicURL + "/firmwares/firmware_2.0.0.bin",
		Source:  model.SourceAssigned,
	}, got)
}

func TestPublish_DoesNotMoveAssignedDevices(t *testing.T) {
	svc, _ := openService(t, store.BackendMemory)
	ctx := context.Background()

	_, err := svc.PublishFirmware(ctx, "1.0", "fw.bin", []byte("a"))
	require.NoError(t, err)
	_, err = svc.Assign(ctx, "pinned", "1.0")
	require.NoError(t, err)

	_, err = svc.PublishFirmware(ctx, "2.0", "fw.bin", []byte("b"))
	require.NoError(t, err)

	assert.Equal(t, "1.0", svc.ResolveDesiredFirmware(ctx, "pinned").Version)
	assert.Equal(t, "2.0", svc.ResolveDesiredFirmware(ctx, "floating").Version)
}

func TestReportLiveness_DoesNotTouchAssignment(t *testing.T) {
	svc, _ := openService(t, store.BackendMemory)
	ctx := context.Background()

	_, err := svc.Assign(ctx, "dev", "1.0")
	require.NoError(t, err)
	_, err = svc.ReportLiveness(ctx, "dev", "10.0.0.1", "0.9")
	require.NoError(t, err)

	a, err := svc.Assignments().Lookup(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "1.0", a.Version)
}

func TestScenario_UploadReportAssignResolve(t *testing.T) {
	for _, backend := range []store.Backend{store.BackendMemory, store.BackendFile, store.BackendSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			svc, _ := openService(t, backend)
			ctx := context.Background()

			_, err := svc.PublishFirmware(ctx, "1.0.0", "app.bin", []byte("image"))
			require.NoError(t, err)
			_, err = svc.ReportLiveness(ctx, "X", "192.168.1.20", "")
			require.NoError(t, err)
			_, err = svc.Assign(ctx, "X", "1.0.0")
			require.NoError(t, err)

			got := svc.ResolveDesiredFirmware(ctx, "X")
			_, wantURL, err := svc.ResolveBinary(ctx, "1.0.0")
			require.NoError(t, err)
			assert.Equal(t, "1.0.0", got.Version)
			assert.Equal(t, wantURL, got.URL)
		})
	}
}

func TestOpen_StatePersistsAcrossRestart(t *testing.T) {
	for _, backend := range []store.Backend{store.BackendFile, store.BackendSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			opts := Options{DataDir: dir, Backend: backend, PublicURL: publicURL}

			svc, err := Open(ctx, opts)
			require.NoError(t, err)
			_, err = svc.PublishFirmware(ctx, "1.0", "fw.bin", []byte("a"))
			require.NoError(t, err)
			_, err = svc.ReportLiveness(ctx, "dev", "10.0.0.1", "0.1")
			require.NoError(t, err)
			_, err = svc.Assign(ctx, "dev", "1.0")
			require.NoError(t, err)
			require.NoError(t, svc.Close())

			svc, err = Open(ctx, opts)
			require.NoError(t, err)
			defer svc.Close()

			assert.Equal(t, Summary{Devices: 1, Firmwares: 1, Assignments: 1, Latest: "1.0"}, svc.Summarize(ctx))
			assert.Equal(t, model.SourceAssigned, svc.ResolveDesiredFirmware(ctx, "dev").Source)
		})
	}
}

func TestOpen_SharedDataDirSeesOfflineWrites(t *testing.T) {
	for _, backend := range []store.Backend{store.BackendFile, store.BackendSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			opts := Options{DataDir: dir, Backend: backend, PublicURL: publicURL}

			server, err := Open(ctx, opts)
			require.NoError(t, err)
			defer server.Close()
			_, err = server.PublishFirmware(ctx, "1.0.0", "fw.bin", []byte("a"))
			require.NoError(t, err)
			assert.Equal(t, "1.0.0", server.ResolveDesiredFirmware(ctx, "X").Version)

			offline, err := Open(ctx, opts)
			require.NoError(t, err)
			_, err = offline.Assign(ctx, "X", "1.0.0-hotfix")
			require.NoError(t, err)
			_, err = offline.PublishFirmware(ctx, "2.0.0", "fw.bin", []byte("bb"))
			require.NoError(t, err)
			_, err = offline.ReportLiveness(ctx, "Y", "10.0.0.9", "1.0.0")
			require.NoError(t, err)
			require.NoError(t, offline.Close())

			got := server.ResolveDesiredFirmware(ctx, "X")
			assert.Equal(t, "1.0.0-hotfix", got.Version)
			assert.Equal(t, model.SourceAssigned, got.Source)

			got = server.ResolveDesiredFirmware(ctx, "Y")
			assert.Equal(t, "2.0.0", got.Version)
			assert.Equal(t, model.SourceLatest, got.Source)

			assert.Equal(t, []string{"2.0.0", "1.0.0"}, server.Catalog().ListVersions(ctx))
			data, _, err := server.ResolveBinary(ctx, "2.0.0")
			require.NoError(t, err)
			assert.Equal(t, []byte("bb"), data)
			assert.Contains(t, server.Registry().List(ctx), "Y")
		})
	}
}

func TestResolveDesired_NormalizesAssignmentsAndIdentities(t *testing.T) {
	svc, _ := openService(t, store.BackendMemory)
	ctx := context.Background()

	img, err := svc.PublishFirmware(ctx, "１.０.３", "fw.bin", []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1.0.3", img.Version)
	_, err = svc.PublishFirmware(ctx, "9.0", "fw.bin", []byte("b"))
	require.NoError(t, err)

	_, err = svc.Assign(ctx, "D", "１.０.３")
	require.NoError(t, err)

	for _, id := range []string{"D", "D ", " D"} {
		got := svc.ResolveDesiredFirmware(ctx, id)
		assert.Equal(t, "1.0.3", got.Version, "id=%q", id)
		assert.Equal(t, publicURL+"/firmwares/firmware_1.0.3.bin", got.URL, "id=%q", id)
		assert.Equal(t, model.SourceAssigned, got.Source, "id=%q", id)
	}

	data, _, err := svc.ResolveBinary(ctx, "1.0.3")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
}

func TestOpen_CorruptTableDoesNotTakeOthersDown(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	opts := Options{DataDir: dir, Backend: store.BackendSQLite, PublicURL: publicURL}

	svc, err := Open(ctx, opts)
	require.NoError(t, err)
	_, err = svc.PublishFirmware(ctx, "1.0", "fw.bin", []byte("a"))
	require.NoError(t, err)
	_, err = svc.ReportLiveness(ctx, "dev", "10.0.0.1", "")
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	devicesDB := filepath.Join(dir, DevicesTable+".db")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(devicesDB + suffix)
	}
	require.NoError(t, os.WriteFile(devicesDB, []byte(fmt.Sprintf("%064d", 0)), 0o644))

	svc, err = Open(ctx, opts)
	require.NoError(t, err)
	defer svc.Close()

	assert.Empty(t, svc.Registry().List(ctx))
	assert.Equal(t, "1.0", svc.ResolveDesiredFirmware(ctx, "dev").Version)

	_, err = svc.ReportLiveness(ctx, "dev", "10.0.0.2", "")
	require.NoError(t, err)
	assert.Len(t, svc.Registry().List(ctx), 1)
}

func TestFleet_MostRecentFirst(t *testing.T) {
	svc, _ := openService(t, store.BackendMemory)
	ctx := context.Background()

	_, err := svc.PublishFirmware(ctx, "1.0", "fw.bin", []byte("a"))
	require.NoError(t, err)
	for _, id := range []string{"old", "mid", "new"} {
		_, err := svc.ReportLiveness(ctx, id, "10.0.0.1", "")
		require.NoError(t, err)
	}
	_, err = svc.Assign(ctx, "mid", "0.5")
	require.NoError(t, err)
	_, err = svc.Assign(ctx, "ghost", "0.5")
	require.NoError(t, err)

	fleet := svc.Fleet(ctx)
	require.Len(t, fleet, 3)
	assert.Equal(t, "new", fleet[0].DeviceID)
	assert.Equal(t, "mid", fleet[1].DeviceID)
	assert.Equal(t, "old", fleet[2].DeviceID)

	assert.Equal(t, "0.5", fleet[1].Assigned)
	assert.Equal(t, model.SourceAssigned, fleet[1].Desired.Source)
	assert.Empty(t, fleet[0].Assigned)
	assert.Equal(t, "1.0", fleet[0].Desired.Version)
}

func TestConcurrentMixedTraffic(t *testing.T) {
	svc, _ := openService(t, store.BackendFile)
	ctx := context.Background()

	const n = 24
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("dev-%d", i)
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := svc.ReportLiveness(ctx, id, "10.0.0.1", "")
			assert.NoError(t, err)
		}()
		go func(i int) {
			defer wg.Done()
			_, err := svc.Assign(ctx, id, fmt.Sprintf("%d.0", i))
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := svc.PublishFirmware(ctx, fmt.Sprintf("%d.0", i), "fw.bin", []byte(id))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, svc.Fleet(ctx), n)
	for i := 0; i < n; i++ {
		got := svc.ResolveDesiredFirmware(ctx, fmt.Sprintf("dev-%d", i))
		assert.Equal(t, fmt.Sprintf("%d.0", i), got.Version)
	}
}
