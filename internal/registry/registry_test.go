package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/paybridge/internal/device/devicetest"
	"github.com/codefionn/paybridge/internal/protocol"
)

func TestGetOrCreateReturnsSameContext(t *testing.T) {
	r := New(devicetest.NewDriver("dev-1"))

	a, err := r.GetOrCreate("A")
	require.NoError(t, err)
	again, err := r.GetOrCreate("A")
	require.NoError(t, err)

	assert.Same(t, a, again)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, protocol.KindNone, a.CurrentOperation())
	assert.Empty(t, a.DeviceID())
}

func TestGetOrCreateConcurrent(t *testing.T) {
	r := New(devicetest.NewDriver("dev-1"))

	var wg sync.WaitGroup
	got := make([]*Context, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.GetOrCreate("A")
			if err == nil {
				got[i] = c
			}
		}(i)
	}
	wg.Wait()

	require.NotNil(t, got[0])
	for _, c := range got {
		assert.Same(t, got[0], c)
	}
	assert.Equal(t, 1, r.Len())
}

func TestGetOrCreateFailures(t *testing.T) {
	t.Run("empty id", func(t *testing.T) {
		r := New(devicetest.NewDriver())
		_, err := r.GetOrCreate("")
		assert.ErrorIs(t, err, ErrContextCreation)
	})

	t.Run("driver error", func(t *testing.T) {
		drv := devicetest.NewDriver()
		drv.NewSessionErr = errors.New("no serial ports")
		r := New(drv)

		_, err := r.GetOrCreate("A")
		require.ErrorIs(t, err, ErrContextCreation)
		assert.Contains(t, err.Error(), "no serial ports")
		assert.Equal(t, 0, r.Len())
	})

	t.Run("limit", func(t *testing.T) {
		r := New(devicetest.NewDriver(), WithMaxContexts(1))
		_, err := r.GetOrCreate("A")
		require.NoError(t, err)

		_, err = r.GetOrCreate("B")
		assert.ErrorIs(t, err, ErrContextCreation)

		_, err = r.GetOrCreate("A")
		assert.NoError(t, err, "existing contexts are still reachable at the limit")
	})
}

func TestClaimExclusivity(t *testing.T) {
	r := New(devicetest.NewDriver("dev-1"))

	claimed, err := r.Claim("dev-1", "A")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = r.Claim("dev-1", "A")
	require.NoError(t, err)
	assert.False(t, claimed, "re-claim by the owner does not create a binding")

	_, err = r.Claim("dev-1", "B")
	require.ErrorIs(t, err, ErrDeviceInUse)
	assert.EqualError(t, err, "Device already in use by context A")

	var inUse *DeviceInUseError
	require.ErrorAs(t, err, &inUse)
	assert.Equal(t, "A", inUse.Owner)

	owner, ok := r.DeviceOwner("dev-1")
	assert.True(t, ok)
	assert.Equal(t, "A", owner)
	assert.Equal(t, "A", r.DeviceContextName("dev-1"))
	assert.Equal(t, "", r.DeviceContextName("dev-2"))
}

func TestClaimRace(t *testing.T) {
	r := New(devicetest.NewDriver("dev-1"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, id := range []string{"A", "B", "C", "D", "E", "F", "G", "H"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if claimed, err := r.Claim("dev-1", id); err == nil && claimed {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, winners[0], r.DeviceContextName("dev-1"))
}

func TestReleaseOnlyByOwner(t *testing.T) {
	r := New(devicetest.NewDriver("dev-1"))
	_, err := r.Claim("dev-1", "A")
	require.NoError(t, err)

	r.Release("dev-1", "B")
	assert.Equal(t, "A", r.DeviceContextName("dev-1"))

	r.Release("dev-1", "A")
	_, ok := r.DeviceOwner("dev-1")
	assert.False(t, ok)
}

func TestBindMovesDevice(t *testing.T) {
	r := New(devicetest.NewDriver("dev-1", "dev-2"))
	c, err := r.GetOrCreate("A")
	require.NoError(t, err)

	_, err = r.Claim("dev-1", "A")
	require.NoError(t, err)
	require.NoError(t, r.Bind(c, "dev-1"))
	assert.Equal(t, "dev-1", c.DeviceID())

	_, err = r.Claim("dev-2", "A")
	require.NoError(t, err)
	require.NoError(t, r.Bind(c, "dev-2"))

	assert.Equal(t, "dev-2", c.DeviceID())
	assert.Equal(t, "", r.DeviceContextName("dev-1"))
	assert.Equal(t, "A", r.DeviceContextName("dev-2"))
}

func TestReleaseKeepsBoundDevice(t *testing.T) {
	r := New(devicetest.NewDriver("dev-1"))
	c, err := r.GetOrCreate("A")
	require.NoError(t, err)

	claimed, err := r.Claim("dev-1", "A")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, r.Bind(c, "dev-1"))

	// A failed initialize that made the claim must not undo the binding
	// a later initialize completed.
	r.Release("dev-1", "A")
	assert.Equal(t, "A", r.DeviceContextName("dev-1"))

	_, err = r.Claim("dev-1", "B")
	var inUse *DeviceInUseError
	require.ErrorAs(t, err, &inUse)
	assert.Equal(t, "A", inUse.Owner)
}

func TestBindRejectsForeignOwner(t *testing.T) {
	r := New(devicetest.NewDriver("dev-1"))
	a, err := r.GetOrCreate("A")
	require.NoError(t, err)

	_, err = r.Claim("dev-1", "B")
	require.NoError(t, err)

	err = r.Bind(a, "dev-1")
	assert.ErrorIs(t, err, ErrDeviceInUse)
	assert.Equal(t, "B", r.DeviceContextName("dev-1"))
	assert.Empty(t, a.DeviceID())
}

func TestBindAfterCloseFails(t *testing.T) {
	r := New(devicetest.NewDriver("dev-1"))
	c, err := r.GetOrCreate("A")
	require.NoError(t, err)
	_, err = r.Claim("dev-1", "A")
	require.NoError(t, err)

	r.Close(context.Background(), "A")

	assert.ErrorIs(t, r.Bind(c, "dev-1"), ErrContextClosed)
	_, ok := r.DeviceOwner("dev-1")
	assert.False(t, ok)
}

func TestCloseReleasesDeviceAndSession(t *testing.T) {
	drv := devicetest.NewDriver("dev-1")
	r := New(drv)
	c, err := r.GetOrCreate("A")
	require.NoError(t, err)
	_, err = r.Claim("dev-1", "A")
	require.NoError(t, err)
	require.NoError(t, r.Bind(c, "dev-1"))

	r.Close(context.Background(), "A")

	_, ok := r.Get("A")
	assert.False(t, ok)
	assert.Equal(t, "", r.DeviceContextName("dev-1"))
	closed, calls := drv.Session("A").Closed()
	assert.True(t, closed)
	assert.Equal(t, 1, calls)

	// Idempotent
	r.Close(context.Background(), "A")
	_, calls = drv.Session("A").Closed()
	assert.Equal(t, 1, calls)

	// Device is free for another context
	_, err = r.Claim("dev-1", "B")
	assert.NoError(t, err)
}

func TestCloseToleratesSessionError(t *testing.T) {
	drv := devicetest.NewDriver("dev-1")
	drv.Configure = func(s *devicetest.Session) {
		s.CloseErr = errors.New("port vanished")
	}
	r := New(drv)
	_, err := r.GetOrCreate("A")
	require.NoError(t, err)

	r.Close(context.Background(), "A")
	assert.Equal(t, 0, r.Len())
}

func TestCloseAll(t *testing.T) {
	drv := devicetest.NewDriver()
	var observed []int
	r := New(drv, WithObserver(func(active int) { observed = append(observed, active) }))

	for _, id := range []string{"A", "B", "C"} {
		_, err := r.GetOrCreate(id)
		require.NoError(t, err)
	}
	r.CloseAll(context.Background())

	assert.Equal(t, 0, r.Len())
	for _, id := range []string{"A", "B", "C"} {
		closed, _ := drv.Session(id).Closed()
		assert.True(t, closed, id)
	}
	assert.Equal(t, []int{1, 2, 3}, observed[:3])
	assert.Equal(t, 0, observed[len(observed)-1])
}

func TestSnapshot(t *testing.T) {
	r := New(devicetest.NewDriver("dev-1"))
	b, err := r.GetOrCreate("B")
	require.NoError(t, err)
	_, err = r.GetOrCreate("A")
	require.NoError(t, err)

	require.NoError(t, b.WithOperation(func(protocol.Kind) (protocol.Kind, error) {
		return protocol.KindInitialize, nil
	}))
	require.NoError(t, r.Bind(b, "dev-1"))

	infos := r.Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, "A", infos[0].ID)
	assert.Equal(t, "none", infos[0].CurrentOperation)
	assert.Equal(t, "B", infos[1].ID)
	assert.Equal(t, "initialize", infos[1].CurrentOperation)
	assert.Equal(t, "dev-1", infos[1].DeviceID)
}

func TestWithOperationKeepsStateOnError(t *testing.T) {
	r := New(devicetest.NewDriver())
	c, err := r.GetOrCreate("A")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = c.WithOperation(func(current protocol.Kind) (protocol.Kind, error) {
		assert.Equal(t, protocol.KindNone, current)
		return protocol.KindProcess, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, protocol.KindNone, c.CurrentOperation())
}
