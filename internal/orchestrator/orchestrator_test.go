package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vebrasmusic/bakery/internal/ports"
	"github.com/vebrasmusic/bakery/internal/store"
)

func setupOrchestrator(t *testing.T, rangeStart, rangeEnd, routerPort int) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	alloc := ports.New(rangeStart, rangeEnd)
	o := New(st, alloc, "localtest.me", func() int { return routerPort }, zap.NewNop())
	return o, st
}

func httpPrimary(key string) CreateResource {
	return CreateResource{Key: key, Protocol: store.ProtocolHTTP, Expose: store.ExposePrimary}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{" Hello, World! ", "hello-world"},
		{"My App", "my-app"},
		{"***", ""},
		{"", ""},
		{"already-a-slug", "already-a-slug"},
		{"UPPER_case 123", "upper-case-123"},
		{"a--b", "a-b"},
		{"this-is-a-very-long-project-name-that-keeps-going", "this-is-a-very-long-project-name"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.name), "Slugify(%q)", tt.name)
	}
}

func TestCreateSliceHappyPath(t *testing.T) {
	o, st := setupOrchestrator(t, 42000, 42100, 4080)
	ctx := context.Background()
	pie, err := st.CreatePie(ctx, "My App", "my-app")
	require.NoError(t, err)

	out, err := o.CreateSlice(ctx, pie, []CreateResource{
		httpPrimary("r1"),
		{Key: "r2", Protocol: store.ProtocolTCP, Expose: store.ExposeNone},
	})
	require.NoError(t, err)

	assert.Equal(t, "my-app-s1.localtest.me", out.Host)
	assert.Equal(t, 1, out.Ordinal)
	assert.Equal(t, store.StatusRunning, out.Status)
	assert.Equal(t, "my-app", out.PieSlug)
	assert.Equal(t, 4080, out.RouterPort)
	require.Len(t, out.Resources, 2)

	primary := out.Resources[0]
	assert.Equal(t, "my-app-s1.localtest.me", primary.RouteHost)
	assert.Equal(t, "http://my-app-s1.localtest.me:4080", primary.RouteURL)
	assert.True(t, primary.IsPrimaryHTTP)

	tcp := out.Resources[1]
	assert.Empty(t, tcp.RouteHost)
	assert.Empty(t, tcp.RouteURL)
	assert.False(t, tcp.IsPrimaryHTTP)

	// Ordinals are monotone per pie.
	out2, err := o.CreateSlice(ctx, pie, []CreateResource{httpPrimary("r1")})
	require.NoError(t, err)
	assert.Equal(t, 2, out2.Ordinal)
	assert.Equal(t, "my-app-s2.localtest.me", out2.Host)
	assert.NotEqual(t, out.Resources[0].AllocatedPort, out2.Resources[0].AllocatedPort)
}

func TestCreateSliceSubdomainRoute(t *testing.T) {
	o, st := setupOrchestrator(t, 42000, 42100, 4080)
	ctx := context.Background()
	pie, err := st.CreatePie(ctx, "My App", "my-app")
	require.NoError(t, err)

	out, err := o.CreateSlice(ctx, pie, []CreateResource{
		{Key: "api", Protocol: store.ProtocolHTTP, Expose: store.ExposeSubdomain},
		{Key: "metrics", Protocol: store.ProtocolUDP, Expose: store.ExposeNone},
	})
	require.NoError(t, err)

	api := out.Resources[0]
	assert.Equal(t, "api.my-app-s1.localtest.me", api.RouteHost)
	assert.Equal(t, "http://api.my-app-s1.localtest.me:4080", api.RouteURL)
	assert.False(t, api.IsPrimaryHTTP)
}

func TestRouteURL(t *testing.T) {
	assert.Equal(t, "http://h.localtest.me", RouteURL("h.localtest.me", 80))
	assert.Equal(t, "http://h.localtest.me", RouteURL("h.localtest.me", 443))
	assert.Equal(t, "http://h.localtest.me:4080", RouteURL("h.localtest.me", 4080))
	assert.Empty(t, RouteURL("", 4080))
}

func TestCreateSlicePort80Elision(t *testing.T) {
	o, st := setupOrchestrator(t, 42000, 42100, 80)
	ctx := context.Background()
	pie, err := st.CreatePie(ctx, "My App", "my-app")
	require.NoError(t, err)

	out, err := o.CreateSlice(ctx, pie, []CreateResource{httpPrimary("web")})
	require.NoError(t, err)
	assert.Equal(t, "http://my-app-s1.localtest.me", out.Resources[0].RouteURL)
}

func TestCreateSliceExhaustionLeavesNothing(t *testing.T) {
	// One-port range, two resources: allocation fails before any write.
	o, st := setupOrchestrator(t, 42000, 42000, 4080)
	ctx := context.Background()
	pie, err := st.CreatePie(ctx, "My App", "my-app")
	require.NoError(t, err)

	_, err = o.CreateSlice(ctx, pie, []CreateResource{
		httpPrimary("r1"),
		{Key: "r2", Protocol: store.ProtocolTCP, Expose: store.ExposeNone},
	})
	require.Error(t, err)
	var ere *ports.ExhaustedRangeError
	assert.ErrorAs(t, err, &ere)

	slices, err := st.ListSlices(ctx, pie.ID)
	require.NoError(t, err)
	assert.Empty(t, slices)
	allocated, err := st.AllocatedPorts(ctx)
	require.NoError(t, err)
	assert.Empty(t, allocated)
}

func TestValidateResources(t *testing.T) {
	valid := httpPrimary("web")

	tests := []struct {
		name      string
		resources []CreateResource
		wantErr   bool
	}{
		{"ok", []CreateResource{valid}, false},
		{"empty list", nil, true},
		{"empty key", []CreateResource{{Protocol: "http", Expose: "none"}}, true},
		{"uppercase key", []CreateResource{{Key: "Web", Protocol: "http", Expose: "none"}}, true},
		{"leading hyphen", []CreateResource{{Key: "-web", Protocol: "http", Expose: "none"}}, true},
		{"duplicate keys", []CreateResource{valid, {Key: "web", Protocol: "tcp", Expose: "none"}}, true},
		{"bad protocol", []CreateResource{{Key: "web", Protocol: "quic", Expose: "none"}}, true},
		{"bad expose", []CreateResource{{Key: "web", Protocol: "http", Expose: "public"}}, true},
		{"two primaries", []CreateResource{valid, httpPrimary("web2")}, true},
		{"primary plus subdomain", []CreateResource{valid, {Key: "api", Protocol: "http", Expose: "subdomain"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResources(tt.resources)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateResourcesLongKey(t *testing.T) {
	key := make([]byte, 65)
	for i := range key {
		key[i] = 'a'
	}
	err := ValidateResources([]CreateResource{{Key: string(key), Protocol: "http", Expose: "none"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStopSliceIdempotent(t *testing.T) {
	o, st := setupOrchestrator(t, 42000, 42100, 4080)
	ctx := context.Background()
	pie, err := st.CreatePie(ctx, "My App", "my-app")
	require.NoError(t, err)
	out, err := o.CreateSlice(ctx, pie, []CreateResource{httpPrimary("web")})
	require.NoError(t, err)

	require.NoError(t, o.StopSlice(ctx, out.ID))
	first, err := st.GetSliceByID(ctx, out.ID)
	require.NoError(t, err)
	require.NotNil(t, first.StoppedAt)

	require.NoError(t, o.StopSlice(ctx, out.ID))
	second, err := st.GetSliceByID(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, second.Status)
	assert.True(t, second.StoppedAt.Equal(*first.StoppedAt))
}

func TestRemoveSlice(t *testing.T) {
	o, st := setupOrchestrator(t, 42000, 42100, 4080)
	ctx := context.Background()
	pie, err := st.CreatePie(ctx, "My App", "my-app")
	require.NoError(t, err)
	out, err := o.CreateSlice(ctx, pie, []CreateResource{httpPrimary("web")})
	require.NoError(t, err)

	require.NoError(t, o.RemoveSlice(ctx, &out.Slice))
	gone, err := st.GetSliceByID(ctx, out.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestCreateOutputProjection(t *testing.T) {
	o, st := setupOrchestrator(t, 42000, 42100, 4080)
	ctx := context.Background()
	pie, err := st.CreatePie(ctx, "My App", "my-app")
	require.NoError(t, err)

	out, err := o.CreateSlice(ctx, pie, []CreateResource{
		{Key: "db", Protocol: store.ProtocolTCP, Expose: store.ExposeNone},
		httpPrimary("web"),
	})
	require.NoError(t, err)

	proj := out.CreateOutput()
	require.NotNil(t, proj.URL)
	assert.Equal(t, out.Resources[1].RouteURL, *proj.URL)
	assert.Equal(t, []int{
		out.Resources[0].AllocatedPort,
		out.Resources[1].AllocatedPort,
	}, proj.AllocatedPorts)

	// No primary-http resource → null URL.
	out2, err := o.CreateSlice(ctx, pie, []CreateResource{
		{Key: "db", Protocol: store.ProtocolTCP, Expose: store.ExposeNone},
	})
	require.NoError(t, err)
	proj2 := out2.CreateOutput()
	assert.Nil(t, proj2.URL)
	assert.Len(t, proj2.AllocatedPorts, 1)
}

func TestConcurrentCreateSlicesGetDistinctPorts(t *testing.T) {
	o, st := setupOrchestrator(t, 43000, 43100, 4080)
	ctx := context.Background()
	pie, err := st.CreatePie(ctx, "My App", "my-app")
	require.NoError(t, err)

	const workers = 8
	results := make(chan *OrchestratedSlice, workers)
	errs := make(chan error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := o.CreateSlice(ctx, pie, []CreateResource{httpPrimary("web")})
			if err != nil {
				errs <- err
				return
			}
			results <- out
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent create: %v", err)
	}

	seenPorts := map[int]bool{}
	seenHosts := map[string]bool{}
	for out := range results {
		require.Len(t, out.Resources, 1)
		port := out.Resources[0].AllocatedPort
		assert.False(t, seenPorts[port], "port %d assigned twice", port)
		seenPorts[port] = true
		assert.False(t, seenHosts[out.Host], "host %s assigned twice", out.Host)
		seenHosts[out.Host] = true
	}
	assert.Len(t, seenPorts, workers)
}
