package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vebrasmusic/bakery/internal/config"
	"github.com/vebrasmusic/bakery/internal/orchestrator"
	"github.com/vebrasmusic/bakery/internal/ports"
	"github.com/vebrasmusic/bakery/internal/proxy"
	"github.com/vebrasmusic/bakery/internal/store"
)

type apiFixture struct {
	ts         *httptest.Server
	store      *store.Store
	routerPort int
}

// setupAPI wires a full daemon stack over a temp store: the proxy on an
// OS-assigned port, the allocator over [portStart, portEnd], and the
// control API served by httptest.
func setupAPI(t *testing.T, portStart, portEnd int) *apiFixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Host:           "127.0.0.1",
		Port:           47123,
		HostSuffix:     "localtest.me",
		PortRangeStart: portStart,
		PortRangeEnd:   portEnd,
		RouterPorts:    []int{0},
	}

	logger := zap.NewNop()
	p := proxy.New(st, logger)
	routerPort, err := p.Start(cfg.Host, cfg.RouterPorts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })

	alloc := ports.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	orch := orchestrator.New(st, alloc, cfg.HostSuffix, p.Port, logger)
	srv := NewServer(cfg, st, orch, p, logger)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	return &apiFixture{ts: ts, store: st, routerPort: routerPort}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (f *apiFixture) createPie(t *testing.T, name string) *store.Pie {
	t.Helper()
	code, raw := f.do(t, "POST", "/v1/pies", map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, code, string(raw))
	var pie store.Pie
	require.NoError(t, json.Unmarshal(raw, &pie))
	return &pie
}

func (f *apiFixture) createSlice(t *testing.T, pieRef string, resources []map[string]string) map[string]any {
	t.Helper()
	code, raw := f.do(t, "POST", "/v1/slices", map[string]any{
		"pieId":     pieRef,
		"resources": resources,
	})
	require.Equal(t, http.StatusCreated, code, string(raw))
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func errorField(t *testing.T, raw []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	return body.Error
}

func TestCreatePieAndSlice(t *testing.T) {
	f := setupAPI(t, 30000, 45000)

	pie := f.createPie(t, "My App")
	assert.Equal(t, "My App", pie.Name)
	assert.Equal(t, "my-app", pie.Slug)
	assert.NotEmpty(t, pie.ID)

	out := f.createSlice(t, "my-app", []map[string]string{
		{"key": "r1", "protocol": "http", "expose": "primary"},
		{"key": "r2", "protocol": "tcp", "expose": "none"},
	})

	assert.Equal(t, "my-app-s1.localtest.me", out["host"])
	assert.Equal(t, "running", out["status"])
	assert.Equal(t, "my-app", out["pieSlug"])
	assert.Equal(t, float64(f.routerPort), out["routerPort"])

	resources := out["resources"].([]any)
	require.Len(t, resources, 2)

	r1 := resources[0].(map[string]any)
	assert.Equal(t, "r1", r1["key"])
	assert.Equal(t, "my-app-s1.localtest.me", r1["routeHost"])
	assert.Equal(t, "http://my-app-s1.localtest.me:"+strconv.Itoa(f.routerPort), r1["routeUrl"])
	assert.Equal(t, true, r1["isPrimaryHttp"])

	r2 := resources[1].(map[string]any)
	assert.Equal(t, "r2", r2["key"])
	assert.NotContains(t, r2, "routeHost")
	assert.NotContains(t, r2, "routeUrl")

	// Ordinals are monotone per pie.
	out2 := f.createSlice(t, pie.ID, []map[string]string{
		{"key": "r1", "protocol": "http", "expose": "primary"},
	})
	assert.Equal(t, "my-app-s2.localtest.me", out2["host"])
}

func TestCreatePieValidation(t *testing.T) {
	f := setupAPI(t, 30000, 45000)

	code, raw := f.do(t, "POST", "/v1/pies", map[string]string{"name": "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "name is required", errorField(t, raw))

	code, raw = f.do(t, "POST", "/v1/pies", map[string]string{"name": "***"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "name does not yield a usable slug", errorField(t, raw))
}

func TestCreatePieSlugConflict(t *testing.T) {
	f := setupAPI(t, 30000, 45000)
	f.createPie(t, "My App")

	// Distinct name, same derived slug.
	code, _ := f.do(t, "POST", "/v1/pies", map[string]string{"name": "my app"})
	assert.Equal(t, http.StatusConflict, code)
}

func TestListPiesEmptySerialization(t *testing.T) {
	f := setupAPI(t, 30000, 45000)

	code, raw := f.do(t, "GET", "/v1/pies", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"pies":[]}`, string(raw))
}

func TestCreateSliceUnknownPie(t *testing.T) {
	f := setupAPI(t, 30000, 45000)

	code, raw := f.do(t, "POST", "/v1/slices", map[string]any{
		"pieId":     "nope",
		"resources": []map[string]string{{"key": "r1", "protocol": "http", "expose": "primary"}},
	})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Pie not found", errorField(t, raw))
}

func TestCreateSliceInvalidResources(t *testing.T) {
	f := setupAPI(t, 30000, 45000)
	f.createPie(t, "My App")

	code, raw := f.do(t, "POST", "/v1/slices", map[string]any{
		"pieId":     "my-app",
		"resources": []map[string]string{{"key": "r1", "protocol": "smtp", "expose": "primary"}},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errorField(t, raw), "invalid protocol")

	code, _ = f.do(t, "POST", "/v1/slices", map[string]any{
		"pieId":     "my-app",
		"resources": []map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListSlicesParams(t *testing.T) {
	f := setupAPI(t, 30000, 45000)

	code, raw := f.do(t, "GET", "/v1/slices?pieId=my-app&all=true", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "pieId and all are mutually exclusive", errorField(t, raw))

	// Unknown pie lists as empty, not 404.
	code, raw = f.do(t, "GET", "/v1/slices?pieId=ghost", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"slices":[]}`, string(raw))
}

func TestListSlicesFilterAndDecoration(t *testing.T) {
	f := setupAPI(t, 30000, 45000)
	f.createPie(t, "My App")
	f.createPie(t, "Other")
	f.createSlice(t, "my-app", []map[string]string{{"key": "web", "protocol": "http", "expose": "primary"}})
	f.createSlice(t, "other", []map[string]string{{"key": "web", "protocol": "http", "expose": "primary"}})

	code, raw := f.do(t, "GET", "/v1/slices?pieId=my-app", nil)
	require.Equal(t, http.StatusOK, code)

	var body struct {
		Slices []struct {
			Host      string `json:"host"`
			Resources []struct {
				RouteURL string `json:"routeUrl"`
			} `json:"resources"`
		} `json:"slices"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body.Slices, 1)
	assert.Equal(t, "my-app-s1.localtest.me", body.Slices[0].Host)
	require.Len(t, body.Slices[0].Resources, 1)
	assert.Equal(t, "http://my-app-s1.localtest.me:"+strconv.Itoa(f.routerPort), body.Slices[0].Resources[0].RouteURL)

	code, raw = f.do(t, "GET", "/v1/slices", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Len(t, body.Slices, 2)
}

func TestStopSlice(t *testing.T) {
	f := setupAPI(t, 30000, 45000)
	f.createPie(t, "My App")
	out := f.createSlice(t, "my-app", []map[string]string{{"key": "web", "protocol": "http", "expose": "primary"}})
	id := out["id"].(string)

	code, raw := f.do(t, "POST", "/v1/slices/"+id+"/stop", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	// Stopping again is a no-op, still 200.
	code, _ = f.do(t, "POST", "/v1/slices/"+id+"/stop", nil)
	assert.Equal(t, http.StatusOK, code)

	code, raw = f.do(t, "POST", "/v1/slices/missing/stop", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Slice not found", errorField(t, raw))
}

func TestDeleteSlice(t *testing.T) {
	f := setupAPI(t, 30000, 45000)
	f.createPie(t, "My App")
	out := f.createSlice(t, "my-app", []map[string]string{{"key": "web", "protocol": "http", "expose": "primary"}})
	id := out["id"].(string)

	code, raw := f.do(t, "DELETE", "/v1/slices/"+id, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	code, _ = f.do(t, "DELETE", "/v1/slices/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, raw = f.do(t, "GET", "/v1/slices?pieId=my-app", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"slices":[]}`, string(raw))
}

func TestDeletePieCascade(t *testing.T) {
	f := setupAPI(t, 30000, 45000)
	pie := f.createPie(t, "My App")
	f.createSlice(t, "my-app", []map[string]string{{"key": "web", "protocol": "http", "expose": "primary"}})
	out := f.createSlice(t, "my-app", []map[string]string{{"key": "web", "protocol": "http", "expose": "primary"}})

	// One slice already stopped before the cascade.
	_, raw := f.do(t, "POST", "/v1/slices/"+out["id"].(string)+"/stop", nil)
	require.JSONEq(t, `{"ok":true}`, string(raw))

	code, raw := f.do(t, "DELETE", "/v1/pies/my-app", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	code, raw = f.do(t, "GET", "/v1/slices?pieId=my-app", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"slices":[]}`, string(raw))

	code, raw = f.do(t, "GET", "/v1/pies", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"pies":[]}`, string(raw))

	entries, err := f.store.ListAuditLog(context.Background(), 0)
	require.NoError(t, err)
	kinds := map[string]int{}
	for _, e := range entries {
		kinds[e.Kind]++
		if e.Kind == store.KindPieDeleted {
			assert.Contains(t, string(e.Payload), pie.ID)
		}
	}
	assert.Equal(t, 1, kinds[store.KindPieDeleted])
	assert.Equal(t, 2, kinds[store.KindSliceDeleted])
	// The already-stopped slice is not stopped again in the cascade.
	assert.Equal(t, 2, kinds[store.KindSliceStopped])

	code, raw = f.do(t, "DELETE", "/v1/pies/my-app", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Pie not found", errorField(t, raw))
}

func TestCreateSlicePortExhaustion(t *testing.T) {
	// A single-port range cannot satisfy a two-resource request.
	f := setupAPI(t, 42000, 42000)
	f.createPie(t, "My App")

	code, raw := f.do(t, "POST", "/v1/slices", map[string]any{
		"pieId": "my-app",
		"resources": []map[string]string{
			{"key": "r1", "protocol": "http", "expose": "primary"},
			{"key": "r2", "protocol": "tcp", "expose": "none"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Unable to allocate 2 free ports in configured range", errorField(t, raw))

	// Nothing is left behind by the failed creation.
	code, raw = f.do(t, "GET", "/v1/slices?pieId=my-app", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"slices":[]}`, string(raw))
}

func TestHealth(t *testing.T) {
	f := setupAPI(t, 30000, 45000)

	code, raw := f.do(t, "GET", "/v1/health", nil)
	assert.Equal(t, http.StatusOK, code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 47123, body.Port)
	assert.Equal(t, f.routerPort, body.RouterPort)
}

func TestStatusSnapshot(t *testing.T) {
	f := setupAPI(t, 30000, 45000)
	f.createPie(t, "My App")
	f.createPie(t, "Other")
	f.createSlice(t, "my-app", []map[string]string{{"key": "web", "protocol": "http", "expose": "primary"}})
	out := f.createSlice(t, "my-app", []map[string]string{{"key": "web", "protocol": "http", "expose": "primary"}})
	f.do(t, "POST", "/v1/slices/"+out["id"].(string)+"/stop", nil)

	code, raw := f.do(t, "GET", "/v1/status", nil)
	require.Equal(t, http.StatusOK, code)

	var body StatusResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "ok", body.Daemon.Status)
	assert.Equal(t, "127.0.0.1", body.Daemon.Host)
	assert.Equal(t, 47123, body.Daemon.Port)
	assert.Equal(t, f.routerPort, body.Daemon.RouterPort)
	assert.NotEmpty(t, body.GeneratedAt)

	assert.Equal(t, 2, body.Pies.Total)
	assert.Equal(t, 2, body.Slices.Total)
	assert.Equal(t, 1, body.Slices.ByStatus.Running)
	assert.Equal(t, 1, body.Slices.ByStatus.Stopped)

	require.Len(t, body.Slices.ByPie, 2)
	byPie := map[string]pieBreakdown{}
	for _, bd := range body.Slices.ByPie {
		byPie[bd.PieSlug] = bd
	}
	assert.Equal(t, 2, byPie["my-app"].Total)
	assert.Equal(t, 1, byPie["my-app"].Running)
	assert.Equal(t, 0, byPie["other"].Total)
}
