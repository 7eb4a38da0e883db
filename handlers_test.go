package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kwv/apmesh/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *App, *mockRoomSource) {
	t.Helper()
	app, src := newTestApp(t)
	srv := httptest.NewServer(newHTTPServer(app))
	t.Cleanup(srv.Close)
	return srv, app, src
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Status        string `json:"status"`
		Version       string `json:"version"`
		HasPlans      bool   `json:"hasPlans"`
		MQTTConnected bool   `json:"mqttConnected"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, Version, status.Version)
	assert.False(t, status.HasPlans)
	assert.False(t, status.MQTTConnected)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/health", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	get(t, srv.URL+"/health")

	resp := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `apmesh_http_requests_total{code="200",handler="health"} 1`)
}

func TestSolveEndpoint(t *testing.T) {
	srv, app, src := newTestServer(t)
	src.On("FetchRooms", []int{1, 2}).Return([]mesh.Room{
		rectRoom("1", 0, 0, 10, 10),
		rectRoom("2", 10, 0, 20, 10),
	}, nil)

	resp := get(t, srv.URL+"/api/solve?poid=1,2&gres=2&maxloss=80")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	id := resp.Header.Get("X-Plan-Id")
	require.NotEmpty(t, id)
	_, ok := app.Store.Get(id)
	assert.True(t, ok, "solved plan is stored")

	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Positive(t, img.Bounds().Dx())
	src.AssertExpectations(t)
}

func TestSolveEndpoint_Errors(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		setup   func(*mockRoomSource)
		code    int
		outcome string
	}{
		{
			name:    "bad poid",
			query:   "poid=abc",
			code:    http.StatusBadRequest,
			outcome: "invalid_input",
		},
		{
			name:    "nothing to plan",
			query:   "gres=2",
			code:    http.StatusBadRequest,
			outcome: "invalid_input",
		},
		{
			name:    "building without z",
			query:   "building=7",
			code:    http.StatusBadRequest,
			outcome: "invalid_input",
		},
		{
			name:    "resolution and loss missing",
			query:   "poid=1",
			code:    http.StatusBadRequest,
			outcome: "invalid_input",
		},
		{
			name:    "zero resolution and loss",
			query:   "poid=1&gres=0&maxloss=0",
			code:    http.StatusBadRequest,
			outcome: "invalid_input",
		},
		{
			name:    "loss missing",
			query:   "poid=1&gres=2",
			code:    http.StatusBadRequest,
			outcome: "invalid_input",
		},
		{
			name:  "infeasible",
			query: "poid=1&gres=2&maxloss=50",
			setup: func(src *mockRoomSource) {
				src.On("FetchRooms", []int{1}).Return([]mesh.Room{rectRoom("1", 0, 0, 10, 10)}, nil)
			},
			code:    http.StatusUnprocessableEntity,
			outcome: "infeasible",
		},
		{
			name:  "upstream",
			query: "poid=9&gres=2&maxloss=83",
			setup: func(src *mockRoomSource) {
				src.On("FetchRooms", []int{9}).Return(nil, fmt.Errorf("fetch room 9: %w", mesh.ErrUpstream))
			},
			code:    http.StatusBadGateway,
			outcome: "upstream_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, src := newTestServer(t)
			if tt.setup != nil {
				tt.setup(src)
			}

			resp := get(t, srv.URL+"/api/solve?"+tt.query)
			assert.Equal(t, tt.code, resp.StatusCode)
			body := decodeError(t, resp)
			assert.Equal(t, tt.outcome, body.Outcome)
			assert.NotEmpty(t, body.Error)
			if tt.setup == nil {
				src.AssertNotCalled(t, "FetchRooms", mock.Anything)
			}
		})
	}
}

func TestSolveEndpoint_Preflight(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/solve", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "X-Plan-Id", resp.Header.Get("Access-Control-Expose-Headers"))
}

func TestMapEndpoint(t *testing.T) {
	srv, app, src := newTestServer(t)
	src.On("FetchFloor", 7, 1).Return([]mesh.Room{rectRoom("a", 0, 0, 12, 8)}, nil)

	resp := get(t, srv.URL+"/api/map?building=7&z=1&gres=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	_, err := png.Decode(resp.Body)
	require.NoError(t, err)

	assert.False(t, app.Store.HasPlans(), "the map view does not plan")
}

func TestMapEndpoint_RequiresResolution(t *testing.T) {
	for _, q := range []string{"building=7&z=1", "building=7&z=1&gres=0", "building=7&z=1&gres=-1"} {
		srv, _, src := newTestServer(t)
		resp := get(t, srv.URL+"/api/map?"+q)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		assert.Equal(t, "invalid_input", decodeError(t, resp).Outcome, q)
		src.AssertNotCalled(t, "FetchFloor", mock.Anything, mock.Anything)
	}
}

func postPlan(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/api/plans", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPlansEndpoints(t *testing.T) {
	srv, _, src := newTestServer(t)
	src.On("FetchRooms", []int{10}).Return([]mesh.Room{rectRoom("10", 0, 0, 10, 10)}, nil)

	resp := postPlan(t, srv.URL, `{"requestId":"req-1","poiIds":[10],"gridResolution":2,"maxPathLoss":83}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created mesh.PlanSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "req-1", created.RequestID)
	assert.Len(t, created.APs, 1)
	assert.Equal(t, "/api/plans/"+created.ID, resp.Header.Get("Location"))

	t.Run("summary", func(t *testing.T) {
		resp := get(t, srv.URL+"/api/plans/"+created.ID)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var s mesh.PlanSummary
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
		assert.Equal(t, created.ID, s.ID)
		assert.Equal(t, 25, s.Samples)
	})

	t.Run("latest", func(t *testing.T) {
		resp := get(t, srv.URL+"/api/plans/latest")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var s mesh.PlanSummary
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
		assert.Equal(t, created.ID, s.ID)
	})

	t.Run("geojson", func(t *testing.T) {
		resp := get(t, srv.URL+"/api/plans/"+created.ID+".geojson")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/geo+json", resp.Header.Get("Content-Type"))
		var fc struct {
			Type     string            `json:"type"`
			Features []json.RawMessage `json:"features"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&fc))
		assert.Equal(t, "FeatureCollection", fc.Type)
		assert.NotEmpty(t, fc.Features)
	})

	t.Run("svg", func(t *testing.T) {
		resp := get(t, srv.URL+"/api/plans/"+created.ID+".svg?coverage=1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "<svg")
	})

	t.Run("png", func(t *testing.T) {
		resp := get(t, srv.URL+"/api/plans/latest.png")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_, err := png.Decode(resp.Body)
		assert.NoError(t, err)
	})

	t.Run("list", func(t *testing.T) {
		resp := get(t, srv.URL+"/api/plans")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var list []mesh.PlanSummary
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		require.Len(t, list, 1)
		assert.Equal(t, created.ID, list[0].ID)
	})

	t.Run("not found", func(t *testing.T) {
		resp := get(t, srv.URL+"/api/plans/nope.png")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestPlansEndpoint_NoPlansYet(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := get(t, srv.URL+"/api/plans/latest")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, srv.URL+"/api/plans")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []mesh.PlanSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Empty(t, list)
}

func TestPlansEndpoint_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"poiIds":[1`},
		{"unknown field", `{"poiIds":[1],"colour":"red"}`},
		{"empty request", `{}`},
		{"negative loss", `{"poiIds":[1],"gridResolution":2,"maxPathLoss":-3}`},
		{"parameters missing", `{"poiIds":[1]}`},
		{"zero parameters", `{"poiIds":[1],"gridResolution":0,"maxPathLoss":0}`},
		{"resolution missing", `{"poiIds":[1],"maxPathLoss":83}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, src := newTestServer(t)
			resp := postPlan(t, srv.URL, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "invalid_input", decodeError(t, resp).Outcome)
			src.AssertNotCalled(t, "FetchRooms", mock.Anything)
		})
	}
}

func TestPlansEndpoint_PublishesOverMQTT(t *testing.T) {
	srv, app, src := newTestServer(t)
	client := mesh.NewMockClient()
	client.SetConnected(true)
	app.Publisher = mesh.NewPublisher(client)
	app.Publisher.SetPrefix("site")
	src.On("FetchRooms", []int{10}).Return([]mesh.Room{rectRoom("10", 0, 0, 10, 10)}, nil)

	resp := postPlan(t, srv.URL, `{"poiIds":[10],"gridResolution":2,"maxPathLoss":83}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	msgs := client.MessagesWithPrefix("site/plans/")
	assert.Len(t, msgs, 2, "plan and latest")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", mesh.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("x: %w", mesh.ErrGeometryDegenerate), http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", mesh.ErrInfeasible), http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", mesh.ErrSolver), http.StatusGatewayTimeout},
		{fmt.Errorf("x: %w", mesh.ErrUpstream), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestSplitFormat(t *testing.T) {
	tests := []struct {
		in, id, format string
	}{
		{"abc", "abc", ""},
		{"abc.png", "abc", "png"},
		{"abc.svg", "abc", "svg"},
		{"latest.geojson", "latest", "geojson"},
		{"abc.pdf", "abc.pdf", ""},
	}
	for _, tt := range tests {
		id, format := splitFormat(tt.in)
		if id != tt.id || format != tt.format {
			t.Errorf("splitFormat(%q) = %q, %q; want %q, %q", tt.in, id, format, tt.id, tt.format)
		}
	}
}

func TestParsePlanQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/solve?poid=1,2&poid=3&gres=0.5&maxloss=80&requestId=r9", nil)
	msg, err := parsePlanQuery(req)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, msg.PoiIDs)
	assert.Equal(t, 0.5, msg.GridResolution)
	assert.Equal(t, 80.0, msg.MaxPathLoss)
	assert.Equal(t, "r9", msg.RequestID)
	assert.Nil(t, msg.Z)

	req = httptest.NewRequest(http.MethodGet, "/api/map?building=7&z=0", nil)
	msg, err = parsePlanQuery(req)
	require.NoError(t, err)
	assert.Equal(t, 7, msg.BuildingID)
	require.NotNil(t, msg.Z)
	assert.Equal(t, 0, *msg.Z)

	for _, q := range []string{"poid=1&gres=x", "poid=1&maxloss=x", "building=x&z=0", "building=7&z=x"} {
		req := httptest.NewRequest(http.MethodGet, "/api/solve?"+q, nil)
		_, err := parsePlanQuery(req)
		assert.True(t, errors.Is(err, mesh.ErrInvalidInput), "%s: got %v", q, err)
	}
}
