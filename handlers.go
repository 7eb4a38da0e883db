package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kwv/apmesh/mesh"
)

// maxRequestBody bounds POST /api/plans payloads
const maxRequestBody = 1 << 20

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(app *App) http.Handler {
	mux := http.NewServeMux()
	m := app.Metrics

	// Health check endpoint
	mux.HandleFunc("GET /health", m.Instrument("health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status        string    `json:"status"`
			Version       string    `json:"version"`
			Timestamp     time.Time `json:"timestamp"`
			HasPlans      bool      `json:"hasPlans"`
			MQTTConnected bool      `json:"mqttConnected"`
		}{
			Status:        "ok",
			Version:       Version,
			Timestamp:     time.Now(),
			HasPlans:      app.Store.HasPlans(),
			MQTTConnected: app.MQTTClient != nil && app.MQTTClient.IsConnected(),
		}
		writeJSON(w, http.StatusOK, status)
	}))

	mux.Handle("GET /metrics", m.Handler())

	// Floor outline and sample grid, no planning
	mux.HandleFunc("GET /api/map", m.Instrument("map", func(w http.ResponseWriter, r *http.Request) {
		msg, err := parsePlanQuery(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		// Only the grid is drawn; maxloss is not needed
		if !(msg.GridResolution > 0) {
			writeError(w, r, fmt.Errorf("gres must be positive: %w", mesh.ErrInvalidInput))
			return
		}

		ctx, cancel := app.withTimeout(r.Context())
		defer cancel()
		rooms, err := app.loadRooms(ctx, msg)
		if err != nil {
			writeError(w, r, err)
			return
		}
		floor, err := mesh.BuildFloor(rooms, app.Config.FloorOptions())
		if err != nil {
			writeError(w, r, err)
			return
		}
		points, err := mesh.GenerateGrid(floor, msg.GridResolution)
		if err != nil {
			writeError(w, r, err)
			return
		}

		img := mesh.NewRasterRenderer().RenderFloor(floor, points)
		writePNG(w, func(out io.Writer) error { return png.Encode(out, img) })
	}))

	// Plan and return the heatmap in one call
	mux.HandleFunc("GET /api/solve", m.Instrument("solve", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		msg, err := parsePlanQuery(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		res, err := app.Plan(r.Context(), msg)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("X-Plan-Id", res.ID)
		renderPlan(w, r, res, "png")
	}))

	mux.HandleFunc("OPTIONS /api/solve", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		w.WriteHeader(http.StatusNoContent)
	})

	// Plan a JSON request
	mux.HandleFunc("POST /api/plans", m.Instrument("plans_create", func(w http.ResponseWriter, r *http.Request) {
		var msg mesh.PlanMessage
		dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&msg); err != nil {
			writeError(w, r, fmt.Errorf("decoding plan request: %w: %w", err, mesh.ErrInvalidInput))
			return
		}

		res, err := app.Plan(r.Context(), msg)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if app.Publisher != nil {
			if err := app.Publisher.PublishPlan(res, msg.RequestID); err != nil {
				log.Printf("[MQTT] Error publishing plan %s: %v", res.ID, err)
			}
		}
		w.Header().Set("Location", "/api/plans/"+res.ID)
		writeJSON(w, http.StatusCreated, mesh.Summarize(res, msg.RequestID))
	}))

	// Recent plan summaries, newest first
	mux.HandleFunc("GET /api/plans", m.Instrument("plans_list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Store.Summaries())
	}))

	// One stored plan; "latest" names the newest. The extension picks the
	// representation: none for the summary, .png, .svg or .geojson.
	mux.HandleFunc("GET /api/plans/{id}", m.Instrument("plans_get", func(w http.ResponseWriter, r *http.Request) {
		id, format := splitFormat(r.PathValue("id"))

		var res *mesh.PlanResult
		var ok bool
		if id == "latest" {
			res, ok = app.Store.Latest()
		} else {
			res, ok = app.Store.Get(id)
		}
		if !ok {
			serveArchived(w, r, app.Archive, id, format)
			return
		}

		if format == "" {
			writeJSON(w, http.StatusOK, mesh.Summarize(res, ""))
			return
		}
		renderPlan(w, r, res, format)
	}))

	// Every archived plan, newest first
	mux.HandleFunc("GET /api/archive", m.Instrument("archive_list", func(w http.ResponseWriter, r *http.Request) {
		if app.Archive == nil {
			http.Error(w, "Plan archive not enabled", http.StatusNotFound)
			return
		}
		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		summaries, err := app.Archive.List(r.Context(), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summaries)
	}))

	return mux
}

// serveArchived answers a plan lookup that missed the in-memory store. Only
// the summary and GeoJSON survive in the archive.
func serveArchived(w http.ResponseWriter, r *http.Request, archive *mesh.PlanArchive, id, format string) {
	if archive == nil || id == "latest" {
		http.Error(w, "Plan not found", http.StatusNotFound)
		return
	}
	switch format {
	case "":
		s, err := archive.Get(r.Context(), id)
		if err != nil {
			writeArchiveError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	case "geojson":
		data, err := archive.GeoJSON(r.Context(), id)
		if err != nil {
			writeArchiveError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(data)
	default:
		http.Error(w, "Plan not found", http.StatusNotFound)
	}
}

func writeArchiveError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, mesh.ErrPlanNotFound) {
		http.Error(w, "Plan not found", http.StatusNotFound)
		return
	}
	writeError(w, r, err)
}

// parseLimit reads the archive page size; empty selects the default
func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q: %w", v, mesh.ErrInvalidInput)
	}
	return n, nil
}

// renderPlan writes res as png, svg or geojson
func renderPlan(w http.ResponseWriter, r *http.Request, res *mesh.PlanResult, format string) {
	coverage := r.URL.Query().Get("coverage") == "1"

	switch format {
	case "png":
		rr := mesh.NewRasterRenderer()
		rr.ShowCoverage = coverage
		writePNG(w, func(out io.Writer) error { return rr.WritePNG(out, res) })
	case "svg":
		vr := mesh.NewVectorRenderer()
		vr.ShowCoverage = coverage
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := vr.RenderToSVG(w, res); err != nil {
			log.Printf("Error encoding plan SVG: %v", err)
		}
	case "geojson":
		data, err := mesh.MarshalPlanGeoJSON(res, mesh.ExportOptions{
			Geographic: r.URL.Query().Get("planar") != "1",
			Rooms:      true,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(data)
	default:
		http.Error(w, fmt.Sprintf("Unknown format %q", format), http.StatusNotFound)
	}
}

// parsePlanQuery reads poid (repeatable or comma separated), building, z,
// gres and maxloss from the query string. Missing gres or maxloss stay zero
// and are rejected by the handler that needs them.
func parsePlanQuery(r *http.Request) (mesh.PlanMessage, error) {
	q := r.URL.Query()
	var msg mesh.PlanMessage

	for _, v := range q["poid"] {
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return msg, fmt.Errorf("invalid poid %q: %w", part, mesh.ErrInvalidInput)
			}
			msg.PoiIDs = append(msg.PoiIDs, id)
		}
	}

	if v := q.Get("building"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return msg, fmt.Errorf("invalid building %q: %w", v, mesh.ErrInvalidInput)
		}
		msg.BuildingID = id
	}
	if v := q.Get("z"); v != "" {
		z, err := strconv.Atoi(v)
		if err != nil {
			return msg, fmt.Errorf("invalid z %q: %w", v, mesh.ErrInvalidInput)
		}
		msg.Z = &z
	}

	var err error
	if msg.GridResolution, err = parseFloatParam(q.Get("gres"), "gres"); err != nil {
		return msg, err
	}
	if msg.MaxPathLoss, err = parseFloatParam(q.Get("maxloss"), "maxloss"); err != nil {
		return msg, err
	}
	msg.RequestID = q.Get("requestId")
	return msg, msg.ValidateSource()
}

func parseFloatParam(v, name string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, mesh.ErrInvalidInput)
	}
	return f, nil
}

// splitFormat splits "id.ext" into id and a known extension
func splitFormat(s string) (string, string) {
	for _, ext := range []string{"png", "svg", "geojson"} {
		if id, ok := strings.CutSuffix(s, "."+ext); ok {
			return id, ext
		}
	}
	return s, ""
}

// statusFor maps a planning error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, mesh.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, mesh.ErrGeometryDegenerate), errors.Is(err, mesh.ErrInfeasible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, mesh.ErrSolver):
		return http.StatusGatewayTimeout
	case errors.Is(err, mesh.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON error payload
type errorBody struct {
	Error   string `json:"error"`
	Outcome string `json:"outcome"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	log.Printf("[HTTP] %s %s: %d %v", r.Method, r.URL.Path, code, err)
	writeJSON(w, code, errorBody{Error: err.Error(), Outcome: mesh.Outcome(err)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func writePNG(w http.ResponseWriter, encode func(io.Writer) error) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := encode(w); err != nil {
		log.Printf("Error encoding PNG: %v", err)
	}
}

// setCORS mirrors the headers the solve view has always sent
func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Access-Control-Expose-Headers", "X-Plan-Id")
}
