package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kwv/apmesh/mesh"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultConfigFile = "config.yaml"
	archiveTimeout    = 5 * time.Second
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *mesh.Config
	Rooms      mesh.RoomSource
	Planner    *mesh.Planner
	Store      *mesh.PlanStore
	Metrics    *mesh.Metrics
	MQTTClient *mesh.MQTTClient
	Publisher  *mesh.Publisher
	Archive    *mesh.PlanArchive
	Influx     *mesh.InfluxSink

	opts        AppOptions
	out         io.Writer
	planMu      sync.Mutex // one planning run at a time
	stopTracing func(context.Context) error
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{out: os.Stdout}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// setup loads the configuration and creates whatever dependency has not been
// injected yet. Metrics register against reg.
func (a *App) setup(reg prometheus.Registerer) error {
	if a.out == nil {
		a.out = os.Stdout
	}
	if a.Config == nil {
		config, err := loadConfig(a.opts.ConfigFile)
		if err != nil {
			return err
		}
		a.Config = config
	}
	if a.Rooms == nil {
		a.Rooms = mesh.NewMapClient(a.Config.MapService.BaseURL,
			mesh.WithTimeout(a.Config.MapService.Timeout),
			mesh.WithMaxRetries(a.Config.MapService.MaxRetries),
			mesh.WithUserAgent("apmesh/"+Version),
		)
	}
	if a.Metrics == nil {
		m, err := mesh.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		a.Metrics = m
	}
	if a.Influx == nil && a.Config.InfluxDB.Enabled {
		sink, err := mesh.ConnectInflux(a.Config.InfluxDB)
		if err != nil {
			log.Printf("warning: InfluxDB unavailable, plan statistics not exported: %v", err)
		} else {
			sink.SetOnError(func(err error) {
				log.Printf("[INFLUX] write failed: %v", err)
			})
			a.Influx = sink
			log.Printf("[INFLUX] Writing plan statistics to %s bucket %s", a.Config.InfluxDB.URL, a.Config.InfluxDB.Bucket)
		}
	}
	if a.Planner == nil {
		var observer mesh.PlanObserver = a.Metrics
		if a.Influx != nil {
			observer = mesh.Observers{a.Metrics, a.Influx}
		}
		a.Planner = a.Config.Planner(observer)
	}
	if a.Store == nil {
		a.Store = mesh.NewPlanStoreWithCache(mesh.DefaultStoreCapacity, a.opts.CacheFile)
	}
	if a.Archive == nil {
		path := a.opts.ArchiveFile
		if path == "" {
			path = a.Config.Archive.Path
		}
		if path != "" {
			archive, err := mesh.OpenArchive(context.Background(), path)
			if err != nil {
				return fmt.Errorf("opening plan archive: %w", err)
			}
			a.Archive = archive
			log.Printf("[ARCHIVE] Archiving plans to %s", path)
		}
	}
	if a.stopTracing == nil && a.Config.Tracing.Enabled {
		mesh.SetBuildVersion(Version)
		shutdown, err := mesh.InitTracing(context.Background(), a.Config.Tracing, nil)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		a.stopTracing = shutdown
	}
	return nil
}

// Close flushes and releases the optional sinks opened by setup
func (a *App) Close() {
	if a.stopTracing != nil {
		mesh.ShutdownTracing(context.Background(), a.stopTracing)
		a.stopTracing = nil
	}
	if a.Influx != nil {
		_ = a.Influx.Close()
	}
	if a.Archive != nil {
		if err := a.Archive.Close(); err != nil {
			log.Printf("warning: closing plan archive: %v", err)
		}
	}
}

// loadConfig reads path. A missing default config.yaml falls back to the
// built-in defaults; a missing explicit path is an error.
func loadConfig(path string) (*mesh.Config, error) {
	if path == "" {
		return mesh.DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigFile {
		log.Printf("No %s found, using default configuration", path)
		return mesh.DefaultConfig(), nil
	}
	config, err := mesh.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log.Printf("Loaded config from %s", path)
	return config, nil
}

// planMessage builds the request described by the command line flags. Unset
// --gres and --maxloss take the configured planning defaults.
func (a *App) planMessage() mesh.PlanMessage {
	gres, loss := a.Config.PlanningDefaults(a.opts.GridResolution, a.opts.MaxPathLoss)
	return mesh.PlanMessage{
		PoiIDs:         a.opts.PoiIDs,
		BuildingID:     a.opts.BuildingID,
		Z:              a.opts.Z,
		GridResolution: gres,
		MaxPathLoss:    loss,
	}
}

// loadRooms resolves the rooms a message names through the room source
func (a *App) loadRooms(ctx context.Context, msg mesh.PlanMessage) ([]mesh.Room, error) {
	if err := msg.ValidateSource(); err != nil {
		return nil, err
	}
	if len(msg.PoiIDs) > 0 {
		return a.Rooms.FetchRooms(ctx, msg.PoiIDs)
	}
	rooms, err := a.Rooms.FetchFloor(ctx, msg.BuildingID, *msg.Z)
	if err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("building %d floor %d has no rooms: %w", msg.BuildingID, *msg.Z, mesh.ErrInvalidInput)
	}
	return rooms, nil
}

// Plan fetches the rooms of msg and plans them
func (a *App) Plan(ctx context.Context, msg mesh.PlanMessage) (*mesh.PlanResult, error) {
	if err := msg.Validate(); err != nil {
		a.Metrics.ObservePlan(mesh.Outcome(err), 0, 0)
		return nil, err
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	rooms, err := a.loadRooms(ctx, msg)
	if err != nil {
		a.Metrics.ObservePlan(mesh.Outcome(err), 0, 0)
		return nil, err
	}
	return a.planRooms(ctx, rooms, msg.GridResolution, msg.MaxPathLoss, msg.RequestID)
}

// planRooms runs the planner on rooms and stores the result
func (a *App) planRooms(ctx context.Context, rooms []mesh.Room, gridResolution, maxPathLoss float64, requestID string) (*mesh.PlanResult, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	a.planMu.Lock()
	defer a.planMu.Unlock()

	req := a.Config.PlanRequest(gridResolution, maxPathLoss)
	log.Printf("[PLAN] planning %d rooms at %.2f m, %.1f dB", len(rooms), req.GridResolution, req.MaxPathLoss)

	res, err := a.Planner.Plan(ctx, rooms, req)
	if err != nil {
		log.Printf("[PLAN] failed (%s): %v", mesh.Outcome(err), err)
		return nil, err
	}
	summary := a.Store.Put(res, requestID)
	a.recordPlan(ctx, res, summary)
	return res, nil
}

// recordPlan writes a stored plan to the archive and the statistics sink.
// Failures are logged; the plan itself already succeeded.
func (a *App) recordPlan(ctx context.Context, res *mesh.PlanResult, summary *mesh.PlanSummary) {
	if a.Influx != nil {
		a.Influx.WriteSummary(summary)
	}
	if a.Archive == nil {
		return
	}
	geo, err := mesh.MarshalPlanGeoJSON(res, mesh.ExportOptions{Geographic: true, Rooms: true})
	if err != nil {
		log.Printf("warning: exporting plan %s for archive: %v", res.ID, err)
		geo = nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := a.Archive.Save(ctx, summary, geo); err != nil {
		log.Printf("warning: failed to archive plan %s: %v", res.ID, err)
	}
}

// withTimeout bounds ctx by --timeout, else by solver.timeout. An existing
// earlier deadline is kept.
func (a *App) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := a.opts.Timeout
	if timeout <= 0 && a.Config != nil {
		timeout = a.Config.Solver.Timeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// RunPlan plans once from the command line and writes the outputs
func (a *App) RunPlan() error {
	if err := a.setup(prometheus.NewRegistry()); err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res *mesh.PlanResult
	var err error
	if a.opts.RoomsFile != "" {
		rooms, loadErr := mesh.LoadRoomsFile(a.opts.RoomsFile)
		if loadErr != nil {
			return fmt.Errorf("loading rooms: %w", loadErr)
		}
		fmt.Fprintf(a.out, "Loaded %d rooms from %s\n", len(rooms), a.opts.RoomsFile)
		msg := a.planMessage()
		res, err = a.planRooms(ctx, rooms, msg.GridResolution, msg.MaxPathLoss, "")
	} else {
		res, err = a.Plan(ctx, a.planMessage())
	}
	if err != nil {
		return fmt.Errorf("planning failed (%s): %w", mesh.Outcome(err), err)
	}

	printSummary(a.out, res)

	files, err := writeOutputs(res, a.opts.Format, a.opts.Output)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(a.out, "Saved %s\n", f)
	}
	return nil
}

// printSummary writes a human readable plan summary
func printSummary(w io.Writer, res *mesh.PlanResult) {
	fmt.Fprintf(w, "\nPlan %s\n", res.ID)
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "Rooms:       %d\n", res.Stats.Rooms)
	fmt.Fprintf(w, "Floor area:  %.1f m²\n", res.Stats.FloorArea)
	fmt.Fprintf(w, "Samples:     %d (%.2f m grid)\n", res.Stats.Samples, res.Request.GridResolution)
	fmt.Fprintf(w, "Loss budget: %.1f dB\n", res.Request.MaxPathLoss)
	fmt.Fprintf(w, "APs:         %d\n", res.Stats.APs)
	if res.Stats.Unreached > 0 {
		fmt.Fprintf(w, "Unreached:   %d samples\n", res.Stats.Unreached)
	}
	if v, ok := res.Intensity.Min(); ok {
		fmt.Fprintf(w, "Weakest:     %.1f dB\n", v)
	}

	covers := res.CoverageOf()
	for _, ap := range res.APs() {
		geo := mesh.Unproject(res.Floor.Origin, ap.Point)
		fmt.Fprintf(w, "  AP %-5d (%.2f, %.2f) m  lon=%.6f lat=%.6f  covers %d samples\n",
			ap.Index, ap.Point[0], ap.Point[1], geo.Longitude, geo.Latitude, len(covers[ap.Index]))
	}

	stages := make([]string, 0, len(res.Stats.Durations))
	for stage := range res.Stats.Durations {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	parts := make([]string, 0, len(stages))
	for _, stage := range stages {
		parts = append(parts, fmt.Sprintf("%s=%v", stage, res.Stats.Durations[stage].Round(time.Millisecond)))
	}
	fmt.Fprintf(w, "Timings:     %s\n", strings.Join(parts, " "))
}

// writeOutputs renders res in the requested format next to base and returns
// the written paths
func writeOutputs(res *mesh.PlanResult, format, base string) ([]string, error) {
	if dir := filepath.Dir(base); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}

	var files []string
	if format == "raster" || format == "all" {
		path := base + ".png"
		r := mesh.NewRasterRenderer()
		r.ShowCoverage = true
		if err := r.SavePNG(path, res); err != nil {
			return files, fmt.Errorf("saving PNG: %w", err)
		}
		files = append(files, path)
	}
	if format == "vector" || format == "all" {
		path := base + ".svg"
		if err := writeFile(path, func(w io.Writer) error {
			return mesh.NewVectorRenderer().RenderToSVG(w, res)
		}); err != nil {
			return files, fmt.Errorf("saving SVG: %w", err)
		}
		files = append(files, path)
	}
	if format == "geojson" || format == "all" {
		path := base + ".geojson"
		data, err := mesh.MarshalPlanGeoJSON(res, mesh.ExportOptions{Geographic: true, Rooms: true})
		if err != nil {
			return files, err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return files, fmt.Errorf("saving GeoJSON: %w", err)
		}
		files = append(files, path)
	}
	return files, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// handleRequest is the MQTT request handler. Planning runs off the MQTT
// callback goroutine.
func (a *App) handleRequest(msg *mesh.PlanMessage, err error) {
	if err != nil {
		requestID := ""
		if msg != nil {
			requestID = msg.RequestID
		}
		log.Printf("[MQTT] rejected plan request %q: %v", requestID, err)
		a.Metrics.ObservePlan(mesh.Outcome(err), 0, 0)
		a.publishFailure(requestID, err)
		return
	}
	go a.servePlanRequest(*msg)
}

// servePlanRequest plans one MQTT request and publishes the outcome
func (a *App) servePlanRequest(msg mesh.PlanMessage) {
	log.Printf("[MQTT] plan request %q: poiIds=%v building=%d", msg.RequestID, msg.PoiIDs, msg.BuildingID)

	res, err := a.Plan(context.Background(), msg)
	if err != nil {
		a.publishFailure(msg.RequestID, err)
		return
	}
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishPlan(res, msg.RequestID); err != nil {
		log.Printf("[MQTT] Error publishing plan %s: %v", res.ID, err)
	}
}

func (a *App) publishFailure(requestID string, err error) {
	if a.Publisher == nil {
		return
	}
	if pubErr := a.Publisher.PublishFailure(requestID, err); pubErr != nil {
		log.Printf("[MQTT] Error publishing failure for %q: %v", requestID, pubErr)
	}
}

// RunService serves plan requests over MQTT and/or HTTP until interrupted
func (a *App) RunService() error {
	fmt.Fprintln(a.out, "Starting apmesh service...")

	if err := a.setup(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	defer a.Close()

	// 1. MQTT
	if a.opts.MqttMode {
		mqttClient, err := mesh.InitMQTT(a.Config, a.handleRequest)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = mqttClient

		a.Publisher = mesh.NewPublisher(mqttClient.GetClient())
		if os.Getenv("MQTT_PUBLISH_PREFIX") == "" {
			a.Publisher.SetPrefix(a.Config.MQTT.PublishPrefix)
		}
		fmt.Fprintln(a.out, "MQTT plan publisher initialized")
	}

	// 2. HTTP
	var server *http.Server
	port := a.opts.HttpPort
	if port == 0 {
		port = a.Config.HTTP.Port
	}
	if a.opts.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", port),
			Handler:           newHTTPServer(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	// 3. Service info
	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")

	if a.opts.MqttMode {
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintf(a.out, "  Requests on:    %s\n", a.Config.RequestTopic())
		fmt.Fprintf(a.out, "  Plans to:       %s/plans/{id}, %s/plans/latest\n", a.Publisher.Prefix(), a.Publisher.Prefix())
		fmt.Fprintf(a.out, "  Failures to:    %s/plans/errors\n", a.Publisher.Prefix())
		fmt.Fprintf(a.out, "  Status on:      %s\n", a.Config.StatusTopic())
	}

	if a.opts.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", port)
		fmt.Fprintln(a.out, "  GET  /health                        - Health check")
		fmt.Fprintln(a.out, "  GET  /metrics                       - Prometheus metrics")
		fmt.Fprintln(a.out, "  GET  /api/map?poid=..&gres=..       - Floor outline and sample grid PNG")
		fmt.Fprintln(a.out, "  GET  /api/solve?poid=..&maxloss=..  - Plan and return the heatmap PNG")
		fmt.Fprintln(a.out, "  POST /api/plans                     - Plan a JSON request")
		fmt.Fprintln(a.out, "  GET  /api/plans                     - Recent plan summaries")
		fmt.Fprintln(a.out, "  GET  /api/plans/{id}[.png|.svg|.geojson]")
		if a.Archive != nil {
			fmt.Fprintln(a.out, "  GET  /api/archive?limit=..          - Archived plan summaries")
		}
	}

	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")

	// 4. Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(a.out, "\nShutting down service...")
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[HTTP] shutdown: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.out, "Service stopped")
	return nil
}
