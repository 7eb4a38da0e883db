package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Runner is the set of run modes main dispatches to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunPlan() error
	RunService() error
}

// AppOptions carries the parsed command line
type AppOptions struct {
	ConfigFile     string
	RoomsFile      string
	PoiIDs         []int
	BuildingID     int
	Z              *int
	GridResolution float64
	MaxPathLoss    float64
	Timeout        time.Duration
	Format         string
	Output         string
	CacheFile      string
	ArchiveFile    string
	PlanMode       bool
	MqttMode       bool
	HttpMode       bool
	HttpPort       int
}

// intList collects a repeatable integer flag
type intList []int

func (l *intList) String() string {
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (l *intList) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid poi id %q", part)
		}
		*l = append(*l, v)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("apmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var poiIDs intList
	configFile := fs.String("config", "config.yaml", "Path to configuration file")
	planMode := fs.Bool("plan", false, "Plan once, write the outputs and exit")
	roomsFile := fs.String("rooms", "", "Rooms JSON or GeoJSON file for --plan (instead of the map service)")
	fs.Var(&poiIDs, "poid", "Room POI id to fetch from the map service (repeatable or comma separated)")
	buildingID := fs.Int("building", 0, "Building id: plan every room of the floor given by --z")
	z := fs.Int("z", 0, "Floor number used with --building")
	gridResolution := fs.Float64("gres", 0, "Grid resolution in meters (default: from config)")
	maxPathLoss := fs.Float64("maxloss", 0, "Maximum path loss in dB (default: from config)")
	timeout := fs.Duration("timeout", 0, "Planning timeout (default: solver.timeout from config)")
	format := fs.String("format", "raster", "Output format: raster, vector, geojson, or all")
	output := fs.String("output", "plan", "Output path without extension for --plan")
	cacheFile := fs.String("cache", "", "Persist plan summaries to this JSON file in service mode")
	archiveFile := fs.String("archive", "", "SQLite file archiving every plan (default: archive.path from config)")
	mqttMode := fs.Bool("mqtt", false, "Serve plan requests over MQTT")
	httpMode := fs.Bool("http", false, "Enable the HTTP server")
	httpPort := fs.Int("http-port", 0, "HTTP server port (default: http.port from config)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "apmesh version: %s\n", Version)

	opts := AppOptions{
		ConfigFile:     *configFile,
		RoomsFile:      *roomsFile,
		PoiIDs:         poiIDs,
		BuildingID:     *buildingID,
		GridResolution: *gridResolution,
		MaxPathLoss:    *maxPathLoss,
		Timeout:        *timeout,
		Format:         *format,
		Output:         *output,
		CacheFile:      *cacheFile,
		ArchiveFile:    *archiveFile,
		PlanMode:       *planMode,
		MqttMode:       *mqttMode,
		HttpMode:       *httpMode,
		HttpPort:       *httpPort,
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "z" {
			v := *z
			opts.Z = &v
		}
	})

	switch opts.Format {
	case "raster", "vector", "geojson", "all":
	default:
		return fmt.Errorf("unknown --format %q (want raster, vector, geojson or all)", opts.Format)
	}

	app.ApplyOptions(opts)

	if opts.PlanMode {
		return app.RunPlan()
	}
	if opts.MqttMode || opts.HttpMode {
		return app.RunService()
	}

	fmt.Fprintln(out, "Use --plan --rooms=rooms.json to plan from a rooms file")
	fmt.Fprintln(out, "Use --plan --poid=ID [--poid=ID ...] to plan rooms from the map service")
	fmt.Fprintln(out, "Use --plan --building=ID --z=FLOOR to plan a whole floor")
	fmt.Fprintln(out, "Use --http to serve plans over HTTP")
	fmt.Fprintln(out, "Use --mqtt to serve plan requests over MQTT")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - map service, planning defaults, radio model, MQTT and HTTP settings,")
	fmt.Fprintln(out, "                plan archive, InfluxDB statistics and tracing")
	return nil
}
