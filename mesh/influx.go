package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const influxConnectTimeout = 10 * time.Second

var (
	// ErrInfluxDisabled is returned by ConnectInflux when the sink is off
	ErrInfluxDisabled = errors.New("influxdb: disabled in configuration")

	// ErrInfluxConnection is returned when the server cannot be reached
	ErrInfluxConnection = errors.New("influxdb: connection failed")
)

// InfluxSink writes plan statistics to InfluxDB. Writes are batched and
// non-blocking; failures surface through the SetOnError callback. It
// implements PlanObserver.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu        sync.RWMutex
	connected bool
	onError   func(error)
}

// ConnectInflux pings the server and returns a sink writing to cfg.Bucket
func ConnectInflux(cfg InfluxDBConfig) (*InfluxSink, error) {
	if !cfg.Enabled {
		return nil, ErrInfluxDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushSeconds := cfg.FlushInterval
	if flushSeconds <= 0 {
		flushSeconds = 10
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushSeconds)*1000))

	ctx, cancel := context.WithTimeout(context.Background(), influxConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrInfluxConnection, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s is not healthy", ErrInfluxConnection, cfg.URL)
	}

	s := &InfluxSink{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		connected: true,
	}
	go s.forwardErrors(s.writeAPI.Errors())
	return s, nil
}

func (s *InfluxSink) forwardErrors(errs <-chan error) {
	for err := range errs {
		s.mu.RLock()
		cb := s.onError
		s.mu.RUnlock()
		if cb != nil {
			cb(err)
		}
	}
}

// SetOnError sets the callback for asynchronous write failures
func (s *InfluxSink) SetOnError(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = cb
}

// IsConnected reports whether the sink still accepts points
func (s *InfluxSink) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// ObserveStage records one stage duration
func (s *InfluxSink) ObserveStage(stage string, d time.Duration) {
	s.writePoint("apmesh_stage",
		map[string]string{"stage": stage},
		map[string]interface{}{"seconds": d.Seconds()})
}

// ObservePlan records the outcome of a planning run
func (s *InfluxSink) ObservePlan(outcome string, aps, samples int) {
	s.writePoint("apmesh_plan",
		map[string]string{"outcome": outcome},
		map[string]interface{}{"aps": aps, "samples": samples})
}

// WriteSummary records the floor level figures of a stored plan
func (s *InfluxSink) WriteSummary(sum *PlanSummary) {
	if sum == nil {
		return
	}
	fields := map[string]interface{}{
		"plan_id":    sum.ID,
		"rooms":      sum.Rooms,
		"floor_area": sum.FloorArea,
		"unreached":  sum.Unreached,
	}
	if sum.MinIntensity != nil {
		fields["min_intensity"] = *sum.MinIntensity
	}
	s.writePoint("apmesh_plan_summary", nil, fields)
}

func (s *InfluxSink) writePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !s.IsConnected() {
		return
	}
	s.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// Flush blocks until buffered points are written. No-op after Close.
func (s *InfluxSink) Flush() {
	if !s.IsConnected() {
		return
	}
	s.writeAPI.Flush()
}

// Close flushes pending points and releases the client
func (s *InfluxSink) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	s.mu.Unlock()

	s.writeAPI.Flush()
	s.client.Close()
	return nil
}

// Observers fans planner callbacks out to several observers
type Observers []PlanObserver

// ObserveStage forwards to every non-nil observer
func (o Observers) ObserveStage(stage string, d time.Duration) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveStage(stage, d)
		}
	}
}

// ObservePlan forwards to every non-nil observer
func (o Observers) ObservePlan(outcome string, aps, samples int) {
	for _, obs := range o {
		if obs != nil {
			obs.ObservePlan(outcome, aps, samples)
		}
	}
}
