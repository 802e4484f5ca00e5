// Package archive records a summary of every finished scan in a time series
// database, so scan throughput and aborts can be charted next to the machine
// data.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
)

// Measurement is the name scan points are written under
const Measurement = "scan"

// Summary describes one finished scan
type Summary struct {
	Kind     string
	Scan     int
	State    string
	Points   int
	Total    int
	Duration time.Duration
	XEOL     bool
	Ended    time.Time
}

// Recorder stores scan summaries
type Recorder interface {
	Record(context.Context, Summary) error
	Close() error
}

// Nop discards summaries
type Nop struct{}

// Record implements Recorder
func (Nop) Record(context.Context, Summary) error { return nil }

// Close implements Recorder
func (Nop) Close() error { return nil }

// Config locates an InfluxDB 3 database
type Config struct {
	URL      string `yaml:"URL" koanf:"URL"`
	Token    string `yaml:"Token" koanf:"Token"`
	Database string `yaml:"Database" koanf:"Database"`
}

// Influx writes one point per scan to InfluxDB
type Influx struct {
	client *influxdb3.Client
}

// NewInflux creates the client.  No connection is made until the first
// Record.
func NewInflux(c Config) (*Influx, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     c.URL,
		Token:    c.Token,
		Database: c.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}
	return &Influx{client: client}, nil
}

// Point converts a summary to a point tagged by kind and state
func Point(s Summary) *influxdb3.Point {
	ts := s.Ended
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb3.NewPoint(
		Measurement,
		map[string]string{
			"kind":  s.Kind,
			"state": s.State,
		},
		map[string]any{
			"scan_number": int64(s.Scan),
			"points":      int64(s.Points),
			"total":       int64(s.Total),
			"duration_s":  s.Duration.Seconds(),
			"xeol":        s.XEOL,
		},
		ts,
	)
}

// Record implements Recorder
func (i *Influx) Record(ctx context.Context, s Summary) error {
	if err := i.client.WritePoints(ctx, []*influxdb3.Point{Point(s)}); err != nil {
		return fmt.Errorf("failed to write scan %d: %w", s.Scan, err)
	}
	return nil
}

// Close implements Recorder
func (i *Influx) Close() error {
	return i.client.Close()
}
