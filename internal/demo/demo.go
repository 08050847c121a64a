// Package demo simulates a small fleet of Aanderaa sensors on in-memory
// ports, for running the dashboard without hardware.
package demo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/aanderaa-reader/internal/link"
	"github.com/shaunagostinho/aanderaa-reader/internal/link/linktest"
	"github.com/shaunagostinho/aanderaa-reader/internal/protocol"
	"github.com/shaunagostinho/aanderaa-reader/internal/sensor"
)

// Sensor describes one simulated instrument.
type Sensor struct {
	Name string
	Port string
	Type sensor.Type
}

// Sensors is the default fleet: a streaming conductivity cell, a streaming
// FW3 optode and a polled pressure sensor.
func Sensors() []Sensor {
	return []Sensor{
		{Name: "ct", Port: "demo://conductivity", Type: sensor.TypeConductivity},
		{Name: "optode", Port: "demo://oxygen", Type: sensor.TypeOxygen},
		{Name: "baro", Port: "demo://pressure", Type: sensor.TypePressure},
	}
}

// Fleet hands out simulated ports. The sensor behind a port is chosen from
// its path: "press" or "baro" gives a pressure sensor, "oxy" or "opt" an
// optode, anything else a conductivity cell.
type Fleet struct {
	ctx      context.Context
	interval time.Duration

	mu      sync.Mutex
	t       float64 // virtual time accumulator
	serials map[string]string
}

// New returns a Fleet whose streaming sensors emit a frame every interval
// until ctx is done.
func New(ctx context.Context, interval time.Duration) *Fleet {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Fleet{ctx: ctx, interval: interval, serials: make(map[string]string)}
}

// Open implements link.Opener.
func (f *Fleet) Open(path string, baud int) (link.Port, error) {
	serial := f.serialFor(path)
	p := linktest.NewPort()

	switch TypeFor(path) {
	case sensor.TypePressure:
		sn := linktest.NewSensor("4117B", serial)
		sn.DoFunc = f.pressure
		sn.Attach(p)
	case sensor.TypeOxygen:
		sn := linktest.NewSensor("4330F", serial)
		sn.Dialect = protocol.DialectFW3
		sn.Attach(p)
		sn.StreamFunc(f.ctx, p, func() string { return f.oxygen(serial) }, f.interval)
	default:
		sn := linktest.NewSensor("5819C", serial)
		sn.Attach(p)
		sn.StreamFunc(f.ctx, p, func() string { return f.conductivity(serial) }, f.interval)
	}
	return p, nil
}

// TypeFor reports which sensor Open simulates for path.
func TypeFor(path string) sensor.Type {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "press") || strings.Contains(p, "baro"):
		return sensor.TypePressure
	case strings.Contains(p, "oxy") || strings.Contains(p, "opt"):
		return sensor.TypeOxygen
	}
	return sensor.TypeConductivity
}

func (f *Fleet) serialFor(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.serials[path]; ok {
		return s
	}
	s := fmt.Sprintf("%d", 1001+len(f.serials))
	f.serials[path] = s
	return s
}

func (f *Fleet) tick() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t += 0.05
	return f.t
}

func (f *Fleet) pressure() string {
	t := f.tick()
	p := 1013.25 + 8*math.Sin(t*0.05) + rand.Float64()*0.3
	temp := 9.5 + 1.5*math.Sin(t*0.02) + rand.Float64()*0.05
	return fmt.Sprintf("Pressure: %.2f mbar\r\nTemperature: %.3f", p, temp)
}

func (f *Fleet) oxygen(serial string) string {
	t := f.tick()
	conc := 280 + 20*math.Sin(t*0.1) + rand.Float64()*0.5
	temp := 12 + math.Sin(t*0.02) + rand.Float64()*0.05
	sat := conc / 2.95
	return fmt.Sprintf("4330F\t%s\t%.3f\t%.3f\t%.3f", serial, conc, sat, temp)
}

func (f *Fleet) conductivity(serial string) string {
	t := f.tick()
	cond := 52 + 2*math.Sin(t*0.08) + rand.Float64()*0.02
	sal := 35 + 0.3*math.Sin(t*0.08) + rand.Float64()*0.01
	temp := 15 + math.Sin(t*0.02) + rand.Float64()*0.05
	return fmt.Sprintf("5819C\t%s\t%.3f\t%.3f\t%.3f", serial, cond, sal, temp)
}
