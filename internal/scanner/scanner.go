// Package scanner implements the bus discovery API:
// sweep every PROPAR address on a port, probing DDE 90 (device type) for a
// response, then read a fixed parameter bundle for each responder,
// substituting documented defaults for whatever the instrument doesn't
// answer.
package scanner

import (
	"context"
	"fmt"

	"github.com/bronkhorst-go/proparcore/internal/instrument"
	"github.com/bronkhorst-go/proparcore/internal/paramdb"
	"github.com/bronkhorst-go/proparcore/internal/port"
	"github.com/bronkhorst-go/proparcore/internal/propar"
)

// Result is one responding instrument found by a sweep.
type Result struct {
	Address  byte
	Usertag  string
	Fluid    string
	Capacity float32
	Unit     string
	FluidIdx int64
	FSetpoint float32
	Model    string
	IdentNr  int64
}

// Sweep probes addresses 1..127 on p, reading DDE 90 as the liveness probe,
// and for each responder reads paramdb.ScannerBundle, substituting
// documented defaults for any parameter that fails to read.
func Sweep(ctx context.Context, p *port.Port, db *paramdb.DB) ([]Result, error) {
	var results []Result
	for addr := byte(1); addr <= 127; addr++ {
		f, err := instrument.New(p, addr, 1, db)
		if err != nil {
			continue
		}
		if _, err := f.ReadDDE(ctx, paramdb.DDEDeviceType); err != nil {
			continue
		}
		results = append(results, probe(ctx, f, addr))
	}
	return results, nil
}

// probe reads the scanner bundle for one responding address, substituting
// documented defaults for any parameter that fails.
func probe(ctx context.Context, f *instrument.Facade, addr byte) Result {
	values, _ := f.ReadDDEBundle(ctx, paramdb.ScannerBundle)
	return applyDefaults(addr, values)
}

// applyDefaults fills a Result for addr from whatever values came back,
// substituting a documented default for any bundle entry that is missing
// (a partial or empty values map, e.g. because the instrument answered
// the liveness probe but timed out on the bundle read).
func applyDefaults(addr byte, values map[int]propar.Value) Result {
	r := Result{
		Address:   addr,
		Model:     fmt.Sprintf("Unknown_Model_Addr%d", addr),
		Capacity:  100.0,
		Unit:      "ml/min",
		Usertag:   fmt.Sprintf("Instrument_%d", addr),
		Fluid:     "Unknown",
		FSetpoint: 0.0,
	}

	if v, ok := values[paramdb.DDEUsertag]; ok {
		r.Usertag = v.Str
	}
	if v, ok := values[paramdb.DDEFluidName]; ok {
		r.Fluid = v.Str
	}
	if v, ok := values[paramdb.DDECapacity]; ok {
		r.Capacity = v.F32
	}
	if v, ok := values[paramdb.DDEUnit]; ok {
		r.Unit = v.Str
	}
	if v, ok := values[paramdb.DDEFluidIndex]; ok {
		r.FluidIdx = v.Int
	}
	if v, ok := values[paramdb.DDEFSetpoint]; ok {
		r.FSetpoint = v.F32
	}
	if v, ok := values[paramdb.DDEModel]; ok {
		r.Model = v.Str
	}
	if v, ok := values[paramdb.DDEIdentNr]; ok {
		r.IdentNr = v.Int
	}
	return r
}
