// Package paramdb holds the static DDE-number parameter database: the
// table mapping a human-visible integer ("DDE") to the (proc_nr, parm_nr,
// type) triple the wire protocol actually needs. The layout is fixed at
// compile time rather than loaded from a config file, because the DDE table
// is part of the PROPAR protocol definition, not per-deployment
// configuration.
package paramdb

import "github.com/bronkhorst-go/proparcore/internal/propar"

// Entry is one row of the parameter database.
type Entry struct {
	DDE    int
	Name   string
	ProcNr uint8
	ParmNr uint8
	Type   propar.ParmType
}

// DB is a read-only lookup table from DDE number to Entry. The zero value is
// usable; callers typically use the package-level Default().
type DB struct {
	byDDE map[int]Entry
}

// New builds a DB from entries. Duplicate DDE numbers overwrite earlier ones.
func New(entries []Entry) *DB {
	db := &DB{byDDE: make(map[int]Entry, len(entries))}
	for _, e := range entries {
		db.byDDE[e.DDE] = e
	}
	return db
}

// Lookup resolves dde to its (proc, parm, type) entry.
func (db *DB) Lookup(dde int) (Entry, bool) {
	e, ok := db.byDDE[dde]
	return e, ok
}

// Descriptor resolves dde directly to a propar.ParameterDescriptor, failing
// with propar.UnknownParameterError if absent.
func (db *DB) Descriptor(dde int) (propar.ParameterDescriptor, error) {
	e, ok := db.byDDE[dde]
	if !ok {
		return propar.ParameterDescriptor{}, &propar.UnknownParameterError{DDE: dde}
	}
	return propar.ParameterDescriptor{ProcNr: e.ProcNr, ParmNr: e.ParmNr, Type: e.Type}, nil
}

// Well-known DDE numbers used by the poller's periodic bundle
// and the bus scanner. Proc/parm assignments follow Bronkhorst's
// published PROPAR parameter map for these commonly-polled values.
const (
	DDEMeasure       = 8
	DDESetpoint      = 9
	DDEFluidIndex    = 24
	DDEFluidName     = 25
	DDECapacity      = 21
	DDEUnit          = 129
	DDEUsertag       = 115
	DDEModel         = 91
	DDEIdentNr       = 175
	DDEDeviceType    = 90
	DDEFMeasure      = 205
	DDEFSetpoint     = 206
)

// Default returns the parameter database populated with every DDE the
// poller's periodic bundle and the bus scanner's probe bundle need.
func Default() *DB {
	return New([]Entry{
		{DDE: DDEMeasure, Name: "measure", ProcNr: 1, ParmNr: 0, Type: propar.Int16},
		{DDE: DDESetpoint, Name: "setpoint", ProcNr: 1, ParmNr: 1, Type: propar.Int16},
		{DDE: DDEFluidIndex, Name: "fluid_idx", ProcNr: 1, ParmNr: 4, Type: propar.Int8},
		{DDE: DDEFluidName, Name: "fluid_name", ProcNr: 1, ParmNr: 5, Type: propar.String},
		{DDE: DDECapacity, Name: "capacity", ProcNr: 1, ParmNr: 21, Type: propar.Float},
		{DDE: DDEUnit, Name: "unit", ProcNr: 1, ParmNr: 9, Type: propar.String},
		{DDE: DDEUsertag, Name: "usertag", ProcNr: 1, ParmNr: 27, Type: propar.String},
		{DDE: DDEModel, Name: "model", ProcNr: 1, ParmNr: 11, Type: propar.String},
		{DDE: DDEIdentNr, Name: "ident_nr", ProcNr: 1, ParmNr: 3, Type: propar.Int32},
		{DDE: DDEDeviceType, Name: "device_type", ProcNr: 1, ParmNr: 10, Type: propar.Int8},
		{DDE: DDEFMeasure, Name: "fMeasure", ProcNr: 33, ParmNr: 1, Type: propar.Float},
		{DDE: DDEFSetpoint, Name: "fSetpoint", ProcNr: 33, ParmNr: 3, Type: propar.Float},
	})
}

// PollBundle is the fixed set of DDEs the poller reads on every periodic
// tick for a node.
var PollBundle = []int{DDEFMeasure, DDEFluidName, DDEMeasure, DDESetpoint, DDEFSetpoint, DDECapacity, DDEDeviceType, DDEIdentNr}

// ScannerBundle is the fixed set of DDEs the bus scanner reads for each
// responding address.
var ScannerBundle = []int{DDEUsertag, DDEFluidName, DDECapacity, DDEUnit, DDEFluidIndex, DDEFSetpoint, DDEModel, DDEIdentNr}
