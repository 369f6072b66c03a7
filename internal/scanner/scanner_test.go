package scanner

import (
	"testing"

	"github.com/bronkhorst-go/proparcore/internal/paramdb"
	"github.com/bronkhorst-go/proparcore/internal/propar"
	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults_EmptyBundleUsesDocumentedDefaults(t *testing.T) {
	r := applyDefaults(12, nil)

	assert.Equal(t, byte(12), r.Address)
	assert.Equal(t, "Unknown_Model_Addr12", r.Model)
	assert.Equal(t, float32(100.0), r.Capacity)
	assert.Equal(t, "ml/min", r.Unit)
	assert.Equal(t, "Instrument_12", r.Usertag)
	assert.Equal(t, "Unknown", r.Fluid)
	assert.Equal(t, float32(0.0), r.FSetpoint)
	assert.Zero(t, r.FluidIdx)
	assert.Zero(t, r.IdentNr)
}

func TestApplyDefaults_PartialBundleOverridesOnlyWhatCameBack(t *testing.T) {
	values := map[int]propar.Value{
		paramdb.DDEUsertag:  {Type: propar.String, Str: "FIC-101"},
		paramdb.DDECapacity: {Type: propar.Float, F32: 250},
	}
	r := applyDefaults(3, values)

	assert.Equal(t, "FIC-101", r.Usertag)
	assert.Equal(t, float32(250), r.Capacity)
	// everything not present in the bundle keeps its default
	assert.Equal(t, "Unknown_Model_Addr3", r.Model)
	assert.Equal(t, "ml/min", r.Unit)
	assert.Equal(t, "Unknown", r.Fluid)
}

func TestApplyDefaults_FullBundleOverridesEverything(t *testing.T) {
	values := map[int]propar.Value{
		paramdb.DDEUsertag:    {Type: propar.String, Str: "FIC-101"},
		paramdb.DDEFluidName:  {Type: propar.String, Str: "Nitrogen"},
		paramdb.DDECapacity:   {Type: propar.Float, F32: 500},
		paramdb.DDEUnit:       {Type: propar.String, Str: "ln/min"},
		paramdb.DDEFluidIndex: {Type: propar.Int8, Int: 2},
		paramdb.DDEFSetpoint:  {Type: propar.Float, F32: 123.4},
		paramdb.DDEModel:      {Type: propar.String, Str: "F-201CV"},
		paramdb.DDEIdentNr:    {Type: propar.Int32, Int: 7},
	}
	r := applyDefaults(9, values)

	assert.Equal(t, "FIC-101", r.Usertag)
	assert.Equal(t, "Nitrogen", r.Fluid)
	assert.Equal(t, float32(500), r.Capacity)
	assert.Equal(t, "ln/min", r.Unit)
	assert.EqualValues(t, 2, r.FluidIdx)
	assert.Equal(t, float32(123.4), r.FSetpoint)
	assert.Equal(t, "F-201CV", r.Model)
	assert.EqualValues(t, 7, r.IdentNr)
}
