// Package instrument implements the address-scoped read/write facade on
// top of a port.Port. It is stateless beyond the handle: every operation
// delegates its concurrency and retry behavior entirely to the underlying
// Port.
package instrument

import (
	"context"

	"github.com/bronkhorst-go/proparcore/internal/paramdb"
	"github.com/bronkhorst-go/proparcore/internal/port"
	"github.com/bronkhorst-go/proparcore/internal/propar"
)

// Facade is an address-scoped view onto one instrument on one port.
type Facade struct {
	Port    *port.Port
	Address byte
	Channel int
	DB      *paramdb.DB
}

// New validates address and returns a Facade. Channel defaults to 1 when 0
// is passed.
func New(p *port.Port, address byte, channel int, db *paramdb.DB) (*Facade, error) {
	if address < 1 || address > 247 {
		return nil, &propar.InvalidAddressError{Addr: int(address)}
	}
	if channel == 0 {
		channel = 1
	}
	return &Facade{Port: p, Address: address, Channel: channel, DB: db}, nil
}

// Read performs a single-parameter read.
func (f *Facade) Read(ctx context.Context, d propar.ParameterDescriptor) (propar.Value, error) {
	payload, err := propar.EncodeReadRequest([]propar.ParameterDescriptor{d})
	if err != nil {
		return propar.Value{}, err
	}
	resp, err := f.Port.Submit(ctx, f.Address, payload, []propar.ParmType{d.Type})
	if err != nil {
		return propar.Value{}, err
	}
	if len(resp.Params) != 1 {
		return propar.Value{}, propar.ErrMalformedMessage
	}
	return resp.Params[0], nil
}

// Write performs a single-parameter write with acknowledgement.
func (f *Facade) Write(ctx context.Context, d propar.ParameterDescriptor, v propar.Value) error {
	v.Type = d.Type
	payload, err := propar.EncodeWriteRequest(propar.CmdSendParmWithAck, []propar.ParameterValue{{Descriptor: d, Value: v}})
	if err != nil {
		return err
	}
	resp, err := f.Port.Submit(ctx, f.Address, payload, nil)
	if err != nil {
		return err
	}
	if !resp.Status.Ok() {
		return &propar.StatusError{Code: resp.Status.Code}
	}
	return nil
}

// ReadParameters performs a multi-parameter read. Multi-parameter requests
// need a Node on every descriptor; this copies the caller's slice and
// stamps in f.Address without mutating the original.
func (f *Facade) ReadParameters(ctx context.Context, descs []propar.ParameterDescriptor) ([]propar.Value, error) {
	stamped := make([]propar.ParameterDescriptor, len(descs))
	want := make([]propar.ParmType, len(descs))
	for i, d := range descs {
		d.Node = f.Address
		stamped[i] = d
		want[i] = d.Type
	}
	payload, err := propar.EncodeReadRequest(stamped)
	if err != nil {
		return nil, err
	}
	resp, err := f.Port.Submit(ctx, f.Address, payload, want)
	if err != nil {
		return nil, err
	}
	return resp.Params, nil
}

// WriteParameters performs a batched multi-parameter write, stamping
// f.Address onto copies of each descriptor the same way ReadParameters does.
func (f *Facade) WriteParameters(ctx context.Context, items []propar.ParameterValue) error {
	stamped := make([]propar.ParameterValue, len(items))
	for i, it := range items {
		it.Descriptor.Node = f.Address
		it.Value.Type = it.Descriptor.Type
		stamped[i] = it
	}
	payload, err := propar.EncodeWriteRequest(propar.CmdSendParmWithAck, stamped)
	if err != nil {
		return err
	}
	resp, err := f.Port.Submit(ctx, f.Address, payload, nil)
	if err != nil {
		return err
	}
	if !resp.Status.Ok() {
		return &propar.StatusError{Code: resp.Status.Code}
	}
	return nil
}

// ReadDDE resolves dde through the parameter database and reads it.
func (f *Facade) ReadDDE(ctx context.Context, dde int) (propar.Value, error) {
	d, err := f.DB.Descriptor(dde)
	if err != nil {
		return propar.Value{}, err
	}
	return f.Read(ctx, d)
}

// WriteDDE resolves dde through the parameter database and writes v to it.
func (f *Facade) WriteDDE(ctx context.Context, dde int, v propar.Value) error {
	d, err := f.DB.Descriptor(dde)
	if err != nil {
		return err
	}
	return f.Write(ctx, d, v)
}

// ReadDDEBundle reads several DDEs as one multi-parameter request, grouping
// by proc number via propar.EncodeReadRequest. Used by the poller's
// periodic bundle and the scanner's probe bundle.
func (f *Facade) ReadDDEBundle(ctx context.Context, ddes []int) (map[int]propar.Value, error) {
	descs := make([]propar.ParameterDescriptor, 0, len(ddes))
	order := make([]int, 0, len(ddes))
	for _, dde := range ddes {
		d, err := f.DB.Descriptor(dde)
		if err != nil {
			continue
		}
		descs = append(descs, d)
		order = append(order, dde)
	}
	values, err := f.ReadParameters(ctx, descs)
	if err != nil {
		return nil, err
	}
	out := make(map[int]propar.Value, len(values))
	for i, v := range values {
		if i >= len(order) {
			break
		}
		out[order[i]] = v
	}
	return out, nil
}
