package propar

import (
	"encoding/binary"
	"math"
)

// wireType is the 3-bit type code packed into bits 7:5 of a parameter index
// byte. Int16, SInt16, and BSInt16 all share wireInt16; the wire format
// carries no extra signedness bit, so a reader must already know which
// ParmType it asked for to interpret the two payload bytes correctly.
// Float encodes as 2 (index byte 0x41 for parm 1) and Int16 as 1 (index byte
// 0x21 for parm 1), confirmed against real request/response byte traces
// rather than any a-priori ordering of the type list.
type wireType uint8

const (
	wireInt8   wireType = 0
	wireInt16  wireType = 1
	wireFloat  wireType = 2
	wireInt32  wireType = 3
	wireString wireType = 4
)

const (
	processChainBit   byte = 0x80
	parameterChainBit byte = 0x80
)

func toWireType(t ParmType) (wireType, error) {
	switch t {
	case Int8:
		return wireInt8, nil
	case Int16, SInt16, BSInt16:
		return wireInt16, nil
	case Int32:
		return wireInt32, nil
	case Float:
		return wireFloat, nil
	case String:
		return wireString, nil
	default:
		return 0, ErrUnknownType
	}
}

// fromWireType resolves a decoded wireType + the type the caller originally
// asked for back into the ParmType used to interpret the payload. Responses
// are always decoded against a known request, so the caller-supplied "want"
// disambiguates the three Int16 flavors; when no hint is available (want ==
// 0 value unset) it decodes as plain Int16/Int32/Float/String/Int8.
func fromWireType(w wireType, want ParmType) (ParmType, error) {
	switch w {
	case wireInt8:
		return Int8, nil
	case wireInt16:
		if want == SInt16 || want == BSInt16 {
			return want, nil
		}
		return Int16, nil
	case wireInt32:
		return Int32, nil
	case wireFloat:
		return Float, nil
	case wireString:
		return String, nil
	default:
		return 0, ErrUnknownType
	}
}

func encodeValue(v Value) ([]byte, error) {
	switch v.Type {
	case Int8:
		return []byte{byte(int8(v.Int))}, nil
	case Int16, BSInt16:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(v.Int))
		if v.Type == BSInt16 {
			buf[0], buf[1] = buf[1], buf[0]
		}
		return buf, nil
	case SInt16:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(v.Int)))
		return buf, nil
	case Int32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v.Int))
		return buf, nil
	case Float:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(v.F32))
		return buf, nil
	case String:
		s := v.Str
		if len(s) > 61 {
			s = s[:61]
		}
		buf := make([]byte, 0, len(s)+2)
		buf = append(buf, byte(len(s)))
		buf = append(buf, []byte(s)...)
		buf = append(buf, 0)
		return buf, nil
	default:
		return nil, ErrUnknownType
	}
}

// decodeValue consumes the value bytes for type t from the front of buf and
// returns the value plus the number of bytes consumed.
func decodeValue(t ParmType, buf []byte) (Value, int, error) {
	switch t {
	case Int8:
		if len(buf) < 1 {
			return Value{}, 0, ErrTruncatedValue
		}
		return Value{Type: t, Int: int64(int8(buf[0]))}, 1, nil
	case Int16:
		if len(buf) < 2 {
			return Value{}, 0, ErrTruncatedValue
		}
		return Value{Type: t, Int: int64(binary.BigEndian.Uint16(buf[:2]))}, 2, nil
	case SInt16:
		if len(buf) < 2 {
			return Value{}, 0, ErrTruncatedValue
		}
		return Value{Type: t, Int: int64(int16(binary.BigEndian.Uint16(buf[:2])))}, 2, nil
	case BSInt16:
		if len(buf) < 2 {
			return Value{}, 0, ErrTruncatedValue
		}
		swapped := []byte{buf[1], buf[0]}
		return Value{Type: t, Int: int64(int16(binary.BigEndian.Uint16(swapped)))}, 2, nil
	case Int32:
		if len(buf) < 4 {
			return Value{}, 0, ErrTruncatedValue
		}
		return Value{Type: t, Int: int64(binary.BigEndian.Uint32(buf[:4]))}, 4, nil
	case Float:
		if len(buf) < 4 {
			return Value{}, 0, ErrTruncatedValue
		}
		bits := binary.BigEndian.Uint32(buf[:4])
		return Value{Type: t, F32: math.Float32frombits(bits)}, 4, nil
	case String:
		if len(buf) < 1 {
			return Value{}, 0, ErrTruncatedValue
		}
		n := int(buf[0])
		// +1 for the null terminator encodeValue always writes after the
		// ascii bytes; omitting it here would leave a stray 0x00 in the
		// buffer and misalign whatever parameter follows in a chain.
		if len(buf) < 1+n+1 {
			return Value{}, 0, ErrTruncatedValue
		}
		return Value{Type: t, Str: string(buf[1 : 1+n])}, 1 + n + 1, nil
	default:
		return Value{}, 0, ErrUnknownType
	}
}

// BuildMessage assembles the message header (seq, node, len) around payload.
func BuildMessage(seq, node byte, payload []byte) []byte {
	msg := make([]byte, 0, 3+len(payload))
	msg = append(msg, seq, node, byte(len(payload)))
	msg = append(msg, payload...)
	return msg
}

// groupByProc partitions descriptors into contiguous runs sharing the same
// ProcNr, preserving input order. It does not reorder: a ProcNr that
// reappears after a different one starts a new run, and instrument.Facade
// passes DDE bundles through in the caller's order.
func groupByProc(descs []ParameterDescriptor) [][]ParameterDescriptor {
	var groups [][]ParameterDescriptor
	for _, d := range descs {
		if len(groups) > 0 && groups[len(groups)-1][0].ProcNr == d.ProcNr {
			groups[len(groups)-1] = append(groups[len(groups)-1], d)
			continue
		}
		groups = append(groups, []ParameterDescriptor{d})
	}
	return groups
}

// encodeParmIndex builds the (type-bits | parm_nr) byte for d, setting the
// parameter-chain bit when more is set.
func encodeParmIndex(d ParameterDescriptor, more bool) (byte, error) {
	wt, err := toWireType(d.Type)
	if err != nil {
		return 0, err
	}
	b := byte(wt)<<5 | (d.ParmNr & 0x1F)
	if more {
		b |= parameterChainBit
	}
	return b, nil
}

// EncodeReadRequest builds the payload of a RequestParm message for one or
// more parameters. Descriptors are split into contiguous runs sharing a
// ProcNr (groupByProc), without reordering; within a run, only the first
// descriptor's ProcNr byte is emitted.
func EncodeReadRequest(descs []ParameterDescriptor) ([]byte, error) {
	groups := groupByProc(descs)
	var payload []byte
	for gi, group := range groups {
		moreGroups := gi < len(groups)-1
		for pi, d := range group {
			moreInGroup := pi < len(group)-1
			idxByte, err := encodeParmIndex(d, moreInGroup)
			if err != nil {
				return nil, err
			}
			if pi == 0 {
				proc := d.ProcNr & 0x7F
				if moreGroups {
					proc |= processChainBit
				}
				payload = append(payload, proc)
			}
			payload = append(payload, idxByte)
		}
	}
	return append([]byte{byte(CmdRequestParm)}, payload...), nil
}

// EncodeWriteRequest builds the payload of a SendParm/SendParmWithAck/
// SendParmBroadcast message for one or more parameter values.
func EncodeWriteRequest(cmd Command, items []ParameterValue) ([]byte, error) {
	descs := make([]ParameterDescriptor, len(items))
	for i, it := range items {
		descs[i] = it.Descriptor
	}
	groups := groupByProc(descs)
	// Re-split items the same way groupByProc split descriptors, so value
	// bytes line up with their parameter index byte.
	itemGroups := make([][]ParameterValue, 0, len(groups))
	offset := 0
	for _, g := range groups {
		itemGroups = append(itemGroups, items[offset:offset+len(g)])
		offset += len(g)
	}

	payload := []byte{byte(cmd)}
	for gi, group := range itemGroups {
		moreGroups := gi < len(itemGroups)-1
		for pi, it := range group {
			moreInGroup := pi < len(group)-1
			idxByte, err := encodeParmIndex(it.Descriptor, moreInGroup)
			if err != nil {
				return nil, err
			}
			if pi == 0 {
				proc := it.Descriptor.ProcNr & 0x7F
				if moreGroups {
					proc |= processChainBit
				}
				payload = append(payload, proc)
			}
			payload = append(payload, idxByte)
			valBytes, err := encodeValue(it.Value)
			if err != nil {
				return nil, err
			}
			payload = append(payload, valBytes...)
		}
	}
	return payload, nil
}

// Response is the decoded body of a reply message.
type Response struct {
	Seq     byte
	Node    byte
	Command Command
	Status  Status
	Params  []Value
}

// DecodeMessage splits a frame's message body (already stripped of DLE
// framing) into seq/node/len and dispatches on the command byte. want
// provides the ParmType hint for each expected parameter, positionally,
// used to disambiguate the Int16 wire variants; pass nil for a plain
// Status response.
func DecodeMessage(body []byte, want []ParmType) (Response, error) {
	if len(body) < 4 {
		return Response{}, ErrMalformedMessage
	}
	seq, node, length := body[0], body[1], body[2]
	rest := body[3:]
	if int(length) != len(rest) {
		return Response{}, ErrMalformedMessage
	}
	if len(rest) < 1 {
		return Response{}, ErrMalformedMessage
	}
	cmd := Command(rest[0])
	payload := rest[1:]

	resp := Response{Seq: seq, Node: node, Command: cmd}
	switch cmd {
	case CmdStatus:
		if len(payload) < 2 {
			return Response{}, ErrMalformedMessage
		}
		resp.Status = Status{Code: StatusCode(payload[0]), Position: payload[1]}
		return resp, nil
	case CmdSendParm, CmdSendParmWithAck:
		params, err := decodeParameterRun(payload, want)
		if err != nil {
			return Response{}, err
		}
		resp.Params = params
		return resp, nil
	default:
		return Response{}, ErrUnknownCommand
	}
}

// decodeParameterRun walks a chained parameter-value run: proc byte, then
// (index byte, value bytes) pairs, following the chain bits.
func decodeParameterRun(buf []byte, want []ParmType) ([]Value, error) {
	var values []Value
	wi := 0
	nextWant := func() ParmType {
		if wi < len(want) {
			t := want[wi]
			wi++
			return t
		}
		wi++
		return 0
	}
	for len(buf) > 0 {
		if len(buf) < 1 {
			return nil, ErrTruncatedValue
		}
		moreGroup := buf[0]&processChainBit != 0
		_ = moreGroup // proc chaining does not change value decoding, only framing on the request side
		buf = buf[1:]
		for {
			if len(buf) < 1 {
				return nil, ErrTruncatedValue
			}
			idxByte := buf[0]
			buf = buf[1:]
			wt := wireType(idxByte >> 5)
			// wireString's type code alone sets bit 7 (4 == 0b100 at bits
			// 7:5), which collides with the chain bit; a String parameter
			// is never chained with a following parameter in the same
			// group, so bit 7 there is always part of the type code, never
			// a chain flag.
			chained := idxByte&parameterChainBit != 0 && wt != wireString
			t, err := fromWireType(wt, nextWant())
			if err != nil {
				return nil, err
			}
			val, n, err := decodeValue(t, buf)
			if err != nil {
				return nil, err
			}
			buf = buf[n:]
			values = append(values, val)
			if !chained {
				break
			}
		}
		if !moreGroup {
			break
		}
	}
	return values, nil
}
