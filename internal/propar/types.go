// Package propar implements the Bronkhorst PROPAR binary wire protocol:
// frame encoding/decoding with DLE byte-stuffing and message encoding/
// decoding with parameter chaining and type (de)serialization. It has no
// knowledge of serial ports, schedulers, or retry policy; those live in
// internal/port and internal/poller.
package propar

import "fmt"

// Frame delimiters.
const (
	DLE byte = 0x10
	STX byte = 0x02
	ETX byte = 0x03
)

// Command is the PROPAR command byte.
type Command uint8

const (
	CmdStatus           Command = 0x00
	CmdSendParmWithAck  Command = 0x01
	CmdSendParm         Command = 0x02
	CmdSendParmBroadcast Command = 0x03
	CmdRequestParm      Command = 0x04
)

func (c Command) String() string {
	switch c {
	case CmdStatus:
		return "Status"
	case CmdSendParmWithAck:
		return "SendParmWithAck"
	case CmdSendParm:
		return "SendParm"
	case CmdSendParmBroadcast:
		return "SendParmBroadcast"
	case CmdRequestParm:
		return "RequestParm"
	default:
		return fmt.Sprintf("Command(0x%02x)", uint8(c))
	}
}

// StatusCode is the PROPAR status byte returned in a Status response.
type StatusCode uint8

const (
	StatusOK                StatusCode = 0
	StatusProcessClaimed    StatusCode = 1
	StatusCommand           StatusCode = 2
	StatusProcNumber        StatusCode = 3
	StatusParmNumber        StatusCode = 4
	StatusParmType          StatusCode = 5
	StatusParmValue         StatusCode = 6
	StatusNetworkNotActive  StatusCode = 7
	StatusTimeoutStartChar  StatusCode = 8
	StatusTimeoutSerialLine StatusCode = 9
	StatusTimeoutAnswer     StatusCode = 25
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusProcessClaimed:
		return "ProcessClaimed"
	case StatusCommand:
		return "Command"
	case StatusProcNumber:
		return "ProcNumber"
	case StatusParmNumber:
		return "ParmNumber"
	case StatusParmType:
		return "ParmType"
	case StatusParmValue:
		return "ParmValue"
	case StatusNetworkNotActive:
		return "NetworkNotActive"
	case StatusTimeoutStartChar:
		return "TimeoutStartChar"
	case StatusTimeoutSerialLine:
		return "TimeoutSerialLine"
	case StatusTimeoutAnswer:
		return "TimeoutAnswer"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// ParmType identifies the Go-level shape of a parameter value. Int16,
// SInt16, and BSInt16 all share the same wire type code (see wireType in
// message.go); the distinction only matters for how the 2 payload bytes are
// interpreted, which is a decision this package makes from the caller-
// supplied ParmType rather than from anything on the wire.
type ParmType uint8

const (
	Int8 ParmType = iota
	Int16
	SInt16
	BSInt16
	Int32
	Float
	String
)

func (t ParmType) String() string {
	switch t {
	case Int8:
		return "Int8"
	case Int16:
		return "Int16"
	case SInt16:
		return "SInt16"
	case BSInt16:
		return "BSInt16"
	case Int32:
		return "Int32"
	case Float:
		return "Float"
	case String:
		return "String"
	default:
		return fmt.Sprintf("ParmType(%d)", uint8(t))
	}
}

// ParameterDescriptor identifies one PROPAR parameter: which process and
// parameter number it lives at, its wire type, and (for multi-parameter
// requests) which node it belongs to. Node is 0 for single-parameter
// requests, which carry the node in the message header instead; callers
// building multi-parameter requests must set it (see instrument.Facade,
// which stamps it in automatically).
type ParameterDescriptor struct {
	Node   byte
	ProcNr uint8 // 0..127
	ParmNr uint8 // 0..31
	Type   ParmType
}

// Value holds a decoded or to-be-encoded PROPAR parameter value. Exactly one
// of the typed fields is meaningful, selected by Type.
type Value struct {
	Type ParmType
	Int  int64
	F32  float32
	Str  string
}

// ParameterValue pairs a descriptor with the value to write at it.
type ParameterValue struct {
	Descriptor ParameterDescriptor
	Value      Value
}

// Status is the decoded body of a CmdStatus response.
type Status struct {
	Code     StatusCode
	Position uint8
}

// Ok reports whether the status indicates success.
func (s Status) Ok() bool { return s.Code == StatusOK }
