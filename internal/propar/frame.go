package propar

// EncodeFrame wraps a message body in DLE STX / DLE ETX delimiters, doubling
// any DLE byte found inside the body.
func EncodeFrame(body []byte) []byte {
	out := make([]byte, 0, len(body)+4)
	out = append(out, DLE, STX)
	for _, b := range body {
		out = append(out, b)
		if b == DLE {
			out = append(out, DLE)
		}
	}
	out = append(out, DLE, ETX)
	return out
}

// decoderState is the framing decoder's state machine position.
type decoderState int

const (
	stateIdle decoderState = iota
	stateAfterDLE1
	stateInBody
	stateInBodyAfterDLE
)

// FrameDecoder is a streaming DLE-stuffed frame decoder. It is not safe for
// concurrent use; each port driver owns exactly one, fed only from its
// receive worker goroutine.
type FrameDecoder struct {
	state decoderState
	body  []byte

	// NonPROPAR, if set, receives every byte consumed while the decoder is
	// idle and not looking at frame delimiters. Used for diagnostics only;
	// it must never block the receive loop.
	NonPROPAR func(b byte)

	// MalformedFrames counts frames dropped for an unexpected byte after a
	// DLE, either at frame start or inside a body.
	MalformedFrames uint64
}

// NewFrameDecoder returns a decoder ready to consume bytes from Idle.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{body: make([]byte, 0, 64)}
}

// Feed processes data byte by byte, invoking onFrame once per complete,
// correctly escaped frame body found. It never blocks and never returns an
// error: malformed framing is resynchronized internally.
func (d *FrameDecoder) Feed(data []byte, onFrame func(body []byte)) {
	for _, b := range data {
		switch d.state {
		case stateIdle:
			if b == DLE {
				d.state = stateAfterDLE1
			} else if d.NonPROPAR != nil {
				d.NonPROPAR(b)
			}
		case stateAfterDLE1:
			switch b {
			case STX:
				d.body = d.body[:0]
				d.state = stateInBody
			case DLE:
				// Still looking for STX; a doubled DLE here is not valid
				// frame-start syntax, but treat it as a fresh DLE so a
				// genuine "DLE STX" immediately after still resynchronizes.
				d.state = stateAfterDLE1
			default:
				d.MalformedFrames++
				d.state = stateIdle
			}
		case stateInBody:
			if b == DLE {
				d.state = stateInBodyAfterDLE
			} else {
				d.body = append(d.body, b)
			}
		case stateInBodyAfterDLE:
			switch b {
			case DLE:
				d.body = append(d.body, DLE)
				d.state = stateInBody
			case ETX:
				frame := make([]byte, len(d.body))
				copy(frame, d.body)
				onFrame(frame)
				d.state = stateIdle
			default:
				d.MalformedFrames++
				// Resynchronize: neither a doubled DLE nor ETX followed this
				// DLE, so the frame is malformed. Drop back to Idle; Idle
				// itself resumes scanning for the next DLE start.
				d.state = stateIdle
			}
		}
	}
}
