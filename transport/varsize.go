package transport

import (
	"encoding/binary"
	"fmt"
)

// SendVariable implements the two-step variable-size send protocol of
// SPEC_FULL.md §4.2: a size header in one frame followed by the
// payload split across as many following frames as the channel's
// per-frame limit requires. Used only during boot (the bootinfo
// hand-off; module caps go as individual frames), where ch is driven with the blocking
// primitives and no other concurrency exists.
func SendVariable(ch BlockingChannel, payload []byte, maxFrame int) error {
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], uint64(len(payload)))
	if err := ch.SendBlocking(Frame{Payload: header[:]}); err != nil {
		return fmt.Errorf("transport: send size header: %w", err)
	}

	for off := 0; off < len(payload); off += maxFrame {
		end := off + maxFrame
		if end > len(payload) {
			end = len(payload)
		}
		if err := ch.SendBlocking(Frame{Payload: payload[off:end]}); err != nil {
			return fmt.Errorf("transport: send payload chunk at %d: %w", off, err)
		}
	}
	return nil
}

// RecvVariable is the receive-side counterpart of SendVariable.
func RecvVariable(ch BlockingChannel, maxFrame int) ([]byte, error) {
	header, err := ch.RecvBlocking()
	if err != nil {
		return nil, fmt.Errorf("transport: recv size header: %w", err)
	}
	if len(header.Payload) != 8 {
		return nil, fmt.Errorf("transport: malformed size header (%d bytes)", len(header.Payload))
	}
	size := binary.LittleEndian.Uint64(header.Payload)

	out := make([]byte, 0, size)
	for uint64(len(out)) < size {
		f, err := ch.RecvBlocking()
		if err != nil {
			return nil, fmt.Errorf("transport: recv payload chunk: %w", err)
		}
		out = append(out, f.Payload...)
	}
	return out, nil
}
