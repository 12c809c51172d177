package vmorch

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxResultSize bounds the guest->host result frame so a corrupted or
// adversarial length header can't force an unbounded allocation.
const MaxResultSize = 64 << 20

// PayloadTerminator marks the end of the host->guest payload stream; the
// guest accumulates bytes until it sees this literal sequence.
const PayloadTerminator = "__END__"

// ErrProtocol is the sentinel wrapped by every framing failure, classified
// further by the message text per spec.md §4.2 ("length header truncated",
// "payload truncated").
var ErrProtocol = errors.New("protocol error")

// WritePayload writes the host->guest payload: raw bytes followed by the
// fixed terminator. The orchestrator never parses payload; it is an opaque
// byte stream owned by the caller.
func WritePayload(w io.Writer, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if _, err := w.Write([]byte(PayloadTerminator)); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	return nil
}

// ReadResult reads one guest->host frame: a 4-byte big-endian length prefix
// followed by that many bytes of UTF-8 JSON, and unmarshals it into v.
func ReadResult(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("%w: length header truncated: %w", ErrProtocol, err)
	}

	if length > MaxResultSize {
		return fmt.Errorf("%w: declared length %d exceeds maximum %d", ErrProtocol, length, MaxResultSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("%w: payload truncated: %w", ErrProtocol, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		preview := data
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return fmt.Errorf("%w: invalid JSON result (preview %q): %v", ErrJSON, string(preview), err)
	}

	return nil
}

// ErrJSON is the sentinel for result bodies that fail to parse as JSON.
var ErrJSON = errors.New("json decode error")

// WriteResult writes v as a length-prefixed JSON frame: used by the guest
// agent to reply to the host, and by tests that fake a guest.
func WriteResult(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write result body: %w", err)
	}
	return nil
}
