// Package protocol frames render requests and replies on a worker stream.
//
// A request is one JSON object followed by a single newline. A reply is one
// JSON object with no length prefix and no guaranteed terminator, so the
// decoder accumulates bytes until a complete top-level object parses.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	contracts "renderd/internal/contracts/renderer/v0"
)

const (
	// DefaultChunkSize is the read size used while waiting for a reply.
	DefaultChunkSize = 4096
	// PreviewSize bounds the raw bytes kept on a ProtocolError.
	PreviewSize = 256

	maxEmptyReads = 100
)

var (
	ErrIncomplete = errors.New("incomplete response")
	ErrMalformed  = errors.New("malformed response")
)

// ProtocolError reports a reply that could not be framed. Raw holds at most
// PreviewSize bytes of what was received.
type ProtocolError struct {
	Kind error
	Raw  []byte
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func protocolErr(kind error, buf []byte, cause error) *ProtocolError {
	return &ProtocolError{Kind: kind, Raw: preview(buf), Err: cause}
}

func preview(b []byte) []byte {
	if len(b) > PreviewSize {
		b = b[:PreviewSize]
	}
	return bytes.Clone(b)
}

// EncodeRequest serializes req as one line.
func EncodeRequest(req contracts.RenderRequest) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}
	return append(b, '\n'), nil
}

// WriteRequest writes one encoded request to w.
func WriteRequest(w io.Writer, req contracts.RenderRequest) error {
	b, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.chunk = n
		}
	}
}

// WithDiagnostics switches the decoder to lenient mode: whole lines that
// are not a protocol message are handed to sink instead of failing the
// exchange. Used on the pipe transport where the worker's banner and
// progress output share the stream with its replies.
func WithDiagnostics(sink func(line []byte)) Option {
	return func(d *Decoder) {
		d.lenient = true
		d.diag = sink
	}
}

// Decoder reads replies from a worker stream.
type Decoder struct {
	r       io.Reader
	chunk   int
	lenient bool
	diag    func([]byte)
	buf     []byte
}

func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{r: r, chunk: DefaultChunkSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Buffered returns bytes received after the last decoded reply.
func (d *Decoder) Buffered() []byte {
	return d.buf
}

// Decode returns the next reply. Read errors other than EOF are returned
// wrapped, so deadline expiry stays detectable with errors.Is.
func (d *Decoder) Decode() (*contracts.RenderResponse, error) {
	attempt := len(d.buf) > 0
	chunk := make([]byte, d.chunk)
	empty := 0

	for {
		if attempt {
			msg, err := d.extract(false)
			if msg != nil || err != nil {
				return msg, err
			}
		}

		n, rerr := d.r.Read(chunk)
		if n > 0 {
			empty = 0
			fresh := chunk[:n]
			d.buf = append(d.buf, fresh...)
			attempt = bytes.IndexByte(fresh, '}') >= 0 ||
				(d.lenient && bytes.IndexByte(fresh, '\n') >= 0)
		} else if rerr == nil {
			if empty++; empty >= maxEmptyReads {
				rerr = io.ErrNoProgress
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				msg, err := d.extract(true)
				if msg != nil || err != nil {
					return msg, err
				}
				return nil, protocolErr(ErrIncomplete, d.buf, nil)
			}
			return nil, fmt.Errorf("read worker reply: %w", rerr)
		}
	}
}

// extract pulls the first complete reply off d.buf. It returns (nil, nil)
// when more bytes are needed. At EOF (final) a trailing partial line in
// lenient mode is flushed to the diagnostic sink.
func (d *Decoder) extract(final bool) (*contracts.RenderResponse, error) {
	for {
		d.buf = bytes.TrimLeft(d.buf, " \t\r\n")
		if len(d.buf) == 0 {
			return nil, nil
		}

		if d.buf[0] != '{' {
			if !d.lenient {
				return nil, protocolErr(ErrMalformed, d.buf, errors.New("reply does not start with '{'"))
			}
			if !d.skipLine(final) {
				return nil, nil
			}
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(d.buf))
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == nil {
			end := int(dec.InputOffset())
			var resp contracts.RenderResponse
			if uerr := json.Unmarshal(raw, &resp); uerr != nil {
				// a complete value is a reply in both modes, so a bad one is not a diagnostic
				return nil, protocolErr(ErrMalformed, d.buf, uerr)
			}
			d.buf = d.buf[end:]
			return &resp, nil
		}

		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			if final && d.lenient {
				return nil, protocolErr(ErrIncomplete, d.buf, nil)
			}
			return nil, nil
		}

		if !d.lenient {
			return nil, protocolErr(ErrMalformed, d.buf, err)
		}
		if !d.skipLine(final) {
			return nil, nil
		}
	}
}

// skipLine forwards the first line of d.buf to the sink. It reports false
// when no full line is buffered yet.
func (d *Decoder) skipLine(final bool) bool {
	i := bytes.IndexByte(d.buf, '\n')
	if i < 0 {
		if final {
			d.emit(d.buf)
			d.buf = nil
		}
		return false
	}
	d.emit(d.buf[:i])
	d.buf = d.buf[i+1:]
	return true
}

func (d *Decoder) emit(line []byte) {
	line = bytes.TrimRight(line, "\r\n")
	if d.diag != nil && len(line) > 0 {
		d.diag(bytes.Clone(line))
	}
}
