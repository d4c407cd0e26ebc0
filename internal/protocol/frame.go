package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/gravitational/trace"
)

// MaxFrameSize is the largest payload a frame may declare, both when
// encoding and when decoding. It bounds peer-induced memory use.
const MaxFrameSize = 16 * 1024 * 1024

// LengthPrefixSize is the width, in bytes, of the big-endian frame
// length header that precedes every JSON payload.
const LengthPrefixSize = 4

// ClientMessage is implemented by every message a client may send.
type ClientMessage interface {
	clientMessageType() string
}

// ServerMessage is implemented by every message a server may send.
type ServerMessage interface {
	serverMessageType() string
}

func (RequestTunnel) clientMessageType() string { return TypeRequestTunnel }
func (HTTPResponse) clientMessageType() string  { return TypeHTTPResponse }
func (TCPData) clientMessageType() string       { return TypeTCPData }
func (TCPClose) clientMessageType() string      { return TypeTCPClose }
func (Ping) clientMessageType() string          { return TypePing }

func (TunnelEstablished) serverMessageType() string { return TypeTunnelEstablished }
func (TunnelDenied) serverMessageType() string      { return TypeTunnelDenied }
func (HTTPRequest) serverMessageType() string       { return TypeHTTPRequest }
func (TCPConnect) serverMessageType() string        { return TypeTCPConnect }
func (TCPData) serverMessageType() string           { return TypeTCPData }
func (TCPClose) serverMessageType() string          { return TypeTCPClose }
func (Pong) serverMessageType() string              { return TypePong }

// marshalTagged renders v as a JSON object with a leading "type" key
// set to typ, followed by v's own fields. v must marshal to a JSON
// object (a struct or map), never an array or scalar.
func marshalTagged(typ string, v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err, "marshal %s payload", typ)
	}
	if len(body) < 2 || body[0] != '{' || body[len(body)-1] != '}' {
		return nil, trace.BadParameter("message %s does not encode as a JSON object", typ)
	}
	tag, err := json.Marshal(typ)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, '{')
	out = append(out, `"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, body[1:]...)
	}
	return out, nil
}

type typeTag struct {
	Type string `json:"type"`
}

// peekType returns the "type" discriminator of a JSON object without
// decoding the rest of it.
func peekType(payload []byte) (string, error) {
	var t typeTag
	if err := json.Unmarshal(payload, &t); err != nil {
		return "", trace.Wrap(err, "decode type tag")
	}
	if t.Type == "" {
		return "", trace.BadParameter("frame missing type discriminator")
	}
	return t.Type, nil
}

// EncodeClientMessage renders a client message as a tagged JSON
// object (without the length prefix).
func EncodeClientMessage(msg ClientMessage) ([]byte, error) {
	return marshalTagged(msg.clientMessageType(), msg)
}

// EncodeServerMessage renders a server message as a tagged JSON
// object (without the length prefix).
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	return marshalTagged(msg.serverMessageType(), msg)
}

// DecodeClientMessage parses a single tagged JSON object into the
// concrete ClientMessage it names.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	typ, err := peekType(payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch typ {
	case TypeRequestTunnel:
		var m RequestTunnel
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	case TypeHTTPResponse:
		var m HTTPResponse
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	case TypeTCPData:
		var m TCPData
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	case TypeTCPClose:
		var m TCPClose
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	case TypePing:
		var m Ping
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	default:
		return nil, trace.BadParameter("unknown client message type %q", typ)
	}
}

// DecodeServerMessage parses a single tagged JSON object into the
// concrete ServerMessage it names.
func DecodeServerMessage(payload []byte) (ServerMessage, error) {
	typ, err := peekType(payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch typ {
	case TypeTunnelEstablished:
		var m TunnelEstablished
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	case TypeTunnelDenied:
		var m TunnelDenied
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	case TypeHTTPRequest:
		var m HTTPRequest
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	case TypeTCPConnect:
		var m TCPConnect
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	case TypeTCPData:
		var m TCPData
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	case TypeTCPClose:
		var m TCPClose
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	case TypePong:
		var m Pong
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, trace.Wrap(err, "decode %s", typ)
		}
		return m, nil
	default:
		return nil, trace.BadParameter("unknown server message type %q", typ)
	}
}

// WriteFrame writes one length-prefixed payload to w. The caller is
// responsible for serializing writes across goroutines (the
// control-plane writer task is the single writer of any one
// connection).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return trace.LimitExceeded("frame of %d bytes exceeds max frame size %d", len(payload), MaxFrameSize)
	}
	var lenBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return trace.Wrap(err, "write frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return trace.Wrap(err, "write frame payload")
	}
	return nil
}

// FrameReader decodes length-prefixed payloads from a stream. It is
// not safe for concurrent use; each connection's read loop owns one
// FrameReader.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time reading.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 32*1024)}
}

// ReadFrame blocks until a full frame is available, returns it, or
// returns an error (including io.EOF on clean peer close, or a
// LimitExceeded trace error if the declared length exceeds
// MaxFrameSize). The returned slice is owned by the caller.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, trace.Wrap(io.EOF)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, trace.LimitExceeded("frame of %d bytes exceeds max frame size %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, trace.Wrap(io.EOF)
		}
		return nil, trace.Wrap(err, "read frame payload")
	}
	return payload, nil
}
