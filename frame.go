package qconn

import (
	"encoding/binary"
	"fmt"
	"io"

	oj "github.com/ohler55/ojg/oj"
)

// QueryType is the small integer tag that opens every outgoing payload
// triple [query_type, query_body, global_opts].
type QueryType int

const (
	QueryStart       QueryType = 1
	QueryContinue    QueryType = 2
	QueryStop        QueryType = 3
	QueryNoreplyWait QueryType = 4
)

func (t QueryType) String() string {
	switch t {
	case QueryStart:
		return "START"
	case QueryContinue:
		return "CONTINUE"
	case QueryStop:
		return "STOP"
	case QueryNoreplyWait:
		return "NOREPLY_WAIT"
	default:
		return fmt.Sprintf("QueryType(%d)", int(t))
	}
}

// ResponseType is the "t" field of a decoded response object.
type ResponseType int

const (
	SuccessAtom     ResponseType = 1
	SuccessSequence ResponseType = 2
	SuccessPartial  ResponseType = 3
	WaitComplete    ResponseType = 4
	ClientErrorType ResponseType = 16
	CompileError    ResponseType = 17
	RuntimeError    ResponseType = 18
)

func (t ResponseType) String() string {
	switch t {
	case SuccessAtom:
		return "SUCCESS_ATOM"
	case SuccessSequence:
		return "SUCCESS_SEQUENCE"
	case SuccessPartial:
		return "SUCCESS_PARTIAL"
	case WaitComplete:
		return "WAIT_COMPLETE"
	case ClientErrorType:
		return "CLIENT_ERROR"
	case CompileError:
		return "COMPILE_ERROR"
	case RuntimeError:
		return "RUNTIME_ERROR"
	default:
		return fmt.Sprintf("ResponseType(%d)", int(t))
	}
}

func (t ResponseType) isError() bool {
	switch t {
	case ClientErrorType, CompileError, RuntimeError:
		return true
	}
	return false
}

// Note is one of the response notes consumed by handler dispatch.
type Note string

const (
	NoteSequenceFeed     Note = "SEQUENCE_FEED"
	NoteAtomFeed         Note = "ATOM_FEED"
	NoteOrderByLimitFeed Note = "ORDER_BY_LIMIT_FEED"
	NoteUnionedFeed      Note = "UNIONED_FEED"
)

func isFeedNote(notes []Note) bool {
	for _, n := range notes {
		switch n {
		case NoteSequenceFeed, NoteAtomFeed, NoteOrderByLimitFeed, NoteUnionedFeed:
			return true
		}
	}
	return false
}

// response is the decoded body of a response frame: {t, r, n, p, b}.
type response struct {
	Type      ResponseType  `json:"t"`
	Rows      []interface{} `json:"r"`
	Notes     []Note        `json:"n,omitempty"`
	Profile   interface{}   `json:"p,omitempty"`
	Backtrace []interface{} `json:"b,omitempty"`
}

// rawFrame is a frame as it travels the wire: token, then length-prefixed
// JSON payload bytes. Decoding the payload into a response (or an
// echoed request triple, on the test stub side) is the caller's job.
type rawFrame struct {
	Token   uint64
	Payload []byte
}

// writeFrame encodes (token, len(payload), payload) onto w, looping over
// partial writes the way the teacher's writeFrame/writeFrameWithGen do
// for their gob frames.
func writeFrame(w io.Writer, token uint64, payload []byte) error {
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint64(hdr[0:8], token)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if err := writeFull(w, hdr); err != nil {
		return err
	}
	return writeFull(w, payload)
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// readFrame reads one (token, len, payload) triple from r, looping reads
// the way the teacher's reader loop drains exactly length bytes.
func readFrame(r io.Reader) (rawFrame, error) {
	hdr := make([]byte, 12)
	if err := readFull(r, hdr); err != nil {
		return rawFrame{}, err
	}
	token := binary.LittleEndian.Uint64(hdr[0:8])
	length := binary.LittleEndian.Uint32(hdr[8:12])
	payload := make([]byte, length)
	if err := readFull(r, payload); err != nil {
		return rawFrame{}, err
	}
	return rawFrame{Token: token, Payload: payload}, nil
}

func readFull(r io.Reader, b []byte) error {
	for len(b) > 0 {
		n, err := r.Read(b)
		if n > 0 {
			b = b[n:]
		}
		if err != nil {
			if n > 0 && len(b) == 0 {
				return nil
			}
			return err
		}
	}
	return nil
}

// encodePayload serializes the ordered triple [query_type, body, opts]
// using ojg's oj encoder, the JSON library the basenine example pack
// reaches for when it needs to marshal arbitrary query trees.
func encodePayload(qt QueryType, body interface{}, opts interface{}) ([]byte, error) {
	triple := []interface{}{int(qt), body, opts}
	return oj.Marshal(triple)
}

// decodeResponse parses a response payload into its generic field view.
// Per-token format options are applied afterwards by internal/normalize;
// this function only establishes the {t, r, n, p, b} shape.
func decodeResponse(payload []byte) (*response, error) {
	v, err := oj.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("qconn: decode response: %w", err)
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("qconn: decode response: expected object, got %T", v)
	}
	resp := &response{}
	if tv, ok := obj["t"]; ok {
		resp.Type = ResponseType(toInt(tv))
	}
	if rv, ok := obj["r"]; ok {
		if arr, ok := rv.([]interface{}); ok {
			resp.Rows = arr
		} else if rv != nil {
			resp.Rows = []interface{}{rv}
		}
	}
	if nv, ok := obj["n"]; ok {
		if arr, ok := nv.([]interface{}); ok {
			for _, n := range arr {
				if s, ok := n.(string); ok {
					resp.Notes = append(resp.Notes, Note(s))
				}
			}
		}
	}
	resp.Profile = obj["p"]
	if bv, ok := obj["b"]; ok {
		if arr, ok := bv.([]interface{}); ok {
			resp.Backtrace = arr
		}
	}
	return resp, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
