// Package protocol implements the JSON command envelope exchanged with
// face-recognition terminals and the remote attendance authority. It is a
// pure codec: parsing, rendering, and the reason-code vocabulary, with no I/O.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/c360/facebridge/errors"
)

// Command names carried in the "cmd" field of request envelopes.
const (
	CmdAuth       = "auth"
	CmdRegister   = "reg"
	CmdEnrollment = "enrollment"
	CmdUpdate     = "update"
	CmdDelete     = "delete"
	CmdSendLog    = "sendlog"
	CmdSendUser   = "senduser"

	// Commands the remote authority may push to us on the outbound socket.
	CmdSetUserInfo = "setuserinfo"
	CmdDeleteUser  = "deleteuser"

	// RetUnknown tags the failure response for unrecognized command names.
	RetUnknown = "unknown"
)

// Failure reason codes reported in the "reason" field. These strings are part
// of the wire contract with the terminal firmware and must not change.
const (
	ReasonMissingID          = "Missing id"
	ReasonNoFieldsToUpdate   = "No fields to update"
	ReasonUserNotFound       = "user_not_found"
	ReasonDBError            = "db_error"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonNotAuthenticated   = "not_authenticated"
	ReasonInvalidJSON        = "invalid_json"
	ReasonInvalidCommand     = "invalid command"
)

// Kind discriminates the two envelope directions sharing one socket.
type Kind int

const (
	// KindRequest is an envelope carrying a "cmd" tag.
	KindRequest Kind = iota
	// KindResponse is an envelope carrying a "ret" correlation tag.
	KindResponse
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Envelope is one parsed wire message. Name is the command name: the "cmd"
// value for requests, the "ret" correlation tag for responses. Raw retains
// the full message for command-specific decoding.
type Envelope struct {
	Kind Kind
	Name string
	Raw  json.RawMessage
}

// envelopeHeader extracts only the discriminating fields.
type envelopeHeader struct {
	Cmd    string `json:"cmd"`
	Ret    string `json:"ret"`
	Result *bool  `json:"result"`
}

// Parse decodes one wire message into an Envelope. A message with a "cmd"
// field is a request; one with a "ret" field (or a bare "result", which some
// firmware sends on pre-auth failures) is a response. Anything else is
// malformed.
func Parse(data []byte) (*Envelope, error) {
	var hdr envelopeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedMessage, err),
			"protocol", "Parse", "unmarshal envelope")
	}

	switch {
	case hdr.Cmd != "":
		return &Envelope{Kind: KindRequest, Name: hdr.Cmd, Raw: data}, nil
	case hdr.Ret != "" || hdr.Result != nil:
		return &Envelope{Kind: KindResponse, Name: hdr.Ret, Raw: data}, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no cmd or ret tag", errors.ErrMalformedMessage),
			"protocol", "Parse", "classify envelope")
	}
}

// Decode unmarshals the envelope body into a command-specific struct.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedMessage, err),
			"protocol", "Decode", "unmarshal "+e.Name)
	}
	return nil
}

// Response decodes the envelope as a generic response body. Only valid for
// KindResponse envelopes.
func (e *Envelope) Response() (*Response, error) {
	if e.Kind != KindResponse {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: envelope is a %s", errors.ErrMalformedMessage, e.Kind),
			"protocol", "Response", "decode response")
	}
	var resp Response
	if err := e.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Response is the generic reply body: `{"ret": name, "result": bool, ...}`.
// Exactly one Response is written per inbound request envelope. Ret is empty
// (and omitted) only on the pre-authentication failure paths, matching the
// terminal firmware's expectations.
type Response struct {
	Ret    string `json:"ret,omitempty"`
	Result bool   `json:"result"`
	Reason string `json:"reason,omitempty"`
	Count  *int   `json:"count,omitempty"`

	// Echo fields for authority-initiated commands (setuserinfo/deleteuser).
	SN        string          `json:"sn,omitempty"`
	EnrollID  json.RawMessage `json:"enrollid,omitempty"`
	BackupNum json.RawMessage `json:"backupnum,omitempty"`
}

// OK builds a success response correlated to name.
func OK(name string) *Response {
	return &Response{Ret: name, Result: true}
}

// Fail builds a failure response correlated to name with a reason code.
func Fail(name, reason string) *Response {
	return &Response{Ret: name, Result: false, Reason: reason}
}

// WithCount attaches a count field (sendlog acknowledgments).
func (r *Response) WithCount(n int) *Response {
	r.Count = &n
	return r
}

// Marshal renders the response for the wire.
func (r *Response) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "protocol", "Marshal", "marshal response")
	}
	return data, nil
}
