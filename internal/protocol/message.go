// ABOUTME: Broker control messages exchanged in control frames
// ABOUTME: CBOR-encoded hello, outcome, and ping/pong using core deterministic encoding

package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/fxamacker/cbor/v2"

	"github.com/2389/mirror-broker/internal/frame"
	"github.com/2389/mirror-broker/internal/target"
)

// Kind names a control message.
type Kind string

const (
	KindHello   Kind = "hello"
	KindOutcome Kind = "outcome"
	KindPing    Kind = "ping"
	KindPong    Kind = "pong"
)

// Status is the admission result reported to a client.
type Status string

const (
	StatusAdmitted        Status = "admitted"
	StatusDenied          Status = "denied"
	StatusConflict        Status = "conflict"
	StatusProvisionFailed Status = "provision_failed"
	StatusInvalid         Status = "invalid"
)

// ErrNotControl is returned when decoding a data frame as a control message.
var ErrNotControl = errors.New("not a control frame")

// SSHProof is a signature over "timestamp|nonce" made with the client's key.
type SSHProof struct {
	Pubkey    string `cbor:"pubkey"`
	Signature string `cbor:"signature"`
	Timestamp int64  `cbor:"timestamp"`
	Nonce     string `cbor:"nonce"`
}

// Hello is the first message a client sends.
type Hello struct {
	Token      string        `cbor:"token,omitempty"`
	SSH        *SSHProof     `cbor:"ssh,omitempty"`
	Target     target.Target `cbor:"target"`
	Mode       string        `cbor:"mode"`
	ClientName string        `cbor:"client_name,omitempty"`
	Hostname   string        `cbor:"hostname,omitempty"`
	Version    string        `cbor:"version"`
}

// Outcome is the broker's single answer to a Hello.
type Outcome struct {
	Status     Status `cbor:"status"`
	SessionID  string `cbor:"session_id,omitempty"`
	Reason     string `cbor:"reason,omitempty"`
	HolderMode string `cbor:"holder_mode,omitempty"`
	// Mode is the granted mode, which may differ from the requested one when
	// the license only permits mirroring.
	Mode    string `cbor:"mode,omitempty"`
	Version string `cbor:"version,omitempty"`
}

// Message is the envelope for every control frame.
type Message struct {
	Kind    Kind     `cbor:"kind"`
	Hello   *Hello   `cbor:"hello,omitempty"`
	Outcome *Outcome `cbor:"outcome,omitempty"`
	Seq     uint64   `cbor:"seq,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode wraps m in a control frame.
func Encode(correlation uint64, m Message) (frame.Frame, error) {
	payload, err := encMode.Marshal(m)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("encoding %s: %w", m.Kind, err)
	}
	return frame.Frame{Correlation: correlation, Direction: frame.DirControl, Payload: payload}, nil
}

// Decode reads a control message out of f.
func Decode(f frame.Frame) (Message, error) {
	if f.Direction != frame.DirControl {
		return Message{}, fmt.Errorf("%w: direction %s", ErrNotControl, f.Direction)
	}
	var m Message
	if err := decMode.Unmarshal(f.Payload, &m); err != nil {
		return Message{}, fmt.Errorf("decoding control message: %w", err)
	}
	switch m.Kind {
	case KindHello:
		if m.Hello == nil {
			return Message{}, errors.New("hello message without body")
		}
	case KindOutcome:
		if m.Outcome == nil {
			return Message{}, errors.New("outcome message without body")
		}
	case KindPing, KindPong:
	default:
		return Message{}, fmt.Errorf("unknown control message kind %q", m.Kind)
	}
	return m, nil
}

// Write encodes m and writes it with enc.
func Write(enc *frame.Encoder, correlation uint64, m Message) error {
	f, err := Encode(correlation, m)
	if err != nil {
		return err
	}
	return enc.Encode(f)
}

// Read reads the next frame from dec and decodes it as a control message.
func Read(dec *frame.Decoder) (Message, error) {
	f, err := dec.Next()
	if err != nil {
		return Message{}, err
	}
	return Decode(f)
}

const maxNameLen = 64

// SanitizeName keeps printable ASCII, trims whitespace, and caps the length
// of client supplied metadata such as names and hostnames.
func SanitizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if len(s) > maxNameLen {
		s = s[:maxNameLen]
	}
	return s
}
