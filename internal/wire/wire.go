// Package wire implements the control-channel message codec.
//
// Every control message is a single line of text with pipe-delimited fields:
// a kind, optionally followed by one argument. The TCP transport frames
// messages with a trailing newline; the WebSocket transport carries one
// message per text frame. Messages are decoded once at the transport boundary
// into a tagged Message value and validated per kind, so downstream dispatch
// never string-matches on prefixes.
package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a control message type.
type Kind string

const (
	// Client -> server.
	KindRegister Kind = "REGISTER"
	KindCall     Kind = "CALL"
	KindAccept   Kind = "ACCEPT"
	KindReject   Kind = "REJECT"
	KindQuit     Kind = "QUIT"

	// Both directions. A client sends END to hang up; the server pushes END
	// to the abandoned party.
	KindEnd Kind = "END"

	// Server -> client.
	KindSuccess  Kind = "SUCCESS"
	KindIncoming Kind = "INCOMING"
	KindAccepted Kind = "ACCEPTED"
	KindRejected Kind = "REJECTED"
	KindUsers    Kind = "USERS"
	KindError    Kind = "ERROR"
)

var ErrMalformed = errors.New("malformed control message")

// MaxNameBytes bounds the length of a registered display name.
const MaxNameBytes = 64

// Message is one decoded control message.
type Message struct {
	Kind Kind

	// Arg is the single argument of the message: the peer name for call
	// signaling kinds, the comma-joined name list for USERS, and the
	// human-readable reason for ERROR/SUCCESS. Empty for QUIT and for a
	// client-sent END that lets the server resolve the partner.
	Arg string
}

// Parse decodes and validates one control message.
func Parse(line []byte) (Message, error) {
	text := strings.TrimRight(string(line), "\r\n")
	if text == "" {
		return Message{}, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	kind, arg, hasArg := strings.Cut(text, "|")
	msg := Message{Kind: Kind(kind), Arg: arg}

	switch msg.Kind {
	case KindRegister, KindCall, KindAccept, KindReject, KindIncoming, KindAccepted, KindRejected:
		if !hasArg || !ValidName(arg) {
			return Message{}, fmt.Errorf("%w: %s requires a valid name argument", ErrMalformed, kind)
		}
	case KindEnd:
		if hasArg && arg != "" && !ValidName(arg) {
			return Message{}, fmt.Errorf("%w: END argument is not a valid name", ErrMalformed)
		}
	case KindQuit:
		if hasArg && arg != "" {
			return Message{}, fmt.Errorf("%w: QUIT takes no argument", ErrMalformed)
		}
	case KindSuccess, KindError:
		if !hasArg || arg == "" {
			return Message{}, fmt.Errorf("%w: %s requires a reason", ErrMalformed, kind)
		}
	case KindUsers:
		// An empty list is valid: "USERS|" after the last client leaves.
		if !hasArg {
			return Message{}, fmt.Errorf("%w: USERS requires a list argument", ErrMalformed)
		}
	default:
		return Message{}, fmt.Errorf("%w: unsupported kind %q", ErrMalformed, kind)
	}

	return msg, nil
}

// Encode renders the message in wire form, without any framing newline.
func (m Message) Encode() string {
	if m.Arg == "" && (m.Kind == KindQuit || m.Kind == KindEnd) {
		return string(m.Kind)
	}
	return string(m.Kind) + "|" + m.Arg
}

// ValidName reports whether name is acceptable as a display identifier:
// non-empty, at most MaxNameBytes bytes, and free of field/list delimiters
// and control characters.
func ValidName(name string) bool {
	if name == "" || len(name) > MaxNameBytes {
		return false
	}
	for _, r := range name {
		if r == '|' || r == ',' || r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// Users builds the USERS broadcast carrying the full current name list.
func Users(names []string) Message {
	return Message{Kind: KindUsers, Arg: strings.Join(names, ",")}
}

// Error builds an ERROR response with a human-readable reason.
func Error(reason string) Message {
	return Message{Kind: KindError, Arg: reason}
}
