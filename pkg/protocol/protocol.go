// Package protocol encodes and decodes the pipe-delimited text messages
// exchanged between coordination nodes.
//
// Every datagram has the form TAG|senderID[|field], where field depends on
// the tag (see Message).
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageType is the wire tag of a message
type MessageType string

const (
	// Election
	MsgElection    MessageType = "ELECTION"
	MsgOK          MessageType = "OK"
	MsgCoordinator MessageType = "COORDINATOR"
	MsgVerify      MessageType = "VERIFY"
	MsgInform      MessageType = "INFORM"

	// Liveness
	MsgIsAlive MessageType = "ISALIVE"
	MsgAlive   MessageType = "ALIVE"

	// Clock synchronization
	MsgMaster  MessageType = "MASTER"
	MsgSyncInf MessageType = "SYNCINF"
	MsgSyncOut MessageType = "SYNCOUT"
	MsgSync    MessageType = "SYNC"

	// Mutual exclusion
	MsgRequest MessageType = "REQUEST"
	MsgUse     MessageType = "USE"
	MsgFree    MessageType = "FREE"
)

const separator = "|"

var (
	ErrEmpty        = errors.New("empty message")
	ErrUnknownTag   = errors.New("unknown message tag")
	ErrMalformed    = errors.New("malformed message")
	ErrInvalidNode  = errors.New("invalid sender node id")
	ErrMissingField = errors.New("missing message field")
)

// fieldKind describes the optional third field carried by a tag
type fieldKind int

const (
	fieldNone fieldKind = iota
	fieldNodeID
	fieldTime
	fieldDuration
)

var tagFields = map[MessageType]fieldKind{
	MsgElection:    fieldNone,
	MsgOK:          fieldNone,
	MsgCoordinator: fieldNone,
	MsgVerify:      fieldNone,
	MsgInform:      fieldNodeID,
	MsgIsAlive:     fieldNone,
	MsgAlive:       fieldNone,
	MsgMaster:      fieldNone,
	MsgSyncInf:     fieldTime,
	MsgSyncOut:     fieldDuration,
	MsgSync:        fieldDuration,
	MsgRequest:     fieldNone,
	MsgUse:         fieldNone,
	MsgFree:        fieldNone,
}

// Valid reports whether t is a known tag
func (t MessageType) Valid() bool {
	_, ok := tagFields[t]
	return ok
}

// Message is a decoded wire message.
// Only the field matching Type is meaningful:
//   - INFORM: Coordinator
//   - SYNCINF: Time (coordinator clock snapshot)
//   - SYNCOUT, SYNC: Offset
type Message struct {
	Type        MessageType
	Sender      uint64
	Coordinator uint64
	Time        time.Time
	Offset      time.Duration
}

// New creates a message without a payload field
func New(t MessageType, sender uint64) Message {
	return Message{Type: t, Sender: sender}
}

// NewInform creates an INFORM reply naming the sender's known coordinator
func NewInform(sender, coordinator uint64) Message {
	return Message{Type: MsgInform, Sender: sender, Coordinator: coordinator}
}

// NewSyncInf creates a time query carrying the coordinator's clock snapshot
func NewSyncInf(sender uint64, snapshot time.Time) Message {
	return Message{Type: MsgSyncInf, Sender: sender, Time: snapshot}
}

// NewSyncOut creates a follower's offset reply (follower time minus coordinator time)
func NewSyncOut(sender uint64, offset time.Duration) Message {
	return Message{Type: MsgSyncOut, Sender: sender, Offset: offset}
}

// NewSync creates a coordinator correction for a follower
func NewSync(sender uint64, correction time.Duration) Message {
	return Message{Type: MsgSync, Sender: sender, Offset: correction}
}

// String returns the wire form of the message
func (m Message) String() string {
	return string(m.Encode())
}

// Encode renders the message as a datagram payload
func (m Message) Encode() []byte {
	var b strings.Builder
	b.WriteString(string(m.Type))
	b.WriteString(separator)
	b.WriteString(strconv.FormatUint(m.Sender, 10))

	switch tagFields[m.Type] {
	case fieldNodeID:
		b.WriteString(separator)
		b.WriteString(strconv.FormatUint(m.Coordinator, 10))
	case fieldTime:
		b.WriteString(separator)
		b.WriteString(m.Time.UTC().Format(time.RFC3339Nano))
	case fieldDuration:
		b.WriteString(separator)
		b.WriteString(m.Offset.String())
	}

	return []byte(b.String())
}

// Decode parses a datagram payload. Any error wraps one of the package
// sentinel errors so callers can drop the datagram and keep going.
func Decode(payload []byte) (Message, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return Message{}, ErrEmpty
	}

	parts := strings.Split(text, separator)
	msgType := MessageType(parts[0])
	kind, ok := tagFields[msgType]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownTag, parts[0])
	}
	if len(parts) < 2 {
		return Message{}, fmt.Errorf("%w: %s without sender", ErrMalformed, msgType)
	}

	sender, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil || sender == 0 {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidNode, parts[1])
	}

	msg := Message{Type: msgType, Sender: sender}

	if kind == fieldNone {
		if len(parts) > 2 {
			return Message{}, fmt.Errorf("%w: unexpected fields after %s", ErrMalformed, msgType)
		}
		return msg, nil
	}

	if len(parts) < 3 {
		return Message{}, fmt.Errorf("%w: %s", ErrMissingField, msgType)
	}
	if len(parts) > 3 {
		return Message{}, fmt.Errorf("%w: too many fields in %s", ErrMalformed, msgType)
	}
	field := parts[2]

	switch kind {
	case fieldNodeID:
		id, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return Message{}, fmt.Errorf("%w: coordinator %q", ErrMalformed, field)
		}
		msg.Coordinator = id
	case fieldTime:
		ts, err := time.Parse(time.RFC3339Nano, field)
		if err != nil {
			return Message{}, fmt.Errorf("%w: time %q: %v", ErrMalformed, field, err)
		}
		msg.Time = ts
	case fieldDuration:
		d, err := time.ParseDuration(field)
		if err != nil {
			return Message{}, fmt.Errorf("%w: duration %q: %v", ErrMalformed, field, err)
		}
		msg.Offset = d
	}

	return msg, nil
}
