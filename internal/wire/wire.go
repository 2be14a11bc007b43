// Package wire defines the JSON envelope exchanged between two parties'
// Session Managers and relayed opaquely by the server. encoding/json
// base64-encodes every []byte field automatically, matching the wire
// format's b64(...) field convention without extra plumbing.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/duskline/e2ee/internal/ratchet"
)

// Header is the ratchet header carried alongside every message.
type Header struct {
	DH []byte `json:"dh"`
	PN uint32 `json:"pn"`
	N  uint32 `json:"n"`
}

func fromRatchetHeader(h *ratchet.Header) Header {
	return Header{DH: h.DH, PN: h.PN, N: h.N}
}

func (h Header) toRatchetHeader() *ratchet.Header {
	return &ratchet.Header{DH: h.DH, PN: h.PN, N: h.N}
}

// X3DHBlock carries the initiator's X3DH contribution. It is present only
// on the very first outbound message of a session.
type X3DHBlock struct {
	SenderIdentityKey   []byte  `json:"senderIdentityKey"`
	SenderEphemeralKey  []byte  `json:"senderEphemeralKey"`
	UsedSignedPrekeyID  uint32  `json:"usedSignedPrekeyId"`
	UsedOneTimePrekeyID *uint32 `json:"usedOneTimePrekeyId,omitempty"`
}

// Envelope is the full opaque wire message. The relay only ever reads
// this struct's shape, never its ciphertext contents.
type Envelope struct {
	Header     Header     `json:"header"`
	Ciphertext []byte     `json:"ciphertext"`
	AuthTag    []byte     `json:"authTag,omitempty"`
	IV         []byte     `json:"iv,omitempty"`
	X3DH       *X3DHBlock `json:"x3dh,omitempty"`
}

// Marshal serializes an envelope to its canonical wire bytes.
func Marshal(e *Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return b, nil
}

// Unmarshal parses wire bytes into an envelope. Unknown fields are
// tolerated silently, matching the "tolerant on inbound" policy.
func Unmarshal(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return &e, nil
}

// ValidateShape performs the relay's structural-only well-formedness
// check: the envelope must carry ciphertext and a header, without
// inspecting what the ciphertext decrypts to.
func ValidateShape(e *Envelope) error {
	if len(e.Ciphertext) == 0 {
		return fmt.Errorf("wire: envelope missing ciphertext")
	}
	if len(e.Header.DH) != 32 {
		return fmt.Errorf("wire: envelope header missing or malformed dh field")
	}
	return nil
}

// RatchetHeader exposes the envelope's header in the form the ratchet
// package expects.
func (e *Envelope) RatchetHeader() *ratchet.Header {
	return e.Header.toRatchetHeader()
}

// SetRatchetHeader stores a ratchet header into the envelope's wire form.
func (e *Envelope) SetRatchetHeader(h *ratchet.Header) {
	e.Header = fromRatchetHeader(h)
}

// RelayFrame is the transport-level frame carrying one envelope between a
// relay client and the relay server.
type RelayFrame struct {
	Type    string      `json:"type"`
	Payload RelayPayload `json:"payload"`
}

// RelayPayload is a RelayFrame's payload for a "message" frame.
type RelayPayload struct {
	To        string          `json:"to"`
	Content   json.RawMessage `json:"content"`
	Encrypted bool            `json:"encrypted"`
}

// NewMessageFrame wraps an already-serialized envelope for transport to
// the relay.
func NewMessageFrame(to string, envelope json.RawMessage) *RelayFrame {
	return &RelayFrame{
		Type: "message",
		Payload: RelayPayload{
			To:        to,
			Content:   envelope,
			Encrypted: true,
		},
	}
}
