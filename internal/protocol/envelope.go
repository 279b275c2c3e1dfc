// ABOUTME: Wire envelope shared by every hop of the command pipeline.
// ABOUTME: JSON over WebSocket; requests and responses are matched by id.

package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of envelope on the wire.
type MessageType string

const (
	TypeRegister   MessageType = "register"
	TypeRegistered MessageType = "registered"
	TypeRequest    MessageType = "request"
	TypeResponse   MessageType = "response"
	TypePing       MessageType = "ping"
	TypePong       MessageType = "pong"
	TypeError      MessageType = "error"
)

// Envelope is the single message shape used on every hop: control
// server to agent, agent to extension bridge, bridge to extension.
// A fresh id is minted each time a command crosses a connection
// boundary; the sender keeps the parent mapping.
type Envelope struct {
	ID   string      `json:"id"`
	Type MessageType `json:"type"`

	// Request fields.
	Action  Action         `json:"action,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// Response fields.
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Registration fields. Agents send agent+token+platform info;
	// browser extensions send browser+name.
	Agent     string `json:"agent,omitempty"`
	Token     string `json:"token,omitempty"`
	OS        string `json:"os,omitempty"`
	OSVersion string `json:"osVersion,omitempty"`
	Arch      string `json:"arch,omitempty"`
	Browser   string `json:"browser,omitempty"`
	Name      string `json:"name,omitempty"`
}

// DecodeEnvelope parses a raw WebSocket frame into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// EncodeEnvelope serializes an Envelope for the wire.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}
