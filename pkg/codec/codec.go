// Package codec encodes wire payloads exchanged with deployments.
//
// Deployments speak msgpack on their streams and channels; JSON is accepted
// for tooling and tests. Both codecs honour `json` struct tags so the same
// model types serve either format.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec marshals and unmarshals wire payloads
type Codec interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// ForName returns the codec registered under name
func ForName(name string) (Codec, error) {
	switch name {
	case NameJSON, "":
		return JSON{}, nil
	case NameMsgpack:
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSON is the encoding/json codec
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Msgpack is the msgpack codec
type Msgpack struct{}

func (Msgpack) Name() string { return NameMsgpack }

func (Msgpack) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Msgpack) Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// Envelope is the content/metadata pair a deployment publishes on data and
// reply channels. Producers use either "content" or "data" for the payload.
type Envelope struct {
	Content  interface{}            `json:"content,omitempty"`
	Data     interface{}            `json:"data,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Payload returns whichever of content or data is set
func (e *Envelope) Payload() interface{} {
	if e.Content != nil {
		return e.Content
	}
	return e.Data
}

// DecodeEnvelope decodes a published message, falling back to treating the
// whole message as the payload when it is not an envelope
func DecodeEnvelope(c Codec, data []byte) (Envelope, error) {
	var env Envelope
	if err := c.Unmarshal(data, &env); err == nil && (env.Content != nil || env.Data != nil || env.Metadata != nil) {
		return env, nil
	}
	var raw interface{}
	if err := c.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode %s payload: %w", c.Name(), err)
	}
	return Envelope{Content: raw, Metadata: map[string]interface{}{}}, nil
}
