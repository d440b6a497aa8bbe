// Package envelope decodes inbound session frames once, at the connection
// boundary, into a tagged envelope keyed by topic. Downstream code routes on
// the envelope and never re-inspects raw JSON.
package envelope

import (
	"encoding/json"
)

// Kind labels the classification outcome for an inbound frame.
type Kind int

// Classification outcomes, in precedence order for text frames.
const (
	KindWrapped         Kind = iota // relay-wrapped message carrying its own typed payload
	KindTyped                       // top-level type field
	KindTopic                       // top-level topic field
	KindConnectionCount             // numeric connection_count field
	KindJSON                        // valid JSON with none of the recognised fields
	KindText                        // text frame that is not valid JSON
	KindBinary                      // binary frame (raw JPEG)
	KindEvent                       // locally generated lifecycle event (open, close, error)
)

func (k Kind) String() string {
	switch k {
	case KindWrapped:
		return "wrapped"
	case KindTyped:
		return "typed"
	case KindTopic:
		return "topic"
	case KindConnectionCount:
		return "connection_count"
	case KindJSON:
		return "json"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Envelope is one inbound frame (or lifecycle event) ready for broadcast.
// Data holds the decoded JSON value for JSON kinds, Text the raw string for
// KindText, and Binary the raw bytes for KindBinary.
type Envelope struct {
	Kind   Kind
	Topic  string
	Data   interface{}
	Text   string
	Binary []byte
}

// Classify decodes a text frame and selects its topic by the first matching
// rule. The order is a deliberate tie-break: a frame matching several rules
// always resolves to the highest-precedence one.
//
//  1. nested payload object with its own type field - topic is that type,
//     data is the nested payload (covers relays that wrap the real message)
//  2. top-level type field
//  3. top-level topic field
//  4. numeric connection_count field - topic "connection_count"
//  5. any other valid JSON - topic "json"
//
// Text that is not valid JSON resolves to topic "text" with the raw string.
func Classify(raw []byte) Envelope {

	var v interface{}

	if err := json.Unmarshal(raw, &v); err != nil {
		return Envelope{Kind: KindText, Topic: "text", Text: string(raw)}
	}

	obj, ok := v.(map[string]interface{})

	if !ok {
		// valid JSON but not an object, e.g. an array or bare number
		return Envelope{Kind: KindJSON, Topic: "json", Data: v}
	}

	if p, ok := obj["payload"].(map[string]interface{}); ok {
		if t, ok := p["type"].(string); ok {
			return Envelope{Kind: KindWrapped, Topic: t, Data: p}
		}
	}

	if t, ok := obj["type"].(string); ok {
		return Envelope{Kind: KindTyped, Topic: t, Data: obj}
	}

	if t, ok := obj["topic"].(string); ok {
		return Envelope{Kind: KindTopic, Topic: t, Data: obj}
	}

	if _, ok := obj["connection_count"].(float64); ok {
		return Envelope{Kind: KindConnectionCount, Topic: "connection_count", Data: obj}
	}

	return Envelope{Kind: KindJSON, Topic: "json", Data: obj}
}

// FromBinary wraps a binary frame for observers subscribed to topic "binary".
// Binary frames never pass through Classify.
func FromBinary(raw []byte) Envelope {
	return Envelope{Kind: KindBinary, Topic: "binary", Binary: raw}
}

// Event wraps a locally generated lifecycle notification, e.g. "open",
// "close" or "error", for broadcast alongside inbound messages.
func Event(topic string, data interface{}) Envelope {
	return Envelope{Kind: KindEvent, Topic: topic, Data: data}
}
