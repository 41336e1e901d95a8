package broker

import "encoding/json"

// currentMessageVersion is stamped into every message body. It exists so a future
// incompatible payload change has somewhere to branch on; MarQS itself only
// ever writes and reads currentMessageVersion.
const currentMessageVersion = "1"

// MessagePayload is the JSON body stored at a message's messageKey (spec.md
// §3 "Message body"). Data carries the caller's opaque payload plus
// whatever trace context Broker.Enqueue injected into it.
type MessagePayload struct {
	Version        string          `json:"version"`
	Data           json.RawMessage `json:"data"`
	Queue          string          `json:"queue"`
	ConcurrencyKey string          `json:"concurrencyKey,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	MessageID      string          `json:"messageId"`
	// EnvParentQueue and GlobalParentQueue are the two independent parent
	// ZSETs this message's child queue is rebalanced against (spec.md §3):
	// the env-scoped parent and the single cross-tenant global parent.
	// Both are stamped at enqueue so nack/requeue can rebalance both
	// without re-deriving them from the key producer.
	EnvParentQueue    string `json:"envParentQueue"`
	GlobalParentQueue string `json:"globalParentQueue"`
}

// traceCarrier is the shape Broker.Enqueue injects into Data and
// Broker's consumers extract trace context from, per spec.md §6
// ("Trace context MUST be injected into the message payload at enqueue and
// extracted by the consumer from the dequeued payload").
type traceCarrier struct {
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// envelopedData is the wire shape of MessagePayload.Data: the caller's
// opaque payload plus an injected trace carrier, so extraction never has to
// guess where trace fields live inside caller data.
type envelopedData struct {
	Payload json.RawMessage `json:"payload"`
	Trace   traceCarrier    `json:"trace,omitempty"`
}
