package messagepipeline

import (
	"time"
)

// Message is the canonical, internal representation of a command flowing
// through the pipeline, whatever transport delivered it.
type Message struct {
	MessageData

	// Attributes holds transport metadata, e.g. Pub/Sub attributes or the id
	// of the websocket client that sent the command.
	Attributes map[string]string

	// Ack signals that the command was handled and must not be redelivered.
	Ack func()

	// Nack signals that handling failed and the source may redeliver.
	Nack func()
}

// MessageData holds the essential payload of a message.
type MessageData struct {
	// ID is the unique identifier for the message from the source.
	ID string `json:"id"`

	// Payload is the raw byte content of the message.
	Payload []byte `json:"payload"`

	// PublishTime is the timestamp when the message was originally published.
	PublishTime time.Time `json:"publishTime"`
}

// Attribute keys set by the in-process consumers.
const (
	AttributeSource   = "source"
	AttributeClientID = "client_id"
)
