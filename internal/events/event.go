// Package events streams provisioning progress to websocket subscribers.
package events

import "time"

// Event types published while provisioning.
const (
	TypeDatabaseCreated = "database_created"
	TypeTableCreated    = "table_created"
	TypeRowsInserted    = "rows_inserted"
	TypeKeyIssued       = "key_issued"
	TypeSchemaChanged   = "schema_changed"
	TypeFailed          = "failed"
)

// Event is one provisioning step. API keys are never part of an event.
type Event struct {
	Type     string `json:"type"`
	Database string `json:"databaseName"`
	Table    string `json:"tableName,omitempty"`
	Rows     int64  `json:"rows,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Message is the envelope written to websocket clients.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	ID        string      `json:"id,omitempty"`
}

func newMessage(typ string, data interface{}) Message {
	return Message{Type: typ, Data: data, Timestamp: time.Now().UnixMilli()}
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
