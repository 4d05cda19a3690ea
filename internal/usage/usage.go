// Package usage maintains per-server usage counters in Redis hashes and
// aggregates them per owner across federated regions.
package usage

import "strconv"

// Hash field names. These are shared wire vocabulary between regions, so the
// JSON tags and hash fields must stay in lockstep.
const (
	FieldConnections      = "connections"
	FieldMessages         = "messages"
	FieldPeakConnections  = "peakConnections"
	FieldConnectionsToday = "connectionsToday"
	FieldDataTransfer     = "dataTransfer"
	FieldMaxMessageSize   = "maxMessageSize"
)

// Usage is a snapshot of one server's counters. A missing hash decodes to
// the zero value.
type Usage struct {
	// Connections is the number of currently open authenticated client
	// connections.
	Connections int64 `json:"connections"`
	// Messages is the count of messages published since the last ledger
	// reset.
	Messages int64 `json:"messages"`
	// PeakConnections is the high-water mark of Connections.
	PeakConnections int64 `json:"peakConnections"`
	// ConnectionsToday counts connection events since the last ledger
	// reset; it never decreases on disconnect.
	ConnectionsToday int64 `json:"connectionsToday"`
	// DataTransfer is the total published payload bytes.
	DataTransfer int64 `json:"dataTransfer"`
	// MaxMessageSize is the largest single payload seen, in bytes.
	MaxMessageSize int64 `json:"maxMessageSize"`
}

// Field returns the counter named by the given hash field.
func (u Usage) Field(field string) int64 {
	switch field {
	case FieldConnections:
		return u.Connections
	case FieldMessages:
		return u.Messages
	case FieldPeakConnections:
		return u.PeakConnections
	case FieldConnectionsToday:
		return u.ConnectionsToday
	case FieldDataTransfer:
		return u.DataTransfer
	case FieldMaxMessageSize:
		return u.MaxMessageSize
	}
	return 0
}

// fromHash decodes a Redis hash into a Usage. Unknown fields are ignored;
// unparsable values count as zero.
func fromHash(h map[string]string) Usage {
	var u Usage
	u.Connections = parseField(h, FieldConnections)
	u.Messages = parseField(h, FieldMessages)
	u.PeakConnections = parseField(h, FieldPeakConnections)
	u.ConnectionsToday = parseField(h, FieldConnectionsToday)
	u.DataTransfer = parseField(h, FieldDataTransfer)
	u.MaxMessageSize = parseField(h, FieldMaxMessageSize)
	return u
}

func parseField(h map[string]string, field string) int64 {
	v, ok := h[field]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
