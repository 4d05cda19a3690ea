package gateway

import "encoding/json"

// Frame types exchanged over the socket. Inbound and outbound frames share
// one envelope; unused members are omitted.
const (
	// Inbound.
	frameServerAuthenticate = "server-authenticate"
	frameAuthenticate       = "authenticate"
	frameEmit               = "emit"

	// Outbound.
	frameConnectionID        = "connection_id"
	frameServerAuthenticated = "server-authenticated"
	frameMessage             = "message"
	frameError               = "error"
	frameAuthError           = "auth_error"
)

// frame is the socket envelope.
type frame struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	ServerID string          `json:"serverId,omitempty"`
	Password string          `json:"password,omitempty"`
	Token    string          `json:"token,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Event    string          `json:"event,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func marshalFrame(f frame) []byte {
	b, _ := json.Marshal(f)
	return b
}

func connectionIDFrame(id string) []byte {
	return marshalFrame(frame{Type: frameConnectionID, ID: id})
}

func serverAuthenticatedFrame() []byte {
	return marshalFrame(frame{Type: frameServerAuthenticated})
}

func messageFrame(event string, payload json.RawMessage) []byte {
	return marshalFrame(frame{Type: frameMessage, Event: event, Payload: payload})
}

func errorFrame(msg string) []byte {
	return marshalFrame(frame{Type: frameError, Message: json.RawMessage(mustQuote(msg))})
}

func authErrorFrame(msg string) []byte {
	return marshalFrame(frame{Type: frameAuthError, Message: json.RawMessage(mustQuote(msg))})
}

func mustQuote(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
