package realtime

import (
	"encoding/json"
	"fmt"
)

// Message is the envelope exchanged with the event server in both directions
type Message struct {
	Event string          `json:"event"`          // Event name
	ID    string          `json:"id,omitempty"`   // Correlation id, echoed on replies
	Data  json.RawMessage `json:"data,omitempty"` // Event-specific payload
}

// NewMessage builds an envelope, marshaling data when it is not nil
func NewMessage(event string, data interface{}) (Message, error) {
	msg := Message{Event: event}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the payload into v
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no payload", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Event, err)
	}
	return nil
}

// Session handshake
const (
	EventTeamLogin    = "team:login"
	EventLoginSuccess = "login:success"
	EventLoginError   = "login:error"
	EventTeamLogout   = "team:logout"
	EventForceLogout  = "forceLogout"
)

// Team state and catalog
const (
	EventTeam           = "team"
	EventGetDomains     = "client:getDomains"
	EventDomainData     = "domaindata"
	EventDomainSelected = "domainSelected"
	EventReceivePPT     = "client:receivePPT"
	EventReminder       = "admin:sendReminder"
)

// Gate unlock times. domainStat is used both as the request and the push.
const (
	EventDomainStat             = "domainStat"
	EventGetGameStatus          = "getGameStatus"
	EventGameStatusUpdate       = "gameStatusUpdate"
	EventGetPuzzleStatus        = "getPuzzleStatus"
	EventPuzzleStatusUpdate     = "puzzleStatusUpdate"
	EventGetStopTheBarStatus    = "getStopTheBarStatus"
	EventStopTheBarStatusUpdate = "stopTheBarStatusUpdate"
)

// LoginSuccessPayload is carried by login:success. Servers that send no
// payload leave TeamID empty.
type LoginSuccessPayload struct {
	TeamID string `json:"teamId"`
}

// GrantedTeam returns the team id a login:success reply names, if any.
// The id may come as {"teamId": ...} or as a bare string.
func GrantedTeam(msg Message) (string, bool) {
	var id string
	if err := msg.Decode(&id); err == nil && id != "" {
		return id, true
	}
	var p LoginSuccessPayload
	if err := msg.Decode(&p); err == nil && p.TeamID != "" {
		return p.TeamID, true
	}
	return "", false
}

// LoginErrorPayload is carried by login:error
type LoginErrorPayload struct {
	Message string `json:"message"`
}

// ForceLogoutPayload is carried by forceLogout
type ForceLogoutPayload struct {
	Message string `json:"message"`
}

// DomainSelectRequest is emitted with domainSelected
type DomainSelectRequest struct {
	TeamID string `json:"teamId"`
	Domain string `json:"domain"`
}

// DomainSelectReply is the server's answer to domainSelected
type DomainSelectReply struct {
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Domain  *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"domain,omitempty"`
}
