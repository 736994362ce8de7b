package registry

import "strings"

// Request types recognised by the dispatcher.
const (
	TypeAPICall = "api_call"
	TypeMessage = "message"

	// Group events carry a "group_" type prefix, e.g. "group_join".
	GroupTypePrefix = "group_"
)

// Request is the normalized per-call state handed from the HTTP surface to
// the router and on to an agent handler.
type Request struct {
	CallerDID string
	TargetDID string // canonical did:wba form
	Type      string // api_call, message, or group_<event>
	Path      string // request sub-path, leading slash, prefix included
	GroupID   string // set for group events
	EventType string // set for group events: join, leave, message, connect, members
	Body      map[string]any

	// Inbound virtual host, normalized.
	Host string
	Port int
}

// IsMessage reports whether the request must bypass shared-DID prefix
// routing and be delivered to a message-capable agent.
func (r *Request) IsMessage() bool {
	return r.Type == TypeMessage || strings.HasPrefix(r.Path, "/message/")
}

// IsGroupEvent reports whether the request is a group event dispatch.
func (r *Request) IsGroupEvent() bool {
	return strings.HasPrefix(r.Type, GroupTypePrefix)
}

// MessageType extracts the application-level message type from the body,
// defaulting to "text".
func (r *Request) MessageType() string {
	if mt, ok := r.Body["message_type"].(string); ok && mt != "" {
		return mt
	}
	return "text"
}
