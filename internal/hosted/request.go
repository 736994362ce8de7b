// Package hosted implements the asynchronous hosted-DID issuance workflow:
// a file-backed request queue, a background processor that mints hosted
// identities, and a per-requester result inbox with explicit
// acknowledgement.
package hosted

import (
	"fmt"
	"time"

	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

// Status is the lifecycle state of an issuance request. Each status owns a
// queue directory; a request file lives in exactly one of them.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every queue directory in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// RequestFile is the audit copy of the original issuance request, written
// next to the issued DID document in the hosted user directory.
const RequestFile = "did_document_request.json"

// StatusEntry is one line of a request's audit log.
type StatusEntry struct {
	Status Status    `json:"status"`
	Note   string    `json:"note"`
	At     time.Time `json:"at"`
}

// Request is the on-disk record of one hosted-DID issuance request.
type Request struct {
	RequestID    string         `json:"requestID"`
	RequesterDID string         `json:"requesterDID"`
	DIDDocument  map[string]any `json:"didDocument"`
	CallbackInfo map[string]any `json:"callbackInfo,omitempty"`
	Status       Status         `json:"status"`
	StatusLog    []StatusEntry  `json:"statusLog"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Validate checks the submission-time requirements: a DID document with an
// id, and a did:wba requester.
func (r *Request) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("requestID is required")
	}
	if len(r.DIDDocument) == 0 {
		return fmt.Errorf("didDocument is required")
	}
	if _, ok := r.DIDDocument["id"].(string); !ok {
		return fmt.Errorf("didDocument.id is required")
	}
	if r.RequesterDID == "" {
		return fmt.Errorf("requesterDID is required")
	}
	if !did.IsWBA(r.RequesterDID) {
		return fmt.Errorf("requesterDID %q is not a did:wba identifier", r.RequesterDID)
	}
	return nil
}

// DocumentID returns the id of the submitted DID document.
func (r *Request) DocumentID() string {
	id, _ := r.DIDDocument["id"].(string)
	return id
}

// RequesterShortID returns the trailing segment of the requester DID.
func (r *Request) RequesterShortID() string {
	return did.ShortIDOf(r.RequesterDID)
}
