package hosted

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrRequestNotFound reports that no queue directory holds the request.
var ErrRequestNotFound = errors.New("hosted request not found")

// ErrDuplicateRequest reports that an equivalent request is already queued.
// Its message contains "duplicate" so API callers can surface it verbatim.
var ErrDuplicateRequest = errors.New("duplicate hosted DID request")

const moveRetries = 3

// Queue is a file-backed hosted-DID request queue rooted at one domain's
// data directory. Each request is a single JSON file that lives in exactly
// one status directory; transitions are directory renames so a crash leaves
// the file in its pre- or post-transition state, never both.
type Queue struct {
	root   string
	logger *zap.Logger
}

// NewQueue opens (creating if needed) the queue directories under root.
func NewQueue(root string, logger *zap.Logger) (*Queue, error) {
	q := &Queue{root: root, logger: logger}
	for _, s := range Statuses {
		if err := os.MkdirAll(q.dir(s), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir %s: %w", s, err)
		}
	}
	return q, nil
}

func (q *Queue) dir(s Status) string {
	return filepath.Join(q.root, string(s))
}

func (q *Queue) path(s Status, requestID string) string {
	return filepath.Join(q.dir(s), requestID+".json")
}

// Add validates and enqueues a request. A request id already present in any
// status directory is rejected, as is a request whose requester and document
// id match one still pending or processing.
func (q *Queue) Add(req *Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid hosted request: %w", err)
	}

	// A request id lives in exactly one status directory for its whole
	// lifetime; re-adding it would fork that history.
	if existing, err := q.Find(req.RequestID); err == nil {
		return fmt.Errorf("%w: request id %s already exists with status %s",
			ErrDuplicateRequest, req.RequestID, existing.Status)
	} else if !errors.Is(err, ErrRequestNotFound) {
		return err
	}

	docID := req.DocumentID()
	for _, s := range []Status{StatusPending, StatusProcessing} {
		existing, err := q.list(s)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.RequesterDID == req.RequesterDID && e.DocumentID() == docID {
				return fmt.Errorf("%w: request %s from %s is still %s",
					ErrDuplicateRequest, e.RequestID, e.RequesterDID, s)
			}
		}
	}

	now := time.Now().UTC()
	req.Status = StatusPending
	req.CreatedAt = now
	req.UpdatedAt = now
	req.StatusLog = append(req.StatusLog, StatusEntry{
		Status: StatusPending,
		Note:   "request accepted",
		At:     now,
	})
	if err := q.write(StatusPending, req); err != nil {
		return err
	}
	q.logger.Info("hosted DID request queued",
		zap.String("request_id", req.RequestID),
		zap.String("requester", req.RequesterDID),
	)
	return nil
}

// Find scans every status directory for the request.
func (q *Queue) Find(requestID string) (*Request, error) {
	for _, s := range Statuses {
		req, err := q.read(s, requestID)
		if err == nil {
			return req, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
}

// Pending returns the pending requests oldest first.
func (q *Queue) Pending() ([]*Request, error) {
	reqs, err := q.list(StatusPending)
	if err != nil {
		return nil, err
	}
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].RequestID < reqs[j].RequestID
	})
	return reqs, nil
}

// Move transitions a request between status directories: rename first, then
// rewrite the JSON with the new status and an audit entry. The rename is
// retried a few times to ride out transient filesystem errors.
func (q *Queue) Move(requestID string, from, to Status, note string) (*Request, error) {
	src := q.path(from, requestID)
	dst := q.path(to, requestID)

	var renameErr error
	for attempt := 0; attempt < moveRetries; attempt++ {
		renameErr = os.Rename(src, dst)
		if renameErr == nil {
			break
		}
		if os.IsNotExist(renameErr) {
			return nil, fmt.Errorf("%w: %s in %s", ErrRequestNotFound, requestID, from)
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	if renameErr != nil {
		return nil, fmt.Errorf("move %s %s->%s: %w", requestID, from, to, renameErr)
	}

	req, err := q.read(to, requestID)
	if err != nil {
		return nil, fmt.Errorf("reload %s after move: %w", requestID, err)
	}
	now := time.Now().UTC()
	req.Status = to
	req.UpdatedAt = now
	req.StatusLog = append(req.StatusLog, StatusEntry{Status: to, Note: note, At: now})
	if err := q.write(to, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Orphaned returns the ids of requests stranded in processing/, normally
// left over from a crash mid-issuance. They are reported, not reclaimed.
func (q *Queue) Orphaned() ([]string, error) {
	reqs, err := q.list(StatusProcessing)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.RequestID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (q *Queue) read(s Status, requestID string) (*Request, error) {
	data, err := os.ReadFile(q.path(s, requestID))
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", requestID, err)
	}
	return &req, nil
}

func (q *Queue) write(s Status, req *Request) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("encode request %s: %w", req.RequestID, err)
	}
	target := q.path(s, req.RequestID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write request %s: %w", req.RequestID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("commit request %s: %w", req.RequestID, err)
	}
	return nil
}

func (q *Queue) list(s Status) ([]*Request, error) {
	entries, err := os.ReadDir(q.dir(s))
	if err != nil {
		return nil, fmt.Errorf("scan %s queue: %w", s, err)
	}
	var out []*Request
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		req, err := q.read(s, strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			q.logger.Warn("skipping unreadable queue file",
				zap.String("file", e.Name()),
				zap.String("status", string(s)),
				zap.Error(err),
			)
			continue
		}
		out = append(out, req)
	}
	return out, nil
}
