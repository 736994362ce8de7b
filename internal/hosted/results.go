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

	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

// ErrResultNotFound reports that no pending result matches the id.
var ErrResultNotFound = errors.New("hosted result not found")

const (
	resultsPendingDir      = "pending"
	resultsAcknowledgedDir = "acknowledged"
)

// Result is the outcome of one issuance request, delivered to the requester
// through polling. A result stays pending until the requester acknowledges
// it, so delivery is at-least-once.
type Result struct {
	ResultID          string         `json:"resultID"`
	RequestID         string         `json:"requestID"`
	RequesterDID      string         `json:"requesterDID"`
	RequesterShortID  string         `json:"requesterShortID"`
	Success           bool           `json:"success"`
	HostedDIDDocument map[string]any `json:"hostedDIDDocument,omitempty"`
	ErrorMessage      string         `json:"errorMessage,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	AcknowledgedAt    *time.Time     `json:"acknowledgedAt,omitempty"`
	Host              string         `json:"host"`
	Port              int            `json:"port"`
}

// HostedDID returns the id of the issued document, when present.
func (r *Result) HostedDID() string {
	id, _ := r.HostedDIDDocument["id"].(string)
	return id
}

// ResultID builds the canonical result identifier for a request:
// "<requesterShortID>_<unixSeconds>_<first 8 chars of requestID>".
func ResultID(requesterDID, requestID string, at time.Time) string {
	short := did.ShortIDOf(requesterDID)
	head := requestID
	if len(head) > 8 {
		head = head[:8]
	}
	return fmt.Sprintf("%s_%d_%s", short, at.Unix(), head)
}

// ResultStore is the file-backed result inbox for one domain. Pending and
// acknowledged results live in separate directories; acknowledging a result
// is a rename.
type ResultStore struct {
	root   string
	logger *zap.Logger
}

// NewResultStore opens (creating if needed) the inbox directories under root.
func NewResultStore(root string, logger *zap.Logger) (*ResultStore, error) {
	rs := &ResultStore{root: root, logger: logger}
	for _, d := range []string{resultsPendingDir, resultsAcknowledgedDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create results dir %s: %w", d, err)
		}
	}
	return rs, nil
}

// Publish writes a result into the pending inbox.
func (rs *ResultStore) Publish(res *Result) error {
	if res.ResultID == "" {
		return fmt.Errorf("result has no id")
	}
	if res.RequesterShortID == "" {
		res.RequesterShortID = did.ShortIDOf(res.RequesterDID)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result %s: %w", res.ResultID, err)
	}
	target := filepath.Join(rs.root, resultsPendingDir, res.ResultID+".json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write result %s: %w", res.ResultID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("commit result %s: %w", res.ResultID, err)
	}
	rs.logger.Info("hosted DID result published",
		zap.String("result_id", res.ResultID),
		zap.Bool("success", res.Success),
	)
	return nil
}

// ForRequester returns the pending results addressed to requesterDID,
// newest first.
func (rs *ResultStore) ForRequester(requesterDID string) ([]*Result, error) {
	canonical, err := did.Normalize(requesterDID)
	if err != nil {
		return nil, fmt.Errorf("results for requester: %w", err)
	}
	all, err := rs.listPending()
	if err != nil {
		return nil, err
	}
	var out []*Result
	for _, r := range all {
		rc, err := did.Normalize(r.RequesterDID)
		if err != nil {
			continue
		}
		if rc == canonical {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ResultID > out[j].ResultID
	})
	return out, nil
}

// ForShortID returns the pending results whose requester short ID matches,
// newest first. This serves the polling endpoint, which identifies the
// requester by the trailing DID segment only.
func (rs *ResultStore) ForShortID(shortID string) ([]*Result, error) {
	all, err := rs.listPending()
	if err != nil {
		return nil, err
	}
	var out []*Result
	for _, r := range all {
		sid := r.RequesterShortID
		if sid == "" {
			sid = did.ShortIDOf(r.RequesterDID)
		}
		if sid == shortID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ResultID > out[j].ResultID
	})
	return out, nil
}

// Acknowledge moves a pending result into the acknowledged directory and
// stamps acknowledgedAt. Acknowledging a result that is not pending fails
// with ErrResultNotFound.
func (rs *ResultStore) Acknowledge(resultID string) error {
	src := filepath.Join(rs.root, resultsPendingDir, resultID+".json")
	dst := filepath.Join(rs.root, resultsAcknowledgedDir, resultID+".json")
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrResultNotFound, resultID)
		}
		return fmt.Errorf("acknowledge result %s: %w", resultID, err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		return fmt.Errorf("reload result %s: %w", resultID, err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("decode result %s: %w", resultID, err)
	}
	now := time.Now().UTC()
	res.AcknowledgedAt = &now
	updated, err := json.MarshalIndent(&res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result %s: %w", resultID, err)
	}
	if err := os.WriteFile(dst, updated, 0o644); err != nil {
		return fmt.Errorf("update result %s: %w", resultID, err)
	}
	return nil
}

// CleanupOld deletes acknowledged results older than maxAge and returns how
// many were removed. Pending results are never touched.
func (rs *ResultStore) CleanupOld(maxAge time.Duration) (int, error) {
	dir := filepath.Join(rs.root, resultsAcknowledgedDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scan acknowledged results: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			rs.logger.Warn("failed to remove expired result",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		rs.logger.Info("expired hosted results removed", zap.Int("count", removed))
	}
	return removed, nil
}

func (rs *ResultStore) listPending() ([]*Result, error) {
	dir := filepath.Join(rs.root, resultsPendingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan pending results: %w", err)
	}
	var out []*Result
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read result %s: %w", e.Name(), err)
		}
		var r Result
		if err := json.Unmarshal(data, &r); err != nil {
			rs.logger.Warn("skipping unreadable result file",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}
