package hosted_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/hosted"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/userdata"
	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

const requesterDID = "did:wba:client.example.com%3A8000:wba:user:3ebd1f8c12a9b07d"

func sampleDoc(id string) map[string]any {
	return map[string]any{
		"@context": []any{"https://www.w3.org/ns/did/v1"},
		"id":       id,
		"verificationMethod": []any{
			map[string]any{
				"id":         id + "#keys-1",
				"type":       "EcdsaSecp256k1VerificationKey2019",
				"controller": id,
			},
		},
		"authentication": []any{id + "#keys-1"},
	}
}

func sampleRequest(requestID string) *hosted.Request {
	return &hosted.Request{
		RequestID:    requestID,
		RequesterDID: requesterDID,
		DIDDocument:  sampleDoc(requesterDID),
	}
}

func newQueue(t *testing.T) *hosted.Queue {
	t.Helper()
	q, err := hosted.NewQueue(filepath.Join(t.TempDir(), "hosted_did_queue"), zap.NewNop())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func newResults(t *testing.T) *hosted.ResultStore {
	t.Helper()
	rs, err := hosted.NewResultStore(filepath.Join(t.TempDir(), "hosted_did_results"), zap.NewNop())
	if err != nil {
		t.Fatalf("new result store: %v", err)
	}
	return rs
}

// ── Queue ────────────────────────────────────────────────────────────────

func TestQueue_addAndFind(t *testing.T) {
	q := newQueue(t)
	if err := q.Add(sampleRequest("req-1")); err != nil {
		t.Fatalf("add: %v", err)
	}

	req, err := q.Find("req-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if req.Status != hosted.StatusPending {
		t.Errorf("status = %s", req.Status)
	}
	if len(req.StatusLog) != 1 || req.StatusLog[0].Status != hosted.StatusPending {
		t.Errorf("status log = %+v", req.StatusLog)
	}

	if _, err := q.Find("nope"); !errors.Is(err, hosted.ErrRequestNotFound) {
		t.Errorf("missing request: %v", err)
	}
}

func TestQueue_rejectsDuplicate(t *testing.T) {
	q := newQueue(t)
	if err := q.Add(sampleRequest("req-1")); err != nil {
		t.Fatalf("add: %v", err)
	}

	err := q.Add(sampleRequest("req-2"))
	if !errors.Is(err, hosted.ErrDuplicateRequest) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error message should contain 'duplicate': %q", err)
	}

	// Once the first request completes, an equivalent submission is allowed.
	if _, err := q.Move("req-1", hosted.StatusPending, hosted.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Move("req-1", hosted.StatusProcessing, hosted.StatusCompleted, "done"); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(sampleRequest("req-2")); err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}
}

func TestQueue_rejectsReusedRequestID(t *testing.T) {
	q := newQueue(t)
	if err := q.Add(sampleRequest("req-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Move("req-1", hosted.StatusPending, hosted.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Move("req-1", hosted.StatusProcessing, hosted.StatusCompleted, "done"); err != nil {
		t.Fatal(err)
	}

	// Re-adding a completed id must not write a second pending copy.
	other := sampleRequest("req-1")
	other.RequesterDID = "did:wba:h%3A1:wba:user:eeee"
	other.DIDDocument = sampleDoc(other.RequesterDID)
	if err := q.Add(other); !errors.Is(err, hosted.ErrDuplicateRequest) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	req, err := q.Find("req-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if req.Status != hosted.StatusCompleted {
		t.Errorf("status = %s, want %s", req.Status, hosted.StatusCompleted)
	}
}

func TestQueue_rejectsInvalid(t *testing.T) {
	q := newQueue(t)
	bad := sampleRequest("req-1")
	bad.RequesterDID = "did:key:z6Mk"
	if err := q.Add(bad); err == nil {
		t.Fatal("non-wba requester must be rejected")
	}

	noDoc := &hosted.Request{RequestID: "req-2", RequesterDID: requesterDID}
	if err := q.Add(noDoc); err == nil {
		t.Fatal("missing document must be rejected")
	}
}

func TestQueue_pendingOrder(t *testing.T) {
	q := newQueue(t)
	for _, id := range []string{"b", "a", "c"} {
		req := sampleRequest("req-" + id)
		req.DIDDocument = sampleDoc("did:wba:h%3A1:wba:user:" + id)
		req.RequesterDID = "did:wba:h%3A1:wba:user:" + id
		if err := q.Add(req); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending", len(pending))
	}
	want := []string{"req-b", "req-a", "req-c"}
	for i, r := range pending {
		if r.RequestID != want[i] {
			t.Errorf("pending[%d] = %s, want %s", i, r.RequestID, want[i])
		}
	}
}

func TestQueue_moveSingleLocation(t *testing.T) {
	q := newQueue(t)
	if err := q.Add(sampleRequest("req-1")); err != nil {
		t.Fatal(err)
	}

	req, err := q.Move("req-1", hosted.StatusPending, hosted.StatusProcessing, "claimed")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if req.Status != hosted.StatusProcessing || len(req.StatusLog) != 2 {
		t.Errorf("after move: status=%s log=%d", req.Status, len(req.StatusLog))
	}

	// The file exists in exactly one status directory.
	found := 0
	for _, s := range hosted.Statuses {
		if r, err := q.Find("req-1"); err == nil && r.Status == s {
			found++
		}
	}
	if found != 1 {
		t.Errorf("request found in %d status directories", found)
	}

	// Moving from the old status again fails.
	if _, err := q.Move("req-1", hosted.StatusPending, hosted.StatusProcessing, ""); !errors.Is(err, hosted.ErrRequestNotFound) {
		t.Errorf("second claim: %v", err)
	}
}

// ── Transform ────────────────────────────────────────────────────────────

func TestBuildHostedDocument(t *testing.T) {
	doc := sampleDoc(requesterDID)
	out, hostedDID, err := hosted.BuildHostedDocument(doc, "localhost", 9527, "00112233445566aa")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	want := "did:wba:localhost%3A9527:wba:hostuser:00112233445566aa"
	if hostedDID != want {
		t.Errorf("hosted DID = %s, want %s", hostedDID, want)
	}
	if out["id"] != want {
		t.Errorf("doc id = %v", out["id"])
	}

	vm := out["verificationMethod"].([]any)[0].(map[string]any)
	if vm["id"] != want+"#keys-1" {
		t.Errorf("verification method id = %v", vm["id"])
	}
	if vm["controller"] != want {
		t.Errorf("controller = %v", vm["controller"])
	}
	if auth := out["authentication"].([]any)[0]; auth != want+"#keys-1" {
		t.Errorf("authentication = %v", auth)
	}

	// The input document is untouched.
	if doc["id"] != requesterDID {
		t.Error("transform mutated its input")
	}
}

func TestBuildHostedDocument_idempotent(t *testing.T) {
	doc := sampleDoc(requesterDID)
	first, id1, err := hosted.BuildHostedDocument(doc, "localhost", 9527, "00112233445566aa")
	if err != nil {
		t.Fatal(err)
	}
	second, id2, err := hosted.BuildHostedDocument(first, "localhost", 9527, "00112233445566aa")
	if err != nil {
		t.Fatalf("second transform: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %s vs %s", id1, id2)
	}
	if second["id"] != first["id"] {
		t.Errorf("documents differ: %v vs %v", second["id"], first["id"])
	}
}

// ── Results ──────────────────────────────────────────────────────────────

func TestResultID_format(t *testing.T) {
	at := time.Unix(1700000000, 0)
	got := hosted.ResultID(requesterDID, "abcdef1234567890", at)
	want := "3ebd1f8c12a9b07d_1700000000_abcdef12"
	if got != want {
		t.Errorf("result id = %s, want %s", got, want)
	}
}

func TestResultStore_lifecycle(t *testing.T) {
	rs := newResults(t)
	old := &hosted.Result{
		ResultID: "r1", RequestID: "req-1", RequesterDID: requesterDID,
		Success:           true,
		HostedDIDDocument: map[string]any{"id": "did:wba:localhost%3A9527:wba:hostuser:aa"},
		CreatedAt:         time.Now().Add(-time.Hour),
	}
	recent := &hosted.Result{
		ResultID: "r2", RequestID: "req-2", RequesterDID: requesterDID,
		Success: false, ErrorMessage: "boom", CreatedAt: time.Now(),
	}
	other := &hosted.Result{
		ResultID: "r3", RequestID: "req-3",
		RequesterDID: "did:wba:other%3A1:wba:user:ffff", CreatedAt: time.Now(),
	}
	for _, r := range []*hosted.Result{old, recent, other} {
		if err := rs.Publish(r); err != nil {
			t.Fatalf("publish %s: %v", r.ResultID, err)
		}
	}

	// Newest first, other requesters filtered out. The bare-colon DID
	// variant addresses the same inbox.
	got, err := rs.ForRequester("did:wba:client.example.com:8000:wba:user:3ebd1f8c12a9b07d")
	if err != nil {
		t.Fatalf("for requester: %v", err)
	}
	if len(got) != 2 || got[0].ResultID != "r2" || got[1].ResultID != "r1" {
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ResultID
		}
		t.Fatalf("results = %v", ids)
	}

	if err := rs.Acknowledge("r2"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := rs.Acknowledge("r2"); !errors.Is(err, hosted.ErrResultNotFound) {
		t.Errorf("second acknowledge: %v", err)
	}

	got, _ = rs.ForRequester(requesterDID)
	if len(got) != 1 || got[0].ResultID != "r1" {
		t.Errorf("after acknowledge: %+v", got)
	}
}

func TestResultStore_cleanupOld(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hosted_did_results")
	rs, err := hosted.NewResultStore(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	res := &hosted.Result{ResultID: "r1", RequesterDID: requesterDID, CreatedAt: time.Now()}
	if err := rs.Publish(res); err != nil {
		t.Fatal(err)
	}
	if err := rs.Acknowledge("r1"); err != nil {
		t.Fatal(err)
	}

	// Nothing old enough yet.
	removed, err := rs.CleanupOld(24 * time.Hour)
	if err != nil || removed != 0 {
		t.Fatalf("cleanup: removed=%d err=%v", removed, err)
	}

	stale := time.Now().Add(-48 * time.Hour)
	ackFile := filepath.Join(dir, "acknowledged", "r1.json")
	if err := os.Chtimes(ackFile, stale, stale); err != nil {
		t.Fatal(err)
	}
	removed, err = rs.CleanupOld(24 * time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("cleanup: removed=%d err=%v", removed, err)
	}
}

// ── Processor ────────────────────────────────────────────────────────────

func newProcessor(t *testing.T, policy hosted.ApprovalPolicy) (*hosted.Processor, *hosted.Queue, *hosted.ResultStore, string) {
	t.Helper()
	base := t.TempDir()
	q, err := hosted.NewQueue(filepath.Join(base, "hosted_did_queue"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	rs, err := hosted.NewResultStore(filepath.Join(base, "hosted_did_results"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	hostedRoot := filepath.Join(base, "anp_users_hosted")
	p := hosted.NewProcessor(q, rs, userdata.NewStore(zap.NewNop()),
		"localhost", 9527, hostedRoot, time.Second, policy, zap.NewNop())
	return p, q, rs, hostedRoot
}

func TestProcessor_issuesHostedDID(t *testing.T) {
	p, q, rs, hostedRoot := newProcessor(t, nil)
	if err := q.Add(sampleRequest("req-1")); err != nil {
		t.Fatal(err)
	}

	p.ProcessOnce()

	req, err := q.Find("req-1")
	if err != nil || req.Status != hosted.StatusCompleted {
		t.Fatalf("request status=%v err=%v", req, err)
	}

	results, err := rs.ForRequester(requesterDID)
	if err != nil || len(results) != 1 {
		t.Fatalf("results=%v err=%v", results, err)
	}
	res := results[0]
	if !res.Success {
		t.Fatalf("result failed: %s", res.ErrorMessage)
	}
	if res.RequesterShortID != "3ebd1f8c12a9b07d" || res.Host != "localhost" || res.Port != 9527 {
		t.Errorf("result envelope = %+v", res)
	}

	d, err := did.Parse(res.HostedDID())
	if err != nil {
		t.Fatalf("parse hosted DID %q: %v", res.HostedDID(), err)
	}
	if d.Kind != did.KindHostUser || d.Host != "localhost" || d.Port != 9527 {
		t.Errorf("hosted DID = %+v", d)
	}
	if len(d.ID) != 16 {
		t.Errorf("short id %q is not 16 hex chars", d.ID)
	}

	// The identity is materialized on disk under the hosted root.
	store := userdata.NewStore(zap.NewNop())
	u, err := store.LoadUser(hostedRoot, d.ID)
	if err != nil {
		t.Fatalf("load hosted user: %v", err)
	}
	if u.DID != res.HostedDID() {
		t.Errorf("stored doc id = %s", u.DID)
	}

	// The original request is archived next to the issued document.
	if _, err := store.File(hostedRoot, d.ID, hosted.RequestFile); err != nil {
		t.Errorf("original request not saved: %v", err)
	}
}

func TestProcessor_alreadyIssuedFails(t *testing.T) {
	p, q, rs, _ := newProcessor(t, nil)
	if err := q.Add(sampleRequest("req-1")); err != nil {
		t.Fatal(err)
	}
	p.ProcessOnce()

	// The queue allows an equivalent submission once the first completed,
	// but the processor detects the already-issued identity.
	if err := q.Add(sampleRequest("req-2")); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	p.ProcessOnce()

	req, err := q.Find("req-2")
	if err != nil || req.Status != hosted.StatusFailed {
		t.Fatalf("request status=%v err=%v", req, err)
	}
	results, _ := rs.ForRequester(requesterDID)
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	// Newest first: the duplicate failure precedes the original success.
	if results[0].Success || !strings.Contains(results[0].ErrorMessage, "duplicate") {
		t.Errorf("duplicate result = %+v", results[0])
	}
	if !results[1].Success {
		t.Errorf("original result = %+v", results[1])
	}
}

func TestProcessor_rejectionFails(t *testing.T) {
	deny := hosted.ApprovalFunc(func(*hosted.Request) error {
		return errors.New("not on the allowlist")
	})
	p, q, rs, _ := newProcessor(t, deny)
	if err := q.Add(sampleRequest("req-1")); err != nil {
		t.Fatal(err)
	}

	p.ProcessOnce()

	req, err := q.Find("req-1")
	if err != nil || req.Status != hosted.StatusFailed {
		t.Fatalf("request status=%v err=%v", req, err)
	}
	results, _ := rs.ForRequester(requesterDID)
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].ErrorMessage, "allowlist") {
		t.Errorf("error message = %q", results[0].ErrorMessage)
	}
}

func TestProcessor_badDocumentFails(t *testing.T) {
	p, q, rs, _ := newProcessor(t, nil)
	req := sampleRequest("req-1")
	req.DIDDocument = map[string]any{"id": "did:key:not-wba"}
	if err := q.Add(req); err != nil {
		t.Fatal(err)
	}

	p.ProcessOnce()

	found, err := q.Find("req-1")
	if err != nil || found.Status != hosted.StatusFailed {
		t.Fatalf("request status=%v err=%v", found, err)
	}
	results, _ := rs.ForRequester(requesterDID)
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v", results)
	}
}
