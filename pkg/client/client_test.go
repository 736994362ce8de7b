package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seanzhang9999/anp-open-sdk-go/pkg/client"
)

const hostedID = "did:wba:localhost%3A9527:wba:hostuser:00112233445566aa"

// fakeServer mimics the hosted-DID endpoints with an in-memory inbox.
type fakeServer struct {
	mu      sync.Mutex
	results []map[string]any
	acked   []string
	checks  int
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agent/api/{did}/{subpath...}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{
			"echo": body,
			"did":  r.PathValue("did"),
			"path": r.PathValue("subpath"),
		})
	})
	mux.HandleFunc("POST /wba/hosted-did/request", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true, "requestID": "req-1", "estimatedProcessingTime": 300,
		})
	})
	mux.HandleFunc("GET /wba/hosted-did/check/{sid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.checks++
		json.NewEncoder(w).Encode(map[string]any{"results": f.results, "count": len(f.results)})
	})
	mux.HandleFunc("POST /wba/hosted-did/acknowledge/{rid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.acked = append(f.acked, r.PathValue("rid"))
		f.results = nil
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	return mux
}

func (f *fakeServer) publish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = []map[string]any{{
		"resultID":  "rid-1",
		"requestID": "req-1",
		"success":   true,
		"hostedDIDDocument": map[string]any{
			"id": hostedID,
		},
		"host": "localhost",
		"port": 9527,
	}}
}

func TestCallAgentAPI(t *testing.T) {
	f := &fakeServer{}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	c := client.New(srv.URL)
	out, err := c.CallAgentAPI(context.Background(),
		"did:wba:localhost%3A9527:wba:user:AAAA", "/add",
		map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	echo := out["echo"].(map[string]any)["params"].(map[string]any)
	if echo["a"].(float64) != 1 {
		t.Errorf("echo = %v", out)
	}
}

func TestSubmitAndPoll(t *testing.T) {
	f := &fakeServer{}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	c := client.New(srv.URL)
	sub, err := c.SubmitHostedDID(context.Background(),
		map[string]any{"id": "did:wba:h%3A1:wba:user:x"}, "did:wba:h%3A1:wba:user:x")
	if err != nil || !sub.Success || sub.EstimatedProcessingTime != 300 {
		t.Fatalf("submit = %+v err=%v", sub, err)
	}

	// Result appears after the second poll.
	go func() {
		time.Sleep(30 * time.Millisecond)
		f.publish()
	}()

	saveRoot := t.TempDir()
	results, err := c.PollHostedDID(context.Background(), "x", client.PollOptions{
		Interval:    10 * time.Millisecond,
		MaxAttempts: 50,
		SaveRoot:    saveRoot,
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(results) != 1 || results[0].HostedDID() != hostedID {
		t.Fatalf("results = %+v", results)
	}

	// The identity was persisted and the result acknowledged.
	dir := filepath.Join(saveRoot, "user_hosted_localhost_9527_00112233445566aa")
	if _, err := os.Stat(filepath.Join(dir, "did_document.json")); err != nil {
		t.Errorf("hosted identity not persisted: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.acked) != 1 || f.acked[0] != "rid-1" {
		t.Errorf("acked = %v", f.acked)
	}
}

func TestPoll_exhausted(t *testing.T) {
	f := &fakeServer{}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	c := client.New(srv.URL)
	_, err := c.PollHostedDID(context.Background(), "x", client.PollOptions{
		Interval:    time.Millisecond,
		MaxAttempts: 3,
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checks != 3 {
		t.Errorf("checks = %d", f.checks)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"error","message":"nope"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	_, err := c.HostedDIDStatus(context.Background(), "missing")
	apiErr, ok := err.(*client.APIError)
	if !ok || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
}
