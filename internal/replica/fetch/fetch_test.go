package fetch

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runsync/runsync/internal/replica/schema"
)

func TestHTTPClientFetchRun(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case RunsPath + "run-1":
			w.Write([]byte(`{"id": "run-1", "name": "Outage", "update_at": 42, "checklists": [{"id": "c1", "items": [{"id": "i1"}]}]}`))
		case RunsPath + "gone":
			http.Error(w, "not found", http.StatusNotFound)
		case RunsPath + "secret":
			http.Error(w, "forbidden", http.StatusForbidden)
		case RunsPath + "broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		case RunsPath + "garbage":
			w.Write([]byte(`{not json`))
		case RunsPath + "other":
			w.Write([]byte(`{"id": "run-1"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", WithToken("tok"))
	ctx := context.Background()

	run, err := c.FetchRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("FetchRun() failed: %v", err)
	}
	if run.Name() != "Outage" || run.UpdateAt != 42 || len(run.Checklists) != 1 {
		t.Errorf("FetchRun() = %+v", run)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", gotAuth)
	}

	tests := []struct {
		id    string
		check func(error) bool
	}{
		{"gone", func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{"secret", func(err error) bool { return errors.Is(err, ErrForbidden) }},
		{"broken", func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.StatusCode == http.StatusInternalServerError
		}},
		{"garbage", func(err error) bool { return err != nil }},
		{"other", func(err error) bool { return err != nil }},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			_, err := c.FetchRun(ctx, tt.id)
			if !tt.check(err) {
				t.Errorf("FetchRun(%s) error = %v", tt.id, err)
			}
		})
	}
}

func TestHTTPClientDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, WithAttempts(3, time.Millisecond))
	if _, err := c.FetchRun(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FetchRun() error = %v, want ErrNotFound", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
}

// gatedClient blocks every fetch until release is closed.
type gatedClient struct {
	release chan struct{}
	calls   atomic.Int32

	mu       sync.Mutex
	inFlight int
	maxSeen  int
	errs     map[string]error
}

func newGatedClient() *gatedClient {
	return &gatedClient{release: make(chan struct{}), errs: map[string]error{}}
}

func (g *gatedClient) FetchRun(ctx context.Context, id string) (*schema.Run, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.maxSeen {
		g.maxSeen = g.inFlight
	}
	err := g.errs[id]
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return schema.NewRun(id), nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestFallbackDeduplicates(t *testing.T) {
	client := newGatedClient()
	results := make(chan Result, 4)
	f, err := NewFallback(client, Config{
		MaxConcurrent: 4,
		OnResult:      func(r Result) { results <- r },
		Logger:        quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewFallback() failed: %v", err)
	}

	ctx := context.Background()
	started := 0
	for i := 0; i < 3; i++ {
		if f.Trigger(ctx, "R2") {
			started++
		}
	}
	if started != 1 {
		t.Errorf("Trigger() started %d fetches, want 1", started)
	}
	if !f.Pending("R2") {
		t.Error("R2 should be pending")
	}

	close(client.release)
	f.Wait()

	if got := client.calls.Load(); got != 1 {
		t.Errorf("client saw %d fetches, want 1", got)
	}
	r := <-results
	if r.ID != "R2" || r.Err != nil || r.Run == nil {
		t.Errorf("result = %+v", r)
	}
	if f.Pending("R2") {
		t.Error("pending entry not cleared after completion")
	}

	st := f.Stats()
	if st.Started != 1 || st.Deduplicated != 2 || st.Succeeded != 1 {
		t.Errorf("Stats() = %+v", st)
	}

	// Cleared: a later miss fetches again.
	if !f.Trigger(ctx, "R2") {
		t.Error("Trigger() after completion should start a new fetch")
	}
	f.Wait()
}

func TestFallbackFailureClearsPending(t *testing.T) {
	client := newGatedClient()
	client.errs["R3"] = ErrForbidden
	close(client.release)

	results := make(chan Result, 1)
	f, err := NewFallback(client, Config{MaxConcurrent: 1, OnResult: func(r Result) { results <- r }, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewFallback() failed: %v", err)
	}

	f.Trigger(context.Background(), "R3")
	f.Wait()

	r := <-results
	if !errors.Is(r.Err, ErrForbidden) {
		t.Errorf("result error = %v, want ErrForbidden", r.Err)
	}
	if f.Pending("R3") {
		t.Error("pending entry not cleared after failure")
	}
	if f.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", f.Stats().Failed)
	}
}

func TestFallbackBoundsConcurrency(t *testing.T) {
	client := newGatedClient()
	f, err := NewFallback(client, Config{MaxConcurrent: 1, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewFallback() failed: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		f.Trigger(context.Background(), id)
	}
	time.Sleep(20 * time.Millisecond)
	close(client.release)
	f.Wait()

	if client.maxSeen != 1 {
		t.Errorf("max concurrent fetches = %d, want 1", client.maxSeen)
	}
	if got := client.calls.Load(); got != 3 {
		t.Errorf("client saw %d fetches, want 3", got)
	}
}

func TestNewFallbackValidation(t *testing.T) {
	if _, err := NewFallback(nil, DefaultConfig()); err == nil {
		t.Error("NewFallback(nil) succeeded, want error")
	}
	if _, err := NewFallback(newGatedClient(), Config{MaxConcurrent: 0}); err == nil {
		t.Error("NewFallback() with MaxConcurrent 0 succeeded, want error")
	}
}

func TestFallbackClearsPendingBeforeDelivery(t *testing.T) {
	client := newGatedClient()
	close(client.release)

	type delivery struct {
		pending     bool
		retriggered bool
	}
	deliveries := make(chan delivery, 2)
	var (
		f    *Fallback
		err  error
		once sync.Once
	)
	f, err = NewFallback(client, Config{
		MaxConcurrent: 1,
		Logger:        quietLogger(),
		OnResult: func(r Result) {
			d := delivery{pending: f.Pending(r.ID)}
			once.Do(func() { d.retriggered = f.Trigger(context.Background(), r.ID) })
			deliveries <- d
		},
	})
	if err != nil {
		t.Fatalf("NewFallback() failed: %v", err)
	}

	f.Trigger(context.Background(), "R4")
	f.Wait()

	first, second := <-deliveries, <-deliveries
	if first.pending || second.pending {
		t.Error("Pending() reported true while the result was being delivered")
	}
	if !first.retriggered {
		t.Error("Trigger() during delivery was deduplicated against the finished fetch")
	}
	if got := f.Stats().Started; got != 2 {
		t.Errorf("Started = %d, want 2", got)
	}
}
