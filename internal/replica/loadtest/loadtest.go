// Package loadtest drives the reconciler and the engine with synthetic runs
// and updates and reports latency percentiles.
//
// Two modes are provided. RunReconcile measures the pure reconcile step,
// one update at a time against an in-memory store. RunEngine starts a full
// engine with an in-memory fetch client, seeds part of the runs and leaves
// the rest unknown so their first updates go through the miss/fetch/replay
// path, then submits every update from concurrent workers and measures the
// time from submit to publish.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/runsync/runsync/internal/replica/decode"
	"github.com/runsync/runsync/internal/replica/engine"
	"github.com/runsync/runsync/internal/replica/fetch"
	"github.com/runsync/runsync/internal/replica/notify"
	"github.com/runsync/runsync/internal/replica/reconcile"
	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/runsync/runsync/internal/replica/store"
	"gopkg.in/yaml.v3"
)

// Profile describes a synthetic workload.
type Profile struct {
	Runs              int           `yaml:"runs"`
	ChecklistsPerRun  int           `yaml:"checklists_per_run"`
	ItemsPerChecklist int           `yaml:"items_per_checklist"`
	UpdatesPerRun     int           `yaml:"updates_per_run"`
	Workers           int           `yaml:"workers"`
	UnknownPct        float64       `yaml:"unknown_pct"` // share of runs not seeded
	FetchDelay        time.Duration `yaml:"fetch_delay"`
	Seed              int64         `yaml:"seed"`
}

// DefaultProfile returns a small workload.
func DefaultProfile() Profile {
	return Profile{
		Runs:              100,
		ChecklistsPerRun:  3,
		ItemsPerChecklist: 10,
		UpdatesPerRun:     20,
		Workers:           8,
		UnknownPct:        0.1,
		FetchDelay:        5 * time.Millisecond,
		Seed:              42,
	}
}

// LoadProfile reads a YAML profile. Keys left out keep their defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return p, p.Validate()
}

// Validate checks the profile for impossible values.
func (p Profile) Validate() error {
	switch {
	case p.Runs < 1:
		return fmt.Errorf("runs must be at least 1")
	case p.ChecklistsPerRun < 1 || p.ItemsPerChecklist < 1:
		return fmt.Errorf("each run needs at least one checklist with one item")
	case p.UpdatesPerRun < 0:
		return fmt.Errorf("updates_per_run cannot be negative")
	case p.Workers < 1:
		return fmt.Errorf("workers must be at least 1")
	case p.UnknownPct < 0 || p.UnknownPct > 1:
		return fmt.Errorf("unknown_pct must be between 0 and 1")
	}
	return nil
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// Report is the outcome of one load test.
type Report struct {
	Mode     string
	Updates  int
	Elapsed  time.Duration
	Latency  *LatencyStats
	Outcomes map[string]int
	Engine   *engine.Stats
	Fetch    *fetch.Stats
}

// Workload is a generated data set.
type Workload struct {
	Runs    []*schema.Run
	Updates map[string][]*decode.Update // per run, in timestamp order
}

const baseTime int64 = 1_700_000_000_000

var itemStates = []string{"", "in_progress", "closed", "skipped"}

// Generate builds a deterministic workload from p.
func Generate(p Profile) *Workload {
	rng := rand.New(rand.NewSource(p.Seed))
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("runsync-loadtest-%d", p.Seed)))

	w := &Workload{Updates: make(map[string][]*decode.Update, p.Runs)}
	for i := 0; i < p.Runs; i++ {
		id := uuid.NewSHA1(ns, []byte(fmt.Sprintf("run-%d", i))).String()
		run := generateRun(p, id, i)
		w.Runs = append(w.Runs, run)
		w.Updates[id] = generateUpdates(p, run, rng, ns)
	}
	return w
}

func generateRun(p Profile, id string, n int) *schema.Run {
	run := schema.NewRun(id)
	run.UpdateAt = baseTime
	run.Fields = schema.Fields{
		"name":           schema.String(fmt.Sprintf("Load test run %d", n)),
		"current_status": schema.String("InProgress"),
		"owner_user_id":  schema.String(fmt.Sprintf("user-%d", n%7)),
		"channel_id":     schema.String(fmt.Sprintf("channel-%d", n%10)),
		"create_at":      schema.Int(baseTime),
	}
	for c := 0; c < p.ChecklistsPerRun; c++ {
		var items []*schema.Item
		for it := 0; it < p.ItemsPerChecklist; it++ {
			items = append(items, schema.NewItem(fmt.Sprintf("item-%d-%d", c, it), schema.Fields{
				"title": schema.String(fmt.Sprintf("Step %d", it+1)),
				"state": schema.String(""),
			}))
		}
		cl := schema.NewChecklist(fmt.Sprintf("checklist-%d", c), schema.Fields{"title": schema.String(fmt.Sprintf("Stage %d", c+1))}, items...)
		run.Checklists[cl.ID] = cl
		run.ChecklistOrder = append(run.ChecklistOrder, cl.ID)
	}
	return run
}

// generateUpdates mixes item state changes (70%), run field changes (20%)
// and timeline events (10%).
func generateUpdates(p Profile, run *schema.Run, rng *rand.Rand, ns uuid.UUID) []*decode.Update {
	updates := make([]*decode.Update, 0, p.UpdatesPerRun)
	for j := 0; j < p.UpdatesPerRun; j++ {
		u := &decode.Update{
			ID:            run.ID,
			UpdatedAt:     baseTime + int64(j) + 1,
			ChangedFields: schema.Fields{},
		}
		switch roll := rng.Intn(10); {
		case roll < 7:
			c := rng.Intn(p.ChecklistsPerRun)
			it := rng.Intn(p.ItemsPerChecklist)
			u.Checklists = []decode.ChecklistUpdate{{
				ID: fmt.Sprintf("checklist-%d", c),
				ItemUpdates: []decode.ItemPatch{{
					ID:     fmt.Sprintf("item-%d-%d", c, it),
					Fields: schema.Fields{"state": schema.String(itemStates[rng.Intn(len(itemStates))])},
				}},
			}}
		case roll < 9:
			u.ChangedFields["current_status"] = schema.String([]string{"InProgress", "Finished"}[rng.Intn(2)])
			u.ChangedFields["last_status_update_at"] = schema.Int(u.UpdatedAt)
		default:
			evID := uuid.NewSHA1(ns, []byte(fmt.Sprintf("%s-event-%d", run.ID, j))).String()
			u.TimelineEvents = []*schema.TimelineEvent{schema.NewTimelineEvent(evID, schema.Fields{
				"event_type": schema.String("status_updated"),
				"summary":    schema.String(fmt.Sprintf("Update %d", j)),
				"create_at":  schema.Int(u.UpdatedAt),
			})}
		}
		updates = append(updates, u)
	}
	return updates
}

// RunReconcile applies every update of the workload to an in-memory store
// and times each Reconcile call.
func RunReconcile(p Profile) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	w := Generate(p)
	s := store.New(w.Runs...)

	// Interleave runs so the store grows and shares like a live replica.
	var all []*decode.Update
	for j := 0; j < p.UpdatesPerRun; j++ {
		for _, run := range w.Runs {
			all = append(all, w.Updates[run.ID][j])
		}
	}

	outcomes := make(map[string]int)
	durations := make([]time.Duration, 0, len(all))
	start := time.Now()
	for _, u := range all {
		t0 := time.Now()
		res := reconcile.Reconcile(s, u, reconcile.Options{})
		durations = append(durations, time.Since(t0))
		outcomes[res.Outcome.String()]++
		s = res.Store
	}

	stats := computeLatencyStats(durations)
	stats.Errors = len(all) - outcomes[reconcile.Applied.String()]
	return &Report{
		Mode:     "reconcile",
		Updates:  len(all),
		Elapsed:  time.Since(start),
		Latency:  stats,
		Outcomes: outcomes,
	}, nil
}

// MemoryClient serves full runs from memory after an optional delay.
type MemoryClient struct {
	Delay time.Duration

	mu   sync.RWMutex
	runs map[string]*schema.Run
}

// NewMemoryClient creates a client serving runs.
func NewMemoryClient(delay time.Duration, runs ...*schema.Run) *MemoryClient {
	c := &MemoryClient{Delay: delay, runs: make(map[string]*schema.Run, len(runs))}
	for _, r := range runs {
		c.runs[r.ID] = r
	}
	return c
}

// FetchRun implements fetch.Client.
func (c *MemoryClient) FetchRun(ctx context.Context, id string) (*schema.Run, error) {
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	run, ok := c.runs[id]
	if !ok {
		return nil, fetch.ErrNotFound
	}
	return run, nil
}

type pubKey struct {
	runID string
	at    int64
}

// RunEngine pushes the workload through a live engine. Latency is measured
// from submit to the publish that first reflects the update; updates
// folded into a later publish are not sampled.
func RunEngine(ctx context.Context, p Profile) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.UpdatesPerRun < 1 {
		return nil, fmt.Errorf("engine mode needs at least one update per run")
	}
	w := Generate(p)

	unknown := int(float64(p.Runs) * p.UnknownPct)
	seeded := w.Runs[unknown:]

	n := notify.New(quietLogger())
	defer n.Close()

	cfg := engine.DefaultConfig()
	cfg.Logger = quietLogger()
	eng, err := engine.New(NewMemoryClient(p.FetchDelay, w.Runs...), n, cfg)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := eng.Seed(ctx, seeded); err != nil {
		return nil, fmt.Errorf("failed to seed engine: %w", err)
	}

	var (
		mu        sync.Mutex
		submitted = make(map[pubKey]time.Time)
		durations []time.Duration
	)
	n.Subscribe(func(c notify.Change) {
		if c.Removed() {
			return
		}
		now := time.Now()
		mu.Lock()
		defer mu.Unlock()
		k := pubKey{c.RunID, c.Run.UpdateAt}
		if t0, ok := submitted[k]; ok {
			durations = append(durations, now.Sub(t0))
			delete(submitted, k)
		}
	})

	// Each run belongs to one worker so its updates arrive in order.
	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, p.Workers)
	for wk := 0; wk < p.Workers; wk++ {
		wg.Add(1)
		go func(wk int) {
			defer wg.Done()
			for i := wk; i < len(w.Runs); i += p.Workers {
				for _, u := range w.Updates[w.Runs[i].ID] {
					mu.Lock()
					submitted[pubKey{u.ID, u.UpdatedAt}] = time.Now()
					mu.Unlock()
					if err := eng.SubmitUpdate(ctx, u); err != nil {
						errs <- err
						return
					}
				}
			}
		}(wk)
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return nil, fmt.Errorf("submit failed: %w", err)
	}

	if err := waitConverged(ctx, eng, w, p); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	eng.WaitFetches()

	mu.Lock()
	stats := computeLatencyStats(durations)
	mu.Unlock()

	es := eng.Stats()
	fs := eng.FetchStats()
	stats.Errors = int(es.FetchFailed + es.DecodeErrors)
	return &Report{
		Mode:    "engine",
		Updates: p.Runs * p.UpdatesPerRun,
		Elapsed: elapsed,
		Latency: stats,
		Outcomes: map[string]int{
			reconcile.Applied.String(): int(es.Applied),
			reconcile.Miss.String():    int(es.Misses),
			reconcile.Stale.String():   int(es.Stale),
			"replayed":                 int(es.Replayed),
		},
		Engine: &es,
		Fetch:  &fs,
	}, nil
}

// waitConverged polls until every run carries its last update.
func waitConverged(ctx context.Context, eng *engine.Engine, w *Workload, p Profile) error {
	want := baseTime + int64(p.UpdatesPerRun)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap := eng.Snapshot()
		converged := true
		for _, run := range w.Runs {
			got, ok := snap.Get(run.ID)
			if !ok || got.UpdateAt < want {
				converged = false
				break
			}
		}
		if converged {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("engine did not converge: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Samples:       %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
