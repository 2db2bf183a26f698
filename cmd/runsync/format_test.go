package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/muesli/termenv"
	"gopkg.in/yaml.v3"

	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/runsync/runsync/internal/ui"
)

func sampleRun() *schema.Run {
	r := schema.NewRun("r1")
	r.UpdateAt = 1_700_000_000_000
	r.Fields = schema.Fields{
		"name":           schema.String("Outage"),
		"current_status": schema.String("InProgress"),
		"owner_user_id":  schema.String("u1"),
	}
	cl := schema.NewChecklist("c1", schema.Fields{"title": schema.String("Triage")},
		schema.NewItem("i1", schema.Fields{"title": schema.String("Page oncall"), "state": schema.String("closed")}),
		schema.NewItem("i2", schema.Fields{"title": schema.String("Write summary"), "state": schema.String("")}),
		schema.NewItem("i3", schema.Fields{"title": schema.String("Gone"), "delete_at": schema.Int(5)}),
	)
	r.Checklists[cl.ID] = cl
	r.ChecklistOrder = []string{"c1"}
	r.Timeline["t1"] = schema.NewTimelineEvent("t1", schema.Fields{"create_at": schema.Int(1000), "event_type": schema.String("incident_created")})
	r.Timeline["t2"] = schema.NewTimelineEvent("t2", schema.Fields{"create_at": schema.Int(5000), "event_type": schema.String("status_updated")})
	r.Timeline["t3"] = schema.NewTimelineEvent("t3", schema.Fields{"create_at": schema.Int(6000), "delete_at": schema.Int(7000)})
	return r
}

func TestWriteRun(t *testing.T) {
	ui.SetProfile(termenv.Ascii)
	run := sampleRun()

	var text bytes.Buffer
	if err := writeRun(&text, run, "text"); err != nil {
		t.Fatalf("writeRun(text) failed: %v", err)
	}
	for _, want := range []string{"Outage", "InProgress", "1/2 done", "[x] Page oncall", "[ ] Write summary"} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("text output missing %q:\n%s", want, text.String())
		}
	}
	if strings.Contains(text.String(), "Gone") {
		t.Errorf("text output lists a deleted item:\n%s", text.String())
	}

	var y bytes.Buffer
	if err := writeRun(&y, run, "yaml"); err != nil {
		t.Fatalf("writeRun(yaml) failed: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(y.Bytes(), &doc); err != nil {
		t.Fatalf("yaml output does not parse: %v", err)
	}
	if doc["id"] != "r1" || doc["name"] != "Outage" {
		t.Errorf("yaml doc = %v", doc)
	}

	var j bytes.Buffer
	if err := writeRun(&j, run, "json"); err != nil {
		t.Fatalf("writeRun(json) failed: %v", err)
	}
	back, err := schema.DecodeRun(j.Bytes())
	if err != nil {
		t.Fatalf("json output does not decode: %v", err)
	}
	if back.Name() != "Outage" {
		t.Errorf("json round trip name = %q", back.Name())
	}

	if err := writeRun(&j, run, "xml"); err == nil {
		t.Error("writeRun(xml) succeeded, want error")
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"90m", now.Add(-90 * time.Minute), false},
		{"2024-05-01T00:00:00Z", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), false},
		{"2 hours ago", now.Add(-2 * time.Hour), false},
		{"blorp", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseSince(tt.in, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSince(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if d := got.Sub(tt.want); d < -time.Minute || d > time.Minute {
			t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTimelineSince(t *testing.T) {
	run := sampleRun()
	tests := []struct {
		name  string
		since time.Time
		all   bool
		want  []string
	}{
		{"everything live", time.Time{}, false, []string{"t1", "t2"}},
		{"with deleted", time.Time{}, true, []string{"t1", "t2", "t3"}},
		{"since", time.UnixMilli(2000), false, []string{"t2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, ev := range timelineSince(run, tt.since, tt.all) {
				got = append(got, ev.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("timelineSince() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadDocuments(t *testing.T) {
	dir := t.TempDir()
	single := filepath.Join(dir, "one.json")
	lines := filepath.Join(dir, "many.jsonl")
	if err := os.WriteFile(single, []byte("  {\"id\": \"r1\"}\n"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := os.WriteFile(lines, []byte("{\"a\": 1}\n\n{\"b\": 2}\n"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	docs, err := readDocuments(single)
	if err != nil || len(docs) != 1 || string(docs[0]) != `{"id": "r1"}` {
		t.Errorf("readDocuments(json) = %q, %v", docs, err)
	}
	docs, err = readDocuments(lines)
	if err != nil || len(docs) != 2 {
		t.Errorf("readDocuments(jsonl) = %q, %v", docs, err)
	}
	if _, err := readDocuments(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("readDocuments(missing) succeeded, want error")
	}
}

func TestMaskToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"abc", "****"},
		{"abcdefgh", "****efgh"},
	}
	for _, tt := range tests {
		if got := maskToken(tt.in); got != tt.want {
			t.Errorf("maskToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
