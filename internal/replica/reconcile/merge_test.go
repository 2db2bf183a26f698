package reconcile

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/runsync/runsync/internal/replica/store"
)

func TestMergeFullInsertsAbsent(t *testing.T) {
	s := store.New()
	fetched := schema.NewRun("R1")
	res := MergeFull(s, fetched)

	if res.Outcome != Applied {
		t.Fatalf("Outcome = %v, want applied", res.Outcome)
	}
	if got, _ := res.Store.Get("R1"); got != fetched {
		t.Error("absent run should be inserted as fetched")
	}
}

func TestMergeFullDoesNotOverwriteNewerLocal(t *testing.T) {
	// Local state already has a newer update applied while the fetch of an
	// older snapshot was in flight.
	s := sampleStore(t)
	local := Reconcile(s, decodeUpdate(t, `{"id": "R1", "updated_at": 500, "changed_fields": {"name": "Newer", "checklists": [
		{"id": "C1", "item_updates": [{"id": "I1", "fields": {"state": "Closed"}}]}]}}`), Options{}).Store

	fetched := schema.NewRun("R1")
	fetched.UpdateAt = 300
	fetched.Fields = schema.Fields{"name": schema.String("Older"), "owner_user_id": schema.String("u7")}
	fetched.Checklists["C1"] = schema.NewChecklist("C1", schema.Fields{"title": schema.String("Triage")},
		item("I1", "Open"), item("I2", "Open"), item("I5", "Open"))
	fetched.ChecklistOrder = []string{"C1"}
	fetched.Timeline["E9"] = schema.NewTimelineEvent("E9", schema.Fields{"create_at": schema.Int(70)})

	res := MergeFull(local, fetched)
	r := res.Run

	if r.Name() != "Newer" {
		t.Errorf("name = %q, newer local value must win", r.Name())
	}
	if r.OwnerUserID() != "u7" {
		t.Error("field only present in the fetched run was not merged in")
	}
	if got := r.Checklists["C1"].Items["I1"].State(); got != "Closed" {
		t.Errorf("I1 state = %q, local Closed must survive the merge", got)
	}
	if _, ok := r.Checklists["C1"].Items["I5"]; !ok {
		t.Error("item only present in the fetched run was not merged in")
	}
	if diff := cmp.Diff([]string{"I1", "I2", "I5"}, r.Checklists["C1"].ItemsOrder); diff != "" {
		t.Errorf("ItemsOrder mismatch (-want +got):\n%s", diff)
	}
	if _, ok := r.Timeline["E9"]; !ok {
		t.Error("timeline event from fetch missing")
	}
	if r.UpdateAt != 500 {
		t.Errorf("UpdateAt = %d, want 500", r.UpdateAt)
	}
}

func TestMergeFullNewerFetchWins(t *testing.T) {
	s := sampleStore(t)
	fetched := schema.NewRun("R1")
	fetched.UpdateAt = 900
	fetched.Fields = schema.Fields{"name": schema.String("Server")}
	fetched.Checklists["C1"] = schema.NewChecklist("C1", nil, item("I2", "Closed"), item("I1", "Open"))
	fetched.ChecklistOrder = []string{"C1"}

	r := MergeFull(s, fetched).Run
	if r.Name() != "Server" {
		t.Errorf("name = %q, want Server", r.Name())
	}
	if r.Status() != "InProgress" {
		t.Error("local-only field dropped by merge")
	}
	c := r.Checklists["C1"]
	if c.Items["I2"].State() != "Closed" {
		t.Error("newer fetched item state did not win")
	}
	if diff := cmp.Diff([]string{"I2", "I1"}, c.ItemsOrder); diff != "" {
		t.Errorf("ItemsOrder mismatch (-want +got):\n%s", diff)
	}
	if r.UpdateAt != 900 {
		t.Errorf("UpdateAt = %d, want 900", r.UpdateAt)
	}
}

func TestMergeFullStickyTombstone(t *testing.T) {
	s := Reconcile(sampleStore(t), decodeUpdate(t, `{"id": "R1", "updated_at": 150, "timeline_event_deletes": ["E1"]}`), Options{}).Store

	fetched := schema.NewRun("R1")
	fetched.UpdateAt = 900
	fetched.Timeline["E1"] = schema.NewTimelineEvent("E1", schema.Fields{"create_at": schema.Int(50), "delete_at": schema.Int(0), "summary": schema.String("x")})

	r := MergeFull(s, fetched).Run
	e := r.Timeline["E1"]
	if !e.Deleted() || e.DeleteAt() != 150 {
		t.Errorf("E1 delete_at = %d, tombstone must survive a newer live copy", e.DeleteAt())
	}
	if e.Summary() != "x" {
		t.Error("newer fetched event content should still win")
	}
}

func TestMergeFullSharesUnchanged(t *testing.T) {
	s := sampleStore(t)
	cur := mustGet(t, s, "R1")

	fetched := schema.NewRun("R1")
	fetched.UpdateAt = 10
	fetched.Checklists["C1"] = schema.NewChecklist("C1", schema.Fields{"title": schema.String("Triage")}, item("I1", "Open"), item("I2", "Open"))
	fetched.ChecklistOrder = []string{"C1"}

	r := MergeFull(s, fetched).Run
	if r.Checklists["C1"] != cur.Checklists["C1"] {
		t.Error("checklist with nothing new should stay pointer-identical")
	}
	if got, _ := MergeFull(s, fetched).Store.Get("R2"); got != mustGet(t, s, "R2") {
		t.Error("sibling run copied by MergeFull")
	}
}

// twoListStore builds R1@100 with C1{I1, I2} and C2{I3}.
func twoListStore(t *testing.T) *store.Store {
	t.Helper()
	r := schema.NewRun("R1")
	r.UpdateAt = 100
	r.Checklists["C1"] = schema.NewChecklist("C1", nil, item("I1", "Open"), item("I2", "Open"))
	r.Checklists["C2"] = schema.NewChecklist("C2", nil, item("I3", "Open"))
	r.ChecklistOrder = []string{"C1", "C2"}
	return store.New(r)
}

func TestMergeFullOlderSnapshotKeepsLocalDeletes(t *testing.T) {
	s := twoListStore(t)
	snapshot := mustGet(t, s, "R1").Clone()
	snapshot.Checklists["C1"] = schema.NewChecklist("C1", nil, item("I1", "Open"), item("I2", "Open"), item("I7", "Open"))

	u := decodeUpdate(t, `{"id": "R1", "updated_at": 200, "checklist_deletes": ["C2"], "changed_fields": {"checklists": [
		{"id": "C1", "item_deletes": ["I1"]}]}}`)
	local := Reconcile(s, u, Options{}).Store

	r := MergeFull(local, snapshot).Run
	if _, ok := r.Checklists["C2"]; ok {
		t.Error("C2 deleted at 200 came back from the snapshot taken at 100")
	}
	c := r.Checklists["C1"]
	if _, ok := c.Items["I1"]; ok {
		t.Error("I1 deleted at 200 came back from the snapshot taken at 100")
	}
	if _, ok := c.Items["I7"]; !ok {
		t.Error("item only present in the snapshot was not merged in")
	}
	if diff := cmp.Diff([]string{"C1"}, r.ChecklistOrder); diff != "" {
		t.Errorf("ChecklistOrder mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"I2", "I7"}, c.ItemsOrder); diff != "" {
		t.Errorf("ItemsOrder mismatch (-want +got):\n%s", diff)
	}
	if r.UpdateAt != 200 {
		t.Errorf("UpdateAt = %d, want 200", r.UpdateAt)
	}

	// The deletes still outrank a second copy of the same snapshot.
	again := MergeFull(store.New(r), snapshot).Run
	if _, ok := again.Checklists["C2"]; ok {
		t.Error("C2 came back on a repeated merge")
	}
}

func TestMergeFullNewerSnapshotDropsMissing(t *testing.T) {
	s := twoListStore(t)
	// A local insert the server has since removed again.
	local := Reconcile(s, decodeUpdate(t, `{"id": "R1", "updated_at": 150, "changed_fields": {"checklists": [
		{"id": "C3", "item_inserts": [{"id": "I9", "state": ""}]}]}}`), Options{}).Store

	snapshot := schema.NewRun("R1")
	snapshot.UpdateAt = 300
	snapshot.Checklists["C1"] = schema.NewChecklist("C1", nil, item("I2", "Closed"))
	snapshot.ChecklistOrder = []string{"C1"}

	r := MergeFull(local, snapshot).Run
	for _, id := range []string{"C2", "C3"} {
		if _, ok := r.Checklists[id]; ok {
			t.Errorf("checklist %s missing from the newer snapshot survived the merge", id)
		}
	}
	c := r.Checklists["C1"]
	if _, ok := c.Items["I1"]; ok {
		t.Error("I1 missing from the newer snapshot survived the merge")
	}
	if c.Items["I2"].State() != "Closed" {
		t.Error("newer snapshot item state did not win")
	}
	if diff := cmp.Diff([]string{"C1"}, r.ChecklistOrder); diff != "" {
		t.Errorf("ChecklistOrder mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"I2"}, c.ItemsOrder); diff != "" {
		t.Errorf("ItemsOrder mismatch (-want +got):\n%s", diff)
	}
	if len(r.Edits) != 0 {
		t.Errorf("Edits = %v, the newer snapshot covers every local edit", r.Edits)
	}
}

func TestReconcileRecordsEdits(t *testing.T) {
	u := decodeUpdate(t, `{"id": "R1", "updated_at": 200, "checklist_deletes": ["C2"], "changed_fields": {"checklists": [
		{"id": "C1", "item_deletes": ["I1"], "item_inserts": [{"id": "I4", "state": ""}]},
		{"id": "C5", "item_inserts": [{"id": "I5", "state": ""}]}]}}`)
	r := Reconcile(twoListStore(t), u, Options{}).Run

	want := map[schema.EditKey]schema.Edit{
		{Checklist: "C2"}:             {At: 200, Deleted: true},
		{Checklist: "C1", Item: "I1"}: {At: 200, Deleted: true},
		{Checklist: "C1", Item: "I4"}: {At: 200},
		{Checklist: "C5"}:             {At: 200},
		{Checklist: "C5", Item: "I5"}: {At: 200},
	}
	if diff := cmp.Diff(want, r.Edits); diff != "" {
		t.Errorf("Edits mismatch (-want +got):\n%s", diff)
	}
	if mustGet(t, twoListStore(t), "R1").Edits != nil {
		t.Error("fresh run should carry no edits")
	}
}
