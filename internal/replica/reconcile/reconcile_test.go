package reconcile

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/runsync/runsync/internal/replica/decode"
	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/runsync/runsync/internal/replica/store"
)

func item(id, state string) *schema.Item {
	return schema.NewItem(id, schema.Fields{"state": schema.String(state)})
}

// sampleStore builds R1{C1{I1 Open, I2 Open}} and an unrelated R2.
func sampleStore(t *testing.T) *store.Store {
	t.Helper()
	r1 := schema.NewRun("R1")
	r1.UpdateAt = 100
	r1.Fields = schema.Fields{"name": schema.String("Outage"), "current_status": schema.String("InProgress")}
	c1 := schema.NewChecklist("C1", schema.Fields{"title": schema.String("Triage")}, item("I1", "Open"), item("I2", "Open"))
	r1.Checklists["C1"] = c1
	r1.ChecklistOrder = []string{"C1"}
	r1.Timeline["E1"] = schema.NewTimelineEvent("E1", schema.Fields{"create_at": schema.Int(50), "delete_at": schema.Int(0)})

	r2 := schema.NewRun("R2")
	r2.Fields = schema.Fields{"name": schema.String("Other")}
	return store.New(r1, r2)
}

func mustGet(t *testing.T, s *store.Store, id string) *schema.Run {
	t.Helper()
	r, ok := s.Get(id)
	if !ok {
		t.Fatalf("run %s missing from store", id)
	}
	return r
}

func decodeUpdate(t *testing.T, raw string) *decode.Update {
	t.Helper()
	u, err := decode.DecodeUpdate([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeUpdate() failed: %v", err)
	}
	return u
}

var equateEmpty = cmpopts.EquateEmpty()

func TestExampleItemUpdate(t *testing.T) {
	s := sampleStore(t)
	before := mustGet(t, s, "R1")
	i2Before := before.Checklists["C1"].Items["I2"]

	u := &decode.Update{
		ID: "R1",
		Checklists: []decode.ChecklistUpdate{{
			ID:          "C1",
			ItemUpdates: []decode.ItemPatch{{ID: "I1", Fields: schema.Fields{"state": schema.String("Closed")}}},
		}},
	}
	res := Reconcile(s, u, Options{})
	if res.Outcome != Applied {
		t.Fatalf("Outcome = %v, want applied", res.Outcome)
	}

	after := mustGet(t, res.Store, "R1")
	if got := after.Checklists["C1"].Items["I1"].State(); got != "Closed" {
		t.Errorf("I1 state = %q, want Closed", got)
	}
	if after.Checklists["C1"].Items["I2"] != i2Before {
		t.Error("I2 is not reference-identical after the update")
	}
	if before.Checklists["C1"].Items["I1"].State() != "Open" {
		t.Error("input store was mutated")
	}
	if after.Timeline["E1"] != before.Timeline["E1"] {
		t.Error("untouched timeline event was copied")
	}
}

func TestStructuralSharing(t *testing.T) {
	s := sampleStore(t)
	r2 := mustGet(t, s, "R2")

	res := Reconcile(s, decodeUpdate(t, `{"id": "R1", "updated_at": 200, "changed_fields": {"name": "Renamed"}}`), Options{})
	if got := mustGet(t, res.Store, "R2"); got != r2 {
		t.Error("sibling run R2 is not reference-identical after updating R1")
	}
	before := mustGet(t, s, "R1")
	after := mustGet(t, res.Store, "R1")
	if after == before {
		t.Fatal("updated run was not cloned")
	}
	if after.Checklists["C1"] != before.Checklists["C1"] {
		t.Error("untouched checklist was copied")
	}
}

func TestIdempotence(t *testing.T) {
	updates := []string{
		`{"id": "R1", "updated_at": 200, "changed_fields": {"name": "Renamed"}}`,
		`{"id": "R1", "updated_at": 200, "changed_fields": {"checklists": [
			{"id": "C1", "item_updates": [{"id": "I1", "fields": {"state": "Closed"}}], "items_order": ["I2", "I1"]}]}}`,
		`{"id": "R1", "updated_at": 200, "changed_fields": {"checklists": [
			{"id": "C2", "fields": {"title": "New"}, "item_inserts": [{"id": "I9", "state": ""}]}]}}`,
		`{"id": "R1", "updated_at": 200, "changed_fields": {"checklists": [
			{"id": "C1", "item_inserts": [{"id": "I3", "state": ""}], "item_deletes": ["I2"]}]}}`,
		`{"id": "R1", "updated_at": 200, "changed_fields": {"timeline_events": [
			{"id": "E2", "create_at": 60, "delete_at": 0}]}, "timeline_event_deletes": ["E1"]}`,
		`{"id": "R1", "updated_at": 200, "checklist_deletes": ["C1"]}`,
	}

	for _, raw := range updates {
		u := decodeUpdate(t, raw)
		once := Reconcile(sampleStore(t), u, Options{})
		twice := Reconcile(once.Store, u, Options{})

		a := mustGet(t, once.Store, "R1")
		b := mustGet(t, twice.Store, "R1")
		if diff := cmp.Diff(a, b, equateEmpty); diff != "" {
			t.Errorf("update %s is not idempotent (-once +twice):\n%s", raw, diff)
		}
	}
}

func TestDisjointFieldCommutativity(t *testing.T) {
	a := decodeUpdate(t, `{"id": "R1", "updated_at": 300, "changed_fields": {"name": "A", "checklists": [
		{"id": "C1", "item_updates": [{"id": "I1", "fields": {"state": "Closed"}}]}]}}`)
	b := decodeUpdate(t, `{"id": "R1", "updated_at": 250, "changed_fields": {"current_status": "Finished", "checklists": [
		{"id": "C1", "item_updates": [{"id": "I2", "fields": {"assignee_id": "u1"}}]}]}}`)

	ab := Reconcile(Reconcile(sampleStore(t), a, Options{}).Store, b, Options{})
	ba := Reconcile(Reconcile(sampleStore(t), b, Options{}).Store, a, Options{})

	if diff := cmp.Diff(mustGet(t, ab.Store, "R1"), mustGet(t, ba.Store, "R1"), equateEmpty); diff != "" {
		t.Errorf("A·B != B·A (-ab +ba):\n%s", diff)
	}
	if got := mustGet(t, ab.Store, "R1").UpdateAt; got != 300 {
		t.Errorf("UpdateAt = %d, want 300", got)
	}
}

func TestAuthoritativeOrderReplacement(t *testing.T) {
	u := decodeUpdate(t, `{"id": "R1", "changed_fields": {"checklists": [{"id": "C1", "items_order": ["I2", "I1"]}]}}`)
	res := Reconcile(sampleStore(t), u, Options{})

	got := mustGet(t, res.Store, "R1").Checklists["C1"].ItemsOrder
	if diff := cmp.Diff([]string{"I2", "I1"}, got); diff != "" {
		t.Errorf("ItemsOrder mismatch (-want +got):\n%s", diff)
	}
}

func TestOrderReplacementAfterInsert(t *testing.T) {
	u := decodeUpdate(t, `{"id": "R1", "changed_fields": {"checklists": [
		{"id": "C1", "item_inserts": [{"id": "I3"}], "items_order": ["I3", "I1"]}]}}`)
	res := Reconcile(sampleStore(t), u, Options{})

	c := mustGet(t, res.Store, "R1").Checklists["C1"]
	if diff := cmp.Diff([]string{"I3", "I1"}, c.ItemsOrder); diff != "" {
		t.Errorf("ItemsOrder mismatch (-want +got):\n%s", diff)
	}
	var shown []string
	for _, it := range c.OrderedItems() {
		shown = append(shown, it.ID)
	}
	if diff := cmp.Diff([]string{"I3", "I1", "I2"}, shown); diff != "" {
		t.Errorf("OrderedItems() mismatch (-want +got):\n%s", diff)
	}
}

func TestMiss(t *testing.T) {
	s := sampleStore(t)
	res := Reconcile(s, decodeUpdate(t, `{"id": "R9", "changed_fields": {"name": "x"}}`), Options{})
	if res.Outcome != Miss {
		t.Errorf("Outcome = %v, want miss", res.Outcome)
	}
	if res.Store != s || res.Run != nil {
		t.Error("Miss must return the input store unchanged and no run")
	}
}

func TestEmptyChangedFieldsIsNoOpClone(t *testing.T) {
	s := sampleStore(t)
	res := Reconcile(s, decodeUpdate(t, `{"id": "R1", "changed_fields": {}}`), Options{})
	if res.Outcome != Applied {
		t.Fatalf("Outcome = %v, want applied", res.Outcome)
	}
	if diff := cmp.Diff(mustGet(t, s, "R1"), res.Run, equateEmpty); diff != "" {
		t.Errorf("empty update changed the run (-before +after):\n%s", diff)
	}
}

func TestNestedInconsistency(t *testing.T) {
	u := decodeUpdate(t, `{"id": "R1", "updated_at": 200, "changed_fields": {"name": "Kept", "checklists": [
		{"id": "GHOST", "item_updates": [{"id": "I1", "fields": {"state": "Closed"}}]},
		{"id": "C1", "item_updates": [{"id": "I2", "fields": {"state": "Closed"}}]}]}}`)
	res := Reconcile(sampleStore(t), u, Options{})

	if res.Outcome != Applied {
		t.Fatalf("Outcome = %v, want applied", res.Outcome)
	}
	if len(res.Inconsistencies) != 1 || res.Inconsistencies[0].ChecklistID != "GHOST" {
		t.Fatalf("Inconsistencies = %v, want one for GHOST", res.Inconsistencies)
	}
	r := res.Run
	if _, ok := r.Checklists["GHOST"]; ok {
		t.Error("pure patch created a checklist")
	}
	if r.Name() != "Kept" {
		t.Errorf("name = %q, rest of the update must still apply", r.Name())
	}
	if r.Checklists["C1"].Items["I2"].State() != "Closed" {
		t.Error("sibling checklist update was not applied")
	}
}

func TestChecklistCreation(t *testing.T) {
	u := decodeUpdate(t, `{"id": "R1", "changed_fields": {"checklists": [
		{"id": "C2", "fields": {"title": "Comms"}, "item_inserts": [{"id": "A", "state": ""}, {"id": "B", "state": ""}]},
		{"id": "C3", "item_inserts": []}]}}`)
	res := Reconcile(sampleStore(t), u, Options{})

	r := res.Run
	if diff := cmp.Diff([]string{"C1", "C2", "C3"}, r.ChecklistOrder); diff != "" {
		t.Errorf("ChecklistOrder mismatch (-want +got):\n%s", diff)
	}
	c2 := r.Checklists["C2"]
	if c2.Title() != "Comms" {
		t.Errorf("C2 title = %q, want Comms", c2.Title())
	}
	if diff := cmp.Diff([]string{"A", "B"}, c2.ItemsOrder); diff != "" {
		t.Errorf("C2 ItemsOrder mismatch (-want +got):\n%s", diff)
	}
	if c3, ok := r.Checklists["C3"]; !ok || len(c3.Items) != 0 {
		t.Error("empty item_inserts should create an empty checklist")
	}
}

func TestItemDeletesAndUpserts(t *testing.T) {
	u := decodeUpdate(t, `{"id": "R1", "changed_fields": {"checklists": [
		{"id": "C1", "item_deletes": ["I1"], "item_updates": [{"id": "I4", "fields": {"state": "Open"}}],
		 "item_inserts": [{"id": "I2", "title": "renamed"}]}]}}`)
	res := Reconcile(sampleStore(t), u, Options{})

	c := res.Run.Checklists["C1"]
	if _, ok := c.Items["I1"]; ok {
		t.Error("I1 was not deleted")
	}
	if diff := cmp.Diff([]string{"I2", "I4"}, c.ItemsOrder); diff != "" {
		t.Errorf("ItemsOrder mismatch (-want +got):\n%s", diff)
	}
	i2 := c.Items["I2"]
	if i2.State() != "Open" || i2.Fields.String("title") != "renamed" {
		t.Errorf("insert of existing I2 should merge per field, got %v", i2.Fields)
	}
}

func TestReservedFieldsIgnored(t *testing.T) {
	res := Reconcile(sampleStore(t), decodeUpdate(t, `{"id": "R1", "changed_fields": {"id": "HIJACK", "update_at": 1}}`), Options{})
	if res.Run.ID != "R1" || res.Run.UpdateAt != 100 {
		t.Errorf("reserved fields were applied: id=%q update_at=%d", res.Run.ID, res.Run.UpdateAt)
	}
	if res.Run.Fields.Has("id") || res.Run.Fields.Has("update_at") {
		t.Error("reserved keys leaked into Fields")
	}
}

func TestTimelineUpsertAndTombstone(t *testing.T) {
	u := decodeUpdate(t, `{"id": "R1", "updated_at": 400, "changed_fields": {"timeline_events": [
		{"id": "E0", "create_at": 10, "delete_at": 0},
		{"id": "E1", "create_at": 50, "delete_at": 0, "summary": "edited"}]},
		"timeline_event_deletes": ["E0", "MISSING"]}`)
	res := Reconcile(sampleStore(t), u, Options{})

	r := res.Run
	if len(r.Timeline) != 2 {
		t.Fatalf("got %d events, want 2", len(r.Timeline))
	}
	if r.Timeline["E1"].Summary() != "edited" {
		t.Error("E1 was not replaced")
	}
	if got := r.Timeline["E0"].DeleteAt(); got != 400 {
		t.Errorf("E0 delete_at = %d, want 400", got)
	}
	sorted := r.TimelineSorted()
	if sorted[0].ID != "E0" || sorted[1].ID != "E1" {
		t.Errorf("TimelineSorted() = %s,%s, want E0,E1", sorted[0].ID, sorted[1].ID)
	}

	again := Reconcile(res.Store, decodeUpdate(t, `{"id": "R1", "updated_at": 900, "timeline_event_deletes": ["E0"]}`), Options{})
	if got := again.Run.Timeline["E0"].DeleteAt(); got != 400 {
		t.Errorf("existing tombstone overwritten: delete_at = %d, want 400", got)
	}
}

func TestStatusPostTombstone(t *testing.T) {
	s := Reconcile(sampleStore(t), decodeUpdate(t, `{"id": "R1", "changed_fields": {"status_posts": [{"id": "P1", "create_at": 5, "delete_at": 0}]}}`), Options{}).Store
	res := Reconcile(s, decodeUpdate(t, `{"id": "R1", "status_post_deletes": ["P1"]}`), Options{})

	if got := res.Run.StatusPosts["P1"].DeleteAt(); got != 100 {
		t.Errorf("P1 delete_at = %d, want the run marker 100 for an untimed update", got)
	}
}

func TestChecklistDeletes(t *testing.T) {
	res := Reconcile(sampleStore(t), decodeUpdate(t, `{"id": "R1", "checklist_deletes": ["C1", "NOPE"]}`), Options{})
	if len(res.Run.Checklists) != 0 || len(res.Run.ChecklistOrder) != 0 {
		t.Errorf("C1 not deleted: %v %v", res.Run.Checklists, res.Run.ChecklistOrder)
	}
}

func TestUpdateMarker(t *testing.T) {
	tests := []struct {
		name      string
		updatedAt int64
		want      int64
	}{
		{"newer advances", 500, 500},
		{"older keeps", 50, 100},
		{"zero keeps", 0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &decode.Update{ID: "R1", UpdatedAt: tt.updatedAt, ChangedFields: schema.Fields{}}
			res := Reconcile(sampleStore(t), u, Options{})
			if res.Run.UpdateAt != tt.want {
				t.Errorf("UpdateAt = %d, want %d", res.Run.UpdateAt, tt.want)
			}
		})
	}
}

func TestRejectStale(t *testing.T) {
	s := sampleStore(t)
	u := decodeUpdate(t, `{"id": "R1", "updated_at": 50, "changed_fields": {"name": "Old"}}`)

	res := Reconcile(s, u, Options{RejectStale: true})
	if res.Outcome != Stale || res.Store != s {
		t.Errorf("Outcome = %v, want stale with unchanged store", res.Outcome)
	}

	res = Reconcile(s, u, Options{})
	if res.Outcome != Applied || res.Run.Name() != "Old" {
		t.Errorf("without RejectStale the update must apply, got %v %q", res.Outcome, res.Run.Name())
	}
}
