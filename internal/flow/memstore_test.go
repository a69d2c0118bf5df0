package flow

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/waypoint/model"
)

func testFlow(id, accountID, engagementID, phase string) model.Flow {
	return model.Flow{
		ID:           id,
		AccountID:    accountID,
		EngagementID: engagementID,
		OwnerID:      "user-alice",
		FlowType:     "discovery",
		GraphVersion: "discovery/v1",
		CurrentPhase: phase,
		PhaseCompletion: map[string]bool{
			"data_import": false, "field_mapping": false,
		},
		Status:         model.FlowStatusRunning,
		CreatedAt:      time.Now().UTC(),
		LastActivityAt: time.Now().UTC(),
		Version:        1,
	}
}

func testScope(accountID, engagementID string) model.Scope {
	return model.Scope{AccountID: accountID, EngagementID: engagementID}
}

// --- Create ---

func TestMemoryStore_Create(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")

	if err := store.Create(context.Background(), f); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_Create_duplicate(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")

	_ = store.Create(context.Background(), f)
	err := store.Create(context.Background(), f)
	if err == nil {
		t.Fatal("expected conflict error for duplicate")
	}
	if model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("code = %s, want %s", model.ErrorCode(err), model.ErrConflict)
	}
}

// --- Get ---

func TestMemoryStore_Get(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	_ = store.Create(context.Background(), f)

	got, err := store.Get(context.Background(), testScope("acct-1", "eng-1"), "flow-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.ID != "flow-1" {
		t.Errorf("ID = %q", got.ID)
	}
	if got.CurrentPhase != "data_import" {
		t.Errorf("CurrentPhase = %q", got.CurrentPhase)
	}
}

func TestMemoryStore_Get_notFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), testScope("acct-1", "eng-1"), "nonexistent")
	if err == nil {
		t.Fatal("expected not found error")
	}
	if !model.IsNotFound(err) {
		t.Errorf("code = %s, want %s", model.ErrorCode(err), model.ErrNotFound)
	}
}

func TestMemoryStore_Get_scopeIsolation(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	_ = store.Create(context.Background(), f)

	tests := []struct {
		name  string
		scope model.Scope
	}{
		{"other account", testScope("acct-2", "eng-1")},
		{"other engagement", testScope("acct-1", "eng-2")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Get(context.Background(), tc.scope, "flow-1")
			if !model.IsNotFound(err) {
				t.Errorf("err = %v, want not found", err)
			}
		})
	}
}

func TestMemoryStore_Get_copiesState(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	_ = store.Create(context.Background(), f)

	got, _ := store.Get(context.Background(), testScope("acct-1", "eng-1"), "flow-1")
	got.PhaseCompletion["data_import"] = true

	again, _ := store.Get(context.Background(), testScope("acct-1", "eng-1"), "flow-1")
	if again.PhaseCompletion["data_import"] {
		t.Error("mutating a returned flow leaked into the store")
	}
}

// --- Update ---

func TestMemoryStore_Update(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	_ = store.Create(context.Background(), f)

	f.CurrentPhase = "field_mapping"
	f.PhaseCompletion["data_import"] = true
	if err := store.Update(context.Background(), f); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	got, _ := store.Get(context.Background(), testScope("acct-1", "eng-1"), "flow-1")
	if got.CurrentPhase != "field_mapping" {
		t.Errorf("CurrentPhase = %q, want field_mapping", got.CurrentPhase)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if !got.PhaseCompletion["data_import"] {
		t.Errorf("PhaseCompletion[data_import] = false")
	}
}

func TestMemoryStore_Update_versionConflict(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	_ = store.Create(context.Background(), f)

	// First update succeeds.
	f.CurrentPhase = "field_mapping"
	_ = store.Update(context.Background(), f)

	// Second update still carries the stale version.
	f.CurrentPhase = "data_cleansing"
	err := store.Update(context.Background(), f)
	if err == nil {
		t.Fatal("expected version conflict error")
	}
	if !model.IsConflict(err) {
		t.Errorf("code = %s, want %s", model.ErrorCode(err), model.ErrConflict)
	}
}

func TestMemoryStore_Update_notFound(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")

	if err := store.Update(context.Background(), f); err == nil {
		t.Fatal("expected not found error")
	}
}

// --- List ---

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()

	f1 := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	f1.CreatedAt = time.Now().Add(-2 * time.Hour)
	f2 := testFlow("flow-2", "acct-1", "eng-1", "field_mapping")
	f2.CreatedAt = time.Now().Add(-1 * time.Hour)
	f3 := testFlow("flow-3", "acct-1", "eng-1", "completion")
	f3.Status = model.FlowStatusCompleted
	f4 := testFlow("flow-4", "acct-2", "eng-9", "data_import") // different tenant

	for _, f := range []model.Flow{f1, f2, f3, f4} {
		_ = store.Create(context.Background(), f)
	}

	result, err := store.List(context.Background(), testScope("acct-1", "eng-1"), model.FlowFilters{})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("len(result) = %d, want 3 (same scope)", len(result))
	}

	// Status filter.
	result, _ = store.List(context.Background(), testScope("acct-1", "eng-1"), model.FlowFilters{
		StatusIn: []string{model.FlowStatusRunning},
	})
	if len(result) != 2 {
		t.Fatalf("len(result) = %d, want 2 (running only)", len(result))
	}
	// Sorted by created_at descending.
	if result[0].ID != "flow-2" {
		t.Errorf("result[0].ID = %q, want flow-2 (most recent)", result[0].ID)
	}
}

func TestMemoryStore_List_pagination(t *testing.T) {
	store := NewMemoryStore()

	for i := 0; i < 5; i++ {
		f := testFlow("flow-"+string(rune('a'+i)), "acct-1", "eng-1", "data_import")
		f.CreatedAt = time.Now().Add(time.Duration(i) * time.Hour)
		_ = store.Create(context.Background(), f)
	}

	result, err := store.List(context.Background(), testScope("acct-1", "eng-1"), model.FlowFilters{Limit: 2})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("len(result) = %d, want 2 (limit)", len(result))
	}

	result, _ = store.List(context.Background(), testScope("acct-1", "eng-1"), model.FlowFilters{Offset: 3})
	if len(result) != 2 {
		t.Errorf("len(result) = %d, want 2 (offset 3 of 5)", len(result))
	}

	result, _ = store.List(context.Background(), testScope("acct-1", "eng-1"), model.FlowFilters{Offset: 10})
	if len(result) != 0 {
		t.Errorf("len(result) = %d, want 0 (offset past end)", len(result))
	}
}

// --- Audit ---

func TestMemoryStore_AppendAndGetAudit(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	_ = store.Create(context.Background(), f)

	now := time.Now().UTC()
	entries := []AuditEntry{
		{ID: "a-1", FlowID: "flow-1", Action: AuditActionCreated, Actor: "system", Timestamp: now},
		{ID: "a-2", FlowID: "flow-1", Action: AuditActionPaused, Actor: "user-alice", Timestamp: now.Add(time.Minute), Reason: "waiting on data"},
	}
	for _, e := range entries {
		if err := store.AppendAudit(context.Background(), e); err != nil {
			t.Fatalf("AppendAudit error: %v", err)
		}
	}

	got, err := store.AuditFor(context.Background(), testScope("acct-1", "eng-1"), "flow-1")
	if err != nil {
		t.Fatalf("AuditFor error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(got))
	}
	if got[0].Action != AuditActionCreated {
		t.Errorf("entries[0].Action = %q", got[0].Action)
	}
	if got[1].Reason != "waiting on data" {
		t.Errorf("entries[1].Reason = %q", got[1].Reason)
	}
}

func TestMemoryStore_AuditFor_sortedByTimestamp(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	_ = store.Create(context.Background(), f)

	now := time.Now().UTC()
	// Insert in reverse order.
	_ = store.AppendAudit(context.Background(), AuditEntry{
		ID: "a-2", FlowID: "flow-1", Action: "second", Timestamp: now.Add(time.Minute),
	})
	_ = store.AppendAudit(context.Background(), AuditEntry{
		ID: "a-1", FlowID: "flow-1", Action: "first", Timestamp: now,
	})

	got, _ := store.AuditFor(context.Background(), testScope("acct-1", "eng-1"), "flow-1")
	if got[0].Action != "first" {
		t.Error("entries should be sorted by timestamp ascending")
	}
}

func TestMemoryStore_AuditFor_scopeIsolation(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	_ = store.Create(context.Background(), f)
	_ = store.AppendAudit(context.Background(), AuditEntry{
		ID: "a-1", FlowID: "flow-1", Action: AuditActionCreated, Timestamp: time.Now(),
	})

	if _, err := store.AuditFor(context.Background(), testScope("acct-2", "eng-1"), "flow-1"); err == nil {
		t.Fatal("expected not found error (scope isolation)")
	}
}

// --- Artifacts ---

func TestMemoryStore_Artifacts(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	_ = store.Create(context.Background(), f)

	a := Artifact{
		ID: "art-1", FlowID: "flow-1", Phase: "data_import",
		Kind: ArtifactPhaseOutput, Name: "import-summary",
		Data:      map[string]any{"records_imported": 120},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.AddArtifact(context.Background(), a); err != nil {
		t.Fatalf("AddArtifact error: %v", err)
	}

	got, err := store.ArtifactsFor(context.Background(), testScope("acct-1", "eng-1"), "flow-1")
	if err != nil {
		t.Fatalf("ArtifactsFor error: %v", err)
	}
	if len(got) != 1 || got[0].Name != "import-summary" {
		t.Errorf("artifacts = %+v", got)
	}

	if _, err := store.ArtifactsFor(context.Background(), testScope("acct-2", "eng-1"), "flow-1"); err == nil {
		t.Error("expected not found error (scope isolation)")
	}
}

// --- Delete ---

func TestMemoryStore_Delete_cascade(t *testing.T) {
	store := NewMemoryStore()
	scope := testScope("acct-1", "eng-1")
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	_ = store.Create(context.Background(), f)
	_ = store.AppendAudit(context.Background(), AuditEntry{
		ID: "a-1", FlowID: "flow-1", Action: AuditActionCreated, Timestamp: time.Now(),
	})
	_ = store.AddArtifact(context.Background(), Artifact{ID: "art-1", FlowID: "flow-1", Kind: ArtifactRawInput})
	_ = store.SetCurrentFlowID(context.Background(), scope, "flow-1")

	if err := store.Delete(context.Background(), scope, "flow-1", true); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}

	// Child records and the engagement pointer go with the flow.
	if _, err := store.AuditFor(context.Background(), scope, "flow-1"); err == nil {
		t.Error("expected not found error after cascade delete")
	}
	if ptr, _ := store.CurrentFlowID(context.Background(), scope); ptr != "" {
		t.Errorf("pointer = %q, want cleared", ptr)
	}
}

func TestMemoryStore_Delete_notFound(t *testing.T) {
	store := NewMemoryStore()

	if err := store.Delete(context.Background(), testScope("acct-1", "eng-1"), "nonexistent", true); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestMemoryStore_Delete_scopeIsolation(t *testing.T) {
	store := NewMemoryStore()
	f := testFlow("flow-1", "acct-1", "eng-1", "data_import")
	_ = store.Create(context.Background(), f)

	if err := store.Delete(context.Background(), testScope("acct-2", "eng-1"), "flow-1", true); err == nil {
		t.Fatal("expected not found error (scope isolation)")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

// --- Pointers ---

func TestMemoryStore_Pointers(t *testing.T) {
	store := NewMemoryStore()
	scope := testScope("acct-1", "eng-1")

	ptr, err := store.CurrentFlowID(context.Background(), scope)
	if err != nil {
		t.Fatalf("CurrentFlowID error: %v", err)
	}
	if ptr != "" {
		t.Errorf("pointer = %q, want empty before set", ptr)
	}

	_ = store.SetCurrentFlowID(context.Background(), scope, "flow-1")
	ptr, _ = store.CurrentFlowID(context.Background(), scope)
	if ptr != "flow-1" {
		t.Errorf("pointer = %q, want flow-1", ptr)
	}

	// Pointers are per engagement.
	other, _ := store.CurrentFlowID(context.Background(), testScope("acct-1", "eng-2"))
	if other != "" {
		t.Errorf("other engagement pointer = %q, want empty", other)
	}

	_ = store.ClearCurrentFlowID(context.Background(), scope)
	ptr, _ = store.CurrentFlowID(context.Background(), scope)
	if ptr != "" {
		t.Errorf("pointer = %q, want cleared", ptr)
	}
}
