package store

import (
	"context"
	"testing"
)

func TestAgreementStoreReplaceGroupRecords(t *testing.T) {
	db := setupTestDB(t)
	s := NewAgreementStore(db)
	ctx := context.Background()

	first := []*AgreementRecord{
		{Kind: MetricIoUIAA, Scope: "frame:0/track:0", Value: 0.9},
		{Kind: MetricKappa, Scope: "phone_usage", Value: 0.7},
	}
	if err := s.ReplaceGroupRecords(ctx, 1, "clip", first); err != nil {
		t.Fatalf("ReplaceGroupRecords: %v", err)
	}
	for _, rec := range first {
		if rec.RecordID == "" || rec.ComputedAt == 0 {
			t.Errorf("record not stamped: %+v", rec)
		}
	}

	// Recompute replaces the whole set.
	second := []*AgreementRecord{
		{Kind: MetricIoUIAA, Scope: "frame:0/track:0", Value: 0.5},
	}
	if err := s.ReplaceGroupRecords(ctx, 1, "clip", second); err != nil {
		t.Fatalf("second ReplaceGroupRecords: %v", err)
	}

	got, err := s.ListGroupRecords(ctx, 1, "clip")
	if err != nil {
		t.Fatalf("ListGroupRecords: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("after recompute got %d records, want 1", len(got))
	}
	if got[0].Value != 0.5 {
		t.Errorf("record value = %v, want 0.5", got[0].Value)
	}

	// Other groups are untouched.
	if err := s.ReplaceGroupRecords(ctx, 1, "other", first); err != nil {
		t.Fatalf("ReplaceGroupRecords(other): %v", err)
	}
	got, err = s.ListGroupRecords(ctx, 1, "clip")
	if err != nil {
		t.Fatalf("ListGroupRecords after other group: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("sibling group write changed this group: %d records", len(got))
	}
}

func TestAgreementStoreGroupState(t *testing.T) {
	db := setupTestDB(t)
	s := NewAgreementStore(db)
	ctx := context.Background()

	got, err := s.GetGroupState(ctx, 1, "clip")
	if err != nil {
		t.Fatalf("GetGroupState: %v", err)
	}
	if got != nil {
		t.Fatalf("GetGroupState before any run = %+v, want nil", got)
	}

	if err := s.SetGroupState(ctx, &GroupState{ProjectID: 1, GroupKey: "clip", State: QCFailed, IAA: 0.2}); err != nil {
		t.Fatalf("SetGroupState: %v", err)
	}
	got, err = s.GetGroupState(ctx, 1, "clip")
	if err != nil {
		t.Fatalf("GetGroupState: %v", err)
	}
	if got.State != QCFailed || got.IAA != 0.2 || got.Forced {
		t.Errorf("state = %+v, want failed/0.2/unforced", got)
	}

	// Force approval flips the state and keeps the score.
	if err := s.SetGroupState(ctx, &GroupState{ProjectID: 1, GroupKey: "clip", State: QCPassed, Forced: true, IAA: 0.2}); err != nil {
		t.Fatalf("SetGroupState(forced): %v", err)
	}
	got, err = s.GetGroupState(ctx, 1, "clip")
	if err != nil {
		t.Fatalf("GetGroupState: %v", err)
	}
	if got.State != QCPassed || !got.Forced {
		t.Errorf("state after force = %+v, want passed/forced", got)
	}

	passed, err := s.ListPassedGroups(ctx, 1)
	if err != nil {
		t.Fatalf("ListPassedGroups: %v", err)
	}
	if len(passed) != 1 || passed[0] != "clip" {
		t.Errorf("ListPassedGroups = %v, want [clip]", passed)
	}

	states, err := s.ListGroupStates(ctx, 1)
	if err != nil {
		t.Fatalf("ListGroupStates: %v", err)
	}
	if len(states) != 1 {
		t.Errorf("ListGroupStates returned %d states, want 1", len(states))
	}
}
