package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/feedstash/feedstash/internal/types"
)

func TestChangesDisabledByDefault(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.Changes.Get(context.Background(), 0, 0)
	var notEnabled *types.ChangeTrackingNotEnabledError
	if !errors.As(err, &notEnabled) {
		t.Fatalf("expected ChangeTrackingNotEnabledError, got %v", err)
	}
}

func TestChangesEnableSeedsExistingEntries(t *testing.T) {
	s, ctx := newTestStorage(t), context.Background()

	mustAddFeed(t, s, "u1")
	mustAddEntry(t, s, "u1", "e1", ts(2010, 1, 1, 0, 0))

	if err := s.Changes.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	// enabling again is a no-op
	if err := s.Changes.Enable(ctx); err != nil {
		t.Fatalf("re-enable: %v", err)
	}

	changes, err := s.Changes.Get(ctx, 0, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 seeded change, got %d", len(changes))
	}
	c := changes[0]
	if c.Action != types.ActionInsert {
		t.Errorf("expected INSERT, got %v", c.Action)
	}
	if len(c.Resource) != 2 || c.Resource[0] != "u1" || c.Resource[1] != "e1" {
		t.Errorf("unexpected resource: %v", c.Resource)
	}
	if len(c.Sequence) != 16 {
		t.Errorf("expected a 16-byte sequence, got %d bytes", len(c.Sequence))
	}

	// the seeded sequence matches the entry's
	entry, err := s.GetEntry(ctx, "u1", "e1")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if !bytes.Equal(entry.Sequence, c.Sequence) {
		t.Error("change sequence does not match entry sequence")
	}
}

func TestChangesEntryInsert(t *testing.T) {
	s, ctx := newTestStorage(t), context.Background()

	mustAddFeed(t, s, "u1")
	if err := s.Changes.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}

	mustAddEntry(t, s, "u1", "e1", ts(2010, 1, 1, 0, 0))

	changes, _ := s.Changes.Get(ctx, types.ActionInsert, 0)
	if len(changes) != 1 {
		t.Fatalf("expected 1 INSERT change, got %d", len(changes))
	}
}

func TestChangesEntryContentUpdateRotatesSequence(t *testing.T) {
	s, ctx := newTestStorage(t), context.Background()

	mustAddFeed(t, s, "u1")
	if err := s.Changes.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	mustAddEntry(t, s, "u1", "e1", ts(2010, 1, 1, 0, 0))

	entryBefore, _ := s.GetEntry(ctx, "u1", "e1")

	// acknowledge everything so far
	changes, _ := s.Changes.Get(ctx, 0, 0)
	if err := s.Changes.Done(ctx, changes); err != nil {
		t.Fatalf("done: %v", err)
	}

	// a title change rotates the sequence: DELETE for the old one,
	// INSERT for the new
	err := s.AddOrUpdateEntries(ctx, []types.EntryUpdateIntent{{
		Entry:       types.EntryData{FeedURL: "u1", ID: "e1", Title: "changed"},
		LastUpdated: ts(2010, 1, 2, 0, 0),
	}})
	if err != nil {
		t.Fatalf("update entry: %v", err)
	}

	entryAfter, _ := s.GetEntry(ctx, "u1", "e1")
	if bytes.Equal(entryBefore.Sequence, entryAfter.Sequence) {
		t.Error("sequence not rotated on content change")
	}

	deletes, _ := s.Changes.Get(ctx, types.ActionDelete, 0)
	inserts, _ := s.Changes.Get(ctx, types.ActionInsert, 0)
	if len(deletes) != 1 || len(inserts) != 1 {
		t.Fatalf("expected 1 DELETE + 1 INSERT, got %d + %d", len(deletes), len(inserts))
	}
	if !bytes.Equal(deletes[0].Sequence, entryBefore.Sequence) {
		t.Error("DELETE change does not carry the old sequence")
	}
	if !bytes.Equal(inserts[0].Sequence, entryAfter.Sequence) {
		t.Error("INSERT change does not carry the new sequence")
	}
}

func TestChangesNonContentUpdateDoesNotRotate(t *testing.T) {
	s, ctx := newTestStorage(t), context.Background()

	mustAddFeed(t, s, "u1")
	if err := s.Changes.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	mustAddEntry(t, s, "u1", "e1", ts(2010, 1, 1, 0, 0))
	changes, _ := s.Changes.Get(ctx, 0, 0)
	_ = s.Changes.Done(ctx, changes)

	// read state is not title/summary/content
	if err := s.SetEntryRead(ctx, [2]string{"u1", "e1"}, true, nil); err != nil {
		t.Fatalf("set read: %v", err)
	}

	changes, _ = s.Changes.Get(ctx, 0, 0)
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %d", len(changes))
	}
}

func TestChangesEntryDelete(t *testing.T) {
	s, ctx := newTestStorage(t), context.Background()

	mustAddFeed(t, s, "u1")
	if err := s.Changes.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	mustAddEntry(t, s, "u1", "e1", ts(2010, 1, 1, 0, 0))
	changes, _ := s.Changes.Get(ctx, 0, 0)
	_ = s.Changes.Done(ctx, changes)

	if err := s.DeleteEntries(ctx, [][2]string{{"u1", "e1"}}, ""); err != nil {
		t.Fatalf("delete entry: %v", err)
	}

	deletes, _ := s.Changes.Get(ctx, types.ActionDelete, 0)
	if len(deletes) != 1 {
		t.Fatalf("expected 1 DELETE change, got %d", len(deletes))
	}
}

func TestChangesFeedTitleChange(t *testing.T) {
	s, ctx := newTestStorage(t), context.Background()

	mustAddFeed(t, s, "u1")
	if err := s.Changes.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	mustAddEntry(t, s, "u1", "e1", ts(2010, 1, 1, 0, 0))
	changes, _ := s.Changes.Get(ctx, 0, 0)
	_ = s.Changes.Done(ctx, changes)

	// a user title change re-indexes the feed's entries
	if err := s.SetFeedUserTitle(ctx, "u1", "My Feed"); err != nil {
		t.Fatalf("set user title: %v", err)
	}

	deletes, _ := s.Changes.Get(ctx, types.ActionDelete, 0)
	inserts, _ := s.Changes.Get(ctx, types.ActionInsert, 0)
	if len(deletes) != 1 || len(inserts) != 1 {
		t.Fatalf("expected 1 DELETE + 1 INSERT, got %d + %d", len(deletes), len(inserts))
	}
}

func TestChangesDone(t *testing.T) {
	s, ctx := newTestStorage(t), context.Background()

	mustAddFeed(t, s, "u1")
	if err := s.Changes.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	mustAddEntry(t, s, "u1", "e1", ts(2010, 1, 1, 0, 0))

	changes, _ := s.Changes.Get(ctx, 0, 0)
	if err := s.Changes.Done(ctx, changes); err != nil {
		t.Fatalf("done: %v", err)
	}
	left, _ := s.Changes.Get(ctx, 0, 0)
	if len(left) != 0 {
		t.Fatalf("expected no changes left, got %d", len(left))
	}
}

func TestChangesDisable(t *testing.T) {
	s, ctx := newTestStorage(t), context.Background()

	mustAddFeed(t, s, "u1")
	mustAddEntry(t, s, "u1", "e1", ts(2010, 1, 1, 0, 0))

	if err := s.Changes.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := s.Changes.Disable(ctx); err != nil {
		t.Fatalf("disable: %v", err)
	}

	_, err := s.Changes.Get(ctx, 0, 0)
	var notEnabled *types.ChangeTrackingNotEnabledError
	if !errors.As(err, &notEnabled) {
		t.Fatalf("expected ChangeTrackingNotEnabledError, got %v", err)
	}

	// sequences are cleared
	entry, _ := s.GetEntry(ctx, "u1", "e1")
	if entry.Sequence != nil {
		t.Errorf("sequence should be cleared, got %v", entry.Sequence)
	}
}
