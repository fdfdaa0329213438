package router

import (
	"context"
	"testing"

	"github.com/techfish-11/ttsrelay/internal/storage"
)

func TestBanSet_LoadAndContains(t *testing.T) {
	store := storage.NewMemStore()
	if err := store.AddBan(context.Background(), "u1"); err != nil {
		t.Fatalf("AddBan: %v", err)
	}

	bans := NewBanSet()
	if err := bans.Load(context.Background(), store); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bans.Contains("u1") {
		t.Error("expected u1 to be banned after Load")
	}
	if bans.Contains("u2") {
		t.Error("u2 should not be banned")
	}
}

func TestBanSet_AddRemove(t *testing.T) {
	bans := NewBanSet()
	bans.Add("u1")
	if !bans.Contains("u1") {
		t.Fatal("expected u1 to be banned after Add")
	}
	bans.Remove("u1")
	if bans.Contains("u1") {
		t.Fatal("expected u1 to be unbanned after Remove")
	}
	// Removing an absent member is not an error.
	bans.Remove("never-banned")
}
