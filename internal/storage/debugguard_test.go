package storage

import (
	"context"
	"testing"
)

func TestDebugGuard_SuppressesVCStateAndStatsWrites(t *testing.T) {
	inner := NewMemStore()
	guard := NewDebugGuard(inner, true)
	ctx := context.Background()

	if err := guard.UpsertVCState(ctx, PersistedVCState{GuildID: "g1", ChannelID: "c1"}); err != nil {
		t.Fatalf("UpsertVCState: %v", err)
	}
	states, err := inner.VCStates(ctx)
	if err != nil {
		t.Fatalf("VCStates: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("expected no vc_state rows under DEBUG, got %v", states)
	}

	if err := guard.RecordServerStats(ctx, 5); err != nil {
		t.Fatalf("RecordServerStats: %v", err)
	}
	if stats := inner.Stats(); len(stats) != 0 {
		t.Errorf("expected no server_stats rows under DEBUG, got %v", stats)
	}
}

func TestDebugGuard_PassesThroughWhenDisabled(t *testing.T) {
	inner := NewMemStore()
	guard := NewDebugGuard(inner, false)
	ctx := context.Background()

	if err := guard.UpsertVCState(ctx, PersistedVCState{GuildID: "g1", ChannelID: "c1"}); err != nil {
		t.Fatalf("UpsertVCState: %v", err)
	}
	states, err := guard.VCStates(ctx)
	if err != nil {
		t.Fatalf("VCStates: %v", err)
	}
	if len(states) != 1 {
		t.Errorf("expected one vc_state row, got %v", states)
	}
}

func TestDebugGuard_DictionaryReadsPassThrough(t *testing.T) {
	inner := NewMemStore()
	inner.SeedGlobal("cat", "ねこ")
	guard := NewDebugGuard(inner, true)

	entries, err := guard.GlobalDictionary(context.Background())
	if err != nil {
		t.Fatalf("GlobalDictionary: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "cat" {
		t.Errorf("entries = %+v, want one entry for cat", entries)
	}
}
