package consensus

import (
	"testing"
	"time"
)

func TestResolveOnlyOnce(t *testing.T) {
	s := NewState()
	now := time.Now()
	s.AddRound(&RoundNode{ID: "r1", Children: map[string]*string{}})

	if !s.Resolve("r1", "sky", now) {
		t.Fatal("expected first resolve to succeed")
	}
	if s.Resolve("r1", "other", now) {
		t.Fatal("expected second resolve to fail")
	}
}

func TestRecordChildRejectsUnknownOrNonPending(t *testing.T) {
	s := NewState()
	s.AddRound(&RoundNode{ID: "r1", Children: map[string]*string{"p1:1": nil}})

	if s.RecordChild("bogus", "p1:1", "v") {
		t.Fatal("expected unknown round to be rejected")
	}
	if s.RecordChild("r1", "p2:1", "v") {
		t.Fatal("expected non-pending child to be rejected")
	}
	if !s.RecordChild("r1", "p1:1", "v") {
		t.Fatal("expected pending child to be recorded")
	}
	if s.RecordChild("r1", "p1:1", "v2") {
		t.Fatal("expected duplicate report on same child to be rejected")
	}
}

func TestAllReported(t *testing.T) {
	s := NewState()
	s.AddRound(&RoundNode{ID: "r1", Children: map[string]*string{"p1:1": nil, "p2:1": nil}})

	if s.AllReported("r1") {
		t.Fatal("expected not all reported yet")
	}
	s.RecordChild("r1", "p1:1", "a")
	if s.AllReported("r1") {
		t.Fatal("expected still not all reported")
	}
	s.RecordChild("r1", "p2:1", "b")
	if !s.AllReported("r1") {
		t.Fatal("expected all reported now")
	}
}

func TestSweepDefaultsMissingVotesPastDeadline(t *testing.T) {
	s := NewState()
	now := time.Now()
	s.AddRound(&RoundNode{
		ID: "r1", Children: map[string]*string{"p1:1": nil},
		Deadline: now.Add(-time.Second),
	})

	ready := s.Sweep(now, "?")
	if len(ready) != 1 || ready[0] != "r1" {
		t.Fatalf("expected r1 to be ready, got %v", ready)
	}

	info, ok := s.Info("r1")
	if !ok {
		t.Fatal("expected round to still exist")
	}
	found := false
	for _, v := range info.Votes {
		if v == "?" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected default sentinel vote to be recorded")
	}
}

func TestSweepGarbageCollectsResolvedRootsPastGrace(t *testing.T) {
	s := NewState()
	now := time.Now()
	s.AddRound(&RoundNode{ID: "r1", Children: map[string]*string{}})
	s.Resolve("r1", "sky", now.Add(-GCGrace-time.Second))

	s.Sweep(now, "?")

	if s.Len() != 0 {
		t.Fatalf("expected resolved root to be garbage collected, found %d rounds", s.Len())
	}
}

func TestRegisterRouteResolvesToParentAndPeer(t *testing.T) {
	s := NewState()
	s.AddRound(&RoundNode{ID: "r1", Children: map[string]*string{"p1:1": nil}})
	s.RegisterRoute("minted1", "r1", "p1:1")

	parentRoundID, peerKey, ok := s.ResolveRoute("minted1")
	if !ok {
		t.Fatal("expected registered route to resolve")
	}
	if parentRoundID != "r1" || peerKey != "p1:1" {
		t.Fatalf("got (%q, %q), want (%q, %q)", parentRoundID, peerKey, "r1", "p1:1")
	}

	if _, _, ok := s.ResolveRoute("never-registered"); ok {
		t.Fatal("expected unregistered id to not resolve")
	}
}

func TestSweepGarbageCollectsRoutesOfCollectedRounds(t *testing.T) {
	s := NewState()
	now := time.Now()
	s.AddRound(&RoundNode{ID: "r1", Children: map[string]*string{}})
	s.RegisterRoute("minted1", "r1", "p1:1")
	s.Resolve("r1", "sky", now.Add(-GCGrace-time.Second))

	s.Sweep(now, "?")

	if _, _, ok := s.ResolveRoute("minted1"); ok {
		t.Fatal("expected route to be garbage collected along with its parent round")
	}
}

func TestSweepRetainsResolvedChildUntilParentResolves(t *testing.T) {
	s := NewState()
	now := time.Now()
	s.AddRound(&RoundNode{ID: "parent", Children: map[string]*string{"child": nil}})
	s.AddRound(&RoundNode{ID: "child", ParentID: "parent", Children: map[string]*string{}})
	s.Resolve("child", "sky", now.Add(-GCGrace-time.Second))

	s.Sweep(now, "?")
	if s.Len() != 2 {
		t.Fatalf("expected child retained while parent unresolved, got %d rounds", s.Len())
	}

	s.Resolve("parent", "sky", now.Add(-GCGrace-time.Second))
	s.Sweep(now, "?")
	if s.Len() != 0 {
		t.Fatalf("expected both rounds collected after parent resolves, got %d", s.Len())
	}
}
