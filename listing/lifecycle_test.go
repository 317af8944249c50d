package listing

import (
	"errors"
	"testing"
)

func TestNextFollowsTransitionTable(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
		want  Status
	}{
		{StatusDraft, EventSubmit, StatusPendingReview},
		{StatusPendingReview, EventApprove, StatusActive},
		{StatusActive, EventPause, StatusPaused},
		{StatusPaused, EventResume, StatusActive},
		{StatusActive, EventMarkSold, StatusSold},
		{StatusActive, EventAcceptOffer, StatusSold},
		{StatusActive, EventCancel, StatusCancelled},
		{StatusActive, EventExpire, StatusExpired},
		{StatusPaused, EventExpire, StatusExpired},
		{StatusPendingReview, EventExpire, StatusExpired},
		{StatusActive, EventReserve, StatusReserved},
		{StatusReserved, EventRelease, StatusActive},
		{StatusCancelled, EventArchive, StatusArchived},
		{StatusExpired, EventArchive, StatusArchived},
		{StatusDraft, EventArchive, StatusArchived},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.event)
		if err != nil {
			t.Fatalf("%s from %s: unexpected error %v", tc.event, tc.from, err)
		}
		if got != tc.want {
			t.Fatalf("%s from %s: got %s want %s", tc.event, tc.from, got, tc.want)
		}
	}
}

func TestNextRejectsUnlistedEdges(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
	}{
		{StatusDraft, EventApprove},
		{StatusPaused, EventMarkSold},
		{StatusPaused, EventAcceptOffer},
		{StatusReserved, EventAcceptOffer},
		{StatusCancelled, EventResume},
		{StatusExpired, EventResume},
		{StatusArchived, EventArchive},
		{StatusPendingReview, EventPause},
	}
	for _, tc := range cases {
		if _, err := Next(tc.from, tc.event); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s from %s: expected ErrInvalidTransition, got %v", tc.event, tc.from, err)
		}
	}
}

func TestSoldIsTerminal(t *testing.T) {
	events := []Event{
		EventSubmit, EventApprove, EventPause, EventResume, EventMarkSold, EventAcceptOffer,
		EventCancel, EventExpire, EventReserve, EventRelease, EventArchive,
	}
	for _, ev := range events {
		if _, err := Next(StatusSold, ev); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("sold accepted %s", ev)
		}
	}
}

func TestSystemEvents(t *testing.T) {
	if !EventApprove.IsSystem() || !EventExpire.IsSystem() {
		t.Fatalf("approve and expire must be system events")
	}
	if EventPause.IsSystem() || EventMarkSold.IsSystem() {
		t.Fatalf("seller events must not be system events")
	}
	if Event("teleport").Valid() {
		t.Fatalf("unknown event reported valid")
	}
}
