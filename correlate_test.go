package guildhall

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestCorrelator() *correlator {
	disabled := zerolog.New(nil)
	return newCorrelator(&disabled)
}

func TestCorrelatorPairsMessageWithNotification(t *testing.T) {
	corr := newTestCorrelator()

	corr.messageCreated(Message{ID: "m1", Text: "hi", User: User{ID: "u1"}})

	m, ok := corr.notificationReceived(Notification{ID: "ch1"})
	if !ok {
		t.Fatal("expected the staged message to resolve")
	}
	if m.ID != "m1" || m.ChannelID != "ch1" {
		t.Fatalf("unexpected correlated message: %+v", m)
	}
}

func TestCorrelatorOrphanNotificationDropped(t *testing.T) {
	corr := newTestCorrelator()

	if _, ok := corr.notificationReceived(Notification{ID: "ch1"}); ok {
		t.Fatal("orphan notification must not resolve to a message")
	}
}

func TestCorrelatorSlotClearsAfterMatch(t *testing.T) {
	corr := newTestCorrelator()

	corr.messageCreated(Message{ID: "m1"})
	if _, ok := corr.notificationReceived(Notification{ID: "ch1"}); !ok {
		t.Fatal("expected first notification to resolve")
	}

	// The slot is consumed; a second notification has nothing to pair with.
	if _, ok := corr.notificationReceived(Notification{ID: "ch1"}); ok {
		t.Fatal("consumed slot must not resolve again")
	}
}

func TestCorrelatorBurstKeepsNewestMessage(t *testing.T) {
	corr := newTestCorrelator()

	corr.messageCreated(Message{ID: "m1"})
	corr.messageCreated(Message{ID: "m2"})

	m, ok := corr.notificationReceived(Notification{ID: "ch1"})
	if !ok {
		t.Fatal("expected the staged message to resolve")
	}
	if m.ID != "m2" {
		t.Fatalf("expected newest message m2 to win the slot, got %q", m.ID)
	}

	// m1 was replaced before correlation and never resolves.
	if _, ok := corr.notificationReceived(Notification{ID: "ch2"}); ok {
		t.Fatal("replaced message must not resolve")
	}
}
