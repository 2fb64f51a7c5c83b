package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcastReachesEveryListener(t *testing.T) {
	n := New()
	a, cancelA := n.Subscribe()
	b, cancelB := n.Subscribe()
	defer cancelA()
	defer cancelB()

	n.Broadcast()

	assertPinged(t, a)
	assertPinged(t, b)
}

func TestBroadcastCoalescesUndrainedPings(t *testing.T) {
	n := New()
	ch, cancel := n.Subscribe()
	defer cancel()

	n.Broadcast()
	n.Broadcast()
	n.Broadcast()

	assertPinged(t, ch)
	select {
	case <-ch:
		t.Fatal("expected a single pending ping")
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	n := New()
	ch, cancel := n.Subscribe()
	assert.Equal(t, 1, n.Len())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, n.Len())

	n.Broadcast()
}

func TestCloseClosesListenersAndLaterSubscriptions(t *testing.T) {
	n := New()
	ch, cancel := n.Subscribe()
	n.Close()

	select {
	case <-n.Done():
	default:
		t.Fatal("Done not closed")
	}
	_, ok := <-ch
	assert.False(t, ok)
	cancel()

	late, lateCancel := n.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	lateCancel()
	n.Close()
}

func assertPinged(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.True(t, ok)
	default:
		t.Fatal("expected a ping")
	}
}
