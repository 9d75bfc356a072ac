package connectivity

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestManual_Transitions tests state reporting and change emission
func TestManual_Transitions(t *testing.T) {
	m := NewManual(true)
	if !m.Online() {
		t.Error("Online() = false, want initial true")
	}

	m.SetOnline(false)
	if m.Online() {
		t.Error("Online() = true after SetOnline(false)")
	}
	select {
	case v := <-m.Changes():
		if v {
			t.Error("change event = true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("no change event emitted")
	}

	// Same state again: no event.
	m.SetOnline(false)
	select {
	case <-m.Changes():
		t.Error("redundant SetOnline emitted an event")
	default:
	}
}

// TestManual_SlowConsumerSeesLatest tests that rapid flips leave the
// latest state in the buffer
func TestManual_SlowConsumerSeesLatest(t *testing.T) {
	m := NewManual(false)
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)

	select {
	case v := <-m.Changes():
		if !v {
			t.Errorf("latest buffered state = %v, want true", v)
		}
	default:
		t.Fatal("no buffered state")
	}
}

// TestProbe_DetectsReachability tests that any HTTP response counts as
// online
func TestProbe_DetectsReachability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Even an auth failure proves the network path works.
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewProbe(&ProbeConfig{
		URL:      srv.URL,
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
		Logger:   log.New(io.Discard, "", 0),
	})
	if p.Online() {
		t.Error("Online() = true before the first probe")
	}

	p.Start()
	defer p.Stop()

	select {
	case v := <-p.Changes():
		if !v {
			t.Errorf("transition = %v, want online", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no online transition observed")
	}
	if !p.Online() {
		t.Error("Online() = false after a successful probe")
	}
}

// TestProbe_DetectsLoss tests the offline transition when the endpoint
// stops responding
func TestProbe_DetectsLoss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	p := NewProbe(&ProbeConfig{
		URL:      srv.URL,
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
		Logger:   log.New(io.Discard, "", 0),
	})
	p.Start()
	defer p.Stop()

	select {
	case <-p.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no initial online transition")
	}

	srv.Close()

	select {
	case v := <-p.Changes():
		if v {
			t.Errorf("transition = %v, want offline", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no offline transition after server went away")
	}
	if p.Online() {
		t.Error("Online() = true with the endpoint gone")
	}
}

// TestProbe_EmptyURLReportsOffline tests the unconfigured case
func TestProbe_EmptyURLReportsOffline(t *testing.T) {
	p := NewProbe(&ProbeConfig{
		URL:      "",
		Interval: 10 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	})
	p.Start()
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)
	if p.Online() {
		t.Error("Online() = true with no probe URL")
	}
}
