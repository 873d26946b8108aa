package backend

import "testing"

func TestNewRejectsMissingHostAndScheme(t *testing.T) {
	cases := []string{
		"ftp://example.com:21",
		"http:///path",
		"not-a-url",
	}
	for _, raw := range cases {
		if _, err := New(raw); err == nil {
			t.Errorf("New(%q): expected error, got none", raw)
		}
	}
}

func TestNewDefaultsAndID(t *testing.T) {
	b, err := New("http://10.0.0.1:9000")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !b.Healthy {
		t.Error("expected new backend to start healthy")
	}
	if b.Weight != 1 {
		t.Errorf("expected default weight 1, got %d", b.Weight)
	}
	if got, want := b.ID(), "http://10.0.0.1:9000"; got != want {
		t.Errorf("ID() = %q, want %q", got, want)
	}
}

func TestNewDefaultPorts(t *testing.T) {
	b, err := New("https://example.com")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Port != 443 {
		t.Errorf("expected default https port 443, got %d", b.Port)
	}
}

func TestConnectionCounters(t *testing.T) {
	b, _ := New("http://a:1")

	b = b.WithIncrementedConnections()
	b = b.WithIncrementedConnections()
	if b.CurrentConnections != 2 || b.TotalRequests != 2 {
		t.Fatalf("after 2 increments: current=%d total=%d", b.CurrentConnections, b.TotalRequests)
	}

	b = b.WithDecrementedConnections()
	if b.CurrentConnections != 1 || b.TotalRequests != 2 {
		t.Fatalf("after 1 decrement: current=%d total=%d", b.CurrentConnections, b.TotalRequests)
	}

	// Saturates at 0, never goes negative.
	b = b.WithDecrementedConnections()
	b = b.WithDecrementedConnections()
	if b.CurrentConnections != 0 {
		t.Fatalf("expected current connections to saturate at 0, got %d", b.CurrentConnections)
	}
}

func TestWithHealthStampsLastCheck(t *testing.T) {
	b, _ := New("http://a:1")
	b = b.WithHealth(false)
	if b.Healthy {
		t.Error("expected unhealthy after WithHealth(false)")
	}
	if b.LastCheck == nil {
		t.Error("expected LastCheck to be set")
	}
}

func TestSelectableRespectsDrain(t *testing.T) {
	b, _ := New("http://a:1")
	if !b.Selectable() {
		t.Error("expected fresh healthy backend to be selectable")
	}
	b.Metadata["drain"] = "true"
	if b.Selectable() {
		t.Error("expected draining backend to be unselectable")
	}
	if !b.Healthy {
		t.Error("drain must not flip the health-checker's Healthy flag")
	}
}

func TestWithDrainTogglesWithoutMutatingOriginal(t *testing.T) {
	b, _ := New("http://a:1")
	drained := b.WithDrain(true)

	if b.Draining() {
		t.Error("WithDrain must not mutate the receiver's metadata map")
	}
	if !drained.Draining() {
		t.Error("expected the returned copy to be draining")
	}

	undrained := drained.WithDrain(false)
	if undrained.Draining() {
		t.Error("expected WithDrain(false) to clear the drain flag")
	}
	if !undrained.Healthy {
		t.Error("drain must never touch Healthy")
	}
}
