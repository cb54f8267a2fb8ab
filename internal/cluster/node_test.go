package cluster

import "testing"

func TestAddNodeRecomputesQuorumAndLeader(t *testing.T) {
	c := New(Config{Name: "test"})

	n1 := NewNode(1, "n1", "10.0.0.1")
	n1.IsLocal = true
	c.AddNode(n1)
	if got := c.QuorumSize(); got != 1 {
		t.Fatalf("quorum after 1 node = %d, want 1", got)
	}
	if !c.CheckQuorum() {
		t.Fatalf("expected quorum with 1/1 online")
	}
	leader, ok := c.Leader()
	if !ok || leader != 1 {
		t.Fatalf("expected node 1 to be leader, got %d ok=%v", leader, ok)
	}
	if !c.IsLeader() {
		t.Fatalf("local node should be leader")
	}

	n2 := NewNode(2, "n2", "10.0.0.2")
	c.AddNode(n2)
	if got := c.QuorumSize(); got != 2 {
		t.Fatalf("quorum after 2 nodes = %d, want 2", got)
	}
	// Deterministic election: lowest id Online node wins.
	leader, _ = c.Leader()
	if leader != 1 {
		t.Fatalf("expected lowest-id node to remain leader, got %d", leader)
	}
}

func TestRemoveNodeUpdatesQuorum(t *testing.T) {
	c := New(Config{Name: "test"})
	n1 := NewNode(1, "n1", "a")
	n1.IsLocal = true
	n2 := NewNode(2, "n2", "b")
	n3 := NewNode(3, "n3", "c")
	c.AddNode(n1)
	c.AddNode(n2)
	c.AddNode(n3)

	if got := c.QuorumSize(); got != 2 {
		t.Fatalf("quorum = %d, want 2", got)
	}

	c.RemoveNode(3)
	if got := c.QuorumSize(); got != 2 {
		t.Fatalf("quorum after removal = %d, want 2 (2 nodes / 2 + 1)", got)
	}
	if _, ok := c.Node(3); ok {
		t.Fatalf("node 3 should be gone")
	}
}

func TestTickFailsStaleNodeAndLosesQuorum(t *testing.T) {
	c := New(Config{Name: "test"})
	n1 := NewNode(1, "n1", "a")
	n1.IsLocal = true
	n2 := NewNode(2, "n2", "b")
	c.AddNode(n1)
	c.AddNode(n2)
	c.Heartbeat(2, 0)

	c.Tick(HealthTimeoutMS + 1)

	n2again, _ := c.Node(2)
	if n2again.State != StateFailed {
		t.Fatalf("expected node 2 to be Failed, got %s", n2again.State)
	}
	if c.CheckQuorum() {
		t.Fatalf("expected quorum lost with only 1/2 online")
	}
}

func TestHealthCheckScoring(t *testing.T) {
	n := NewNode(1, "n", "a")
	n.Health.CPUHealthy = true
	n.Health.MemoryHealthy = true
	n.Health.StorageHealthy = true
	n.Health.NetworkHealthy = true
	if got := n.HealthCheck(); got != 100 {
		t.Fatalf("all healthy score = %d, want 100", got)
	}
	if n.Health.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive failures reset")
	}

	n.Health.NetworkHealthy = false
	n.Health.StorageHealthy = false
	if got := n.HealthCheck(); got != 50 {
		t.Fatalf("two unhealthy score = %d, want 50", got)
	}
	if n.Health.ConsecutiveFailures != 0 {
		t.Fatalf("50 should not count as a failure (< 50 required)")
	}

	n.Health.MemoryHealthy = false
	if got := n.HealthCheck(); got != 25 {
		t.Fatalf("three unhealthy score = %d, want 25", got)
	}
	if n.Health.ConsecutiveFailures != 1 {
		t.Fatalf("expected consecutive failure count to increment, got %d", n.Health.ConsecutiveFailures)
	}
}
