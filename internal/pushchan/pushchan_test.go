package pushchan

import "testing"

func TestOpenTryPushDeliversToChannel(t *testing.T) {
	c := New()
	ch := c.Open("n_1")

	ok := c.TryPush("n_1", Message{Type: TypeJobPush, Job: &JobPush{JobID: "j_1", Model: "llama3"}})
	if !ok {
		t.Fatal("TryPush returned false for an open channel with room")
	}

	msg := <-ch
	if msg.Job.JobID != "j_1" {
		t.Errorf("JobID = %q, want %q", msg.Job.JobID, "j_1")
	}
}

func TestTryPushUnknownNode(t *testing.T) {
	c := New()
	if c.TryPush("ghost", Message{Type: TypeJobPush}) {
		t.Error("TryPush should fail for a node with no open channel")
	}
}

func TestTryPushFallsBackWhenFull(t *testing.T) {
	c := New()
	c.Open("n_1")

	for i := 0; i < channelCapacity; i++ {
		if !c.TryPush("n_1", Message{Type: TypeJobPush}) {
			t.Fatalf("TryPush failed before channel was full (iteration %d)", i)
		}
	}
	if c.TryPush("n_1", Message{Type: TypeJobPush}) {
		t.Error("TryPush should return false once the channel is full")
	}
}

func TestCloseRemovesChannel(t *testing.T) {
	c := New()
	c.Open("n_1")
	if !c.IsOpen("n_1") {
		t.Fatal("expected channel to be open")
	}

	c.Close("n_1")
	if c.IsOpen("n_1") {
		t.Error("expected channel to be closed")
	}
	if c.TryPush("n_1", Message{}) {
		t.Error("TryPush should fail after Close")
	}
}

func TestOpenReplacesExisting(t *testing.T) {
	c := New()
	first := c.Open("n_1")
	second := c.Open("n_1")

	if _, ok := <-first; ok {
		t.Error("old channel should be closed when re-opened")
	}

	if !c.TryPush("n_1", Message{Type: TypePaymentNotice, Payment: &PaymentNotice{JobID: "j_1", Amount: 0.0001}}) {
		t.Fatal("TryPush on replacement channel should succeed")
	}
	msg := <-second
	if msg.Payment.JobID != "j_1" {
		t.Errorf("JobID = %q, want %q", msg.Payment.JobID, "j_1")
	}
}
