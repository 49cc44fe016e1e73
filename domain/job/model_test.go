package job

import "testing"

func TestSameSubmissionMatchesIdenticalPayload(t *testing.T) {
	j := Job{Type: "infer", Payload: []byte(`{"model":"m1"}`)}
	if !j.SameSubmission("infer", []byte(`{"model":"m1"}`)) {
		t.Error("expected identical type+payload to match")
	}
}

func TestSameSubmissionRejectsMismatch(t *testing.T) {
	j := Job{Type: "infer", Payload: []byte(`{"model":"m1"}`)}
	if j.SameSubmission("infer", []byte(`{"model":"m2"}`)) {
		t.Error("expected differing payload to mismatch")
	}
	if j.SameSubmission("train", []byte(`{"model":"m1"}`)) {
		t.Error("expected differing type to mismatch")
	}
}

func TestClaimablePendingAlwaysClaimable(t *testing.T) {
	j := Job{Status: StatusPending}
	if !j.Claimable(3) {
		t.Error("expected pending job to be claimable")
	}
}

func TestClaimableFailedRespectsMaxAttempts(t *testing.T) {
	j := Job{Status: StatusFailed, Attempts: 2}
	if !j.Claimable(3) {
		t.Error("expected failed job under max attempts to be claimable")
	}
	j.Attempts = 3
	if j.Claimable(3) {
		t.Error("expected failed job at max attempts to not be claimable")
	}
}

func TestClaimableTerminalNeverClaimable(t *testing.T) {
	for _, s := range []Status{StatusClaimed, StatusRunning, StatusDone, StatusDeadLetter} {
		j := Job{Status: s}
		if j.Claimable(10) {
			t.Errorf("expected status %s to never be claimable", s)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !StatusDone.Terminal() || !StatusDeadLetter.Terminal() {
		t.Error("expected done and dead_letter to be terminal")
	}
	if StatusFailed.Terminal() || StatusPending.Terminal() {
		t.Error("expected failed and pending to be non-terminal")
	}
}
