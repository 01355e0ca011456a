package domain

import "testing"

func TestCanTransitionJobStatus_ValidForwardMoves(t *testing.T) {
	cases := []struct {
		from, to JobStatus
	}{
		{JobScanning, JobProcessing},
		{JobProcessing, JobDetected},
		{JobDetected, JobVerified},
		{JobVerified, JobCompleted},
	}
	for _, c := range cases {
		if !CanTransitionJobStatus(c.from, c.to) {
			t.Errorf("expected %s -> %s to be valid", c.from, c.to)
		}
	}
}

func TestCanTransitionJobStatus_FailedIsReachableFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []JobStatus{JobScanning, JobProcessing, JobDetected, JobVerified} {
		if !CanTransitionJobStatus(from, JobFailed) {
			t.Errorf("expected %s -> failed to be valid", from)
		}
	}
}

func TestCanTransitionJobStatus_FailedIsTerminal(t *testing.T) {
	for _, to := range []JobStatus{JobScanning, JobProcessing, JobDetected, JobVerified, JobCompleted} {
		if CanTransitionJobStatus(JobFailed, to) {
			t.Errorf("expected failed -> %s to be rejected", to)
		}
	}
}

func TestCanTransitionJobStatus_RejectsSkippingStages(t *testing.T) {
	if CanTransitionJobStatus(JobScanning, JobDetected) {
		t.Error("expected scanning -> detected to be rejected (skips processing)")
	}
	if CanTransitionJobStatus(JobProcessing, JobCompleted) {
		t.Error("expected processing -> completed to be rejected (skips detected/verified)")
	}
}

func TestCanTransitionJobStatus_SameStateIsAlwaysAllowed(t *testing.T) {
	for _, s := range []JobStatus{JobScanning, JobProcessing, JobDetected, JobVerified, JobCompleted, JobFailed} {
		if !CanTransitionJobStatus(s, s) {
			t.Errorf("expected %s -> %s (no-op) to be allowed", s, s)
		}
	}
}

func TestCanTransitionJobStatus_RejectsBackwardMoves(t *testing.T) {
	if CanTransitionJobStatus(JobCompleted, JobVerified) {
		t.Error("expected completed -> verified to be rejected")
	}
	if CanTransitionJobStatus(JobVerified, JobDetected) {
		t.Error("expected verified -> detected to be rejected")
	}
}

func TestBrokerJobID(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "epjob-0"},
		{1, "epjob-1"},
		{42, "epjob-42"},
		{123456789, "epjob-123456789"},
	}
	for _, c := range cases {
		if got := BrokerJobID(c.in); got != c.want {
			t.Errorf("BrokerJobID(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}
