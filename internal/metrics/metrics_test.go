package metrics

import (
	"testing"
	"time"
)

func TestNew_StartTimeSet(t *testing.T) {
	before := time.Now()
	m := New()
	after := time.Now()

	if m.startTime.Before(before) || m.startTime.After(after) {
		t.Errorf("startTime %v not in expected range [%v, %v]", m.startTime, before, after)
	}
}

func TestZeroValue_SnapshotSafe(t *testing.T) {
	var m Metrics
	s := m.Snapshot()
	if s.Dances.Started != 0 {
		t.Errorf("expected 0 dances started, got %d", s.Dances.Started)
	}
}

func TestDanceCounters(t *testing.T) {
	m := New()
	m.DancesStarted.Add(10)
	m.DancesDone.Add(7)
	m.DancesFailed.Add(2)

	s := m.Snapshot()
	if s.Dances.Started != 10 {
		t.Errorf("Started: got %d, want 10", s.Dances.Started)
	}
	if s.Dances.Done != 7 {
		t.Errorf("Done: got %d, want 7", s.Dances.Done)
	}
	if s.Dances.Failed != 2 {
		t.Errorf("Failed: got %d, want 2", s.Dances.Failed)
	}
}

func TestErrorCounters(t *testing.T) {
	m := New()
	m.ErrorsPeel.Add(3)
	m.ErrorsDecrypt.Add(2)

	s := m.Snapshot()
	if s.Errors.Peel != 3 {
		t.Errorf("Peel errors: got %d, want 3", s.Errors.Peel)
	}
	if s.Errors.Decrypt != 2 {
		t.Errorf("Decrypt errors: got %d, want 2", s.Errors.Decrypt)
	}
}

func TestOnionVolumeCounters(t *testing.T) {
	m := New()
	m.OnionsPeeled.Add(50)
	m.OnionsRejected.Add(5)

	s := m.Snapshot()
	if s.Onions.Peeled != 50 {
		t.Errorf("Peeled: got %d, want 50", s.Onions.Peeled)
	}
	if s.Onions.Rejected != 5 {
		t.Errorf("Rejected: got %d, want 5", s.Onions.Rejected)
	}
}

func TestRecordPowDuration_SingleSample(t *testing.T) {
	m := New()
	m.RecordPowDuration(100 * time.Millisecond)

	s := m.Snapshot()
	if s.Latency.PowMs.Count != 1 {
		t.Errorf("Count: got %d, want 1", s.Latency.PowMs.Count)
	}
	if s.Latency.PowMs.MinMs < 90 || s.Latency.PowMs.MinMs > 110 {
		t.Errorf("MinMs: got %f, want ~100", s.Latency.PowMs.MinMs)
	}
}

func TestRecordDanceDuration_MinMaxMean(t *testing.T) {
	m := New()
	m.RecordDanceDuration(50 * time.Millisecond)
	m.RecordDanceDuration(150 * time.Millisecond)
	m.RecordDanceDuration(100 * time.Millisecond)

	s := m.Snapshot()
	ls := s.Latency.DanceMs
	if ls.Count != 3 {
		t.Errorf("Count: got %d, want 3", ls.Count)
	}
	if ls.MinMs > 60 {
		t.Errorf("MinMs too high: %f", ls.MinMs)
	}
	if ls.MaxMs < 140 {
		t.Errorf("MaxMs too low: %f", ls.MaxMs)
	}
	if ls.MeanMs < 90 || ls.MeanMs > 110 {
		t.Errorf("MeanMs: got %f, want ~100", ls.MeanMs)
	}
}

func TestSnapshotLatency_EmptyIsZeroValue(t *testing.T) {
	m := New()
	s := m.Snapshot()
	if s.Latency.PowMs.Count != 0 {
		t.Errorf("empty pow latency count should be 0")
	}
	if s.Latency.DanceMs.Count != 0 {
		t.Errorf("empty dance latency count should be 0")
	}
}

func TestSnapshot_UptimePositive(t *testing.T) {
	m := New()
	time.Sleep(5 * time.Millisecond)
	s := m.Snapshot()
	if s.UptimeSecs <= 0 {
		t.Errorf("UptimeSecs should be positive, got %f", s.UptimeSecs)
	}
}

func TestRound2(t *testing.T) {
	cases := []struct {
		input float64
		want  float64
	}{
		{1.236, 1.24},
		{1.234, 1.23},
		{100.0, 100.0},
		{0.0, 0.0},
	}
	for _, c := range cases {
		got := round2(c.input)
		if got != c.want {
			t.Errorf("round2(%f) = %f, want %f", c.input, got, c.want)
		}
	}
}

func TestLatencyStats_Record(t *testing.T) {
	var s latencyStats
	s.record(10)
	s.record(20)
	s.record(15)

	snap := s.snapshot()
	if snap.Count != 3 {
		t.Errorf("Count: got %d, want 3", snap.Count)
	}
	if snap.MinMs != 10 {
		t.Errorf("MinMs: got %f, want 10", snap.MinMs)
	}
	if snap.MaxMs != 20 {
		t.Errorf("MaxMs: got %f, want 20", snap.MaxMs)
	}
	if snap.MeanMs != 15 {
		t.Errorf("MeanMs: got %f, want 15", snap.MeanMs)
	}
}

func TestLatencyStats_Empty(t *testing.T) {
	var s latencyStats
	snap := s.snapshot()
	if snap.Count != 0 || snap.MinMs != 0 || snap.MaxMs != 0 || snap.MeanMs != 0 {
		t.Errorf("empty stats snapshot should be zero, got %+v", snap)
	}
}

func TestRecordPeel_CountsByType(t *testing.T) {
	m := New()
	m.RecordPeel("base")
	m.RecordPeel("base")
	m.RecordPeel("pow")

	s := m.Snapshot()
	if s.Onions.ByType["base"] != 2 {
		t.Errorf("base: got %d, want 2", s.Onions.ByType["base"])
	}
	if s.Onions.ByType["pow"] != 1 {
		t.Errorf("pow: got %d, want 1", s.Onions.ByType["pow"])
	}
	if _, present := s.Onions.ByType["signed"]; present {
		t.Error("signed should be absent from snapshot when count is 0")
	}
}

func TestRecordPeel_UnknownTypeIgnored(t *testing.T) {
	m := New()
	m.RecordPeel("bogus")

	s := m.Snapshot()
	if _, present := s.Onions.ByType["bogus"]; present {
		t.Error("unknown onion type should not appear in snapshot")
	}
}

func TestRecordCaptchaResult_CountsByOutcome(t *testing.T) {
	m := New()
	m.RecordCaptchaResult("solved")
	m.RecordCaptchaResult("wrong")
	m.RecordCaptchaResult("wrong")

	s := m.Snapshot()
	if s.Onions.CaptchaResults["solved"] != 1 {
		t.Errorf("solved: got %d, want 1", s.Onions.CaptchaResults["solved"])
	}
	if s.Onions.CaptchaResults["wrong"] != 2 {
		t.Errorf("wrong: got %d, want 2", s.Onions.CaptchaResults["wrong"])
	}
}

func TestRecordCaptchaResult_UnknownOutcomeIgnored(t *testing.T) {
	m := New()
	m.RecordCaptchaResult("bogus")

	s := m.Snapshot()
	if _, present := s.Onions.CaptchaResults["bogus"]; present {
		t.Error("unknown captcha outcome should not appear in snapshot")
	}
}

func TestPowAndQueueCounters(t *testing.T) {
	m := New()
	m.PowDispatches.Add(5)
	m.PowErrors.Add(2)
	m.QueueFallbacks.Add(3)

	s := m.Snapshot()
	if s.Onions.PowDispatches != 5 {
		t.Errorf("PowDispatches: got %d, want 5", s.Onions.PowDispatches)
	}
	if s.Onions.PowErrors != 2 {
		t.Errorf("PowErrors: got %d, want 2", s.Onions.PowErrors)
	}
	if s.Onions.QueueFallbacks != 3 {
		t.Errorf("QueueFallbacks: got %d, want 3", s.Onions.QueueFallbacks)
	}
}

func TestMapCountersEmptyByDefault(t *testing.T) {
	m := New()
	s := m.Snapshot()
	if len(s.Onions.ByType) != 0 {
		t.Errorf("ByType should be empty map when all zero, got %v", s.Onions.ByType)
	}
	if len(s.Onions.CaptchaResults) != 0 {
		t.Errorf("CaptchaResults should be empty map when all zero, got %v", s.Onions.CaptchaResults)
	}
}
