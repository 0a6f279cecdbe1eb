package telemetry

import (
	"strconv"
	"time"
)

// Recorders for the metrics testfleet emits. They go through the global
// collector so call sites stay one line.

// RecordShard records one shard execution.
func RecordShard(runner string, index int, d time.Duration, passed, failed int, success bool) {
	labels := map[string]string{
		"component": "executor",
		"runner":    runner,
		"shard":     strconv.Itoa(index),
	}
	c := GetGlobal()
	c.Timer("testfleet_shard_duration", d, labels)
	c.Counter("testfleet_cases_passed", float64(passed), labels)
	c.Counter("testfleet_cases_failed", float64(failed), labels)
	if success {
		c.Counter("testfleet_shards_successful", 1, labels)
	} else {
		c.Counter("testfleet_shards_failed", 1, labels)
	}
}

// RecordRun records a merged run.
func RecordRun(runner string, shards int, d time.Duration, passed, failed int) {
	labels := map[string]string{"component": "executor", "runner": runner}
	c := GetGlobal()
	c.Timer("testfleet_run_duration", d, labels)
	c.Gauge("testfleet_run_shards", float64(shards), labels)
	if total := passed + failed; total > 0 {
		c.Gauge("testfleet_run_pass_rate", float64(passed)/float64(total)*100, labels)
	}
}

// RecordFixAttempt records one generate/verify cycle.
func RecordFixAttempt(d time.Duration, passed bool) {
	labels := map[string]string{"component": "fix"}
	c := GetGlobal()
	c.Timer("testfleet_fix_attempt_duration", d, labels)
	if passed {
		c.Counter("testfleet_fix_attempts_accepted", 1, labels)
	} else {
		c.Counter("testfleet_fix_attempts_rejected", 1, labels)
	}
}

// RecordFixOutcome records the terminal state of a pipeline run.
func RecordFixOutcome(state string, attempts int) {
	labels := map[string]string{"component": "fix", "state": state}
	c := GetGlobal()
	c.Counter("testfleet_fix_runs", 1, labels)
	c.Histogram("testfleet_fix_attempts", float64(attempts), labels)
}

// TimerScope measures a span and records it on End.
type TimerScope struct {
	start  time.Time
	name   string
	labels map[string]string
}

func NewTimerScope(name string, labels map[string]string) *TimerScope {
	return &TimerScope{start: time.Now(), name: name, labels: labels}
}

func (ts *TimerScope) End() time.Duration {
	d := time.Since(ts.start)
	TimerGlobal(ts.name, d, ts.labels)
	return d
}

// Label sets a label recorded on End.
func (ts *TimerScope) Label(key, value string) *TimerScope {
	if ts.labels == nil {
		ts.labels = make(map[string]string)
	}
	ts.labels[key] = value
	return ts
}
