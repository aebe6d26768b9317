package worker

import "time"

// CrashPolicy bounds automatic recovery from abnormal session exits.
type CrashPolicy struct {
	Threshold int           // crashes tolerated inside one window
	Window    time.Duration // rolling window length
}

// RecordCrash counts an abnormal exit at now and reports whether the worker
// has exceeded the policy and must go to Error instead of recovering.
//
// The window is anchored at the first crash it contains: a crash arriving a
// full window after CrashWindowStart opens a new window with a count of one.
func (r *Record) RecordCrash(now time.Time, p CrashPolicy) (exceeded bool) {
	if r.CrashWindowStart == nil || now.Sub(*r.CrashWindowStart) >= p.Window {
		start := now
		r.CrashWindowStart = &start
		r.CrashCount = 0
	}
	r.CrashCount++
	last := now
	r.LastCrashAt = &last
	return r.CrashCount > p.Threshold
}

// ExpireCrashWindow clears the crash count once a full window has passed
// without any crash. It reports whether anything changed.
func (r *Record) ExpireCrashWindow(now time.Time, p CrashPolicy) bool {
	if r.CrashCount == 0 && r.CrashWindowStart == nil {
		return false
	}
	if r.LastCrashAt != nil && now.Sub(*r.LastCrashAt) < p.Window {
		return false
	}
	r.CrashCount = 0
	r.CrashWindowStart = nil
	r.LastCrashAt = nil
	return true
}
