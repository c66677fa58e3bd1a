// Package pressure monitors process memory and discretizes it into the
// pressure levels that drive engine backpressure.
//
// The [Monitor] samples resident set size on a fixed interval, computes
// the ratio against the configured memory budget, and maps it onto
// three levels: normal below the high threshold, high between the high
// and critical thresholds, and critical above. The critical level is
// sticky: once entered it holds until the ratio falls back below the
// high threshold, so admission does not flap around the critical
// boundary.
//
// Level transitions publish a [event.PressureChangedEvent], invoke the
// registered change handlers, and, on entry to critical, force memory
// back to the OS with debug.FreeOSMemory. The orchestrator consults
// [Monitor.CurrentLevel] synchronously on every admission decision.
//
// Sampling uses gopsutil against the current process by default; tests
// inject a [Sampler] and drive sampling manually by configuring a zero
// interval.
package pressure
