package models

import "time"

// ScanSchedule is how often a source is scanned by the scheduler.
type ScanSchedule string

const (
	ScanSchedule6h     ScanSchedule = "6h"
	ScanSchedule12h    ScanSchedule = "12h"
	ScanScheduleDaily  ScanSchedule = "daily"
	ScanScheduleWeekly ScanSchedule = "weekly"
	ScanScheduleNone   ScanSchedule = "none"
)

// Interval returns the period between scheduled scans, or zero for "none".
func (s ScanSchedule) Interval() time.Duration {
	switch s {
	case ScanSchedule6h:
		return 6 * time.Hour
	case ScanSchedule12h:
		return 12 * time.Hour
	case ScanScheduleDaily:
		return 24 * time.Hour
	case ScanScheduleWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

func (s ScanSchedule) Valid() bool {
	return s == ScanScheduleNone || s.Interval() > 0
}

// IsDue reports whether a source last scheduled at last should be scanned at now.
func (s ScanSchedule) IsDue(last *time.Time, now time.Time) bool {
	interval := s.Interval()
	if interval == 0 {
		return false
	}
	if last == nil {
		return true
	}
	return now.Sub(*last) > interval
}
