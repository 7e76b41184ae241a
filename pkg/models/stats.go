package models

// TrackerStats summarizes the tracking table for status output.
type TrackerStats struct {
	TotalItems    int64
	TotalSize     int64
	OKItems       int64
	OKSize        int64
	PendingItems  int64
	FailedItems   int64
	OrphanedItems int64
}
