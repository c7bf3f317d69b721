package storage

import "time"

const (
	// DefaultSettlementsTable names the ledger table (postgres) or collection (mongodb).
	DefaultSettlementsTable = "settlements"

	// FlushInterval is how often the file store writes dirty state to disk.
	FlushInterval = 5 * time.Second
)
