package models

import "time"

// Snapshot is one ZFS snapshot as reported by the tool. Ordering and
// bucket assignment always use Creation, never the name, so snapshots
// with foreign names interoperate with managed ones.
type Snapshot struct {
	Dataset  string
	Name     string
	Creation time.Time
}

// Handle returns the dataset@name form used on the zfs command line.
func (s Snapshot) Handle() string {
	return s.Dataset + "@" + s.Name
}
