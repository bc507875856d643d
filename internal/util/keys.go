package util

// KV namespace owned by profsync. External code must not write under these
// prefixes; foreign bytes fail strict wire validation and are deleted on read.
const (
	recordPrefix = "record:"
	lockPrefix   = "lock:"

	// DirtySetKey is the single set-typed key holding identities that have
	// unsynchronized changes pending.
	DirtySetKey = "dirty-set"
)

func RecordKey(identity string) string { return recordPrefix + identity }

func LockKey(resource string) string { return lockPrefix + resource }
