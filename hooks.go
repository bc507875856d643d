package profsync

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; they are called on hot paths.
type Hooks interface {
	// CAS retries were exhausted for an identity; the update surfaced as a
	// version conflict to the caller.
	CASExhausted(identity string, attempts int)

	// A lease could not be obtained because it is held elsewhere.
	LockContended(resource string)

	// The watchdog observed its lease gone or stolen and stopped renewing.
	WatchdogRenewLost(resource string)

	// A force update bypassed version checking.
	ForcedUpdate(identity, source string)

	// A stored record was deleted on read.
	// reason ∈ {"corrupt", "version_mismatch", "decode"}
	SelfHealRecord(identity, reason string)

	// IMMEDIATE-priority reconciliation failed after its single retry.
	// This is the alert path; wire it to paging, not just a log sink.
	CriticalSyncFailure(identity string, version uint64, err error)

	// A message carried an unrecognized priority and was routed to BATCH.
	RouterFallback(identity, rawPriority string)

	// The router could not publish to a downstream channel.
	RouterPublishFailed(identity string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CASExhausted(string, int)                 {}
func (NopHooks) LockContended(string)                     {}
func (NopHooks) WatchdogRenewLost(string)                 {}
func (NopHooks) ForcedUpdate(string, string)              {}
func (NopHooks) SelfHealRecord(string, string)            {}
func (NopHooks) CriticalSyncFailure(string, uint64, error) {}
func (NopHooks) RouterFallback(string, string)            {}
func (NopHooks) RouterPublishFailed(string, error)        {}
