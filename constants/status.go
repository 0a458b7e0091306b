package constants

// FileStates holds the journal states a tracked file moves through.
var FileStates = []string{StatePending, StateImported, StateFailed, StateRescued}

const (
	// StatePending marks a file discovered by the watcher and awaiting import.
	StatePending = "PENDING"
	// StateImported marks a file the remote server accepted.
	StateImported = "IMPORTED"
	// StateFailed marks a file moved to quarantine after a failed attempt.
	StateFailed = "FAILED"
	// StateRescued marks a quarantined file moved back for another pass.
	StateRescued = "RESCUED"
)
