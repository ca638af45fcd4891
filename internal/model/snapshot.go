package model

// Snapshot is a durable checkpoint of compute-session state. Epoch is the
// epoch the session resumes into when started from this snapshot, not the
// epoch that was closed to produce it.
type Snapshot struct {
	// Path locates the checkpoint data. Its shape depends on the snapshot
	// backend (a directory for fs, an s3:// URI for object storage).
	Path  string `json:"path"`
	Epoch uint64 `json:"epoch"`
}

// EpochClaim summarizes a finished epoch's outcome. The runner transports it
// from the compute session to the claim stream as-is.
type EpochClaim struct {
	EpochIndex uint64 `json:"epoch_index"`
	Hash       []byte `json:"hash"`
}
