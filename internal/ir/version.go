package ir

// Version constants for the bridge and its journal schema.
const (
	// JournalVersion is the journal record schema version.
	JournalVersion = "1"

	// BridgeVersion is the nbridge release version.
	BridgeVersion = "0.1.0"
)
