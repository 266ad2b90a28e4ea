package models

// Process is a queued import job: an export file waiting to be replayed
// into a fresh room.
type Process struct {
	// Path points at the export archive or JSON file on disk.
	Path string
	// EventID is the message event that submitted the export.
	EventID string
	// RoomID is the room the submission came from; status messages go
	// back there as threaded replies.
	RoomID string
}

// RoomToRemove records an imported-from room awaiting purge
// confirmation from the user who requested the import.
type RoomToRemove struct {
	// EventID is the "import finished" notice whose thread the
	// confirmation reply must reference.
	EventID string
	// RoomID is the old room that can be purged.
	RoomID string
	// Users is the snapshot of user ids joined in the old room at
	// export time; they are evicted before deletion.
	Users []string
}
