package remote

// WireRecord is a record as it travels over the sync protocol. The server id
// is under "id"; records created offline also carry "local_id".
type WireRecord map[string]any

// TableChanges holds the changes of one table
type TableChanges struct {
	Created []WireRecord `json:"created"`
	Updated []WireRecord `json:"updated"`
	Deleted []int64      `json:"deleted"`
}

// Empty reports whether the table has no changes
func (c TableChanges) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Changes maps table names to their changes
type Changes map[string]TableChanges

// Migration asks the server for the full contents of tables added since a
// schema version
type Migration struct {
	From   int      `json:"from"`
	Tables []string `json:"tables"`
}

// PullRequest asks for everything changed since a checkpoint
type PullRequest struct {
	LastPulledAt  int64
	SchemaVersion int
	Migration     *Migration
}

// PullResponse is the server's change set and its new checkpoint
type PullResponse struct {
	Changes   Changes `json:"changes"`
	Timestamp int64   `json:"timestamp"`
}

// PushRequest carries local changes to the server
type PushRequest struct {
	Changes      Changes `json:"changes"`
	LastPulledAt int64   `json:"last_pulled_at"`
}

// PushResponse maps local ids of created records to their new server ids,
// per table.
type PushResponse struct {
	IDs map[string]map[string]int64 `json:"ids"`
}

// ServerID returns the id assigned to a local record, if any
func (r *PushResponse) ServerID(table, localID string) (int64, bool) {
	if r == nil || r.IDs == nil {
		return 0, false
	}
	id, ok := r.IDs[table][localID]
	return id, ok
}

// ErrorBody is the JSON error shape returned by the server
type ErrorBody struct {
	Error string `json:"error"`
}
