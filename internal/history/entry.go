package history

// Entry is one browsing-history record. Entries are immutable once synced:
// an update is a new entry with a later VisitTime, a delete is an explicit
// tombstone. Identity for merge purposes is (URL, DeviceID).
type Entry struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	VisitTime int64  `json:"visitTime"`
	DeviceID  string `json:"deviceId"`
	Duration  int64  `json:"duration,omitempty"`

	// Article extraction results, carried when the capturing side ran
	// readability on the page.
	IsArticle   bool   `json:"isArticle,omitempty"`
	Content     string `json:"content,omitempty"`
	ReadingTime int32  `json:"readingTime,omitempty"`
}

// Key returns the merge identity of the entry.
func (e Entry) Key() string {
	return e.URL + "\x00" + e.DeviceID
}

// NewerThan reports whether e wins a last-write-wins merge against other.
// Ties break on DeviceID so the outcome is deterministic regardless of
// arrival order.
func (e Entry) NewerThan(other Entry) bool {
	if e.VisitTime != other.VisitTime {
		return e.VisitTime > other.VisitTime
	}
	return e.DeviceID > other.DeviceID
}

// Tombstone records an explicit delete. A peer that never observed the
// entry must not resurrect it from absence, so deletes travel as values
// with their own timestamp and merge by the same last-write-wins rule.
type Tombstone struct {
	URL       string `json:"url"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

func (t Tombstone) Key() string {
	return t.URL + "\x00" + t.DeviceID
}
