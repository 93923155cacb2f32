package archive

import "time"

// ArchivedFile describes one parquet object produced from a session row
// file.
type ArchivedFile struct {
	Path      string            `json:"path"`
	SizeBytes int64             `json:"size_bytes"`
	Rows      int64             `json:"rows"`
	Partition map[string]string `json:"partition"`
}

// Manifest lists everything archived for one session. Its presence marks
// the session complete; scans never re-export a manifested session, so the
// manifest write is the commit point of the whole export.
type Manifest struct {
	ManifestID  string         `json:"manifest_id"`
	SessionDate string         `json:"session_date"`
	CreatedAt   time.Time      `json:"created_at"`
	Files       []ArchivedFile `json:"files"`
}
