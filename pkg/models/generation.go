package models

import "time"

// ImageKind tags how a generation's image was delivered by the provider.
type ImageKind string

const (
	// ImageInline carries decoded image bytes.
	ImageInline ImageKind = "inline"
	// ImageURL carries a link to out-of-band storage (r2 delivery or a legacy embedded link).
	ImageURL ImageKind = "url"
	// ImageUnrecognized means the payload could not be classified; Raw and Error are set.
	ImageUnrecognized ImageKind = "unrecognized"
)

// Generation is one normalized image produced for a job. Exactly one of Data or URL is
// populated, depending on Kind. Error holds a per-item processing failure; a batch with
// some failed items is still a successful batch.
type Generation struct {
	ID         string         `json:"id"`
	Seed       string         `json:"seed"`
	Kind       ImageKind      `json:"kind"`
	Data       []byte         `json:"data,omitempty"`
	URL        string         `json:"url,omitempty"`
	Model      string         `json:"model,omitempty"`
	WorkerID   string         `json:"workerId,omitempty"`
	WorkerName string         `json:"workerName,omitempty"`
	Censored   bool           `json:"censored,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// GenerationRecord is a generation persisted as its own row, independent of the
// job's result data. Partial generations recovered on cancellation end up here.
type GenerationRecord struct {
	Generation
	JobID     string    `db:"job_id"     json:"jobId"`
	UserID    *string   `db:"user_id"    json:"userId,omitempty"`
	Source    string    `db:"source"     json:"source"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
