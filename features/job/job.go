package job

import "time"

// Failure is the latest failed ingestion of one source file.
type Failure struct {
	ID         string    `json:"id"`
	SourceFile string    `json:"source_file"`
	Path       string    `json:"path"`
	Stage      string    `json:"stage"`
	Error      string    `json:"error"`
	Retries    int       `json:"retries"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
