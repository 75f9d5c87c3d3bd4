package config

const (
	// TopicIngestResult is the NSQ topic for per-document ingestion outcomes (success/failure).
	TopicIngestResult = "ingest.result"

	// TopicSourcePurged is the NSQ topic announcing that a source file's chunks were deleted.
	TopicSourcePurged = "ingest.purged"
)
