package logging

// LogEntry represents a structured log record with fields particularly
// relevant to training runs.
type LogEntry struct {
	// Standard fields
	Time     int64
	Severity Severity
	Message  string
	File     string
	Line     int
	Function string

	// Run-specific fields
	RunID string // Identifier of the training run emitting this entry
	Rank  int    // Data-parallel worker rank, -1 when not set

	// General structured data
	Fields map[string]interface{}
}
