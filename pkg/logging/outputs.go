package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ConsoleOutput formats logs for human readability.
type ConsoleOutput struct {
	mu     sync.Mutex
	writer io.Writer
	color  bool // Whether to use ANSI color codes
}

type ConsoleOutputOption func(*ConsoleOutput)

func WithColor(enabled bool) ConsoleOutputOption {
	return func(c *ConsoleOutput) {
		c.color = enabled
	}
}

func NewConsoleOutput(useStderr bool, opts ...ConsoleOutputOption) *ConsoleOutput {
	// Choose the appropriate writer based on useStderr flag
	writer := os.Stdout
	if useStderr {
		writer = os.Stderr
	}

	// Create the base console output
	c := &ConsoleOutput{
		writer: writer,
		color:  true, // Enable colors by default
	}

	// Apply any provided options
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Helper function to get ANSI color codes for different severity levels.
func getSeverityColor(s Severity) string {
	switch s {
	case DEBUG:
		return "\033[37m" // Gray
	case INFO:
		return "\033[32m" // Green
	case WARN:
		return "\033[33m" // Yellow
	case ERROR:
		return "\033[31m" // Red
	case FATAL:
		return "\033[35m" // Magenta
	default:
		return ""
	}
}

func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}

	var result string
	for k, v := range fields {
		// Prompts can run long; truncate for console display
		if k == "prompt" {
			str := fmt.Sprintf("%v", v)
			if len(str) > 100 {
				str = str[:97] + "..."
			}
			result += fmt.Sprintf("%s=%q ", k, str)
		} else {
			result += fmt.Sprintf("%s=%v ", k, v)
		}
	}

	return result
}

func (o *ConsoleOutput) Write(e LogEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	timestamp := time.Unix(0, e.Time).Format("2006-01-02 15:04:05.000")

	var levelColor, resetColor string
	if o.color {
		levelColor = getSeverityColor(e.Severity)
		resetColor = "\033[0m"
	}

	// Format for easy reading
	basic := fmt.Sprintf("%s %s%-5s%s [%s:%d] %s",
		timestamp,
		levelColor,
		e.Severity,
		resetColor,
		e.File,
		e.Line,
		e.Message,
	)

	// Add run identity if present
	if e.RunID != "" {
		basic += fmt.Sprintf(" [run=%s]", e.RunID)
	}

	if e.Rank >= 0 {
		basic += fmt.Sprintf(" [rank=%d]", e.Rank)
	}
	// Add structured fields if any exist
	if len(e.Fields) > 0 {
		fields := formatFields(e.Fields)
		basic += " " + fields
	}

	_, err := fmt.Fprintln(o.writer, basic)

	return err
}

func (c *ConsoleOutput) Sync() error {
	if syncer, ok := c.writer.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// Close cleans up any resources.
func (c *ConsoleOutput) Close() error {
	if closer, ok := c.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// fileEntry is the JSON shape written by FileOutput.
type fileEntry struct {
	Time     string                 `json:"time"`
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	File     string                 `json:"file"`
	Line     int                    `json:"line"`
	Function string                 `json:"function"`
	RunID    string                 `json:"run_id,omitempty"`
	Rank     *int                   `json:"rank,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// FileOutput appends JSON-line entries to a log file, rotating it once it
// grows past maxBytes (the old file keeps a ".1" suffix, one generation).
type FileOutput struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	written  int64
	file     *os.File
	buf      *bufio.Writer
}

type FileOutputOption func(*FileOutput)

// WithMaxFileSize sets the rotation threshold in bytes. Zero disables
// rotation.
func WithMaxFileSize(n int64) FileOutputOption {
	return func(f *FileOutput) {
		f.maxBytes = n
	}
}

func NewFileOutput(path string, opts ...FileOutputOption) (*FileOutput, error) {
	f := &FileOutput{path: path}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.open(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileOutput) open() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	f.file = file
	f.written = info.Size()
	f.buf = bufio.NewWriter(file)
	return nil
}

func (f *FileOutput) rotate() error {
	if err := f.buf.Flush(); err != nil {
		return err
	}
	if err := f.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(f.path, f.path+".1"); err != nil {
		return err
	}
	return f.open()
}

func (f *FileOutput) Write(e LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fe := fileEntry{
		Time:     time.Unix(0, e.Time).UTC().Format(time.RFC3339Nano),
		Severity: e.Severity.String(),
		Message:  e.Message,
		File:     e.File,
		Line:     e.Line,
		Function: e.Function,
		RunID:    e.RunID,
		Fields:   e.Fields,
	}
	if e.Rank >= 0 {
		rank := e.Rank
		fe.Rank = &rank
	}

	data, err := json.Marshal(fe)
	if err != nil {
		return err
	}
	n, err := f.buf.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	f.written += int64(n)

	if f.maxBytes > 0 && f.written >= f.maxBytes {
		return f.rotate()
	}
	return nil
}

func (f *FileOutput) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.buf.Flush(); err != nil {
		return err
	}
	return f.file.Sync()
}

func (f *FileOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.buf.Flush(); err != nil {
		return err
	}
	return f.file.Close()
}
