package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// FileLogger writes timestamped service log lines to a file. It is safe for
// concurrent use and, through Printf/Println, doubles as the logger handed to
// the broker client libraries.
type FileLogger struct {
	file   *os.File
	prefix string
	mu     *sync.Mutex
	closed *bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file, mu: &sync.Mutex{}, closed: new(bool)}, nil
}

// WithPrefix returns a logger sharing the same file whose lines are tagged "[prefix]".
func (l *FileLogger) WithPrefix(prefix string) *FileLogger {
	if l == nil {
		return nil
	}
	cp := *l
	cp.prefix = prefix
	return &cp
}

// Log writes a formatted line. Calls after Close are dropped; a nil logger is a no-op.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if *l.closed {
		return
	}
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	timestamp := time.Now().Format(timestampFormat)
	if l.prefix != "" {
		fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, l.prefix, msg)
		return
	}
	fmt.Fprintf(l.file, "%s %s\n", timestamp, msg)
}

func (l *FileLogger) Printf(format string, args ...interface{}) {
	l.Log(format, args...)
}

func (l *FileLogger) Println(args ...interface{}) {
	l.Log("%s", fmt.Sprintln(args...))
}

// Close closes the log file. Loggers derived with WithPrefix are closed too.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if *l.closed {
		return nil
	}
	*l.closed = true
	return l.file.Close()
}
