package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
)

var logLine = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3} (\[[^\]]+\] )?\S.*$`)

func openLog(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, path
}

func logLines(t *testing.T, path string) []string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := strings.TrimRight(string(content), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func TestNewFileLogger_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	if err := os.WriteFile(path, []byte("previous run\n"), 0644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	logger.Log("service started")
	logger.Close()

	lines := logLines(t, path)
	if len(lines) != 2 || lines[0] != "previous run" || !strings.HasSuffix(lines[1], " service started") {
		t.Errorf("lines = %q", lines)
	}
}

func TestNewFileLogger_BadPath(t *testing.T) {
	if _, err := NewFileLogger(filepath.Join(t.TempDir(), "missing", "service.log")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestFileLogger_LineFormat(t *testing.T) {
	logger, path := openLog(t)
	press := logger.WithPrefix("press")

	tests := []struct {
		name  string
		write func()
		want  string
	}{
		{"plain", func() { logger.Log("polling %d PLCs", 2) }, " polling 2 PLCs"},
		{"prefixed", func() { press.Log("connected to %s", "10.0.0.5") }, " [press] connected to 10.0.0.5"},
		{"trailing newline trimmed", func() { press.Log("read failed\n") }, " [press] read failed"},
		{"Printf", func() { press.Printf("batch of %d", 20) }, " [press] batch of 20"},
		{"Println", func() { press.Println("reconnect in", "5s") }, " [press] reconnect in 5s"},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.write()
			lines := logLines(t, path)
			if len(lines) != i+1 {
				t.Fatalf("got %d lines, want %d", len(lines), i+1)
			}
			last := lines[i]
			if !logLine.MatchString(last) || !strings.HasSuffix(last, tc.want) {
				t.Errorf("line = %q, want suffix %q", last, tc.want)
			}
		})
	}
}

func TestFileLogger_CloseSharedWithPrefixes(t *testing.T) {
	logger, path := openLog(t)
	press := logger.WithPrefix("press")
	press.Log("before close")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := press.Close(); err != nil {
		t.Errorf("Close through derived logger: %v", err)
	}
	press.Log("after close")
	logger.Log("after close")

	lines := logLines(t, path)
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "[press] before close") {
		t.Errorf("lines = %q", lines)
	}
}

func TestFileLogger_Nil(t *testing.T) {
	var logger *FileLogger
	logger.Log("ignored")
	logger.WithPrefix("press").Printf("ignored")
	logger.Println("ignored")
	if err := logger.Close(); err != nil {
		t.Errorf("Close on nil logger: %v", err)
	}
}

func TestFileLogger_ConcurrentPLCs(t *testing.T) {
	logger, path := openLog(t)

	const plcs, perPLC = 4, 25
	var wg sync.WaitGroup
	for p := 0; p < plcs; p++ {
		l := logger.WithPrefix(fmt.Sprintf("plc%d", p))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPLC; i++ {
				l.Log("poll %d", i)
			}
		}()
	}
	wg.Wait()

	lines := logLines(t, path)
	if len(lines) != plcs*perPLC {
		t.Fatalf("got %d lines, want %d", len(lines), plcs*perPLC)
	}
	counts := make(map[string]int)
	for _, line := range lines {
		if !logLine.MatchString(line) {
			t.Fatalf("interleaved line %q", line)
		}
		start := strings.Index(line, "[")
		end := strings.Index(line, "]")
		counts[line[start+1:end]]++
	}
	for p := 0; p < plcs; p++ {
		if n := counts[fmt.Sprintf("plc%d", p)]; n != perPLC {
			t.Errorf("plc%d wrote %d lines, want %d", p, n, perPLC)
		}
	}
}
