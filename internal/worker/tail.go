package worker

import (
	"bufio"
	"os"
)

// tailLimit caps how many lines Tail reads back per log file.
const tailLimit = 200

// TailEntry is one recent output line from a worker's log files.
type TailEntry struct {
	Source string `json:"source"` // "stdout" or "stderr"
	Line   string `json:"line"`
}

// Tail reads back up to n recent lines from each of the worker's log
// files, stdout entries first. The worker writes those files itself, so
// the tail works even for workers inherited from a detached supervisor.
func (w *Worker) Tail(n int) []TailEntry {
	if n > tailLimit {
		n = tailLimit
	}
	entries := lastLines(w.stdoutPath, "stdout", n)
	return append(entries, lastLines(w.stderrPath, "stderr", n)...)
}

// lastLines returns the final n lines of one log file, oldest first. A
// missing or unreadable file yields no entries.
func lastLines(path, source string, n int) []TailEntry {
	if n <= 0 {
		return []TailEntry{}
	}
	f, err := os.Open(path)
	if err != nil {
		return []TailEntry{}
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(ring) >= n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}

	entries := make([]TailEntry, 0, len(ring))
	for _, line := range ring {
		entries = append(entries, TailEntry{Source: source, Line: line})
	}
	return entries
}
