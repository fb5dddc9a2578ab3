package memory

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

func swapPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.txt", pid))
}

// readSwapLines returns every line of the swap file for pid, in order.
// Blank lines represent empty cells and are preserved in the result.
func readSwapLines(dir string, pid int) ([]string, error) {
	f, err := os.Open(swapPath(dir, pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// writeSwapLines overwrites (or creates) the swap file for pid with one
// line per cell; empty cells are written as blank lines. It reports whether
// the file already existed, so the caller can log a regeneration event.
func writeSwapLines(dir string, pid int, lines []string) (existed bool, err error) {
	path := swapPath(dir, pid)
	if _, statErr := os.Stat(path); statErr == nil {
		existed = true
	}

	f, err := os.Create(path)
	if err != nil {
		return existed, err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return existed, err
		}
	}
	if err := w.Flush(); err != nil {
		return existed, err
	}
	return existed, nil
}

func removeSwapFile(dir string, pid int) {
	_ = os.Remove(swapPath(dir, pid))
}
