package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
)

// Entry is one parsed line of the JSON event log.
type Entry struct {
	Level int    `json:"level"`
	Time  int64  `json:"time"`
	Msg   string `json:"msg"`
	// Raw keeps every field for context extraction.
	Raw map[string]any `json:"-"`
}

// Tail reads at most maxBytes from the end of the file. When the file is
// larger the result starts at the first complete line inside the window.
func Tail(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	offset := int64(0)
	if size > maxBytes {
		offset = size - maxBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		// Drop the partial first line.
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		} else {
			data = nil
		}
	}
	return data, nil
}

// ParseEntries decodes JSON log lines, skipping malformed ones.
func ParseEntries(data []byte) []Entry {
	var out []Entry
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			continue
		}
		e := Entry{Raw: raw}
		if v, ok := raw["level"].(float64); ok {
			e.Level = int(v)
		}
		if v, ok := raw["time"].(float64); ok {
			e.Time = int64(v)
		}
		if v, ok := raw["msg"].(string); ok {
			e.Msg = v
		}
		out = append(out, e)
	}
	return out
}
