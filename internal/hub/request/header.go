package request

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// headerDelimiter fences the structured header at the top of a request file.
const headerDelimiter = "---"

// Header is the ordered key/value block at the top of a request file.
// Field order and unknown fields are preserved verbatim across rewrites.
type Header struct {
	fields []headerField
}

type headerField struct {
	key string
	// raw is the full original line for fields we never touch, so comments
	// and spacing survive a rewrite. Empty for fields set programmatically.
	raw   string
	value string
}

// ParseHeader splits file contents into the header block and the body.
// The body keeps its leading newline stripped so Render round-trips.
func ParseHeader(data []byte) (*Header, string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != headerDelimiter {
		return nil, "", fmt.Errorf("missing header delimiter")
	}

	hdr := &Header{}
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == headerDelimiter {
			closed = true
			break
		}
		if strings.TrimSpace(line) == "" {
			hdr.fields = append(hdr.fields, headerField{raw: line})
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, "", fmt.Errorf("malformed header line %q", line)
		}
		hdr.fields = append(hdr.fields, headerField{
			key:   strings.TrimSpace(key),
			raw:   line,
			value: strings.TrimSpace(value),
		})
	}
	if !closed {
		return nil, "", fmt.Errorf("unterminated header")
	}

	var body strings.Builder
	for scanner.Scan() {
		body.WriteString(scanner.Text())
		body.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, "", err
	}
	return hdr, body.String(), nil
}

// Get returns the value of the first field with the given key.
func (h *Header) Get(key string) (string, bool) {
	for _, f := range h.fields {
		if f.key == key {
			return f.value, true
		}
	}
	return "", false
}

// Set replaces the value of an existing field in place, or appends a new
// field at the end of the header.
func (h *Header) Set(key, value string) {
	for i, f := range h.fields {
		if f.key == key {
			h.fields[i].value = value
			h.fields[i].raw = ""
			return
		}
	}
	h.fields = append(h.fields, headerField{key: key, value: value})
}

// Render encodes the header block including both delimiters.
func (h *Header) Render() string {
	var sb strings.Builder
	sb.WriteString(headerDelimiter)
	sb.WriteString("\n")
	for _, f := range h.fields {
		if f.raw != "" {
			sb.WriteString(f.raw)
		} else if f.key != "" {
			sb.WriteString(f.key)
			sb.WriteString(": ")
			sb.WriteString(f.value)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(headerDelimiter)
	sb.WriteString("\n")
	return sb.String()
}
