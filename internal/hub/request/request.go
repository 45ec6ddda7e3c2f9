// Package request implements the request file model: the structured header
// codec, the status machine, and the store that owns every mutation of
// request files on disk.
package request

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Priority of a request. Lower rank dispatches first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the sort rank of the priority. Unknown priorities sort last.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Status of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends the request lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// legalTransitions is the status machine. Any transition not listed here is
// rejected by the store.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusApproved, StatusInProgress, StatusRejected},
	StatusApproved:   {StatusInProgress, StatusRejected},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPending},
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Type of a request. Only "command" changes dispatch behavior; everything
// else is routed to an agent.
const TypeCommand = "command"

// Request is the in-memory projection of one request file. The file is the
// source of truth; mutations go through the Store.
type Request struct {
	ID       string
	From     string
	To       string
	Scope    string
	Type     string
	Priority Priority
	Status   Status
	Created  time.Time
	Updated  time.Time
	Attempts int

	// Optional fields.
	DependsOn       []string
	Command         string
	CommandArgs     []string
	Directive       string
	RelatedContract string
	OriginatedFrom  string

	// Service is the routing key, derived from the inbox directory the file
	// was found in (falling back to the "to" header for loose files).
	Service string

	// Body is the free-form text after the header.
	Body string

	// Path anchors the request to its file. Empty for unsaved requests.
	Path string

	header *Header
}

// timeLayouts accepted when parsing created/updated header values. The first
// is used when writing.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// Parse decodes a request file's full contents.
func Parse(data []byte) (*Request, error) {
	hdr, body, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Body:   body,
		header: hdr,
	}

	required := func(key string) (string, error) {
		v, ok := hdr.Get(key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("missing required header field %q", key)
		}
		return strings.TrimSpace(v), nil
	}

	if req.ID, err = required("id"); err != nil {
		return nil, err
	}
	if req.From, err = required("from"); err != nil {
		return nil, err
	}
	if req.To, err = required("to"); err != nil {
		return nil, err
	}
	if req.Scope, err = required("scope"); err != nil {
		return nil, err
	}
	if req.Type, err = required("type"); err != nil {
		return nil, err
	}

	prio, err := required("priority")
	if err != nil {
		return nil, err
	}
	req.Priority = Priority(prio)
	if _, ok := priorityRank[req.Priority]; !ok {
		return nil, fmt.Errorf("invalid priority %q", prio)
	}

	status, err := required("status")
	if err != nil {
		return nil, err
	}
	req.Status = Status(status)
	switch req.Status {
	case StatusPending, StatusApproved, StatusRejected, StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return nil, fmt.Errorf("invalid status %q", status)
	}

	created, err := required("created")
	if err != nil {
		return nil, err
	}
	if req.Created, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("invalid created: %w", err)
	}
	updated, err := required("updated")
	if err != nil {
		return nil, err
	}
	if req.Updated, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("invalid updated: %w", err)
	}

	if v, ok := hdr.Get("attempts"); ok {
		n := 0
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err != nil {
			return nil, fmt.Errorf("invalid attempts %q", v)
		}
		if n < 0 {
			return nil, fmt.Errorf("negative attempts %q", v)
		}
		req.Attempts = n
	}
	if v, ok := hdr.Get("depends_on_requests"); ok {
		req.DependsOn = splitList(v)
	}
	if v, ok := hdr.Get("command"); ok {
		req.Command = strings.TrimSpace(v)
	}
	if v, ok := hdr.Get("command_args"); ok {
		req.CommandArgs = splitList(v)
	}
	if v, ok := hdr.Get("directive"); ok {
		req.Directive = strings.TrimSpace(v)
	}
	if v, ok := hdr.Get("related_contract"); ok {
		req.RelatedContract = strings.TrimSpace(v)
	}
	if v, ok := hdr.Get("originated_from"); ok {
		req.OriginatedFrom = strings.TrimSpace(v)
	}

	if req.Type == TypeCommand && req.Command == "" {
		return nil, fmt.Errorf("request %s has type=command but no command", req.ID)
	}

	req.Service = req.To
	return req, nil
}

// Render encodes the request back to file contents. Known mutable fields
// (status, updated, attempts) are substituted into the preserved header;
// everything else round-trips verbatim.
func (r *Request) Render() []byte {
	hdr := r.header
	if hdr == nil {
		hdr = &Header{}
		hdr.Set("id", r.ID)
		hdr.Set("from", r.From)
		hdr.Set("to", r.To)
		hdr.Set("scope", r.Scope)
		hdr.Set("type", r.Type)
		hdr.Set("priority", string(r.Priority))
		hdr.Set("status", string(r.Status))
		hdr.Set("created", r.Created.Format(time.RFC3339))
		hdr.Set("updated", r.Updated.Format(time.RFC3339))
		if r.OriginatedFrom != "" {
			hdr.Set("originated_from", r.OriginatedFrom)
		}
		if len(r.DependsOn) > 0 {
			hdr.Set("depends_on_requests", strings.Join(r.DependsOn, ", "))
		}
		if r.Directive != "" {
			hdr.Set("directive", r.Directive)
		}
		r.header = hdr
	} else {
		hdr.Set("status", string(r.Status))
		hdr.Set("updated", r.Updated.Format(time.RFC3339))
		if r.Attempts > 0 {
			hdr.Set("attempts", fmt.Sprintf("%d", r.Attempts))
		}
	}

	var sb strings.Builder
	sb.WriteString(hdr.Render())
	sb.WriteString(r.Body)
	return []byte(sb.String())
}

// splitList parses a comma-separated header value.
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SortCandidates orders requests for dispatch: priority first, then created
// ascending, then id ascending so the sort is total and stable.
func SortCandidates(reqs []*Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		ri, rj := reqs[i], reqs[j]
		if ri.Priority.Rank() != rj.Priority.Rank() {
			return ri.Priority.Rank() < rj.Priority.Rank()
		}
		if !ri.Created.Equal(rj.Created) {
			return ri.Created.Before(rj.Created)
		}
		return ri.ID < rj.ID
	})
}
