package request

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requestFile builds a minimal valid request file, with extra header
// lines spliced in before the closing fence.
func requestFile(id, status, priority string, extra ...string) []byte {
	lines := []string{
		"---",
		"id: " + id,
		"from: orchestrator",
		"to: billing",
		"scope: backend",
		"type: implementation",
		"priority: " + priority,
		"status: " + status,
		"created: 2026-08-01T10:00:00Z",
		"updated: 2026-08-01T10:00:00Z",
	}
	lines = append(lines, extra...)
	lines = append(lines, "---", "", "Do the thing.", "")
	return []byte(strings.Join(lines, "\n"))
}

func TestParse_RequiredFields(t *testing.T) {
	req, err := Parse(requestFile("req-001", "pending", "high"))
	require.NoError(t, err)
	assert.Equal(t, "req-001", req.ID)
	assert.Equal(t, "billing", req.To)
	assert.Equal(t, "billing", req.Service)
	assert.Equal(t, PriorityHigh, req.Priority)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, 0, req.Attempts)
	assert.Equal(t, "\nDo the thing.\n", req.Body)
}

func TestParse_MissingRequiredField(t *testing.T) {
	for _, field := range []string{"id", "from", "to", "scope", "type", "priority", "status", "created", "updated"} {
		t.Run(field, func(t *testing.T) {
			raw := string(requestFile("req-001", "pending", "high"))
			raw = strings.Replace(raw, field+": ", "zz_"+field+": ", 1)
			_, err := Parse([]byte(raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), field)
		})
	}
}

func TestParse_InvalidEnums(t *testing.T) {
	_, err := Parse(requestFile("req-001", "pending", "urgent"))
	assert.ErrorContains(t, err, "invalid priority")

	_, err = Parse(requestFile("req-001", "done", "high"))
	assert.ErrorContains(t, err, "invalid status")

	_, err = Parse(requestFile("req-001", "pending", "high", "attempts: -1"))
	assert.Error(t, err)
}

func TestParse_OptionalFields(t *testing.T) {
	req, err := Parse(requestFile("req-001", "pending", "low",
		"attempts: 2",
		"depends_on_requests: req-a, req-b,",
		"directive: refactor the parser",
		"related_contract: contracts/billing.md",
	))
	require.NoError(t, err)
	assert.Equal(t, 2, req.Attempts)
	assert.Equal(t, []string{"req-a", "req-b"}, req.DependsOn)
	assert.Equal(t, "refactor the parser", req.Directive)
	assert.Equal(t, "contracts/billing.md", req.RelatedContract)
}

func TestParse_CommandType(t *testing.T) {
	_, err := Parse(requestFile("req-001", "pending", "high", "type-override: ignored"))
	require.NoError(t, err)

	raw := strings.Replace(string(requestFile("req-002", "pending", "high")),
		"type: implementation", "type: command", 1)
	_, err = Parse([]byte(raw))
	assert.ErrorContains(t, err, "no command")

	raw = strings.Replace(string(requestFile("req-003", "pending", "high", "command: scan")),
		"type: implementation", "type: command", 1)
	req, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "scan", req.Command)
}

func TestRender_SubstitutesOnlyMutableFields(t *testing.T) {
	raw := requestFile("req-001", "pending", "high", "x-reviewer: alice")
	req, err := Parse(raw)
	require.NoError(t, err)

	req.Status = StatusInProgress
	req.Attempts = 1
	req.Updated = time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	out := string(req.Render())

	assert.Contains(t, out, "status: in-progress\n")
	assert.Contains(t, out, "updated: 2026-08-02T09:00:00Z\n")
	assert.Contains(t, out, "attempts: 1\n")
	assert.Contains(t, out, "x-reviewer: alice\n")
	assert.Contains(t, out, "created: 2026-08-01T10:00:00Z\n")
	assert.True(t, strings.HasSuffix(out, "Do the thing.\n"))

	// Round-trip stays parseable and stable.
	again, err := Parse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, again.Status)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, out, string(again.Render()))
}

func TestCanTransition(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusApproved},
		{StatusPending, StatusInProgress},
		{StatusPending, StatusRejected},
		{StatusApproved, StatusInProgress},
		{StatusApproved, StatusRejected},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusPending},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	illegal := [][2]Status{
		{StatusCompleted, StatusPending},
		{StatusFailed, StatusInProgress},
		{StatusRejected, StatusPending},
		{StatusPending, StatusCompleted},
		{StatusApproved, StatusCompleted},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
}

func TestSortCandidates(t *testing.T) {
	at := func(min int) time.Time { return time.Date(2026, 8, 1, 10, min, 0, 0, time.UTC) }
	mk := func(id string, p Priority, created time.Time) *Request {
		return &Request{ID: id, Priority: p, Created: created}
	}
	reqs := []*Request{
		mk("req-d", PriorityLow, at(0)),
		mk("req-c", PriorityMedium, at(5)),
		mk("req-b", PriorityCritical, at(9)),
		mk("req-e", PriorityMedium, at(5)),
		mk("req-a", PriorityMedium, at(1)),
	}
	SortCandidates(reqs)

	got := make([]string, len(reqs))
	for i, r := range reqs {
		got[i] = r.ID
	}
	assert.Equal(t, []string{"req-b", "req-a", "req-c", "req-e", "req-d"}, got)
}

func TestParse_TimestampLayouts(t *testing.T) {
	for i, stamp := range []string{"2026-08-01T10:00:00Z", "2026-08-01 10:00:00", "2026-08-01"} {
		raw := string(requestFile(fmt.Sprintf("req-%03d", i), "pending", "high"))
		raw = strings.Replace(raw, "created: 2026-08-01T10:00:00Z", "created: "+stamp, 1)
		req, err := Parse([]byte(raw))
		require.NoError(t, err, stamp)
		assert.Equal(t, 2026, req.Created.Year())
	}
}
