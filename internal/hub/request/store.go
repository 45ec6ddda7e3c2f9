package request

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayhub/relayhub/internal/common/logger"
)

// Common errors
var (
	ErrNotFound          = errors.New("request file not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotTerminal       = errors.New("request status is not terminal")
)

// EscalationInbox is the conventional inbox that receives escalation
// requests after a request exhausts its attempts.
const EscalationInbox = "orchestrator"

// Store owns every mutation of request files under one hub working tree.
// All rewrites are atomic (temp file + rename) so readers never observe a
// partially written header.
type Store struct {
	root   string
	logger *logger.Logger
}

// NewStore creates a store rooted at the hub working tree.
func NewStore(root string, log *logger.Logger) *Store {
	return &Store{
		root:   root,
		logger: log.WithFields(zap.String("component", "request-store")),
	}
}

// Root returns the hub working tree root.
func (s *Store) Root() string { return s.root }

// InboxDir returns the inbox directory for a service.
func (s *Store) InboxDir(service string) string {
	return filepath.Join(s.root, "comms", "inbox", service)
}

// ArchiveDir returns the terminal home of completed/failed/rejected requests.
func (s *Store) ArchiveDir() string {
	return filepath.Join(s.root, "comms", "archive")
}

// SessionsDir returns the directory holding per-request session logs.
func (s *Store) SessionsDir() string {
	return filepath.Join(s.root, "comms", "sessions")
}

// HistoryDir returns the directory holding per-(day,actor) history files.
func (s *Store) HistoryDir() string {
	return filepath.Join(s.root, "comms", "history")
}

// CheckpointsDir returns the directory holding retry checkpoints.
func (s *Store) CheckpointsDir() string {
	return filepath.Join(s.root, "comms", "checkpoints")
}

// Load parses one request file.
func (s *Store) Load(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	req, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	req.Path = path
	// The inbox directory, not the "to" header, is authoritative for routing.
	if service := serviceFromPath(path); service != "" {
		req.Service = service
	}
	return req, nil
}

// serviceFromPath extracts the inbox service name from a request file path,
// or "" when the file is not under an inbox.
func serviceFromPath(path string) string {
	dir := filepath.Dir(path)
	parent := filepath.Dir(dir)
	if filepath.Base(parent) == "inbox" && filepath.Base(filepath.Dir(parent)) == "comms" {
		return filepath.Base(dir)
	}
	return ""
}

// scanInboxes walks every comms/inbox tree under the root (mirrored trees
// included), parses each req-*.md, and deduplicates by id: the first file
// seen in the deterministic lexical walk wins. Parse errors and files that
// vanish mid-scan are logged and skipped.
func (s *Store) scanInboxes() ([]*Request, error) {
	var out []*Request
	seen := make(map[string]bool)

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, "req-") || !strings.HasSuffix(name, ".md") {
			return nil
		}
		if serviceFromPath(path) == "" {
			return nil
		}

		req, lerr := s.Load(path)
		if lerr != nil {
			if errors.Is(lerr, ErrNotFound) {
				return nil // vanished between list and read
			}
			s.logger.Warn("skipping malformed request file",
				zap.String("path", path),
				zap.Error(lerr))
			return nil
		}
		if seen[req.ID] {
			s.logger.Debug("duplicate request id in mirrored inbox, first sighting wins",
				zap.String("request_id", req.ID),
				zap.String("path", path))
			return nil
		}
		seen[req.ID] = true
		out = append(out, req)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan inboxes: %w", err)
	}
	return out, nil
}

// ScanCandidates enumerates every inbox and returns the requests whose
// status makes them dispatch-relevant (pending, approved, in-progress),
// ordered by priority then created then id.
func (s *Store) ScanCandidates() ([]*Request, error) {
	all, err := s.scanInboxes()
	if err != nil {
		return nil, err
	}
	candidates := make([]*Request, 0, len(all))
	for _, req := range all {
		switch req.Status {
		case StatusPending, StatusApproved, StatusInProgress:
			candidates = append(candidates, req)
		}
	}
	SortCandidates(candidates)
	return candidates, nil
}

// ScanInbox returns every parseable inbox request regardless of status.
// Used by startup recovery.
func (s *Store) ScanInbox() ([]*Request, error) {
	return s.scanInboxes()
}

// SetStatus rewrites the request file with the new status and bumps updated
// to the current wall clock. The transition must be legal under the status
// machine; the file on disk is re-read first so the check runs against the
// persisted state.
func (s *Store) SetStatus(req *Request, newStatus Status) error {
	current, err := s.Load(req.Path)
	if err != nil {
		return err
	}
	if !CanTransition(current.Status, newStatus) {
		return fmt.Errorf("%w: %s → %s for %s", ErrIllegalTransition, current.Status, newStatus, req.ID)
	}

	current.Status = newStatus
	current.Updated = time.Now()
	if err := s.writeAtomic(req.Path, current.Render()); err != nil {
		return fmt.Errorf("write status %s for %s: %w", newStatus, req.ID, err)
	}

	req.Status = newStatus
	req.Updated = current.Updated
	return nil
}

// IncrementAttempts advances the attempt counter with the same atomic
// rewrite pattern and returns the post-increment value. A missing field
// counts as zero.
func (s *Store) IncrementAttempts(req *Request) (int, error) {
	current, err := s.Load(req.Path)
	if err != nil {
		return 0, err
	}
	current.Attempts++
	current.Updated = time.Now()
	if err := s.writeAtomic(req.Path, current.Render()); err != nil {
		return 0, fmt.Errorf("increment attempts for %s: %w", req.ID, err)
	}
	req.Attempts = current.Attempts
	req.Updated = current.Updated
	return current.Attempts, nil
}

// Archive moves a terminal request file from its inbox to the archive area,
// creating parents as needed.
func (s *Store) Archive(req *Request) error {
	current, err := s.Load(req.Path)
	if err != nil {
		return err
	}
	if !current.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, req.ID, current.Status)
	}

	dir := s.ArchiveDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dest := filepath.Join(dir, filepath.Base(req.Path))
	if err := os.Rename(req.Path, dest); err != nil {
		return fmt.Errorf("archive %s: %w", req.ID, err)
	}

	s.logger.Info("archived request",
		zap.String("request_id", req.ID),
		zap.String("status", string(current.Status)))
	req.Path = dest
	return nil
}

// DependencyStatus reports whether every dependency of the request is
// satisfied. A dependency is satisfied iff an archived request with that id
// has status completed; absence or any other status counts as unsatisfied.
type DependencyStatus struct {
	Ready   bool
	Pending []string
}

// DependencyStatus resolves the request's depends_on_requests set against
// the archive.
func (s *Store) DependencyStatus(req *Request) (DependencyStatus, error) {
	if len(req.DependsOn) == 0 {
		return DependencyStatus{Ready: true}, nil
	}

	archived, err := s.scanArchive()
	if err != nil {
		return DependencyStatus{}, err
	}

	var pending []string
	for _, dep := range req.DependsOn {
		if r, ok := archived[dep]; !ok || r.Status != StatusCompleted {
			pending = append(pending, dep)
		}
	}
	return DependencyStatus{Ready: len(pending) == 0, Pending: pending}, nil
}

// scanArchive indexes the archive by request id.
func (s *Store) scanArchive() (map[string]*Request, error) {
	out := make(map[string]*Request)
	entries, err := os.ReadDir(s.ArchiveDir())
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "req-") || !strings.HasSuffix(name, ".md") {
			continue
		}
		req, err := s.Load(filepath.Join(s.ArchiveDir(), name))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.Warn("skipping malformed archive file",
				zap.String("path", name),
				zap.Error(err))
			continue
		}
		if _, dup := out[req.ID]; !dup {
			out[req.ID] = req
		}
	}
	return out, nil
}

// CreateEscalation synthesizes a new high-priority request in the
// orchestrator inbox referencing a request that exhausted its attempts.
// This is a durable side-effect, not a retry.
func (s *Store) CreateEscalation(orig *Request, lastError string) (*Request, error) {
	now := time.Now()
	esc := &Request{
		ID:             "req-" + uuid.New().String()[:8],
		From:           orig.Service,
		To:             EscalationInbox,
		Scope:          orig.Scope,
		Type:           "other",
		Priority:       PriorityHigh,
		Status:         StatusPending,
		Created:        now,
		Updated:        now,
		OriginatedFrom: orig.ID,
		Directive:      orig.Directive,
		Service:        EscalationInbox,
		Body: fmt.Sprintf(
			"\n# Escalation\n\nRequest %s for service %s failed after %d attempts.\n\nLast error:\n\n```\n%s\n```\n",
			orig.ID, orig.Service, orig.Attempts, lastError,
		),
	}

	dir := s.InboxDir(EscalationInbox)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create escalation inbox: %w", err)
	}
	esc.Path = filepath.Join(dir, esc.ID+".md")
	if err := s.writeAtomic(esc.Path, esc.Render()); err != nil {
		return nil, fmt.Errorf("write escalation for %s: %w", orig.ID, err)
	}

	s.logger.Info("created escalation request",
		zap.String("request_id", esc.ID),
		zap.String("originated_from", orig.ID))
	return esc, nil
}

// RecoverInProgress reverts every in-progress inbox request to pending.
// Runs once at startup before the first tick; it is the only legal external
// status mutation.
func (s *Store) RecoverInProgress() ([]*Request, error) {
	all, err := s.scanInboxes()
	if err != nil {
		return nil, err
	}
	var recovered []*Request
	for _, req := range all {
		if req.Status != StatusInProgress {
			continue
		}
		if err := s.SetStatus(req, StatusPending); err != nil {
			s.logger.Warn("failed to recover in-progress request",
				zap.String("request_id", req.ID),
				zap.Error(err))
			continue
		}
		recovered = append(recovered, req)
	}
	return recovered, nil
}

// writeAtomic writes data to path via a temp file in the same directory and
// a rename, so concurrent readers never observe a partial header.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".req-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
