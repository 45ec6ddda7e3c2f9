// Package registry resolves per-service policy: maintainer class, optional
// remote endpoint, optional working directory.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/relayhub/relayhub/internal/common/logger"
)

// Maintainer classifies who runs a service's requests.
type Maintainer string

const (
	MaintainerAI       Maintainer = "ai"
	MaintainerHuman    Maintainer = "human"
	MaintainerHybrid   Maintainer = "hybrid"
	MaintainerExternal Maintainer = "external"
)

// ErrUnknownService is returned when no policy file exists for a service.
var ErrUnknownService = errors.New("unknown service")

// Policy is the per-service dispatch policy. Read-only for the core.
type Policy struct {
	Service          string
	Maintainer       Maintainer `yaml:"maintainer"`
	RemoteEndpoint   string     `yaml:"a2a_url"`
	WorkingDirectory string     `yaml:"directory"`
}

// Remote reports whether requests for this service route to a remote agent.
func (p *Policy) Remote() bool { return p.RemoteEndpoint != "" }

// Registry is a read-through cache over the policy files under
// {root}/registry. The scheduler rebuilds it at tick start; lookups can
// arrive from worker and gateway goroutines at the same time.
type Registry struct {
	dir    string
	logger *logger.Logger

	mu       sync.RWMutex
	policies map[string]*Policy
}

// New creates a registry over {root}/registry. Call Load before use.
func New(root string, log *logger.Logger) *Registry {
	return &Registry{
		dir:      filepath.Join(root, "registry"),
		logger:   log.WithFields(zap.String("component", "registry")),
		policies: make(map[string]*Policy),
	}
}

// Load re-reads every policy file. Malformed files are logged and skipped.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.policies = make(map[string]*Policy)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read registry dir: %w", err)
	}

	policies := make(map[string]*Policy, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" && ext != ".md" {
			continue
		}
		service := strings.TrimSuffix(name, ext)
		policy, err := r.loadFile(filepath.Join(r.dir, name), ext)
		if err != nil {
			r.logger.Warn("skipping malformed policy file",
				zap.String("file", name),
				zap.Error(err))
			continue
		}
		policy.Service = service
		policies[service] = policy
	}

	r.mu.Lock()
	r.policies = policies
	r.mu.Unlock()
	return nil
}

// loadFile parses one policy file. Markdown files carry the policy as YAML
// frontmatter; .yaml files are the policy directly.
func (r *Registry) loadFile(path, ext string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if ext == ".md" {
		data, err = frontmatter(data)
		if err != nil {
			return nil, err
		}
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	switch policy.Maintainer {
	case MaintainerAI, MaintainerHuman, MaintainerHybrid, MaintainerExternal:
	case "":
		return nil, fmt.Errorf("missing maintainer")
	default:
		// Unknown classes are owned elsewhere; treat like external.
		policy.Maintainer = MaintainerExternal
	}
	return &policy, nil
}

// frontmatter extracts the YAML block between leading --- fences.
func frontmatter(data []byte) ([]byte, error) {
	const fence = "---"
	trimmed := bytes.TrimLeft(data, "\ufeff\n\r ")
	if !bytes.HasPrefix(trimmed, []byte(fence)) {
		return nil, fmt.Errorf("missing frontmatter")
	}
	rest := trimmed[len(fence):]
	end := bytes.Index(rest, []byte("\n"+fence))
	if end < 0 {
		return nil, fmt.Errorf("unterminated frontmatter")
	}
	return rest[:end], nil
}

// PolicyFor returns the policy for a service, or ErrUnknownService.
func (r *Registry) PolicyFor(service string) (*Policy, error) {
	r.mu.RLock()
	p, ok := r.policies[service]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
}

// Services returns the known service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.policies))
	for name := range r.policies {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
