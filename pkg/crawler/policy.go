package crawler

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PolicyName identifies which policy admitted a crawl, for the
// policy_applied event field.
const defaultPolicyName = "tag_match_v1"

// defaultTagPattern admits long-form content worth crawling.
const defaultTagPattern = `longread|research|paper|release`

// Policy decides whether a post's first URL is worth crawling.
type Policy struct {
	Name       string `yaml:"name"`
	TagPattern string `yaml:"tag_pattern"`

	re *regexp.Regexp
}

// Decision is the observable outcome of a policy evaluation.
type Decision struct {
	Crawl      bool
	Policy     string
	SkipReason string // set when Crawl is false
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Name:       defaultPolicyName,
		TagPattern: defaultTagPattern,
		re:         regexp.MustCompile(defaultTagPattern),
	}
}

// Evaluate gates one post. Order matters: a missing URL is reported
// before a tag mismatch so operators see the cheaper reason.
func (p Policy) Evaluate(tags, urls []string) Decision {
	if len(urls) == 0 {
		return Decision{Policy: p.Name, SkipReason: "no_url"}
	}
	for _, tag := range tags {
		if p.re.MatchString(tag) {
			return Decision{Crawl: true, Policy: p.Name}
		}
	}
	return Decision{Policy: p.Name, SkipReason: "tag_mismatch"}
}

// PolicyStore holds the active policy and hot-reloads it when the policy
// file changes on disk.
type PolicyStore struct {
	mu      sync.RWMutex
	current Policy
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// NewPolicyStore loads the policy from path, or falls back to the
// built-in policy when path is empty or unreadable.
func NewPolicyStore(path string) (*PolicyStore, error) {
	s := &PolicyStore{
		current: DefaultPolicy(),
		log:     slog.With("component", "crawl_policy"),
	}

	if path == "" {
		return s, nil
	}

	if err := s.loadFile(path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch policy file: %w", err)
	}
	s.watcher = watcher

	go s.watch(path)
	return s, nil
}

// Active returns the current policy.
func (s *PolicyStore) Active() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Close stops the file watcher.
func (s *PolicyStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *PolicyStore) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}
	if p.Name == "" {
		p.Name = defaultPolicyName
	}
	if p.TagPattern == "" {
		p.TagPattern = defaultTagPattern
	}
	re, err := regexp.Compile(p.TagPattern)
	if err != nil {
		return fmt.Errorf("invalid policy tag_pattern %q: %w", p.TagPattern, err)
	}
	p.re = re

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	return nil
}

// watch reloads on every write to the policy file. A bad edit keeps the
// previous policy active.
func (s *PolicyStore) watch(path string) {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				if err := s.loadFile(path); err != nil {
					s.log.Warn("Failed to reload crawl policy, keeping previous", "error", err)
					continue
				}
				s.log.Info("Crawl policy reloaded", "policy", s.Active().Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("Policy watcher error", "error", err)
		}
	}
}
