package rules

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/akmatori/alertflow/internal/database"
)

// SuppressionDef is a suppression rule declared in the definitions file
type SuppressionDef struct {
	ID     string                  `yaml:"id" validate:"required,max=36"`
	Match  database.MatchPredicate `yaml:"match"`
	From   *time.Time              `yaml:"from"`
	Until  *time.Time              `yaml:"until"`
	Reason string                  `yaml:"reason"`
}

// Rule converts the definition into a suppression record
func (d SuppressionDef) Rule(now time.Time) database.SuppressionRule {
	from := now
	if d.From != nil {
		from = *d.From
	}
	return database.SuppressionRule{
		ID:          d.ID,
		Predicate:   d.Match,
		ActiveFrom:  from,
		ActiveUntil: d.Until,
		Reason:      d.Reason,
		CreatedBy:   "definitions",
	}
}

// TopologyLink declares that two sources depend on each other
type TopologyLink struct {
	From string `yaml:"from" validate:"required"`
	To   string `yaml:"to" validate:"required"`
}

// Definitions is the content of the definitions file
type Definitions struct {
	Rules        []*Rule          `yaml:"rules"`
	Suppressions []SuppressionDef `yaml:"suppressions"`
	Topology     []TopologyLink   `yaml:"topology"`
}

// Rejection is a definition that failed validation
type Rejection struct {
	Kind string
	ID   string
	Err  error
}

// ParseDefinitions decodes YAML and validates each entry individually.
// Invalid entries are returned as rejections; the rest are kept.
func ParseDefinitions(data []byte) (*Definitions, []Rejection, error) {
	var raw Definitions
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: definitions: %v", database.ErrMalformed, err)
	}

	defs := &Definitions{}
	var rejected []Rejection
	for i, r := range raw.Rules {
		if r == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			rejected = append(rejected, Rejection{Kind: "rule", ID: fmt.Sprintf("%s#%d", r.ID, i), Err: err})
			continue
		}
		defs.Rules = append(defs.Rules, r)
	}
	for _, s := range raw.Suppressions {
		if err := validate.Struct(s); err != nil {
			rejected = append(rejected, Rejection{Kind: "suppression", ID: s.ID, Err: fmt.Errorf("%w: %v", database.ErrMalformed, err)})
			continue
		}
		if s.Match.IsEmpty() {
			rejected = append(rejected, Rejection{Kind: "suppression", ID: s.ID, Err: fmt.Errorf("%w: empty match would suppress everything", database.ErrMalformed)})
			continue
		}
		defs.Suppressions = append(defs.Suppressions, s)
	}
	for _, link := range raw.Topology {
		if err := validate.Struct(link); err != nil {
			rejected = append(rejected, Rejection{Kind: "topology", ID: link.From + "->" + link.To, Err: fmt.Errorf("%w: %v", database.ErrMalformed, err)})
			continue
		}
		defs.Topology = append(defs.Topology, link)
	}
	return defs, rejected, nil
}

// Loader reads the definitions file and reloads it when it changes
type Loader struct {
	path     string
	onLoad   func(*Definitions, *RuleSet)
	onReject func(Rejection)

	mu      sync.Mutex
	version int64
}

// NewLoader creates a loader. onLoad receives every successfully parsed
// snapshot; onReject (optional) receives each invalid definition.
func NewLoader(path string, onLoad func(*Definitions, *RuleSet), onReject func(Rejection)) *Loader {
	return &Loader{path: path, onLoad: onLoad, onReject: onReject}
}

// Load reads and applies the definitions file once
func (l *Loader) Load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read definitions: %w", err)
	}
	defs, rejected, err := ParseDefinitions(data)
	if err != nil {
		return err
	}
	for _, r := range rejected {
		log.Printf("Warning: rejected %s %s: %v", r.Kind, r.ID, r.Err)
		if l.onReject != nil {
			l.onReject(r)
		}
	}

	l.mu.Lock()
	l.version++
	rs := NewRuleSet(l.version, defs.Rules)
	l.mu.Unlock()

	log.Printf("Loaded definitions v%d from %s: %d rules, %d suppressions, %d topology links",
		rs.Version, l.path, len(defs.Rules), len(defs.Suppressions), len(defs.Topology))
	if l.onLoad != nil {
		l.onLoad(defs, rs)
	}
	return nil
}

// Watch reloads the file on change until ctx is cancelled. The directory is
// watched so editors that replace the file atomically are handled.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(l.path), err)
	}
	go l.run(ctx, w)
	return nil
}

const reloadDebounce = 250 * time.Millisecond

func (l *Loader) run(ctx context.Context, w *fsnotify.Watcher) {
	defer func() { _ = w.Close() }()

	target := filepath.Clean(l.path)
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(reloadDebounce)
			}
		case <-pending:
			pending = nil
			if err := l.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Printf("Warning: definitions reload failed, keeping previous snapshot: %v", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("Warning: definitions watcher: %v", err)
		case <-ctx.Done():
			return
		}
	}
}
