// Package ctxstore implements the Context Store (spec §4.2): the
// per-run input/state/output namespaces plus a per-token _branch
// scratch namespace, with restricted-JSONPath reads (tidwall/gjson) and
// writes (tidwall/sjson).
package ctxstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wonderhq/coordinator/internal/wfcoordinator/condition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/workflow"
)

var namespaces = []string{"input", "state", "output", "_branch"}

// Store holds one run's shared input/state/output documents plus an
// isolated _branch document per live token. Internally every namespace
// is kept as serialized JSON text so reads go straight through gjson and
// writes straight through sjson, without round-tripping through
// interface{} on every access.
type Store struct {
	mu     sync.RWMutex
	input  string // set once at NewStore, never written again
	state  string
	output string
	branch map[string]string // tokenID -> branch-local JSON object
}

// NewStore seeds a Store from a run's resolved input document (spec §6
// createRun). state and output start as empty objects.
func NewStore(input json.RawMessage) (*Store, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(input) {
		return nil, fmt.Errorf("context input is not valid JSON")
	}
	return &Store{
		input:  string(input),
		state:  "{}",
		output: "{}",
		branch: make(map[string]string),
	}, nil
}

// Snapshot is the serializable capture of a Store's current contents,
// used for the snapshot.taken trace event and run recovery (spec §8).
type Snapshot struct {
	Input  json.RawMessage            `json:"input"`
	State  json.RawMessage            `json:"state"`
	Output json.RawMessage            `json:"output"`
	Branch map[string]json.RawMessage `json:"branch,omitempty"`
}

// Snapshot captures the store's current contents without holding the
// lock across any I/O — callers own the returned copy.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branch := make(map[string]json.RawMessage, len(s.branch))
	for k, v := range s.branch {
		branch[k] = json.RawMessage(v)
	}
	return Snapshot{
		Input:  json.RawMessage(s.input),
		State:  json.RawMessage(s.state),
		Output: json.RawMessage(s.output),
		Branch: branch,
	}
}

// Restore rebuilds a Store from a previously captured Snapshot, used when
// a coordinator process resumes a run from its persisted event log.
func Restore(snap Snapshot) *Store {
	branch := make(map[string]string, len(snap.Branch))
	for k, v := range snap.Branch {
		branch[k] = string(v)
	}
	input, state, output := string(snap.Input), string(snap.State), string(snap.Output)
	if input == "" {
		input = "{}"
	}
	if state == "" {
		state = "{}"
	}
	if output == "" {
		output = "{}"
	}
	return &Store{input: input, state: state, output: output, branch: branch}
}

// Get reads path against the run-shared namespaces (input/state/output).
// A _branch read must go through GetForToken since _branch is scoped per
// token. Returns ok=false for a path that doesn't resolve to a value,
// which callers treat as "undefined" per spec §4.5.
func (s *Store) Get(path string) (any, bool) {
	return s.GetForToken(path, "")
}

// GetForToken reads path, resolving any _branch reference against
// tokenID's isolated branch document.
func (s *Store) GetForToken(path, tokenID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(path, tokenID)
}

func (s *Store) get(path, tokenID string) (any, bool) {
	ns, rest, ok := splitNamespace(path)
	if !ok {
		return nil, false
	}
	doc := s.docFor(ns, tokenID)
	if rest == "" {
		var v any
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, false
		}
		return v, true
	}
	res := gjson.Get(doc, rest)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func (s *Store) docFor(ns, tokenID string) string {
	switch ns {
	case "input":
		return s.input
	case "state":
		return s.state
	case "output":
		return s.output
	case "_branch":
		if doc, ok := s.branch[tokenID]; ok {
			return doc
		}
		return "{}"
	default:
		return "{}"
	}
}

// Set writes value at path into the run-shared state or output
// namespace. input is immutable; _branch writes go through SetForToken.
func (s *Store) Set(path string, value any) error {
	return s.SetForToken(path, value, "")
}

// SetForToken writes value at path, routing a _branch path into
// tokenID's isolated branch document and any other allowed namespace
// into the shared document.
func (s *Store) SetForToken(path string, value any, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, rest, ok := splitNamespace(path)
	if !ok {
		return fmt.Errorf("invalid context path %q", path)
	}

	switch ns {
	case "state":
		updated, err := setDoc(s.state, rest, value)
		if err != nil {
			return err
		}
		s.state = updated
	case "output":
		updated, err := setDoc(s.output, rest, value)
		if err != nil {
			return err
		}
		s.output = updated
	case "_branch":
		doc := s.branch[tokenID]
		if doc == "" {
			doc = "{}"
		}
		updated, err := setDoc(doc, rest, value)
		if err != nil {
			return err
		}
		s.branch[tokenID] = updated
	default:
		return fmt.Errorf("namespace %q is read-only", ns)
	}
	return nil
}

func setDoc(doc, rest string, value any) (string, error) {
	if rest == "" {
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("marshal value: %w", err)
		}
		return string(encoded), nil
	}
	updated, err := sjson.Set(doc, rest, value)
	if err != nil {
		return "", fmt.Errorf("set path %q: %w", rest, err)
	}
	return updated, nil
}

func splitNamespace(path string) (ns, rest string, ok bool) {
	for _, n := range namespaces {
		if path == n {
			return n, "", true
		}
		prefix := n + "."
		if strings.HasPrefix(path, prefix) {
			return n, strings.TrimPrefix(path, prefix), true
		}
	}
	return "", "", false
}

// ViewForToken builds a read-only condition.View over the current
// contents, scoped to tokenID's _branch document, for condition
// evaluation and merge-source resolution (spec §4.5).
func (s *Store) ViewForToken(tokenID string) condition.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return condition.View{
		Input:  mustDecode(s.input),
		State:  mustDecode(s.state),
		Output: mustDecode(s.output),
		Branch: mustDecode(s.docFor("_branch", tokenID)),
	}
}

func mustDecode(doc string) any {
	var v any
	_ = json.Unmarshal([]byte(doc), &v)
	return v
}

// ForkBranch seeds childTokenID's _branch document as a copy of
// parentTokenID's. Called when a fan-out transition spawns sibling
// tokens (spec §4.3) so each sibling can write _branch without
// disturbing its siblings or the parent.
func (s *Store) ForkBranch(parentTokenID, childTokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.branch[parentTokenID]
	if doc == "" {
		doc = "{}"
	}
	s.branch[childTokenID] = doc
}

// DropBranch discards tokenID's _branch document once the token has been
// consumed and its branch-local scratch space is no longer reachable.
func (s *Store) DropBranch(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.branch, tokenID)
}

// ApplyMapping evaluates mapping's source paths against tokenID's view
// and writes each resolved value at its target path (spec §4.2
// applyMapping). Entries apply in ascending target-path order regardless
// of declaration order so two mappings touching unrelated paths produce
// the same document no matter how they were authored.
func (s *Store) ApplyMapping(mapping workflow.Mapping, tokenID string) error {
	entries := make([]workflow.MappingEntry, len(mapping))
	copy(entries, mapping)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Target < entries[j].Target })

	for _, e := range entries {
		val, ok := s.GetForToken(e.Source, tokenID)
		if !ok {
			return fmt.Errorf("mapping source %q not found", e.Source)
		}
		if err := s.SetForToken(e.Target, val, tokenID); err != nil {
			return fmt.Errorf("mapping target %q: %w", e.Target, err)
		}
	}
	return nil
}
