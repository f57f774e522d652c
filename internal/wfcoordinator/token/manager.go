// Package token implements the Token Manager (spec §4.3): it creates the
// root token for a run, spawns sibling tokens at a fan-out transition,
// moves a token across a transition, and enforces that a token's
// lifecycle only ever goes active -> consumed|cancelled once. An
// optional Redis-backed idempotent Counter mirrors the active count for
// distributed termination detection; the in-memory Manager a run's
// single actor owns stays authoritative.
package token

import (
	"context"
	"fmt"
	"sync"
)

// Status is a token's position in its lifecycle (spec §4.3).
type Status string

const (
	StatusActive    Status = "active"
	StatusConsumed  Status = "consumed"
	StatusCancelled Status = "cancelled"
)

// Token is one unit of flow through the workflow graph: it sits at a
// single node until consumed by a transition, which either retires it or
// replaces it with one or more children.
type Token struct {
	ID           string
	RunID        string
	NodeRef      string
	ParentID     string // "" for the run's root token
	SiblingGroup string // non-empty when spawned by a fan-out transition
	Status       Status
	Hop          int
}

// Counter is an optional idempotent distributed counter a Manager can be
// given to mirror its active-token count outside process memory, so a
// termination check (spec §4.5 Step C) can be answered without the
// checking replica holding the authoritative Manager.
type Counter interface {
	ApplyDelta(ctx context.Context, runID, opKey string, delta int) (value int, hitZero bool, err error)
}

// Manager owns every token ever created for one run. It is not
// goroutine-safe by design beyond its own mutex: callers (the Run Actor)
// already serialize access to a run's state, so the mutex here guards
// only against incidental concurrent reads (e.g. a status endpoint).
type Manager struct {
	mu      sync.RWMutex
	runID   string
	tokens  map[string]*Token
	byNode  map[string]map[string]bool // nodeRef -> set of active token IDs
	counter Counter
	nextSeq int
}

// NewManager creates a Token Manager for one run. counter may be nil, in
// which case termination detection relies solely on ActiveCount.
func NewManager(runID string, counter Counter) *Manager {
	return &Manager{
		runID:   runID,
		tokens:  make(map[string]*Token),
		byNode:  make(map[string]map[string]bool),
		counter: counter,
	}
}

func (m *Manager) nextID() string {
	m.nextSeq++
	return fmt.Sprintf("%s-tok-%d", m.runID, m.nextSeq)
}

// CreateRoot creates the single active token a new run starts with, at
// the definition's initialNodeRef (spec §6 createRun).
func (m *Manager) CreateRoot(ctx context.Context, nodeRef string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok := &Token{ID: m.nextID(), RunID: m.runID, NodeRef: nodeRef, Status: StatusActive}
	m.insert(tok)

	if m.counter != nil {
		if _, _, err := m.counter.ApplyDelta(ctx, m.runID, "emit:"+tok.ID, 1); err != nil {
			return nil, fmt.Errorf("counter apply delta: %w", err)
		}
	}
	return tok, nil
}

// Transition consumes parent and creates one new active token at
// toNodeRef, carrying parent's SiblingGroup forward (spec §4.3). Used for
// ordinary (non-fan-out) edges.
func (m *Manager) Transition(ctx context.Context, parent *Token, toNodeRef string) (*Token, error) {
	children, err := m.FanOut(ctx, parent, []string{toNodeRef}, parent.SiblingGroup)
	if err != nil {
		return nil, err
	}
	return children[0], nil
}

// Continue creates a single continuation token at toNodeRef whose nominal
// parent is parentID, without requiring that parent still be active. Used
// when a fan-in barrier fires (spec §4.5 Step B.4): the originating
// fan-out token was already consumed when its siblings were spawned, so
// the continuation can't be produced through Transition/FanOut, which
// both require an active parent.
func (m *Manager) Continue(ctx context.Context, parentID, toNodeRef string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hop := 0
	if parent, ok := m.tokens[parentID]; ok {
		hop = parent.Hop + 1
	}
	child := &Token{ID: m.nextID(), RunID: m.runID, NodeRef: toNodeRef, ParentID: parentID, Hop: hop, Status: StatusActive}
	m.insert(child)

	if m.counter != nil {
		if _, _, err := m.counter.ApplyDelta(ctx, m.runID, "emit:"+child.ID, 1); err != nil {
			return nil, fmt.Errorf("counter apply delta: %w", err)
		}
	}
	return child, nil
}

// FanOut consumes parent and creates one new active token per entry in
// toNodeRefs, stamping siblingGroup on each so a later fan-in transition
// can recognize them as one cohort (spec §4.3, §4.5). Passing a single
// element degenerates to an ordinary transition.
func (m *Manager) FanOut(ctx context.Context, parent *Token, toNodeRefs []string, siblingGroup string) ([]*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parent.Status != StatusActive {
		return nil, fmt.Errorf("token %s is not active (status=%s)", parent.ID, parent.Status)
	}
	if len(toNodeRefs) == 0 {
		return nil, fmt.Errorf("fan-out requires at least one destination node")
	}

	m.consumeLocked(parent)

	children := make([]*Token, 0, len(toNodeRefs))
	for _, nodeRef := range toNodeRefs {
		child := &Token{
			ID:           m.nextID(),
			RunID:        m.runID,
			NodeRef:      nodeRef,
			ParentID:     parent.ID,
			SiblingGroup: siblingGroup,
			Hop:          parent.Hop + 1,
			Status:       StatusActive,
		}
		m.insert(child)
		children = append(children, child)
	}

	if m.counter != nil {
		delta := len(toNodeRefs) - 1
		if delta != 0 {
			opKey := fmt.Sprintf("emit:%s:%s", m.runID, parent.ID)
			if _, _, err := m.counter.ApplyDelta(ctx, m.runID, opKey, delta); err != nil {
				return nil, fmt.Errorf("counter apply delta: %w", err)
			}
		}
	}
	return children, nil
}

// Consume retires tokenID without replacing it — used when a fan-in
// barrier absorbs an arrival, or a terminal node consumes its token
// without producing a successor (spec §4.5).
func (m *Manager) Consume(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[tokenID]
	if !ok {
		return fmt.Errorf("unknown token %s", tokenID)
	}
	if tok.Status != StatusActive {
		return fmt.Errorf("token %s is not active (status=%s)", tokenID, tok.Status)
	}
	m.consumeLocked(tok)

	if m.counter != nil {
		opKey := fmt.Sprintf("consume:%s:%s", m.runID, tokenID)
		if _, _, err := m.counter.ApplyDelta(ctx, m.runID, opKey, -1); err != nil {
			return fmt.Errorf("counter apply delta: %w", err)
		}
	}
	return nil
}

// Cancel marks every still-active token cancelled, used when a run is
// cancelled mid-flight (spec §6 cancelRun).
func (m *Manager) Cancel() []*Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cancelled []*Token
	for _, tok := range m.tokens {
		if tok.Status == StatusActive {
			tok.Status = StatusCancelled
			m.removeFromNodeIndex(tok)
			cancelled = append(cancelled, tok)
		}
	}
	return cancelled
}

// Get looks up a token by ID regardless of status.
func (m *Manager) Get(tokenID string) (*Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[tokenID]
	return tok, ok
}

// ActiveAt returns the active tokens currently sitting at nodeRef, sorted
// by token ID for deterministic iteration.
func (m *Manager) ActiveAt(nodeRef string) []*Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byNode[nodeRef]
	out := make([]*Token, 0, len(ids))
	for id := range ids {
		out = append(out, m.tokens[id])
	}
	sortTokensByID(out)
	return out
}

// ActiveCount is the total number of tokens still active across the
// whole run, the in-memory answer to the termination check (spec §4.5
// Step C): a run is complete once this reaches zero.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tok := range m.tokens {
		if tok.Status == StatusActive {
			n++
		}
	}
	return n
}

// SiblingArrivals returns every token sharing siblingGroup, whatever its
// status, sorted by token ID, used by the Router & Synchronizer to
// evaluate a fan-in barrier's firing condition.
func (m *Manager) SiblingArrivals(siblingGroup string) []*Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Token
	for _, tok := range m.tokens {
		if tok.SiblingGroup == siblingGroup {
			out = append(out, tok)
		}
	}
	sortTokensByID(out)
	return out
}

func (m *Manager) insert(tok *Token) {
	m.tokens[tok.ID] = tok
	if m.byNode[tok.NodeRef] == nil {
		m.byNode[tok.NodeRef] = make(map[string]bool)
	}
	m.byNode[tok.NodeRef][tok.ID] = true
}

func (m *Manager) consumeLocked(tok *Token) {
	tok.Status = StatusConsumed
	m.removeFromNodeIndex(tok)
}

func (m *Manager) removeFromNodeIndex(tok *Token) {
	if set, ok := m.byNode[tok.NodeRef]; ok {
		delete(set, tok.ID)
		if len(set) == 0 {
			delete(m.byNode, tok.NodeRef)
		}
	}
}

func sortTokensByID(toks []*Token) {
	for i := 1; i < len(toks); i++ {
		j := i
		for j > 0 && toks[j].ID < toks[j-1].ID {
			toks[j], toks[j-1] = toks[j-1], toks[j]
			j--
		}
	}
}
