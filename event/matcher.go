package event

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/awantoch/beemflow/utils"
)

// ResumeFunc is the orchestrator's resume entrypoint: given the token of a
// paused run and the event payload that woke it, it loads the serialized
// state and continues execution. timedOut is true when a registered
// await_event's timeout elapsed with no matching event.
type ResumeFunc func(ctx context.Context, token string, payload map[string]any, timedOut bool) error

// AwaitRegistration is one run's registered await_event wait (spec §4.7):
// it resumes the run identified by Token on the first event published to
// Source whose payload satisfies Match, or times out after Timeout.
type AwaitRegistration struct {
	Token   string
	Source  string
	Match   map[string]any
	Timeout time.Duration
}

// Matcher is the Event Bus's resumption half: it tracks registered
// await_event waits, subscribes to their sources on the underlying bus, and
// invokes Resume on the first payload that satisfies each wait's match
// predicate (or on timeout).
type Matcher struct {
	bus    EventBus
	resume ResumeFunc

	mu      sync.Mutex
	awaits  map[string]*pendingAwait // token -> pending
	watched map[string]bool          // source -> already subscribed
}

type pendingAwait struct {
	reg    AwaitRegistration
	cancel context.CancelFunc
}

// NewMatcher creates a Matcher that dispatches through bus and calls resume
// on match or timeout.
func NewMatcher(bus EventBus, resume ResumeFunc) *Matcher {
	return &Matcher{
		bus:     bus,
		resume:  resume,
		awaits:  make(map[string]*pendingAwait),
		watched: make(map[string]bool),
	}
}

// Register records a run's await_event wait and starts its timeout clock
// (if any). ctx governs the lifetime of the wait's timeout goroutine and
// the bus subscription for its source.
func (m *Matcher) Register(ctx context.Context, reg AwaitRegistration) {
	m.mu.Lock()
	waitCtx, cancel := context.WithCancel(ctx)
	m.awaits[reg.Token] = &pendingAwait{reg: reg, cancel: cancel}
	needsSubscribe := !m.watched[reg.Source]
	m.watched[reg.Source] = true
	m.mu.Unlock()

	if needsSubscribe {
		m.bus.Subscribe(ctx, reg.Source, func(payload any) {
			m.dispatch(ctx, reg.Source, payload)
		})
	}

	if reg.Timeout > 0 {
		go func() {
			select {
			case <-waitCtx.Done():
			case <-time.After(reg.Timeout):
				m.timeout(ctx, reg.Token)
			}
		}()
	}
}

// Unregister removes a pending await without resuming it, e.g. when the run
// is cancelled for an unrelated reason.
func (m *Matcher) Unregister(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.awaits[token]; ok {
		p.cancel()
		delete(m.awaits, token)
	}
}

func (m *Matcher) dispatch(ctx context.Context, source string, payload any) {
	event, ok := asEventMap(payload)
	if !ok {
		return
	}

	m.mu.Lock()
	var matched []*pendingAwait
	for _, p := range m.awaits {
		if p.reg.Source == source && matchPredicate(p.reg.Match, event) {
			matched = append(matched, p)
		}
	}
	for _, p := range matched {
		delete(m.awaits, p.reg.Token)
	}
	m.mu.Unlock()

	for _, p := range matched {
		p.cancel()
		if err := m.resume(ctx, p.reg.Token, event, false); err != nil {
			utils.Error("resume %s on event from %q failed: %v", p.reg.Token, source, err)
		}
	}
}

func (m *Matcher) timeout(ctx context.Context, token string) {
	m.mu.Lock()
	p, ok := m.awaits[token]
	if ok {
		delete(m.awaits, token)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.resume(ctx, token, nil, true); err != nil {
		utils.Error("timeout-resume %s failed: %v", token, err)
	}
}

// matchPredicate implements spec §4.7's rule: every key in match must equal
// the same-path value in payload (match values are already
// template-expanded by the caller, in the pausing scope).
func matchPredicate(match map[string]any, payload map[string]any) bool {
	for key, want := range match {
		got, ok := lookupDotted(payload, key)
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func lookupDotted(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, tok := range strings.Split(path, ".") {
		cm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, exists := cm[tok]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func valuesEqual(a, b any) bool {
	if a == b {
		return true
	}
	as, aok := scalarString(a)
	bs, bok := scalarString(b)
	return aok && bok && as == bs
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func asEventMap(payload any) (map[string]any, bool) {
	switch v := payload.(type) {
	case map[string]any:
		return v, true
	case string:
		return map[string]any{"value": v}, true
	case int:
		return map[string]any{"value": v}, true
	default:
		return nil, false
	}
}

// MatchPredicate exposes matchPredicate for nested await_event steps that
// block in-process (inside a foreach/parallel scope) rather than suspending
// the whole run through a Matcher registration.
func MatchPredicate(match, payload map[string]any) bool {
	return matchPredicate(match, payload)
}

// AsEventMap exposes asEventMap for the same nested-wait use case.
func AsEventMap(payload any) (map[string]any, bool) {
	return asEventMap(payload)
}

// TimeoutScanner polls the Persistence Gateway's due `wait` registrations
// and resumes each one. It runs until ctx is cancelled.
type TimeoutScanner struct {
	ListWaitsDue func(ctx context.Context, nowMS int64) ([]string, error)
	DeleteWait   func(ctx context.Context, token string) error
	Resume       ResumeFunc
	Interval     time.Duration
}

// Run polls at s.Interval (default 1s if unset) until ctx is done.
func (s *TimeoutScanner) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *TimeoutScanner) scanOnce(ctx context.Context) {
	due, err := s.ListWaitsDue(ctx, time.Now().UnixMilli())
	if err != nil {
		utils.Error("list due waits: %v", err)
		return
	}
	for _, token := range due {
		if err := s.DeleteWait(ctx, token); err != nil {
			utils.Error("delete wait %s: %v", token, err)
		}
		if err := s.Resume(ctx, token, nil, false); err != nil {
			utils.Error("resume wait %s failed: %v", token, err)
		}
	}
}
