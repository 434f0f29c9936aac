package cdp

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"

	"github.com/mafredri/cdp/protocol/target"
	"go.uber.org/zap"
)

// TargetKind is the kind of a browser target.
type TargetKind string

const (
	KindPage          TargetKind = "page"
	KindIframe        TargetKind = "iframe"
	KindWorker        TargetKind = "worker"
	KindServiceWorker TargetKind = "service_worker"
	KindSharedWorker  TargetKind = "shared_worker"
	KindBrowser       TargetKind = "browser"
	KindOther         TargetKind = "other"
)

func kindOf(t string) TargetKind {
	switch k := TargetKind(t); k {
	case KindPage, KindIframe, KindWorker, KindServiceWorker, KindSharedWorker, KindBrowser:
		return k
	}
	return KindOther
}

// TargetInfo describes a live target.
type TargetInfo struct {
	ID               string     `json:"targetId"`
	Type             TargetKind `json:"type"`
	Title            string     `json:"title,omitempty"`
	URL              string     `json:"url"`
	Attached         bool       `json:"attached"`
	OpenerID         string     `json:"openerId,omitempty"`
	BrowserContextID string     `json:"browserContextId,omitempty"`
}

// TargetEventKind identifies a target lifecycle transition.
type TargetEventKind string

const (
	TargetCreated   TargetEventKind = "created"
	TargetChanged   TargetEventKind = "changed"
	TargetAttached  TargetEventKind = "attached"
	TargetDetached  TargetEventKind = "detached"
	TargetDestroyed TargetEventKind = "destroyed"
)

// TargetEvent is a lifecycle notification delivered to target watchers.
type TargetEvent struct {
	Kind      TargetEventKind `json:"kind"`
	Target    TargetInfo      `json:"target"`
	SessionID string          `json:"sessionId,omitempty"`
}

// TargetWatch is a feed of target lifecycle notifications.
type TargetWatch struct {
	id        uint64
	kinds     map[TargetEventKind]bool // empty means all kinds
	stream    *stream[TargetEvent]
	engine    *Engine
	closeOnce sync.Once
}

// Events returns the notification channel. It is closed when the watch or
// the engine is closed.
func (w *TargetWatch) Events() <-chan TargetEvent {
	return w.stream.ch
}

// Next blocks for the next notification, returning io.EOF after Close and
// ErrConnectionClosed after the engine closed.
func (w *TargetWatch) Next(ctx context.Context) (TargetEvent, error) {
	select {
	case ev, ok := <-w.stream.ch:
		if !ok {
			if err := w.stream.reason(); err != nil {
				return TargetEvent{}, err
			}
			return TargetEvent{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return TargetEvent{}, ctx.Err()
	}
}

// Dropped returns the number of notifications discarded on overflow.
func (w *TargetWatch) Dropped() uint64 {
	return w.stream.dropped.Load()
}

// Close stops the watch.
func (w *TargetWatch) Close() error {
	w.closeOnce.Do(func() {
		w.engine.unwatch(w.id)
	})
	return nil
}

func (w *TargetWatch) wants(kind TargetEventKind) bool {
	return len(w.kinds) == 0 || w.kinds[kind]
}

// targetRecord is the manager's entry for one live target.
type targetRecord struct {
	info     TargetInfo
	seq      uint64
	sessions map[string]struct{}
}

// targetManager holds the target and session tables. Targets and sessions
// refer to each other only by id. Owned by the driving loop.
type targetManager struct {
	seq          uint64
	targets      map[string]*targetRecord
	sessions     map[string]string // sessionID -> targetID
	goneSessions map[string]struct{}
	destroyed    map[string]struct{}
	attaching    map[string][]func(string, error) // targetID -> waiters
	watches      map[uint64]*TargetWatch
	nextWatch    uint64
	log          *zap.Logger
}

func newTargetManager(log *zap.Logger) *targetManager {
	return &targetManager{
		targets:      make(map[string]*targetRecord),
		sessions:     make(map[string]string),
		goneSessions: make(map[string]struct{}),
		destroyed:    make(map[string]struct{}),
		attaching:    make(map[string][]func(string, error)),
		watches:      make(map[uint64]*TargetWatch),
		log:          log,
	}
}

// upsert registers a target or refreshes its info. It reports whether the
// target was new.
func (m *targetManager) upsert(info TargetInfo) (*targetRecord, bool) {
	if rec, ok := m.targets[info.ID]; ok {
		attached := rec.info.Attached
		rec.info = info
		rec.info.Attached = attached || len(rec.sessions) > 0
		return rec, false
	}
	m.seq++
	rec := &targetRecord{info: info, seq: m.seq, sessions: make(map[string]struct{})}
	rec.info.Attached = false
	m.targets[info.ID] = rec
	return rec, true
}

func (m *targetManager) isGone(sessionID string) bool {
	_, ok := m.goneSessions[sessionID]
	return ok
}

func (m *targetManager) isDestroyed(targetID string) bool {
	_, ok := m.destroyed[targetID]
	return ok
}

// sessionFor returns any live session attached to targetID.
func (m *targetManager) sessionFor(targetID string) (string, bool) {
	rec, ok := m.targets[targetID]
	if !ok {
		return "", false
	}
	var ids []string
	for id := range rec.sessions {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return ids[0], true
}

func (m *targetManager) list() []TargetInfo {
	recs := make([]*targetRecord, 0, len(m.targets))
	for _, rec := range m.targets {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]TargetInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.info)
	}
	return out
}

func (m *targetManager) addWatch(w *TargetWatch) {
	m.nextWatch++
	w.id = m.nextWatch
	m.watches[w.id] = w
}

func (m *targetManager) removeWatch(id uint64, reason error) {
	if w, ok := m.watches[id]; ok {
		delete(m.watches, id)
		w.stream.close(reason)
	}
}

func (m *targetManager) notify(ev TargetEvent) {
	for _, w := range m.watches {
		if !w.wants(ev.Kind) {
			continue
		}
		if w.stream.push(ev) {
			metricEventsDropped.Inc()
		}
	}
}

func (m *targetManager) closeWatches(reason error) {
	for id := range m.watches {
		m.removeWatch(id, reason)
	}
}

// infoFromProtocol converts the catalogue's target info into ours. The
// browser context id is decoded separately from the raw params.
func infoFromProtocol(ti target.Info, browserContextID string) TargetInfo {
	info := TargetInfo{
		ID:               string(ti.TargetID),
		Type:             kindOf(ti.Type),
		Title:            ti.Title,
		URL:              ti.URL,
		Attached:         ti.Attached,
		BrowserContextID: browserContextID,
	}
	if ti.OpenerID != nil {
		info.OpenerID = string(*ti.OpenerID)
	}
	return info
}

func browserContextOf(params json.RawMessage) string {
	var raw struct {
		TargetInfo struct {
			BrowserContextID string `json:"browserContextId"`
		} `json:"targetInfo"`
	}
	_ = json.Unmarshal(params, &raw)
	return raw.TargetInfo.BrowserContextID
}

// Target is a handle to one target and, when attached, its session.
type Target struct {
	id     string
	engine *Engine

	mu        sync.Mutex
	sessionID string
}

// ID returns the target id.
func (t *Target) ID() string { return t.id }

// SessionID returns the attached session id, or "" if not attached.
func (t *Target) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// session returns the target's session, attaching on first use and again
// after the browser ends the previous session.
func (t *Target) session(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID != "" {
		live, err := t.engine.sessionLive(ctx, t.sessionID)
		if err != nil {
			return "", err
		}
		if live {
			return t.sessionID, nil
		}
		t.sessionID = ""
	}
	sessionID, err := t.engine.Attach(ctx, t.id)
	if err != nil {
		return "", err
	}
	t.sessionID = sessionID
	return sessionID, nil
}

// Execute sends a command to the target's session.
func (t *Target) Execute(ctx context.Context, method string, params interface{}, opts ...ExecuteOption) (json.RawMessage, error) {
	sessionID, err := t.session(ctx)
	if err != nil {
		return nil, err
	}
	return t.engine.Execute(ctx, method, params, append([]ExecuteOption{WithSession(sessionID)}, opts...)...)
}

// Subscribe subscribes to events from the target's session.
func (t *Target) Subscribe(ctx context.Context, methods ...string) (*Subscription, error) {
	sessionID, err := t.session(ctx)
	if err != nil {
		return nil, err
	}
	return t.engine.Subscribe(ctx, sessionID, methods...)
}

// Detach ends the session without closing the target.
func (t *Target) Detach(ctx context.Context) error {
	t.mu.Lock()
	sessionID := t.sessionID
	t.sessionID = ""
	t.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	return t.engine.Detach(ctx, sessionID)
}

// Close closes the target in the browser.
func (t *Target) Close(ctx context.Context) error {
	_, err := t.engine.Execute(ctx, "Target.closeTarget", target.NewCloseTargetArgs(target.ID(t.id)))
	return err
}

func (m *targetManager) info(targetID string) (TargetInfo, bool) {
	rec, ok := m.targets[targetID]
	if !ok {
		return TargetInfo{}, false
	}
	return rec.info, true
}

// addSession records sessionID as attached to targetID. It reports false for
// a session that is already known or already ended, or an unknown target.
func (m *targetManager) addSession(sessionID, targetID string) bool {
	if _, ok := m.sessions[sessionID]; ok || m.isGone(sessionID) {
		return false
	}
	rec, ok := m.targets[targetID]
	if !ok {
		return false
	}
	m.sessions[sessionID] = targetID
	rec.sessions[sessionID] = struct{}{}
	rec.info.Attached = true
	return true
}

// removeSession ends sessionID and leaves a tombstone so later commands on it
// fail fast. It returns the target the session belonged to.
func (m *targetManager) removeSession(sessionID string) (string, bool) {
	targetID, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	delete(m.sessions, sessionID)
	m.goneSessions[sessionID] = struct{}{}
	if rec, ok := m.targets[targetID]; ok {
		delete(rec.sessions, sessionID)
		rec.info.Attached = len(rec.sessions) > 0
	}
	return targetID, true
}

// removeTarget drops a destroyed target and tombstones its id. The target's
// sessions must already have been removed.
func (m *targetManager) removeTarget(targetID string) (TargetInfo, bool) {
	m.destroyed[targetID] = struct{}{}
	rec, ok := m.targets[targetID]
	if !ok {
		return TargetInfo{}, false
	}
	delete(m.targets, targetID)
	rec.info.Attached = false
	return rec.info, true
}

// sessionsOf returns the live sessions of targetID in a stable order.
func (m *targetManager) sessionsOf(targetID string) []string {
	rec, ok := m.targets[targetID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rec.sessions))
	for id := range rec.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
