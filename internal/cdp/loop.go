package cdp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mafredri/cdp/protocol/target"
	"go.uber.org/zap"
)

// request is a caller operation executed on the driving loop.
type request interface {
	handle(l *loop)
}

type executeRequest struct {
	sessionID string
	method    string
	params    json.RawMessage
	timeout   time.Duration
	reply     chan result
}

type subscribeRequest struct {
	sub   *Subscription
	reply chan error
}

type unsubscribeRequest struct {
	id    uint64
	reply chan error
}

type watchRequest struct {
	watch *TargetWatch
	reply chan error
}

type unwatchRequest struct {
	id    uint64
	reply chan error
}

type targetsRequest struct {
	reply chan []TargetInfo
}

type sessionRequest struct {
	sessionID string
	reply     chan bool
}

type attachResult struct {
	sessionID string
	err       error
}

type attachRequest struct {
	targetID string
	reply    chan attachResult
}

type detachRequest struct {
	sessionID string
	reply     chan error
}

type newTargetResult struct {
	targetID  string
	sessionID string
	err       error
}

type newTargetRequest struct {
	args   *target.CreateTargetArgs
	url    string
	attach bool
	reply  chan newTargetResult
}

type closeRequest struct {
	closeBrowser bool
}

// loop owns every table of one engine. All of its fields are touched only by
// the run goroutine, except frames, readErr and stop which connect it to the
// reader.
type loop struct {
	e         *Engine
	cfg       Config
	log       *zap.Logger
	transport Transport

	corr    *correlator
	disp    *dispatcher
	targets *targetManager

	frames  chan []byte
	readErr chan error
	stop    chan struct{}

	closing    bool        // Close was requested
	finished   bool        // the close handshake is over
	terminated bool        // terminal sequence started
	fatal      error       // the connection failed
	closeTimer *time.Timer // bounds the Browser.close handshake
}

func newLoop(e *Engine, transport Transport) *loop {
	return &loop{
		e:         e,
		cfg:       e.cfg,
		log:       e.log,
		transport: transport,
		corr:      newCorrelator(e.log),
		disp:      newDispatcher(e.log),
		targets:   newTargetManager(e.log),
		frames:    make(chan []byte, 64),
		readErr:   make(chan error),
		stop:      make(chan struct{}),
	}
}

// read pumps inbound frames to the loop until the transport fails or the
// loop stops.
func (l *loop) read() {
	for {
		data, err := l.transport.ReadMessage()
		if err != nil {
			select {
			case l.readErr <- err:
			case <-l.stop:
			}
			return
		}
		select {
		case l.frames <- data:
		case <-l.stop:
			return
		}
	}
}

func (l *loop) run() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		var closeTimeout <-chan time.Time
		if l.closeTimer != nil {
			closeTimeout = l.closeTimer.C
		}

		select {
		case data := <-l.frames:
			l.handleFrame(data)
		case err := <-l.readErr:
			// Frames read before the failure are still queued.
			l.drainFrames()
			if l.closing {
				l.finished = true
			} else if l.fatal == nil {
				l.fatal = &ConnectionError{Op: "read", URL: l.e.url, Err: err}
				if isClosedError(err) {
					l.log.Info("browser closed the connection")
				} else {
					l.log.Warn("connection lost", zap.Error(err))
				}
			}
		case req := <-l.e.requests:
			req.handle(l)
		case now := <-ticker.C:
			l.corr.expire(now)
		case <-closeTimeout:
			l.log.Debug("browser did not confirm close", zap.Duration("timeout", l.cfg.CloseTimeout))
			l.finished = true
		}

		if l.fatal != nil || l.finished {
			l.terminate()
			return
		}
	}
}

func (l *loop) drainFrames() {
	for {
		select {
		case data := <-l.frames:
			l.handleFrame(data)
		default:
			return
		}
	}
}

// terminate fails everything still outstanding and closes the engine.
func (l *loop) terminate() {
	l.terminated = true
	l.e.state.Store(int32(StateClosing))
	if l.closeTimer != nil {
		l.closeTimer.Stop()
	}
	_ = l.transport.Close()
	close(l.stop)

	var cause error
	if !l.closing {
		cause = l.fatal
	}
	pendingErr := ErrConnectionClosed
	if cause != nil {
		pendingErr = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	}

	n := l.corr.failAll(pendingErr)
	for range l.targets.sessions {
		metricSessionsActive.Dec()
	}
	l.disp.closeAll(ErrConnectionClosed)
	l.targets.closeWatches(ErrConnectionClosed)

	l.e.setErr(cause)
	l.e.state.Store(int32(StateClosed))
	l.log.Debug("engine closed", zap.Int("failed", n), zap.Error(cause))
	if l.cfg.OnClose != nil {
		l.cfg.OnClose(cause)
	}
	close(l.e.done)
}

// send transmits a command and tracks it until complete is called. complete
// is always called exactly once, possibly before send returns. Every command
// gets a deadline; a non-positive timeout means Config.CommandTimeout.
func (l *loop) send(sessionID, method string, params json.RawMessage, timeout time.Duration, complete func(result)) {
	if l.terminated || l.fatal != nil {
		complete(result{Err: ErrConnectionClosed})
		return
	}
	if sessionID != "" && l.targets.isGone(sessionID) {
		complete(result{Err: ErrTargetGone})
		return
	}

	cmd := Command{ID: l.corr.nextID(), SessionID: sessionID, Method: method, Params: params}
	data, err := json.Marshal(cmd)
	if err != nil {
		complete(result{Err: fmt.Errorf("encoding command: %w", err)})
		return
	}

	now := time.Now()
	p := &pendingCommand{
		id:        cmd.ID,
		sessionID: sessionID,
		method:    method,
		sentAt:    now,
		complete:  complete,
	}
	if timeout <= 0 {
		timeout = l.cfg.CommandTimeout
	}
	p.deadline = now.Add(timeout)
	l.corr.track(p)

	if err := l.transport.WriteMessage(data); err != nil {
		l.fatal = &ConnectionError{Op: "write", URL: l.e.url, Err: err}
		l.log.Warn("write failed", zap.String("method", method), zap.Error(err))
		l.corr.fail(cmd.ID, fmt.Errorf("%w: %w", ErrConnectionClosed, l.fatal))
		return
	}

	l.log.Debug("command sent",
		zap.Int64("id", cmd.ID),
		zap.String("method", method),
		zap.String("session", sessionID))
}

func (l *loop) handleFrame(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		metricFramesMalformed.Inc()
		l.log.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	if f.response != nil {
		l.corr.resolve(f.response)
		return
	}

	ev := *f.event
	if strings.HasPrefix(ev.Method, "Target.") {
		l.handleLifecycle(ev)
	}
	l.disp.dispatch(ev)
}

// handleLifecycle keeps the target and session tables in step with the
// browser. Lifecycle events are still delivered to subscribers afterwards.
func (l *loop) handleLifecycle(ev Event) {
	switch ev.Method {
	case "Target.targetCreated":
		var r target.CreatedReply
		if !l.decodeLifecycle(ev, &r) {
			return
		}
		l.targetCreated(infoFromProtocol(r.TargetInfo, browserContextOf(ev.Params)))

	case "Target.targetInfoChanged":
		var r target.InfoChangedReply
		if !l.decodeLifecycle(ev, &r) {
			return
		}
		info := infoFromProtocol(r.TargetInfo, browserContextOf(ev.Params))
		if l.targets.isDestroyed(info.ID) {
			return
		}
		rec, isNew := l.targets.upsert(info)
		kind := TargetChanged
		if isNew {
			kind = TargetCreated
		}
		l.targets.notify(TargetEvent{Kind: kind, Target: rec.info})

	case "Target.attachedToTarget":
		var r target.AttachedToTargetReply
		if !l.decodeLifecycle(ev, &r) {
			return
		}
		info := infoFromProtocol(r.TargetInfo, browserContextOf(ev.Params))
		sessionID := string(r.SessionID)
		l.sessionAttached(sessionID, info.ID, &info)
		l.resolveAttach(info.ID, sessionID, nil)

	case "Target.detachedFromTarget":
		var r target.DetachedFromTargetReply
		if !l.decodeLifecycle(ev, &r) {
			return
		}
		l.endSession(string(r.SessionID))

	case "Target.targetDestroyed":
		var r target.DestroyedReply
		if !l.decodeLifecycle(ev, &r) {
			return
		}
		l.targetDestroyed(string(r.TargetID))

	case "Target.targetCrashed":
		var r target.CrashedReply
		if !l.decodeLifecycle(ev, &r) {
			return
		}
		l.log.Warn("target crashed",
			zap.String("target", string(r.TargetID)),
			zap.String("status", r.Status),
			zap.Int("code", r.ErrorCode))
		l.targetDestroyed(string(r.TargetID))
	}
}

func (l *loop) decodeLifecycle(ev Event, v interface{}) bool {
	if err := ev.Unmarshal(v); err != nil {
		metricFramesMalformed.Inc()
		l.log.Warn("dropping undecodable lifecycle event", zap.String("method", ev.Method), zap.Error(err))
		return false
	}
	return true
}

func (l *loop) targetCreated(info TargetInfo) {
	if l.targets.isDestroyed(info.ID) {
		return
	}
	rec, isNew := l.targets.upsert(info)
	if !isNew {
		l.targets.notify(TargetEvent{Kind: TargetChanged, Target: rec.info})
		return
	}
	l.log.Debug("target created", zap.String("target", info.ID), zap.String("type", string(info.Type)))
	l.targets.notify(TargetEvent{Kind: TargetCreated, Target: rec.info})

	if l.autoAttaches(info.Type) {
		l.attach(info.ID, nil)
	}
}

// ensureTarget registers a target learned from a command reply rather than a
// lifecycle event.
func (l *loop) ensureTarget(info TargetInfo) {
	if l.targets.isDestroyed(info.ID) {
		return
	}
	if _, ok := l.targets.targets[info.ID]; ok {
		return
	}
	rec, _ := l.targets.upsert(info)
	l.targets.notify(TargetEvent{Kind: TargetCreated, Target: rec.info})
}

func (l *loop) autoAttaches(kind TargetKind) bool {
	if !l.cfg.AutoAttach || l.closing {
		return false
	}
	for _, k := range l.cfg.AutoAttachKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// sessionAttached registers a session. info refreshes the target when known.
func (l *loop) sessionAttached(sessionID, targetID string, info *TargetInfo) {
	if l.targets.isDestroyed(targetID) {
		return
	}
	if info != nil {
		if _, known := l.targets.targets[targetID]; known {
			l.targets.upsert(*info)
		} else {
			l.ensureTarget(*info)
		}
	} else {
		l.ensureTarget(TargetInfo{ID: targetID, Type: KindOther})
	}

	if !l.targets.addSession(sessionID, targetID) {
		return
	}
	metricSessionsActive.Inc()
	l.log.Debug("session attached", zap.String("session", sessionID), zap.String("target", targetID))

	current, _ := l.targets.info(targetID)
	l.targets.notify(TargetEvent{Kind: TargetAttached, Target: current, SessionID: sessionID})
}

// endSession tears down a session: its pending commands fail with
// ErrTargetGone and its subscriptions end.
func (l *loop) endSession(sessionID string) {
	targetID, ok := l.targets.removeSession(sessionID)
	if !ok {
		return
	}
	metricSessionsActive.Dec()

	failed := l.corr.failSession(sessionID, ErrTargetGone)
	closed := l.disp.closeSession(sessionID, ErrTargetGone)
	l.log.Debug("session ended",
		zap.String("session", sessionID),
		zap.String("target", targetID),
		zap.Int("failed", failed),
		zap.Int("subscriptions", closed))

	info, ok := l.targets.info(targetID)
	if !ok {
		info = TargetInfo{ID: targetID}
	}
	l.targets.notify(TargetEvent{Kind: TargetDetached, Target: info, SessionID: sessionID})
}

func (l *loop) targetDestroyed(targetID string) {
	if l.targets.isDestroyed(targetID) {
		return
	}
	for _, sessionID := range l.targets.sessionsOf(targetID) {
		l.endSession(sessionID)
	}
	info, known := l.targets.removeTarget(targetID)
	l.resolveAttach(targetID, "", ErrTargetGone)
	if !known {
		return
	}
	l.log.Debug("target destroyed", zap.String("target", targetID))
	l.targets.notify(TargetEvent{Kind: TargetDestroyed, Target: info})
}

// attach resolves waiter with a session for targetID, reusing a live session
// or joining an attach already in flight. A nil waiter attaches without
// reporting back.
func (l *loop) attach(targetID string, waiter func(string, error)) {
	report := func(sessionID string, err error) {
		if waiter != nil {
			waiter(sessionID, err)
		}
	}
	if l.targets.isDestroyed(targetID) {
		report("", ErrTargetGone)
		return
	}
	if sessionID, ok := l.targets.sessionFor(targetID); ok {
		report(sessionID, nil)
		return
	}

	waiters, inFlight := l.targets.attaching[targetID]
	l.targets.attaching[targetID] = append(waiters, waiter)
	if inFlight {
		return
	}

	params, err := json.Marshal(target.NewAttachToTargetArgs(target.ID(targetID)).SetFlatten(true))
	if err != nil {
		l.resolveAttach(targetID, "", fmt.Errorf("encoding attach: %w", err))
		return
	}
	l.send("", "Target.attachToTarget", params, l.cfg.CommandTimeout, func(res result) {
		if res.Err != nil {
			l.resolveAttach(targetID, "", res.Err)
			return
		}
		var reply target.AttachToTargetReply
		if err := json.Unmarshal(res.Result, &reply); err != nil || reply.SessionID == "" {
			l.resolveAttach(targetID, "", fmt.Errorf("%w: attachToTarget returned no session", ErrProtocol))
			return
		}
		sessionID := string(reply.SessionID)
		if l.targets.isDestroyed(targetID) || l.targets.isGone(sessionID) {
			l.resolveAttach(targetID, "", ErrTargetGone)
			return
		}
		l.sessionAttached(sessionID, targetID, nil)
		l.resolveAttach(targetID, sessionID, nil)
	})
}

func (l *loop) resolveAttach(targetID, sessionID string, err error) {
	waiters, ok := l.targets.attaching[targetID]
	if !ok {
		return
	}
	delete(l.targets.attaching, targetID)
	if err != nil {
		l.log.Debug("attach failed", zap.String("target", targetID), zap.Error(err))
	}
	for _, w := range waiters {
		if w != nil {
			w(sessionID, err)
		}
	}
}

func (r *executeRequest) handle(l *loop) {
	if l.closing {
		r.reply <- result{Err: ErrEngineClosed}
		return
	}
	l.send(r.sessionID, r.method, r.params, r.timeout, func(res result) {
		r.reply <- res
	})
}

func (r *subscribeRequest) handle(l *loop) {
	if l.closing {
		r.reply <- ErrEngineClosed
		return
	}
	sid := r.sub.sessionID
	if sid != "" && sid != AllSessions && l.targets.isGone(sid) {
		r.reply <- ErrTargetGone
		return
	}
	l.disp.add(r.sub)
	r.reply <- nil
}

func (r *unsubscribeRequest) handle(l *loop) {
	l.disp.remove(r.id, nil)
	r.reply <- nil
}

func (r *watchRequest) handle(l *loop) {
	if l.closing {
		r.reply <- ErrEngineClosed
		return
	}
	l.targets.addWatch(r.watch)
	r.reply <- nil
}

func (r *unwatchRequest) handle(l *loop) {
	l.targets.removeWatch(r.id, nil)
	r.reply <- nil
}

func (r *targetsRequest) handle(l *loop) {
	r.reply <- l.targets.list()
}

func (r *sessionRequest) handle(l *loop) {
	_, ok := l.targets.sessions[r.sessionID]
	r.reply <- ok
}

func (r *attachRequest) handle(l *loop) {
	if l.closing {
		r.reply <- attachResult{err: ErrEngineClosed}
		return
	}
	l.attach(r.targetID, func(sessionID string, err error) {
		r.reply <- attachResult{sessionID: sessionID, err: err}
	})
}

func (r *detachRequest) handle(l *loop) {
	if l.closing {
		r.reply <- ErrEngineClosed
		return
	}
	if l.targets.isGone(r.sessionID) {
		r.reply <- nil
		return
	}
	params, err := json.Marshal(target.NewDetachFromTargetArgs().SetSessionID(target.SessionID(r.sessionID)))
	if err != nil {
		r.reply <- fmt.Errorf("encoding detach: %w", err)
		return
	}
	sessionID := r.sessionID
	l.send("", "Target.detachFromTarget", params, l.cfg.CommandTimeout, func(res result) {
		if res.Err != nil {
			r.reply <- res.Err
			return
		}
		l.endSession(sessionID)
		r.reply <- nil
	})
}

func (r *newTargetRequest) handle(l *loop) {
	if l.closing {
		r.reply <- newTargetResult{err: ErrEngineClosed}
		return
	}
	params, err := json.Marshal(r.args)
	if err != nil {
		r.reply <- newTargetResult{err: fmt.Errorf("encoding createTarget: %w", err)}
		return
	}
	l.send("", "Target.createTarget", params, l.cfg.CommandTimeout, func(res result) {
		if res.Err != nil {
			r.reply <- newTargetResult{err: res.Err}
			return
		}
		var reply target.CreateTargetReply
		if err := json.Unmarshal(res.Result, &reply); err != nil || reply.TargetID == "" {
			r.reply <- newTargetResult{err: fmt.Errorf("%w: createTarget returned no target", ErrProtocol)}
			return
		}
		targetID := string(reply.TargetID)
		l.ensureTarget(TargetInfo{ID: targetID, Type: KindPage, URL: r.url})
		if !r.attach {
			r.reply <- newTargetResult{targetID: targetID}
			return
		}
		l.attach(targetID, func(sessionID string, err error) {
			r.reply <- newTargetResult{targetID: targetID, sessionID: sessionID, err: err}
		})
	})
}

func (r *closeRequest) handle(l *loop) {
	if l.closing {
		return
	}
	l.closing = true
	l.e.state.Store(int32(StateClosing))
	l.log.Debug("closing", zap.Bool("closeBrowser", r.closeBrowser))

	if !r.closeBrowser {
		l.finished = true
		return
	}
	l.closeTimer = time.NewTimer(l.cfg.CloseTimeout)
	l.send("", "Browser.close", nil, l.cfg.CloseTimeout, func(result) {
		if !l.terminated {
			l.finished = true
		}
	})
}
