package cdp

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/drzln/curupira/internal/cdp/domain"
	"github.com/drzln/curupira/internal/common/errorx"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"
)

// Kind classifies the target behind a session.
type Kind string

const (
	KindPage          Kind = "page"
	KindIframe        Kind = "iframe"
	KindWorker        Kind = "worker"
	KindServiceWorker Kind = "service_worker"
	KindOther         Kind = "other"
)

func kindOf(t string) Kind {
	switch t {
	case "page":
		return KindPage
	case "iframe":
		return KindIframe
	case "worker", "shared_worker":
		return KindWorker
	case "service_worker":
		return KindServiceWorker
	default:
		return KindOther
	}
}

// Session is one logical target multiplexed over the browser connection.
type Session struct {
	ID         target.SessionID `json:"sessionId"`
	TargetID   target.ID        `json:"targetId"`
	Kind       Kind             `json:"kind"`
	URL        string           `json:"url,omitempty"`
	Title      string           `json:"title,omitempty"`
	AttachedAt time.Time        `json:"attachedAt"`
}

// Sender is the part of Client the manager depends on.
type Sender interface {
	domain.CommandSender
	Subscribe(method cdproto.MethodType, h func(Event)) (unsubscribe func())
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// DefaultDomains are enabled on every attached session.
	DefaultDomains []string
	// AutoAttach makes Start attach to every page and follow new ones.
	AutoAttach bool
}

// Manager owns the browser sessions of one connection and the per-session
// domain state that goes with them.
type Manager struct {
	logger  *zap.Logger
	sender  Sender
	domains *domain.Registry
	opts    ManagerOptions

	mu         sync.RWMutex
	sessions   map[target.SessionID]*Session
	order      []target.SessionID
	tombstones map[target.SessionID]struct{}
	closed     bool

	unsubscribe []func()
	wg          sync.WaitGroup
}

// NewManager creates a manager and starts tracking target lifecycle events.
func NewManager(logger *zap.Logger, sender Sender, domains *domain.Registry, opts ManagerOptions) *Manager {
	m := &Manager{
		logger:     logger.Named("cdp.manager"),
		sender:     sender,
		domains:    domains,
		opts:       opts,
		sessions:   make(map[target.SessionID]*Session),
		tombstones: make(map[target.SessionID]struct{}),
	}
	m.unsubscribe = []func(){
		sender.Subscribe(cdproto.EventTargetAttachedToTarget, m.onAttached),
		sender.Subscribe(cdproto.EventTargetDetachedFromTarget, m.onDetached),
		sender.Subscribe(cdproto.EventTargetTargetDestroyed, m.onDestroyed),
	}
	return m
}

// Domains returns the domain registry shared by every session.
func (m *Manager) Domains() *domain.Registry {
	return m.domains
}

// Start attaches to the existing pages and, with AutoAttach, to new ones.
func (m *Manager) Start(ctx context.Context) error {
	if !m.opts.AutoAttach {
		return nil
	}
	if _, err := m.sender.Send(ctx, string(cdproto.CommandTargetSetDiscoverTargets),
		map[string]any{"discover": true}, ""); err != nil {
		return err
	}

	raw, err := m.sender.Send(ctx, string(cdproto.CommandTargetGetTargets), nil, "")
	if err != nil {
		return err
	}
	var res struct {
		TargetInfos []struct {
			TargetID target.ID `json:"targetId"`
			Type     string    `json:"type"`
			Attached bool      `json:"attached"`
		} `json:"targetInfos"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return errorx.ErrProtocol.Wrap(err).WithDetail("method", cdproto.CommandTargetGetTargets)
	}
	for _, info := range res.TargetInfos {
		if kindOf(info.Type) != KindPage || m.attachedTo(info.TargetID) {
			continue
		}
		if _, err := m.AttachToTarget(ctx, info.TargetID); err != nil {
			m.logger.Warn("failed to attach to page",
				zap.String("target", string(info.TargetID)),
				zap.Error(err))
		}
	}
	return nil
}

// AttachToTarget attaches a flat session to targetID and enables the
// default domains on it.
func (m *Manager) AttachToTarget(ctx context.Context, targetID target.ID) (Session, error) {
	if targetID == "" {
		return Session{}, errorx.ErrInvalidTarget.WithMessage("empty target id")
	}
	raw, err := m.sender.Send(ctx, string(cdproto.CommandTargetAttachToTarget),
		map[string]any{"targetId": targetID, "flatten": true}, "")
	if err != nil {
		return Session{}, err
	}
	var res struct {
		SessionID target.SessionID `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || res.SessionID == "" {
		return Session{}, errorx.ErrProtocol.WithMessage("attach returned no session").
			WithDetail("target", string(targetID))
	}

	s, added := m.add(Session{ID: res.SessionID, TargetID: targetID, Kind: KindPage})
	if !added && s.ID == "" {
		return Session{}, errorx.ErrSessionClosed.WithDetail("session", string(res.SessionID))
	}
	if err := m.EnableDomains(ctx, m.opts.DefaultDomains, string(s.ID)); err != nil {
		m.logger.Warn("failed to enable default domains",
			zap.String("session", string(s.ID)),
			zap.Error(err))
	}
	return s, nil
}

// Detach detaches a session and forgets it.
func (m *Manager) Detach(ctx context.Context, id target.SessionID) error {
	if _, err := m.Session(id); err != nil {
		return err
	}
	_, err := m.sender.Send(ctx, string(cdproto.CommandTargetDetachFromTarget),
		map[string]any{"sessionId": id}, "")
	m.remove(id, "detached")
	return err
}

// EnableDomains enables names on a session, returning the joined failures.
func (m *Manager) EnableDomains(ctx context.Context, names []string, sessionID string) error {
	if len(names) == 0 {
		return nil
	}
	return m.domains.EnableDomains(ctx, names, sessionID).Err()
}

// Sessions returns every live session in attach order.
func (m *Manager) Sessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.sessions[id])
	}
	return out
}

// Session returns a live session.
func (m *Manager) Session(id target.SessionID) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return *s, nil
	}
	if _, dead := m.tombstones[id]; dead {
		return Session{}, errorx.ErrSessionClosed.WithDetail("session", string(id))
	}
	return Session{}, errorx.ErrSessionNotFound.WithDetail("session", string(id))
}

// DefaultSession returns the earliest attached page session.
func (m *Manager) DefaultSession() (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if s := m.sessions[id]; s.Kind == KindPage {
			return *s, nil
		}
	}
	return Session{}, errorx.ErrSessionNotFound.WithMessage("no page session attached")
}

// ResolveSession returns the session named id, or the default one when id is empty.
func (m *Manager) ResolveSession(id string) (Session, error) {
	if id == "" {
		return m.DefaultSession()
	}
	return m.Session(target.SessionID(id))
}

func (m *Manager) attachedTo(targetID target.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.TargetID == targetID {
			return true
		}
	}
	return false
}

// add records a session. It returns the stored session and whether it is new;
// a tombstoned id yields a zero session.
func (m *Manager) add(s Session) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Session{}, false
	}
	if _, dead := m.tombstones[s.ID]; dead {
		m.logger.Warn("ignoring reused session id", zap.String("session", string(s.ID)))
		return Session{}, false
	}
	if cur, ok := m.sessions[s.ID]; ok {
		if cur.URL == "" {
			cur.URL = s.URL
		}
		if cur.Title == "" {
			cur.Title = s.Title
		}
		return *cur, false
	}
	s.AttachedAt = time.Now()
	m.sessions[s.ID] = &s
	m.order = append(m.order, s.ID)
	m.logger.Info("session attached",
		zap.String("session", string(s.ID)),
		zap.String("target", string(s.TargetID)),
		zap.String("kind", string(s.Kind)))
	return s, true
}

func (m *Manager) remove(id target.SessionID, reason string) bool {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	m.order = slices.DeleteFunc(m.order, func(s target.SessionID) bool { return s == id })
	m.tombstones[id] = struct{}{}
	m.mu.Unlock()

	m.domains.Purge(string(id))
	m.logger.Info("session removed", zap.String("session", string(id)), zap.String("reason", reason))
	return true
}

func (m *Manager) onAttached(ev Event) {
	var p struct {
		SessionID  target.SessionID `json:"sessionId"`
		TargetInfo struct {
			TargetID target.ID `json:"targetId"`
			Type     string    `json:"type"`
			Title    string    `json:"title"`
			URL      string    `json:"url"`
		} `json:"targetInfo"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil || p.SessionID == "" {
		m.logger.Warn("malformed attach event", zap.Error(err))
		return
	}
	s, added := m.add(Session{
		ID:       p.SessionID,
		TargetID: p.TargetInfo.TargetID,
		Kind:     kindOf(p.TargetInfo.Type),
		URL:      p.TargetInfo.URL,
		Title:    p.TargetInfo.Title,
	})
	if !added || len(m.opts.DefaultDomains) == 0 {
		return
	}

	// event handlers run on the read path, so commands go out asynchronously
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := m.EnableDomains(ctx, m.opts.DefaultDomains, string(s.ID)); err != nil {
			m.logger.Warn("failed to enable default domains",
				zap.String("session", string(s.ID)),
				zap.Error(err))
		}
	}()
}

func (m *Manager) onDetached(ev Event) {
	var p struct {
		SessionID target.SessionID `json:"sessionId"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		m.logger.Warn("malformed detach event", zap.Error(err))
		return
	}
	m.remove(p.SessionID, "detached")
}

func (m *Manager) onDestroyed(ev Event) {
	var p struct {
		TargetID target.ID `json:"targetId"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		m.logger.Warn("malformed target destroyed event", zap.Error(err))
		return
	}
	m.mu.RLock()
	var ids []target.SessionID
	for _, id := range m.order {
		if m.sessions[id].TargetID == p.TargetID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.remove(id, "target destroyed")
	}
}

// Reset forgets every session, as when the browser connection drops.
func (m *Manager) Reset(reason string) {
	m.mu.RLock()
	ids := slices.Clone(m.order)
	m.mu.RUnlock()
	for _, id := range ids {
		m.remove(id, reason)
	}
	m.domains.Purge(domain.MainSession)
}

// Close forgets every session and purges all domain state.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := slices.Clone(m.order)
	m.mu.Unlock()

	for _, unsub := range m.unsubscribe {
		unsub()
	}
	for _, id := range ids {
		m.remove(id, "manager closed")
	}
	m.domains.Purge(domain.MainSession)
	m.wg.Wait()
	return nil
}
