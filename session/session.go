// Package session owns the connect/disconnect state machine, the listener
// registry and the ordered delivery of store events.
package session

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/purchasekit/purchasekit/billing"
	"github.com/purchasekit/purchasekit/journal"
	"github.com/purchasekit/purchasekit/verify"
)

type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	default:
		return "disconnected"
	}
}

const defaultJournalRetention = 7 * 24 * time.Hour

// ListenerFunc receives events. Listeners must complete quickly or hand the
// event off to their own async machinery; a slow listener delays everything
// behind it in the queue.
type ListenerFunc func(e billing.Event)

type listenerEntry struct {
	handle uuid.UUID
	kind   billing.EventKind
	fn     ListenerFunc
}

// Config carries the optional collaborators of a session.
type Config struct {
	// Journal persists purchase events for at-least-once delivery across
	// restarts. Nil disables journaling.
	Journal journal.Store

	// RemoteVerifier handles Verify calls with the remote backend. Nil
	// means only local verification is available.
	RemoteVerifier verify.Verifier

	// JournalRetention bounds how long delivered entries are kept before
	// the connect-time purge. Zero selects the default.
	JournalRetention time.Duration
}

// Session is one connection to a store backend. It exclusively owns its
// adapter; adapters must not be shared between sessions.
type Session struct {
	log     *zap.Logger
	adapter billing.Adapter
	config  Config

	localVerifier verify.Verifier

	mu        sync.Mutex
	state     State
	listeners []*listenerEntry
	emitter   *emitter

	purchasing atomic.Bool
}

func New(log *zap.Logger, adapter billing.Adapter, config Config) *Session {
	if config.JournalRetention == 0 {
		config.JournalRetention = defaultJournalRetention
	}
	return &Session{
		log:           log,
		adapter:       adapter,
		config:        config,
		localVerifier: verify.NewLocalVerifier(log, adapter),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect transitions the session to Connected. Calling Connect on an
// already connected session is a no-op success; a concurrent connect
// attempt fails with CodeAlreadyConnecting. The connected event is fired
// strictly after the state transition.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		s.mu.Unlock()
		return billing.NewError(billing.CodeAlreadyConnecting, "connect already in progress")
	case StateEnding:
		s.mu.Unlock()
		return billing.NewError(billing.CodeOperationInProgress, "disconnect in progress")
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.adapter.Connect(ctx); err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return billing.AsError(err)
	}

	em := newEmitter(s.log, s.dispatch)

	s.mu.Lock()
	s.state = StateConnected
	s.emitter = em
	s.mu.Unlock()

	go em.run()

	// The connected event goes on the queue before the sink attaches so an
	// adapter event racing the handover can never precede it.
	s.emit(billing.Event{
		ID:   uuid.NewString(),
		Kind: billing.EventConnected,
		At:   time.Now(),
	})
	s.adapter.SetSink(billing.EventSinkFunc(s.onStoreEvent))

	s.replayJournal(ctx)

	return nil
}

// Disconnect tears the connection down. No event is delivered after the
// disconnected event until the next connect. In-flight purchase flows
// already committed to the store UI are not cancelled; their late results
// are dropped to a debug log.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected:
		s.mu.Unlock()
		return nil
	case StateConnecting, StateEnding:
		s.mu.Unlock()
		return billing.NewError(billing.CodeOperationInProgress, "connection state change in progress")
	}
	s.state = StateEnding
	em := s.emitter
	s.emitter = nil
	s.mu.Unlock()

	s.adapter.SetSink(nil)

	if err := s.adapter.Disconnect(ctx); err != nil {
		s.log.Warn("Failure disconnecting adapter", zap.Error(err))
	}

	if em != nil {
		em.close(billing.Event{
			ID:   uuid.NewString(),
			Kind: billing.EventDisconnected,
			At:   time.Now(),
		})
		// A listener may legally call Disconnect from inside a dispatch
		// cycle; blocking on the drain would deadlock against ourselves.
		if !em.onDispatchGoroutine() {
			em.wait()
		}
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()

	return nil
}

// AddListener registers a callback for one event kind, or for every kind
// when kind is billing.EventUnknown. Listeners may be registered before
// Connect so the connected event itself is observable. Callbacks run in
// registration order.
func (s *Session) AddListener(kind billing.EventKind, fn ListenerFunc) uuid.UUID {
	handle := uuid.New()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, &listenerEntry{handle: handle, kind: kind, fn: fn})

	return handle
}

// RemoveListener unregisters a handle. Removing an unknown or already
// removed handle is a no-op.
func (s *Session) RemoveListener(handle uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = slices.DeleteFunc(s.listeners, func(entry *listenerEntry) bool {
		return entry.handle == handle
	})
}

// FetchCatalog resolves catalog entries for the given SKUs. Unknown SKUs
// are omitted from the result, never errored. A catalogFetched event
// mirrors the outcome to listeners.
func (s *Session) FetchCatalog(ctx context.Context, skus []string, kind billing.ProductKind) ([]*billing.Product, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}

	req := &billing.FetchRequest{SKUs: skus, Kind: kind}
	if err := req.Validate(); err != nil {
		return nil, billing.AsError(err)
	}

	products, err := s.adapter.FetchCatalog(ctx, skus, kind)
	if err != nil {
		typed := billing.AsError(err)
		s.emit(billing.Event{
			ID:   uuid.NewString(),
			Kind: billing.EventCatalogFetched,
			At:   time.Now(),
			Err:  typed,
		})
		return nil, typed
	}

	s.emit(billing.Event{
		ID:       uuid.NewString(),
		Kind:     billing.EventCatalogFetched,
		At:       time.Now(),
		Products: products,
	})

	return products, nil
}

// Purchase runs one purchase flow. At most one flow may be in flight per
// session; an overlapping call fails fast with CodeOperationInProgress
// rather than queueing. A user dismissing the store dialog returns
// CodeUserCancelled and emits no events; any other flow failure is mirrored
// to listeners as a purchaseError event.
func (s *Session) Purchase(ctx context.Context, req *billing.PurchaseRequest) (*billing.Purchase, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, billing.NewError(billing.CodeInvalidArgument, "purchase request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, billing.AsError(err)
	}

	if !s.purchasing.CompareAndSwap(false, true) {
		return nil, billing.NewError(billing.CodeOperationInProgress, "another purchase flow is in flight")
	}
	defer s.purchasing.Store(false)

	purchase, err := s.adapter.Purchase(ctx, req)
	if err != nil {
		typed := billing.AsError(err)
		if typed.Code == billing.CodeUserCancelled {
			// Dismissal is a normal outcome, not a fault; no event fires.
			s.log.Debug("Purchase flow dismissed by user", zap.Strings("skus", req.SKUs))
			return nil, typed
		}
		s.emit(billing.Event{
			ID:   uuid.NewString(),
			Kind: billing.EventPurchaseError,
			At:   time.Now(),
			Err:  typed,
		})
		return nil, typed
	}

	s.recordPurchase(ctx, purchase)

	return purchase, nil
}

// FinalizeTransaction consumes or acknowledges a purchase. Finalizing an
// already finalized purchase is a no-op success. Legal to call from within
// a purchase-update listener.
func (s *Session) FinalizeTransaction(ctx context.Context, purchase *billing.Purchase, consumable bool) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	if purchase == nil || purchase.Token == "" {
		return billing.NewError(billing.CodeInvalidArgument, "purchase with a token is required")
	}

	if err := s.adapter.FinalizeTransaction(ctx, purchase, consumable); err != nil {
		return billing.AsError(err)
	}
	return nil
}

func (s *Session) QueryPurchases(ctx context.Context, filter billing.PurchaseFilter) ([]*billing.Purchase, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}

	purchases, err := s.adapter.QueryPurchases(ctx, filter)
	if err != nil {
		return nil, billing.AsError(err)
	}
	return purchases, nil
}

// QueryActiveSubscriptions reports currently entitled subscriptions. Empty
// ids means all known subscription products.
func (s *Session) QueryActiveSubscriptions(ctx context.Context, ids []string) ([]*billing.ActiveSubscription, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}

	subscriptions, err := s.adapter.QueryActiveSubscriptions(ctx, ids)
	if err != nil {
		return nil, billing.AsError(err)
	}
	return subscriptions, nil
}

func (s *Session) HasActiveSubscriptions(ctx context.Context, ids []string) (bool, error) {
	subscriptions, err := s.QueryActiveSubscriptions(ctx, ids)
	if err != nil {
		return false, err
	}
	return len(subscriptions) > 0, nil
}

// Verify checks a purchase against the selected verification backend.
func (s *Session) Verify(ctx context.Context, purchase *billing.Purchase, backend verify.Backend) (*billing.VerificationResult, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	if purchase == nil {
		return nil, billing.NewError(billing.CodeInvalidArgument, "purchase is required")
	}

	verifier := s.localVerifier
	if backend == verify.BackendRemote {
		if s.config.RemoteVerifier == nil {
			return nil, billing.NewError(billing.CodeInvalidArgument, "no remote verification backend configured")
		}
		verifier = s.config.RemoteVerifier
	}

	result, err := verifier.Verify(ctx, purchase)
	if err != nil {
		return nil, billing.AsError(err)
	}
	return result, nil
}

// Extensions exposes store-specific operations, gated on the connected
// state like every other operation.
func (s *Session) Extensions() billing.Extensions {
	return &gatedExtensions{session: s}
}

func (s *Session) requireConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return billing.NewErrorf(billing.CodeNotInitialized, "session is %s, connect first", s.state)
	}
	return nil
}

// onStoreEvent receives asynchronous events from the adapter. Purchase
// updates are journaled before delivery so a crash between emission and
// listener execution still replays them.
func (s *Session) onStoreEvent(e billing.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	if e.Kind == billing.EventPurchaseUpdated && e.Purchase != nil {
		s.journalAppend(e.ID, e.Purchase)
	}

	s.emit(e)
}

func (s *Session) recordPurchase(ctx context.Context, purchase *billing.Purchase) {
	eventID := uuid.NewString()
	s.journalAppend(eventID, purchase)

	s.emit(billing.Event{
		ID:       eventID,
		Kind:     billing.EventPurchaseUpdated,
		At:       time.Now(),
		Purchase: purchase.Clone(),
	})
}

func (s *Session) journalAppend(eventID string, purchase *billing.Purchase) {
	if s.config.Journal == nil {
		return
	}

	err := s.config.Journal.Append(context.Background(), &journal.Entry{
		ID:        eventID,
		Purchase:  purchase,
		CreatedAt: time.Now(),
	})
	if err != nil && err != journal.ErrExists {
		s.log.Warn("Failure journaling purchase event", zap.Error(err))
	}
}

func (s *Session) emit(e billing.Event) {
	s.mu.Lock()
	em := s.emitter
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || em == nil {
		s.log.Debug("Dropping event outside connected window",
			zap.String("kind", e.Kind.String()),
			zap.String("event_id", e.ID),
		)
		return
	}

	em.enqueue(e)
}

// dispatch delivers one event to the listener snapshot in registration
// order. A panicking listener is isolated so later listeners still run.
// Re-entrant session calls from inside a listener are legal.
func (s *Session) dispatch(e billing.Event) {
	s.mu.Lock()
	snapshot := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, entry := range snapshot {
		if entry.kind != billing.EventUnknown && entry.kind != e.Kind {
			continue
		}
		s.invoke(entry, e)
	}

	if e.Kind == billing.EventPurchaseUpdated && s.config.Journal != nil {
		if err := s.config.Journal.MarkDelivered(context.Background(), e.ID); err != nil && err != journal.ErrNotFound {
			s.log.Warn("Failure marking journal entry delivered", zap.Error(err))
		}
	}
}

func (s *Session) invoke(entry *listenerEntry, e billing.Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.log.Warn("Listener panicked during event dispatch",
				zap.String("kind", e.Kind.String()),
				zap.Any("panic", recovered),
			)
		}
	}()
	entry.fn(e)
}

// replayJournal re-emits purchase events that were never seen by a
// listener, then purges old delivered entries.
func (s *Session) replayJournal(ctx context.Context) {
	if s.config.Journal == nil {
		return
	}

	pending, err := s.config.Journal.ListPending(ctx)
	if err != nil {
		s.log.Warn("Failure listing pending journal entries", zap.Error(err))
		return
	}

	for _, entry := range pending {
		s.log.Debug("Replaying journaled purchase event",
			zap.String("event_id", entry.ID),
			zap.String("product_id", entry.Purchase.ProductID),
			zap.String("purchase_token", billing.MaskSensitive(entry.Purchase.Token)),
		)
		s.emit(billing.Event{
			ID:       entry.ID,
			Kind:     billing.EventPurchaseUpdated,
			At:       entry.CreatedAt,
			Purchase: entry.Purchase,
		})
	}

	if _, err := s.config.Journal.PurgeDelivered(ctx, time.Now().Add(-s.config.JournalRetention)); err != nil {
		s.log.Warn("Failure purging journal", zap.Error(err))
	}
}

type gatedExtensions struct {
	session *Session
}

func (g *gatedExtensions) AcknowledgeToken(ctx context.Context, productID, token string) error {
	if err := g.session.requireConnected(); err != nil {
		return err
	}
	return g.session.adapter.Extensions().AcknowledgeToken(ctx, productID, token)
}

func (g *gatedExtensions) ConsumeToken(ctx context.Context, productID, token string) error {
	if err := g.session.requireConnected(); err != nil {
		return err
	}
	return g.session.adapter.Extensions().ConsumeToken(ctx, productID, token)
}

func (g *gatedExtensions) Storefront(ctx context.Context) (string, error) {
	if err := g.session.requireConnected(); err != nil {
		return "", err
	}
	return g.session.adapter.Extensions().Storefront(ctx)
}

func (g *gatedExtensions) DeepLinkToSubscriptions(ctx context.Context, productID string) (string, error) {
	if err := g.session.requireConnected(); err != nil {
		return "", err
	}
	return g.session.adapter.Extensions().DeepLinkToSubscriptions(ctx, productID)
}

func (g *gatedExtensions) AlternativeBillingAvailable(ctx context.Context) (bool, error) {
	if err := g.session.requireConnected(); err != nil {
		return false, err
	}
	return g.session.adapter.Extensions().AlternativeBillingAvailable(ctx)
}

func (g *gatedExtensions) ShowAlternativeBillingDialog(ctx context.Context) (bool, error) {
	if err := g.session.requireConnected(); err != nil {
		return false, err
	}
	return g.session.adapter.Extensions().ShowAlternativeBillingDialog(ctx)
}

func (g *gatedExtensions) CreateAlternativeBillingToken(ctx context.Context) (string, error) {
	if err := g.session.requireConnected(); err != nil {
		return "", err
	}
	return g.session.adapter.Extensions().CreateAlternativeBillingToken(ctx)
}

func (g *gatedExtensions) PresentExternalPurchaseLink(ctx context.Context, url string) error {
	if err := g.session.requireConnected(); err != nil {
		return err
	}
	return g.session.adapter.Extensions().PresentExternalPurchaseLink(ctx, url)
}

func (g *gatedExtensions) PromotedProduct(ctx context.Context) (string, error) {
	if err := g.session.requireConnected(); err != nil {
		return "", err
	}
	return g.session.adapter.Extensions().PromotedProduct(ctx)
}
