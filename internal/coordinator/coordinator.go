// Package coordinator runs the single event loop that owns all chat state.
//
// Identity, room, moderation, private message and session components are not
// synchronized. Every access to them happens inside a job executed by Run, so
// a command handler is atomic with respect to every other handler.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"coldroom/internal/auth"
	"coldroom/internal/clock"
	"coldroom/internal/identity"
	"coldroom/internal/models"
	"coldroom/internal/moderation"
	"coldroom/internal/notifications"
	"coldroom/internal/observability"
	"coldroom/internal/privatemsg"
	"coldroom/internal/rooms"
	"coldroom/internal/session"

	"github.com/adhocore/gronx"
)

// ErrStopped is returned when the loop is no longer accepting work.
var ErrStopped = errors.New("coordinator: loop stopped")

// OwnerAccount seeds the owner identity on a fresh state.
type OwnerAccount struct {
	Username    string
	Password    string
	DisplayName string
}

// Options size and schedule the coordinator.
type Options struct {
	HistoryCap          int
	PrivateHistoryCap   int
	SupportInboxCap     int
	NameChangeLimit     int
	MessageMaxLen       int
	PresenceTimeout     time.Duration
	PresenceSweep       time.Duration
	InactivityThreshold time.Duration
	JanitorCron         string
	Owner               OwnerAccount
	QueueSize           int
}

// Deps are the collaborators injected into the coordinator.
type Deps struct {
	Clock  clock.Clock
	Hasher identity.Hasher
	Tokens *auth.Issuer
	// Presence receives online and offline transitions; may be nil.
	Presence session.Observer
}

type job func()

// Coordinator owns the application state and the loop that mutates it.
type Coordinator struct {
	opts   Options
	clock  clock.Clock
	hasher identity.Hasher
	tokens *auth.Issuer
	log    *observability.WSLogger

	identities *identity.Store
	rooms      *rooms.Directory
	ledger     *moderation.Ledger
	private    *privatemsg.Store
	sessions   *session.Registry
	dispatch   *notifications.Dispatcher

	settings models.Settings
	support  []models.SupportMessage

	// revision counts mutating jobs so unchanged state is not re-persisted.
	revision uint64

	jobs      chan job
	stopped   chan struct{}
	emergency func(*models.Snapshot)
}

// New wires the components. The owner identity and the global room are
// created here so a fresh coordinator is immediately usable.
func New(opts Options, deps Deps) (*Coordinator, error) {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Hasher == nil {
		deps.Hasher = identity.NewBcryptHasher(0)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.SupportInboxCap <= 0 {
		opts.SupportInboxCap = 200
	}
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = 5 * time.Minute
	}
	if opts.PresenceSweep <= 0 {
		opts.PresenceSweep = time.Minute
	}
	if opts.InactivityThreshold <= 0 {
		opts.InactivityThreshold = 240 * time.Hour
	}
	if opts.JanitorCron == "" {
		opts.JanitorCron = "0 3 * * *"
	}
	if !gronx.IsValid(opts.JanitorCron) {
		return nil, fmt.Errorf("invalid janitor cron expression: %s", opts.JanitorCron)
	}

	c := &Coordinator{
		opts:     opts,
		clock:    deps.Clock,
		hasher:   deps.Hasher,
		tokens:   deps.Tokens,
		log:      observability.NewWSLogger("coordinator"),
		settings: models.DefaultSettings(),
		jobs:     make(chan job, opts.QueueSize),
		stopped:  make(chan struct{}),
	}
	c.identities = identity.NewStore(deps.Hasher, deps.Clock, opts.NameChangeLimit)
	c.rooms = rooms.NewDirectory(rooms.Options{
		HistoryCap:    opts.HistoryCap,
		MaxMessageLen: opts.MessageMaxLen,
		Verifier:      deps.Hasher,
		Clock:         deps.Clock,
		IsProtected:   c.identities.IsOwner,
	})
	c.ledger = moderation.NewLedger(deps.Clock)
	c.private = privatemsg.NewStore(deps.Clock, opts.PrivateHistoryCap, c.identities.IsOwner)
	c.sessions = session.NewRegistry(deps.Clock, opts.PresenceTimeout, deps.Presence)
	c.dispatch = notifications.NewDispatcher(c.sessions)

	if err := c.bootstrap(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) bootstrap() error {
	owner := c.opts.Owner
	if owner.Username == "" {
		owner = OwnerAccount{Username: "owner", Password: "change-me-owner", DisplayName: "Owner"}
	}
	_, created, err := c.identities.EnsureOwner(owner.Username, owner.Password, owner.DisplayName)
	if err != nil {
		return fmt.Errorf("bootstrap owner: %w", err)
	}
	if created {
		observability.GlobalLogger.Info("Owner identity created", slog.String("username", owner.Username))
	}
	if c.rooms.EnsureGlobal("Global", "The main room") {
		observability.GlobalLogger.Info("Global room created")
	}
	return nil
}

// OnEmergency registers fn to receive a snapshot when the loop is about to
// crash. fn runs synchronously on the loop goroutine.
func (c *Coordinator) OnEmergency(fn func(*models.Snapshot)) {
	c.emergency = fn
}

// Run processes jobs until ctx is cancelled, then drains what is queued.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.stopped)
	defer c.fatal()

	sweep := time.NewTicker(c.opts.PresenceSweep)
	defer sweep.Stop()

	schedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.runJanitorSchedule(schedCtx)

	c.log.LogLifecycle(ctx, "loop_started", map[string]interface{}{
		"identities": c.identities.Len(),
		"rooms":      c.rooms.Len(),
	})

	for {
		select {
		case <-ctx.Done():
			c.drain()
			c.log.LogLifecycle(context.Background(), "loop_stopped", nil)
			return
		case j := <-c.jobs:
			j()
		case <-sweep.C:
			c.safely("presence-sweep", c.sweepPresence)
		}
	}
}

func (c *Coordinator) drain() {
	for {
		select {
		case j := <-c.jobs:
			j()
		default:
			return
		}
	}
}

// fatal handles a panic that escaped every per-job recover.
func (c *Coordinator) fatal() {
	r := recover()
	if r == nil {
		return
	}
	observability.GlobalLogger.Error("Coordinator loop crashed",
		slog.Any("panic", r),
		slog.String("stack", string(debug.Stack())),
	)
	if c.emergency != nil {
		func() {
			defer func() {
				if r2 := recover(); r2 != nil {
					observability.GlobalLogger.Error("Emergency snapshot failed", slog.Any("panic", r2))
				}
			}()
			c.emergency(c.export())
		}()
	}
	panic(r)
}

// safely runs fn on the loop and converts a panic into a log line.
func (c *Coordinator) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observability.HandlerPanics.Inc()
			observability.GlobalLogger.Error("Loop task panicked",
				slog.String("task", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

func (c *Coordinator) submit(ctx context.Context, j job) error {
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}
	select {
	case c.jobs <- j:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the loop and waits for it. A panic in fn is returned as an
// InternalError.
func (c *Coordinator) Do(ctx context.Context, fn func()) error {
	done := make(chan error, 1)
	err := c.submit(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				observability.HandlerPanics.Inc()
				done <- models.NewInternalError(fmt.Errorf("panic: %v", r))
			}
		}()
		fn()
		done <- nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-c.stopped:
		select {
		case err := <-done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers a new anonymous connection.
func (c *Coordinator) Connect(ctx context.Context, connID string, sink session.Sink, remoteAddr string) error {
	return c.submit(ctx, func() {
		if _, err := c.sessions.Open(connID, sink, remoteAddr); err != nil {
			c.log.LogError(ctx, connID, "", err, "connect")
			sink.Close()
			return
		}
		observability.WebSocketConnectionsTotal.Inc()
		c.log.LogConnect(ctx, connID, remoteAddr)
	})
}

// Disconnect releases a connection. Unknown connections are ignored.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) error {
	return c.submit(ctx, func() {
		c.safely("disconnect", func() { c.release(connID, "closed") })
	})
}

// Handle queues one inbound frame from connID.
func (c *Coordinator) Handle(ctx context.Context, connID string, frame []byte) error {
	return c.submit(ctx, func() { c.handleFrame(ctx, connID, frame) })
}

// Capture returns a deep copy of the durable state and its revision. Once the
// loop has stopped the state is read directly.
func (c *Coordinator) Capture(ctx context.Context) (*models.Snapshot, uint64, error) {
	var doc *models.Snapshot
	var rev uint64
	err := c.Do(ctx, func() {
		doc = c.export()
		rev = c.revision
	})
	if errors.Is(err, ErrStopped) {
		return c.export(), c.revision, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return doc, rev, nil
}

// Stopped is closed once Run has returned.
func (c *Coordinator) Stopped() <-chan struct{} {
	return c.stopped
}

func (c *Coordinator) mutated() {
	c.revision++
}
