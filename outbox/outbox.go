/*
Package outbox runs event side effects off the request path.

PURPOSE:
  Services publish coop.Events after their transaction commits. The Bus
  queues them and a small worker pool delivers each one: notification
  kinds go to a notify.Dispatcher, hours_changed goes to the CRM, and a
  welcome for a family without a contact creates one in the CRM.

KEY CONCEPTS:
  Publish never blocks. When the queue is full the event is dropped and
  counted. Each worker owns its own queue and a family's events always land
  on the same one, so CRM totals arrive in the order they were published.
  Close stops intake and waits for queued events to finish or for the
  context to expire.

SEE ALSO:
  - coop/events.go: Publisher contract
  - notify, crm: Delivery
*/
package outbox

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/crm"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/parentcoop/hours-engine/notify"
)

type Config struct {
	Workers int
	// QueueSize is the capacity of each worker's queue.
	QueueSize int
}

// ContactLinker stores a CRM contact id created for a family.
type ContactLinker interface {
	LinkCRMContact(ctx context.Context, schoolID, parentID, contactID string) error
}

type Bus struct {
	queues   []chan coop.Event
	dispatch notify.Dispatcher
	crm      crm.Client
	logger   *log.Logger

	mu      sync.RWMutex
	closed  bool
	linker  ContactLinker
	wg      sync.WaitGroup
	dropped atomic.Int64
}

var _ coop.Publisher = (*Bus)(nil)

// New starts the workers. Call Close to stop them.
func New(cfg Config, d notify.Dispatcher, c crm.Client, logger *log.Logger) *Bus {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	if c == nil {
		c = crm.Noop{}
	}
	b := &Bus{
		queues:   make([]chan coop.Event, cfg.Workers),
		dispatch: d,
		crm:      c,
		logger:   logger.WithPrefix("outbox"),
	}
	for i := range b.queues {
		b.queues[i] = make(chan coop.Event, cfg.QueueSize)
		b.wg.Add(1)
		go b.work(b.queues[i])
	}
	return b
}

// LinkContacts sets where contact ids created at registration are stored.
// Without a linker they are logged and forgotten.
func (b *Bus) LinkContacts(l ContactLinker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.linker = l
}

func (b *Bus) Publish(e coop.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		b.logger.Warn("event after close dropped", "kind", e.Kind, "parent", e.ParentID)
		return
	}
	select {
	case b.queueFor(e) <- e:
	default:
		b.dropped.Add(1)
		b.logger.Warn("queue full, event dropped", "kind", e.Kind, "parent", e.ParentID)
	}
}

// queueFor keys events by family so one family's events stay in order.
func (b *Bus) queueFor(e coop.Event) chan coop.Event {
	key := e.ParentID
	if key == "" {
		key = e.CRMContactID
	}
	if len(b.queues) == 1 || key == "" {
		return b.queues[0]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return b.queues[h.Sum32()%uint32(len(b.queues))]
}

// Dropped is how many events were never queued.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops intake and drains the queues.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, q := range b.queues {
			close(q)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) work(queue <-chan coop.Event) {
	defer b.wg.Done()
	for e := range queue {
		b.handle(e)
	}
}

func (b *Bus) handle(e coop.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", e.Kind, "panic", r)
		}
	}()
	ctx := context.Background()

	if e.Kind == coop.EventHoursChanged {
		b.syncHours(ctx, e)
		return
	}
	if !b.dispatch.Dispatch(ctx, e.Kind, notify.PayloadFor(e)) {
		b.logger.Debug("notification not delivered", "kind", e.Kind, "parent", e.ParentID)
	}
	if e.Kind == coop.EventWelcome && e.CRMContactID == "" {
		b.createContact(ctx, e)
	}
}

// =============================================================================
// CRM
// =============================================================================

func (b *Bus) createContact(ctx context.Context, e coop.Event) {
	id, err := b.crm.UpsertContact(ctx, crm.Contact{
		LocationID:   e.CRMLocationID,
		Email:        e.Email,
		FirstName:    e.FirstName,
		LastName:     e.LastName,
		Phone:        e.Phone,
		StudentNames: e.StudentNames,
		PortalID:     e.ParentID,
		Completed:    e.TotalHours,
		Required:     e.RequiredHours,
		Registered:   generic.DateOf(e.OccurredAt).String(),
	})
	if err != nil {
		b.logger.Error("crm contact sync failed", "parent", e.ParentID, "err", err)
		return
	}
	if id == "" {
		return
	}

	b.mu.RLock()
	linker := b.linker
	b.mu.RUnlock()
	if linker == nil {
		b.logger.Warn("crm contact not linked", "parent", e.ParentID, "contact", id)
		return
	}
	if err := linker.LinkCRMContact(ctx, e.SchoolID, e.ParentID, id); err != nil {
		b.logger.Error("crm contact link failed", "parent", e.ParentID, "contact", id, "err", err)
	}
}

func (b *Bus) syncHours(ctx context.Context, e coop.Event) {
	if e.CRMContactID == "" {
		return
	}
	update := crm.HoursUpdate{
		ContactID:         e.CRMContactID,
		Completed:         e.TotalHours,
		Required:          e.RequiredHours,
		LastVolunteerDate: e.EventDate,
	}
	if err := b.crm.UpdateHours(ctx, update); err != nil {
		b.logger.Error("crm sync failed", "parent", e.ParentID, "err", err)
		return
	}

	add, remove := crm.Tags(update, coop.Milestones)
	for _, tag := range add {
		if err := b.crm.AddTag(ctx, e.CRMContactID, tag); err != nil {
			b.logger.Warn("crm tag not added", "contact", e.CRMContactID, "tag", tag, "err", err)
		}
	}
	for _, tag := range remove {
		if err := b.crm.RemoveTag(ctx, e.CRMContactID, tag); err != nil {
			b.logger.Debug("crm tag not removed", "contact", e.CRMContactID, "tag", tag, "err", err)
		}
	}
}
