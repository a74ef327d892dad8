// Package registry owns every check record. All mutations are serialized by
// one mutex and published to the bus while it is held, so subscribers see
// transitions in the order they were applied.
package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tubekeeper/internal/domain"
	"tubekeeper/internal/events"
)

// Publisher receives every registry change.
type Publisher interface {
	Publish(evt events.Event)
}

type Options struct {
	MaxInFlight int
	MaxHistory  int
	Config      domain.ServerConfig
	Publisher   Publisher
	Now         func() time.Time
	// RunID prefixes check ids so they stay unique across restarts on one
	// journal. A random one is picked when empty.
	RunID string
}

type Registry struct {
	mu sync.Mutex

	maxInFlight int
	maxHistory  int
	run         string
	seq         uint64
	inFlight    map[string]*domain.Check
	history     []domain.Check
	cfg         domain.ServerConfig
	cycles      uint64
	polling     bool

	pub Publisher
	now func() time.Time
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

func New(opts Options) *Registry {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 10
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 50
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.RunID == "" {
		opts.RunID = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		maxInFlight: opts.MaxInFlight,
		maxHistory:  opts.MaxHistory,
		run:         opts.RunID,
		inFlight:    make(map[string]*domain.Check),
		cfg:         opts.Config,
		pub:         opts.Publisher,
		now:         opts.Now,
	}
}

// Admit creates a check in OffChainCheck state, or fails with
// ErrQuotaExceeded when the in-flight quota is exhausted.
func (r *Registry) Admit(dealID uint64, kind domain.CheckKind) (*Handle, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown check kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.inFlight) >= r.maxInFlight {
		return nil, domain.ErrQuotaExceeded
	}
	r.seq++
	check := &domain.Check{
		ID:        fmt.Sprintf("chk-%s-%d", r.run, r.seq),
		DealID:    dealID,
		Kind:      kind,
		Status:    domain.StatusOffChainCheck,
		StartedAt: r.now().UTC(),
	}
	r.inFlight[check.ID] = check
	r.publishCheck(events.CheckCreated, check)
	return &Handle{r: r, id: check.ID}, nil
}

// Update merges mut into an in-flight record. A status change is validated
// against the check state machine. Terminal statuses go through Complete.
func (r *Registry) Update(id string, mut func(*domain.Check)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.apply(id, mut, false)
	return err
}

// Complete applies a final mutation that must leave the record terminal and
// moves it to the front of history.
func (r *Registry) Complete(id string, mut func(*domain.Check)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	check, err := r.apply(id, mut, true)
	if err != nil {
		return err
	}
	delete(r.inFlight, id)
	r.history = append([]domain.Check{check.Clone()}, r.history...)
	if len(r.history) > r.maxHistory {
		r.history = r.history[:r.maxHistory]
	}
	r.publishCheck(events.CheckCompleted, check)
	r.publishState()
	return nil
}

func (r *Registry) apply(id string, mut func(*domain.Check), final bool) (*domain.Check, error) {
	current, ok := r.inFlight[id]
	if !ok {
		return nil, fmt.Errorf("check %s: %w", id, domain.ErrNotFound)
	}
	next := current.Clone()
	if mut != nil {
		mut(&next)
	}
	next.ID, next.DealID, next.Kind, next.StartedAt = current.ID, current.DealID, current.Kind, current.StartedAt
	if next.Status != current.Status {
		if err := domain.ValidateTransition(current.Status, next.Status); err != nil {
			return nil, err
		}
	}
	if final != next.Status.Terminal() {
		if final {
			return nil, fmt.Errorf("%w: complete with non-terminal status %s", domain.ErrInvalidTransition, next.Status)
		}
		return nil, fmt.Errorf("%w: %s must go through Complete", domain.ErrInvalidTransition, next.Status)
	}
	if final && next.CompletedAt == nil {
		at := r.now().UTC()
		next.CompletedAt = &at
	}
	*current = next
	if !final {
		r.publishCheck(events.CheckUpdated, current)
	}
	return current, nil
}

// Get returns a copy of an in-flight or historical check.
func (r *Registry) Get(id string) (domain.Check, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.inFlight[id]; ok {
		return c.Clone(), true
	}
	for _, c := range r.history {
		if c.ID == id {
			return c.Clone(), true
		}
	}
	return domain.Check{}, false
}

func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

func (r *Registry) Snapshot() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() domain.Snapshot {
	inFlight := make([]domain.Check, 0, len(r.inFlight))
	for _, c := range r.inFlight {
		inFlight = append(inFlight, c.Clone())
	}
	sort.Slice(inFlight, func(i, j int) bool {
		if inFlight[i].StartedAt.Equal(inFlight[j].StartedAt) {
			return checkSeq(inFlight[i].ID) < checkSeq(inFlight[j].ID)
		}
		return inFlight[i].StartedAt.Before(inFlight[j].StartedAt)
	})
	history := make([]domain.Check, len(r.history))
	for i, c := range r.history {
		history[i] = c.Clone()
	}
	return domain.Snapshot{
		Config:     r.cfg,
		InFlight:   inFlight,
		History:    history,
		CycleCount: r.cycles,
		Polling:    r.polling,
	}
}

func (r *Registry) Config() domain.ServerConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// UpdateConfig applies mut and publishes a state update.
func (r *Registry) UpdateConfig(mut func(*domain.ServerConfig)) domain.ServerConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	mut(&r.cfg)
	r.publishState()
	return r.cfg
}

// SetPolling records whether the scheduler loop is running.
func (r *Registry) SetPolling(enabled, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.PollingEnabled = enabled
	r.polling = running
	r.publishState()
}

// NextCycle increments and returns the cycle counter.
func (r *Registry) NextCycle() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles++
	r.publishState()
	return r.cycles
}

func (r *Registry) publishCheck(typ string, c *domain.Check) {
	clone := c.Clone()
	r.pub.Publish(events.Event{Type: typ, TS: r.now().UTC(), Check: &clone})
}

func (r *Registry) publishState() {
	snap := r.snapshotLocked()
	r.pub.Publish(events.Event{Type: events.StateUpdate, TS: r.now().UTC(), Snapshot: &snap})
}

// checkSeq is the in-run admission number at the end of a check id.
func checkSeq(id string) uint64 {
	n, _ := strconv.ParseUint(id[strings.LastIndexByte(id, '-')+1:], 10, 64)
	return n
}
