package recovery

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Phase names a step of dump and restore.
type Phase string

const (
	PhaseCheckpoint     Phase = "checkpoint"
	PhaseMigrateOld     Phase = "old-schema-migration"
	PhaseCreateNew      Phase = "new-db-creation"
	PhaseBestEffortCopy Phase = "best-effort-copy"
	PhaseFlawlessCopy   Phase = "flawless-copy"
	PhaseMigrationIDs   Phase = "migration-ids"
	PhasePromote        Phase = "promotion"
	PhasePreflight      Phase = "preflight"
)

// Unit weights of the fixed phases.
const (
	unitsCheckpoint   = 1
	unitsMigrateOld   = 1
	unitsCreateNew    = 1
	unitsMigrationIDs = 1
	unitsPromote      = 3
)

// Snapshot is a consistent view of a Progress tree.
type Snapshot struct {
	Name      string  `json:"name"`
	Total     int64   `json:"total"`
	Completed int64   `json:"completed"`
	Fraction  float64 `json:"fraction"`
	// Current is the slash-separated path of the work in progress.
	Current  string `json:"current,omitempty"`
	Finished bool   `json:"finished"`
}

// Progress is a weighted, hierarchical progress counter. Work is performed
// in named steps that each own a number of the parent's units; a step's
// units complete only when the step returns, successfully or not. The
// completed count never exceeds the total.
type Progress struct {
	mu        sync.Mutex
	name      string
	total     int64
	completed int64
	child     *Progress
	childUnit int64
	parent    *Progress

	subsMu sync.Mutex
	subs   map[chan Snapshot]struct{}
}

// NewProgress returns a root progress of total units.
func NewProgress(name string, total int64) *Progress {
	return &Progress{name: name, total: total}
}

// Total returns the declared unit count.
func (p *Progress) Total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Completed returns the completed unit count.
func (p *Progress) Completed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Perform runs fn as a step worth units of p. fn receives a child progress
// it may subdivide with its own total. The units are marked complete when
// fn returns, whatever it returns.
func (p *Progress) Perform(name string, units, childTotal int64, fn func(child *Progress) error) error {
	child := &Progress{name: name, total: childTotal, parent: p}

	p.mu.Lock()
	if p.child != nil {
		log.Error().Str("step", name).Str("running", p.child.name).Msg("Progress step started while another is running")
	}
	p.child = child
	p.childUnit = units
	p.mu.Unlock()
	p.changed()

	err := fn(child)

	p.mu.Lock()
	p.child = nil
	p.childUnit = 0
	p.completed += units
	if p.completed > p.total {
		log.Error().
			Str("progress", p.name).
			Int64("completed", p.completed).
			Int64("total", p.total).
			Msg("Progress exceeded its declared total")
		p.completed = p.total
	}
	p.mu.Unlock()
	p.changed()

	return err
}

func (p *Progress) fractionLocked() float64 {
	if p.total <= 0 {
		return 0
	}
	done := float64(p.completed)
	if p.child != nil {
		p.child.mu.Lock()
		done += float64(p.childUnit) * p.child.fractionLocked()
		p.child.mu.Unlock()
	}
	f := done / float64(p.total)
	if f > 1 {
		return 1
	}
	return f
}

func (p *Progress) currentLocked() string {
	var parts []string
	for c := p.child; c != nil; {
		parts = append(parts, c.name)
		c.mu.Lock()
		next := c.child
		c.mu.Unlock()
		c = next
	}
	return strings.Join(parts, "/")
}

// Snapshot returns the current state of p and its running steps.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Name:      p.name,
		Total:     p.total,
		Completed: p.completed,
		Fraction:  p.fractionLocked(),
		Current:   p.currentLocked(),
		Finished:  p.total > 0 && p.completed >= p.total,
	}
}

// Fraction returns the overall completed fraction including running steps.
func (p *Progress) Fraction() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fractionLocked()
}

func (p *Progress) root() *Progress {
	r := p
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (p *Progress) changed() {
	r := p.root()
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if len(r.subs) == 0 {
		return
	}

	snap := r.Snapshot()
	for ch := range r.subs {
		// Keep only the newest snapshot for slow subscribers.
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving a snapshot after every change to
// the tree rooted at p, starting with the current state. Slow readers miss
// intermediate snapshots but always see the latest one. The returned
// function unsubscribes and closes the channel.
func (p *Progress) Subscribe() (<-chan Snapshot, func()) {
	r := p.root()
	ch := make(chan Snapshot, 8)
	ch <- r.Snapshot()

	r.subsMu.Lock()
	if r.subs == nil {
		r.subs = make(map[chan Snapshot]struct{})
	}
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, ch)
			r.subsMu.Unlock()
			close(ch)
		})
	}
}
