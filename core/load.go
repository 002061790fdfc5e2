package core

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/tickregions/internal/config"
	"github.com/signalsfoundry/tickregions/internal/logging"
	"github.com/signalsfoundry/tickregions/internal/tasks"
	"github.com/signalsfoundry/tickregions/model"
)

// teleportEvery is how many steps a walker takes between teleports.
const teleportEvery = 25

type walker struct {
	id    int
	pos   model.Cell
	held  map[model.Cell]struct{}
	steps int
}

// LoadGenerator moves synthetic viewers around the world. Each walker holds
// player tickets over a square view, occasionally teleports, and schedules a
// task at every cell it lands on.
type LoadGenerator struct {
	world *World
	cfg   config.LoadConfig
	log   logging.Logger
	sched *tasks.Scheduler

	mu      sync.Mutex
	rng     *rand.Rand
	walkers []*walker

	visits    atomic.Int64
	teleports atomic.Int64
}

// NewLoadGenerator places cfg.Walkers walkers uniformly within cfg.Spread
// blocks of the origin. Nothing is ticketed until Place is called.
func NewLoadGenerator(w *World, cfg config.LoadConfig, log logging.Logger) *LoadGenerator {
	g := &LoadGenerator{
		world: w,
		cfg:   cfg,
		log:   logging.OrNoop(log),
		sched: w.NewScheduler("load"),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	for i := 0; i < cfg.Walkers; i++ {
		g.walkers = append(g.walkers, &walker{id: i, pos: g.randomCell(), held: make(map[model.Cell]struct{})})
	}
	return g
}

func (g *LoadGenerator) randomCell() model.Cell {
	spread := float64(g.cfg.Spread)
	x := (g.rng.Float64()*2 - 1) * spread
	z := (g.rng.Float64()*2 - 1) * spread
	return model.CellAt(x, z)
}

// Visits returns how many visit tasks have run.
func (g *LoadGenerator) Visits() int64 { return g.visits.Load() }

// Teleports returns how many teleports walkers have made.
func (g *LoadGenerator) Teleports() int64 { return g.teleports.Load() }

// Positions returns the current cell of every walker.
func (g *LoadGenerator) Positions() []model.Cell {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.Cell, len(g.walkers))
	for i, w := range g.walkers {
		out[i] = w.pos
	}
	return out
}

// Place acquires the initial view of every walker.
func (g *LoadGenerator) Place(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.walkers {
		g.moveLocked(ctx, w, w.pos)
	}
}

// Step moves every walker one cell, or teleports it on every
// teleportEvery-th step.
func (g *LoadGenerator) Step(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.walkers {
		w.steps++
		if w.steps%teleportEvery == 0 {
			dest := g.randomCell()
			g.world.Tickets.Acquire(ctx, model.TicketPostTeleport, dest, model.MaxTicketLevel, w.id)
			g.moveLocked(ctx, w, dest)
			g.teleports.Add(1)
			continue
		}
		dx, dz := int32(g.rng.Intn(3)-1), int32(g.rng.Intn(3)-1)
		g.moveLocked(ctx, w, w.pos.Add(dx, dz))
	}
}

// moveLocked acquires the new view before releasing the old one so that
// cells shared by both never lose their hold.
func (g *LoadGenerator) moveLocked(ctx context.Context, w *walker, to model.Cell) {
	view := model.Area{Center: to, Radius: g.cfg.ViewRadius}.Cells()
	next := make(map[model.Cell]struct{}, len(view))
	for _, c := range view {
		next[c] = struct{}{}
		if _, ok := w.held[c]; !ok {
			g.world.Tickets.Acquire(ctx, model.TicketPlayer, c, model.MaxTicketLevel, w.id)
		}
	}
	for c := range w.held {
		if _, ok := next[c]; !ok {
			g.world.Tickets.Release(ctx, model.TicketPlayer, c, model.MaxTicketLevel, w.id)
		}
	}
	w.held = next
	w.pos = to

	if _, err := g.sched.Run(ctx, to, func(context.Context, *tasks.Task) error {
		g.visits.Add(1)
		return nil
	}); err != nil {
		g.log.Warn(ctx, "visit task rejected", logging.Int("walker", w.id), logging.String("cell", to.String()), logging.Err(err))
	}
}

// Run steps the walkers every cfg.StepInterval until ctx is cancelled.
func (g *LoadGenerator) Run(ctx context.Context) {
	interval := g.cfg.StepInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.world.Time.After(interval):
			g.Step(ctx)
		}
	}
}

// Close releases every player ticket the walkers hold. Post-teleport
// tickets are left to expire.
func (g *LoadGenerator) Close(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.walkers {
		for c := range w.held {
			g.world.Tickets.Release(ctx, model.TicketPlayer, c, model.MaxTicketLevel, w.id)
		}
		w.held = make(map[model.Cell]struct{})
	}
	g.sched.Disable()
}
