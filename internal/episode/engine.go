package episode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AaronLay10/ScreeningEngine/internal/audit"
	"github.com/AaronLay10/ScreeningEngine/internal/events"
	"github.com/AaronLay10/ScreeningEngine/internal/registry"
	"github.com/AaronLay10/ScreeningEngine/internal/validation"
)

// Publisher receives fan-out notifications after each commit.
type Publisher interface {
	Publish(level, name, msg string, fields map[string]any) (events.Event, error)
}

// Observer records engine metrics.
type Observer interface {
	SubmissionRecorded(stage, result string)
	CommitObserved(d time.Duration)
	EpisodeCreated()
	EpisodeClosed(outcome string)
}

// ClosedHook runs after an episode's closing commit is durable.
type ClosedHook func(ctx context.Context, ep *Episode)

// Submission results reported to the Observer.
const (
	ResultCommitted = "committed"
	ResultInvalid   = "invalid"
	ResultIllegal   = "illegal"
	ResultConflict  = "conflict"
	ResultError     = "error"
)

// Engine is the episode state machine.
type Engine struct {
	reg      *registry.Registry
	store    Store
	locks    *lockTable
	clock    func() time.Time
	newID    func() string
	log      zerolog.Logger
	bus      Publisher
	observer Observer
	onClosed []ClosedHook
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithIDGenerator replaces the UUID episode identifier generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithPublisher sets the event bus that is notified after commits.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.bus = p }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithClosedHook registers a hook that runs when an episode closes.
func WithClosedHook(h ClosedHook) Option {
	return func(e *Engine) {
		if h != nil {
			e.onClosed = append(e.onClosed, h)
		}
	}
}

// New returns an engine over a checked registry and a store.
func New(reg *registry.Registry, store Store, opts ...Option) *Engine {
	e := &Engine{
		reg:      reg,
		store:    store,
		locks:    newLockTable(),
		clock:    time.Now,
		newID:    uuid.NewString,
		log:      zerolog.Nop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the engine routes with.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Create registers a new episode positioned at the initial stage.
func (e *Engine) Create(ctx context.Context, patientRef, actor string) (*Episode, error) {
	if patientRef == "" {
		return nil, fmt.Errorf("%w: patient reference is required", ErrInvalidRequest)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidRequest)
	}
	now := e.now()
	initial := e.reg.Initial()
	ep := &Episode{
		ID:         e.newID(),
		PatientRef: patientRef,
		CreatedBy:  actor,
		Frontier:   []string{initial},
		Open:       []string{initial},
		Outcome:    registry.OutcomePending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateEpisode(ctx, ep); err != nil {
		e.log.Error().Err(err).Str("episode_id", ep.ID).Msg("failed to create episode")
		return nil, fmt.Errorf("failed to create episode: %w", err)
	}
	e.observer.EpisodeCreated()
	e.publish("info", "episode.created", "episode created", map[string]any{
		"episode_id":  ep.ID,
		"patient_ref": ep.PatientRef,
		"frontier":    ep.Frontier,
	})
	e.log.Info().Str("episode_id", ep.ID).Str("actor", actor).Msg("episode created")
	return ep.Clone(), nil
}

// Get returns the episode with its full history of records.
func (e *Engine) Get(ctx context.Context, episodeID string) (*Episode, error) {
	return e.store.LoadEpisode(ctx, episodeID)
}

// History returns the episode's audit trail in commit order.
func (e *Engine) History(ctx context.Context, episodeID string) ([]audit.Event, error) {
	if _, err := e.store.LoadEpisode(ctx, episodeID); err != nil {
		return nil, err
	}
	return e.store.History(ctx, episodeID)
}

// Submit validates payload against stageID and, if the stage is open,
// commits its record together with every transition it triggers. On any
// error nothing is written.
func (e *Engine) Submit(ctx context.Context, episodeID, stageID string, payload map[string]any, actor string) (StageRecord, error) {
	if actor == "" {
		return StageRecord{}, fmt.Errorf("%w: actor is required", ErrInvalidRequest)
	}
	def, err := e.reg.Definition(stageID)
	if err != nil {
		return StageRecord{}, err
	}

	unlock, err := e.locks.acquire(ctx, episodeID)
	if err != nil {
		return StageRecord{}, err
	}
	defer unlock()

	ep, err := e.store.LoadEpisode(ctx, episodeID)
	if err != nil {
		return StageRecord{}, err
	}
	logger := e.log.With().Str("episode_id", episodeID).Str("stage", stageID).Str("actor", actor).Logger()

	if def.Automatic || !ep.IsOpen(stageID) {
		e.observer.SubmissionRecorded(stageID, ResultIllegal)
		logger.Debug().Strs("open", ep.Open).Msg("submission rejected: stage not open")
		return StageRecord{}, fmt.Errorf("%w: %s is not open for episode %s", ErrIllegalStage, stageID, episodeID)
	}

	res := validation.Validate(def, payload)
	if !res.OK() {
		e.observer.SubmissionRecorded(stageID, ResultInvalid)
		logger.Debug().Int("errors", len(res.Errors)).Msg("submission rejected: validation failed")
		return StageRecord{}, &ValidationError{Result: res}
	}

	started := time.Now()
	t := newTransition(e.reg, ep, e.now())
	idx := t.appendRecord(def, res, actor, false)
	if err := t.advance(def, idx); err != nil {
		e.observer.SubmissionRecorded(stageID, ResultError)
		logger.Error().Err(err).Msg("failed to compute transition")
		return StageRecord{}, fmt.Errorf("failed to advance episode: %w", err)
	}

	c := t.commit()
	stored, err := e.store.Commit(ctx, c)
	e.observer.CommitObserved(time.Since(started))
	if err != nil {
		if errors.Is(err, ErrConflict) {
			e.observer.SubmissionRecorded(stageID, ResultConflict)
			logger.Warn().Int64("version", c.PrevVersion).Msg("commit lost optimistic version check")
			return StageRecord{}, err
		}
		e.observer.SubmissionRecorded(stageID, ResultError)
		logger.Error().Err(err).Msg("failed to commit stage")
		return StageRecord{}, fmt.Errorf("failed to commit stage: %w", err)
	}
	base := len(c.Episode.Records) - len(c.Records)
	for i := range c.Records {
		c.Records[i].EventID = stored[i].ID
		c.Episode.Records[base+i].EventID = stored[i].ID
	}
	e.observer.SubmissionRecorded(stageID, ResultCommitted)
	logger.Info().
		Int("seq", c.Records[0].Seq).
		Int("records", len(c.Records)).
		Strs("frontier", c.Episode.Frontier).
		Str("outcome", string(c.Episode.Outcome)).
		Msg("stage committed")

	e.announce(ctx, ep, c, stored)
	return c.Records[0].clone(), nil
}

func (e *Engine) announce(ctx context.Context, before *Episode, c Commit, stored []audit.Event) {
	after := c.Episode
	for i, ev := range stored {
		name := "stage.committed"
		if ev.Kind == audit.KindRetake {
			name = "stage.retaken"
		}
		e.publish("info", name, "", map[string]any{
			"episode_id": ev.EpisodeID,
			"stage":      ev.From,
			"seq":        c.Records[i].Seq,
			"event_id":   ev.ID,
			"kind":       string(ev.Kind),
			"to":         ev.To,
			"actor":      ev.Actor,
			"outcome":    ev.Outcome,
		})
	}
	if !equalStrings(before.Frontier, after.Frontier) {
		e.publish("info", "episode.advanced", "", map[string]any{
			"episode_id": after.ID,
			"frontier":   after.Frontier,
			"open":       after.Open,
		})
	}
	if after.Closed() && !before.Closed() {
		e.observer.EpisodeClosed(string(after.Outcome))
		e.publish("info", "episode.closed", "", map[string]any{
			"episode_id": after.ID,
			"outcome":    string(after.Outcome),
			"stage":      after.Frontier[0],
		})
		for _, h := range e.onClosed {
			h(ctx, after.Clone())
		}
	}
}

func (e *Engine) publish(level, name, msg string, fields map[string]any) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Publish(level, name, msg, fields); err != nil {
		e.log.Error().Err(err).Str("event", name).Msg("failed to publish event")
	}
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

type nopObserver struct{}

func (nopObserver) SubmissionRecorded(string, string) {}
func (nopObserver) CommitObserved(time.Duration)      {}
func (nopObserver) EpisodeCreated()                   {}
func (nopObserver) EpisodeClosed(string)              {}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
