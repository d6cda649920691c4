package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/kpi"
	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// Standard error definitions
var (
	ErrInvalidPosition      = errors.New("activity is not in the instance position")
	ErrMalformedArtifact    = errors.New("malformed artifact")
	ErrDuplicateArrival     = errors.New("path already arrived")
	ErrGraphInvalid         = errors.New("invalid process graph")
	ErrConfirmationRequired = errors.New("commit needs confirmation")
	ErrArtifactNotCommitted = errors.New("artifact is not committed")
	ErrSaveNotAllowed       = errors.New("save without commit is not allowed")
	ErrArtifactImmutable    = errors.New("committed artifact is immutable")
	ErrDefinitionDisabled   = errors.New("process definition is disabled")
	ErrNotAuthorized        = errors.New("user is not a member of the activity actor")
	ErrPreconditionFailed   = errors.New("precondition failed")
)

// DefaultCommitRetries is how often a commit is retried after a concurrent
// update of the same instance.
const DefaultCommitRetries = 3

// ProcessEngine drives process instances through their definitions. It keeps
// no instance state between calls; every operation loads the instance from
// the InstanceStore and writes it back with a compare-and-swap.
type ProcessEngine struct {
	definitions storage.DefinitionStore
	instances   storage.InstanceStore
	artifacts   storage.ArtifactStore
	closers     []io.Closer
	runner      rules.ScriptRunner
	kpiOptions  []kpi.Option
	kpis        *kpi.Evaluator
	generate    generator.Generator
	eventBus    *events.EventBus
	ownsBus     bool
	logger      *zap.Logger
	metrics     *metrics.Collector
	authorizer  Authorizer
	retries     int
	now         func() time.Time

	// Published definitions are immutable, so they may be cached.
	cache map[string]types.ProcessDefinition
	mu    sync.RWMutex
}

// Option configures a ProcessEngine.
type Option func(*ProcessEngine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *ProcessEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records engine activity on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *ProcessEngine) { e.metrics = c }
}

// WithAuthorizer checks actor membership before saves and commits.
func WithAuthorizer(a Authorizer) Option {
	return func(e *ProcessEngine) { e.authorizer = a }
}

// WithEventBus publishes engine events on bus. The caller stops it.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *ProcessEngine) { e.eventBus = bus }
}

// WithCommitRetries sets how often a commit is retried after a version
// conflict.
func WithCommitRetries(n int) Option {
	return func(e *ProcessEngine) {
		if n >= 0 {
			e.retries = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *ProcessEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithArtifactStore keeps artifacts in s instead of the main store.
func WithArtifactStore(s storage.ArtifactStore) Option {
	return func(e *ProcessEngine) {
		if s != nil {
			e.artifacts = s
		}
	}
}

// WithKpiOptions configures the KPI evaluator.
func WithKpiOptions(opts ...kpi.Option) Option {
	return func(e *ProcessEngine) { e.kpiOptions = append(e.kpiOptions, opts...) }
}

// NewProcessEngine creates a ProcessEngine on top of store. A nil store
// means in-memory storage and a nil runner means the expr language.
func NewProcessEngine(generate generator.Generator, store storage.Store, runner rules.ScriptRunner, opts ...Option) (*ProcessEngine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if runner == nil {
		runner = rules.NewExprRunner()
	}

	e := &ProcessEngine{
		definitions: store,
		instances:   store,
		artifacts:   store,
		closers:     []io.Closer{store},
		runner:      runner,
		generate:    generate,
		logger:      zap.NewNop(),
		retries:     DefaultCommitRetries,
		now:         time.Now,
		cache:       make(map[string]types.ProcessDefinition),
	}
	for _, opt := range opts {
		opt(e)
	}

	if c, ok := e.artifacts.(io.Closer); ok && e.artifacts != storage.ArtifactStore(store) {
		e.closers = append(e.closers, c)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
		e.ownsBus = true
	}
	evaluator, err := kpi.NewEvaluator(runner, e.kpiOptions...)
	if err != nil {
		return nil, err
	}
	e.kpis = evaluator
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *ProcessEngine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

func (e *ProcessEngine) publishEvent(ctx context.Context, eventType, instanceID, activityID string, data map[string]interface{}) {
	err := e.eventBus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:       eventType,
		InstanceID: instanceID,
		ActivityID: activityID,
		Time:       e.now(),
		Data:       data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("failed to publish event",
			zap.String("event", eventType),
			zap.String("instance", instanceID),
			zap.Error(err))
	}
}

// PublishDefinition validates def and stores it. Published definitions are
// immutable; a new version needs a new id.
func (e *ProcessEngine) PublishDefinition(ctx context.Context, def types.ProcessDefinition) error {
	if def.ID == "" {
		return errors.New("definition ID cannot be empty")
	}
	if err := Validate(&def); err != nil {
		return err
	}
	if def.CreationDate.IsZero() {
		def.CreationDate = e.now()
	}
	if err := e.definitions.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}

	e.mu.Lock()
	e.cache[def.ID] = def
	e.mu.Unlock()

	e.logger.Info("definition published",
		zap.String("definition", def.ID),
		zap.Stringer("version", def.Version),
		zap.Int("activities", len(def.Activities)))
	e.publishEvent(ctx, events.DefinitionPublished, "", "", map[string]interface{}{
		"definition": def.ID,
		"version":    def.Version.String(),
	})
	return nil
}

// Definition returns a published definition, checking the cache first.
func (e *ProcessEngine) Definition(ctx context.Context, id string) (types.ProcessDefinition, error) {
	e.mu.RLock()
	def, ok := e.cache[id]
	e.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := e.definitions.LoadDefinition(ctx, id)
	if err != nil {
		return types.ProcessDefinition{}, fmt.Errorf("failed to get definition: %w", err)
	}

	e.mu.Lock()
	e.cache[def.ID] = def
	e.mu.Unlock()
	return def, nil
}

// Instance returns the current state of an instance.
func (e *ProcessEngine) Instance(ctx context.Context, id string) (types.ProcessInstance, error) {
	inst, _, err := e.instances.LoadInstance(ctx, id)
	if err != nil {
		return types.ProcessInstance{}, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// Artifact returns the stored artifact of an activity.
func (e *ProcessEngine) Artifact(ctx context.Context, instanceID, activityID string) (types.Artifact, error) {
	return e.artifacts.GetArtifact(ctx, instanceID, activityID)
}

func (e *ProcessEngine) load(ctx context.Context, instanceID string) (types.ProcessDefinition, types.ProcessInstance, uint64, error) {
	inst, version, err := e.instances.LoadInstance(ctx, instanceID)
	if err != nil {
		return types.ProcessDefinition{}, types.ProcessInstance{}, 0, fmt.Errorf("failed to get instance: %w", err)
	}
	def, err := e.Definition(ctx, inst.DefinitionID)
	if err != nil {
		return types.ProcessDefinition{}, types.ProcessInstance{}, 0, err
	}
	return def, inst, version, nil
}

// StartInstance creates an instance positioned at the start activity of an
// enabled definition.
func (e *ProcessEngine) StartInstance(ctx context.Context, definitionID, name string) (types.ProcessInstance, error) {
	def, err := e.Definition(ctx, definitionID)
	if err != nil {
		return types.ProcessInstance{}, err
	}
	if !def.Enabled {
		return types.ProcessInstance{}, fmt.Errorf("%w: id=%s", ErrDefinitionDisabled, def.ID)
	}

	id, err := e.generate.NextID()
	if err != nil {
		return types.ProcessInstance{}, fmt.Errorf("failed to generate instance ID: %w", err)
	}
	now := e.now()
	inst := types.ProcessInstance{
		ID:           strconv.FormatUint(id, 10),
		Name:         name,
		Description:  def.Description,
		DefinitionID: def.ID,
		Position:     types.NewPosition(def.StartID),
		CreationDate: now,
		UpdateDate:   now,
	}
	if err := e.instances.CreateInstance(ctx, inst); err != nil {
		return types.ProcessInstance{}, fmt.Errorf("failed to create instance: %w", err)
	}

	e.metrics.InstanceStarted(def.ID)
	e.logger.Info("instance started", zap.String("instance", inst.ID), zap.String("definition", def.ID))
	e.publishEvent(ctx, events.InstanceStarted, inst.ID, def.StartID, map[string]interface{}{
		"definition": def.ID,
	})
	return inst, nil
}

func (e *ProcessEngine) authorize(ctx context.Context, def *types.ProcessDefinition, activityID, userID string) error {
	if e.authorizer == nil {
		return nil
	}
	actor, ok := def.ActorOf(activityID)
	if !ok {
		return nil
	}
	member, err := e.authorizer.IsMember(ctx, userID, actor)
	if err != nil {
		return fmt.Errorf("failed to check membership of %q in %q: %w", userID, actor.ID, err)
	}
	if !member {
		return fmt.Errorf("%w: user=%q actor=%q activity=%q", ErrNotAuthorized, userID, actor.ID, activityID)
	}
	return nil
}

// CheckPrecondition runs the precondition script of an activity in the
// current position. It only gates; nothing is written.
func (e *ProcessEngine) CheckPrecondition(ctx context.Context, instanceID, activityID string) error {
	def, inst, _, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}
	activity := def.Activity(activityID)
	if activity == nil || !inst.Position.Contains(activityID) {
		return fmt.Errorf("%w: activity %q is not part of the position of instance %s", ErrInvalidPosition, activityID, inst.ID)
	}
	artifactDef := activity.Base().Artifact
	if artifactDef == nil || artifactDef.PreconditionScript == "" {
		return nil
	}
	history, err := e.history(ctx, inst)
	if err != nil {
		return err
	}
	ok, err := rules.EvaluateWith(e.runner, artifactDef.PreconditionScript, scriptParams(inst, activityID, history, nil))
	if err != nil {
		return fmt.Errorf("failed to evaluate precondition of %q: %w", activityID, err)
	}
	if !ok {
		return fmt.Errorf("%w: activity %q", ErrPreconditionFailed, activityID)
	}
	return nil
}

// Draft returns the stored artifact of an activity, or a fresh draft built
// from the activity's template when nothing was saved yet.
func (e *ProcessEngine) Draft(ctx context.Context, instanceID, activityID string) (types.Artifact, error) {
	def, inst, _, err := e.load(ctx, instanceID)
	if err != nil {
		return types.Artifact{}, err
	}
	activity := def.Activity(activityID)
	if activity == nil {
		return types.Artifact{}, fmt.Errorf("%w: activity %q is not defined in %s", ErrInvalidPosition, activityID, def.ID)
	}
	stored, err := e.artifacts.GetArtifact(ctx, inst.ID, activityID)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, storage.ErrArtifactNotFound) {
		return types.Artifact{}, err
	}
	return NewDraft(uuid.NewString(), activity.Base().Artifact, nil, e.now()), nil
}

// SaveRequest asks to save an artifact without committing it.
type SaveRequest struct {
	InstanceID string
	ActivityID string
	UserID     string
	Artifact   types.Artifact
}

// SaveArtifact stores an uncommitted artifact of an idling activity or of an
// activity inside a parallel section. The instance does not move.
func (e *ProcessEngine) SaveArtifact(ctx context.Context, req SaveRequest) (types.Artifact, error) {
	def, inst, _, err := e.load(ctx, req.InstanceID)
	if err != nil {
		return types.Artifact{}, err
	}
	saved, err := e.save(ctx, &def, inst, req)
	if err != nil {
		e.metrics.Save(def.ID, outcomeOf(err))
		e.logger.Info("save rejected",
			zap.String("instance", req.InstanceID),
			zap.String("activity", req.ActivityID),
			zap.Error(err))
		return types.Artifact{}, err
	}

	e.metrics.Save(def.ID, metrics.OutcomeOK)
	e.logger.Debug("artifact saved",
		zap.String("instance", inst.ID),
		zap.String("activity", req.ActivityID),
		zap.String("artifact", saved.ID))
	e.publishEvent(ctx, events.ArtifactSaved, inst.ID, req.ActivityID, map[string]interface{}{
		"artifact": saved.ID,
	})
	return saved, nil
}

func (e *ProcessEngine) save(ctx context.Context, def *types.ProcessDefinition, inst types.ProcessInstance, req SaveRequest) (types.Artifact, error) {
	if err := e.authorize(ctx, def, req.ActivityID, req.UserID); err != nil {
		return types.Artifact{}, err
	}
	artifact := req.Artifact
	if artifact.ID == "" {
		stored, err := e.artifacts.GetArtifact(ctx, inst.ID, req.ActivityID)
		switch {
		case err == nil:
			artifact.ID = stored.ID
			if artifact.CreationDate.IsZero() {
				artifact.CreationDate = stored.CreationDate
			}
		case errors.Is(err, storage.ErrArtifactNotFound):
			artifact.ID = uuid.NewString()
		default:
			return types.Artifact{}, err
		}
	}
	saved, err := PrepareSave(def, &inst, req.ActivityID, artifact, e.now())
	if err != nil {
		return types.Artifact{}, err
	}
	if err := e.artifacts.SaveArtifact(ctx, inst.ID, req.ActivityID, saved); err != nil {
		if errors.Is(err, storage.ErrAlreadyCommitted) {
			return types.Artifact{}, fmt.Errorf("%w: %v", ErrArtifactImmutable, err)
		}
		return types.Artifact{}, fmt.Errorf("failed to save artifact: %w", err)
	}
	return saved, nil
}

// CommitRequest asks to commit the artifact of an activity and advance the
// instance. Artifact may be nil for start and fork activities, or to commit
// the artifact saved earlier.
type CommitRequest struct {
	InstanceID string
	ActivityID string
	UserID     string
	Artifact   *types.Artifact
	Confirmed  bool
}

// CommitResult is the outcome of a successful commit.
type CommitResult struct {
	Instance   types.ProcessInstance
	Artifact   *types.Artifact
	FiredJoins []string
	// Waiting is set when the committed path arrived at a join that still
	// waits for sibling paths.
	Waiting  bool
	Terminal bool
	// PostconditionFailed is set when the postcondition script did not hold.
	// The commit stands regardless.
	PostconditionFailed bool

	arrivals []string
}

// CommitArtifact commits the artifact of an activity and advances the
// instance. The transition is computed before anything durable happens. The
// artifact store accepts one commit per (instance, activity); the instance is
// written with a compare-and-swap that is retried on concurrent updates.
func (e *ProcessEngine) CommitArtifact(ctx context.Context, req CommitRequest) (CommitResult, error) {
	started := time.Now()
	def, inst, version, err := e.load(ctx, req.InstanceID)
	if err != nil {
		return CommitResult{}, err
	}

	res, err := e.commit(ctx, &def, inst, version, req)
	if err != nil {
		e.metrics.Commit(def.ID, outcomeOf(err), time.Since(started))
		e.logger.Info("commit rejected",
			zap.String("instance", req.InstanceID),
			zap.String("activity", req.ActivityID),
			zap.Error(err))
		return CommitResult{}, err
	}
	e.metrics.Commit(def.ID, metrics.OutcomeOK, time.Since(started))

	fields := []zap.Field{
		zap.String("instance", inst.ID),
		zap.String("activity", req.ActivityID),
		zap.Strings("position", res.Instance.Position.ActivityIDs()),
	}
	e.logger.Info("artifact committed", fields...)
	committed := map[string]interface{}{"position": res.Instance.Position.ActivityIDs()}
	if res.Artifact != nil {
		committed["artifact"] = res.Artifact.ID
	}
	e.publishEvent(ctx, events.ArtifactCommitted, inst.ID, req.ActivityID, committed)
	e.publishEvent(ctx, events.PositionChanged, inst.ID, req.ActivityID, map[string]interface{}{
		"position": res.Instance.Position.ActivityIDs(),
	})

	for _, j := range res.arrivals {
		e.metrics.JoinArrival(def.ID, j)
	}
	if res.Waiting {
		e.publishEvent(ctx, events.JoinWaiting, inst.ID, req.ActivityID, map[string]interface{}{
			"pending": PendingJoins(&def, res.Instance.Position),
		})
	}
	for _, j := range res.FiredJoins {
		e.metrics.JoinFired(def.ID, j)
		e.logger.Debug("join fired", zap.String("instance", inst.ID), zap.String("join", j))
		e.publishEvent(ctx, events.JoinFired, inst.ID, j, nil)
	}
	if res.Terminal {
		e.metrics.InstanceCompleted(def.ID)
		e.logger.Info("instance completed", zap.String("instance", inst.ID))
		e.publishEvent(ctx, events.InstanceCompleted, inst.ID, req.ActivityID, nil)
	}

	if err := e.postcondition(ctx, &def, res.Instance, req.ActivityID, res.Artifact); err != nil {
		res.PostconditionFailed = true
		e.logger.Warn("postcondition failed after commit", append(fields, zap.Error(err))...)
		e.publishEvent(ctx, events.PostconditionFailed, inst.ID, req.ActivityID, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return res, nil
}

func (e *ProcessEngine) commit(ctx context.Context, def *types.ProcessDefinition, inst types.ProcessInstance, version uint64, req CommitRequest) (CommitResult, error) {
	if err := e.authorize(ctx, def, req.ActivityID, req.UserID); err != nil {
		return CommitResult{}, err
	}
	if def.Activity(req.ActivityID) == nil {
		return CommitResult{}, fmt.Errorf("%w: activity %q is not defined in %s", ErrInvalidPosition, req.ActivityID, def.ID)
	}
	now := e.now()

	artifact, err := e.candidate(ctx, def, inst, req, now)
	if err != nil {
		return CommitResult{}, err
	}
	tr, err := Trace(def, &inst, req.ActivityID, artifact)
	if err != nil {
		return CommitResult{}, err
	}

	if artifact != nil {
		if err := e.artifacts.CommitArtifact(ctx, inst.ID, req.ActivityID, *artifact); err != nil {
			if !errors.Is(err, storage.ErrAlreadyCommitted) {
				return CommitResult{}, fmt.Errorf("failed to commit artifact: %w", err)
			}
			stored, getErr := e.artifacts.GetArtifact(ctx, inst.ID, req.ActivityID)
			if getErr != nil || stored.ID != artifact.ID {
				return CommitResult{}, fmt.Errorf("%w: activity %q of instance %s is already committed", ErrDuplicateArrival, req.ActivityID, inst.ID)
			}
			// The same artifact was stored by an attempt that lost its
			// instance update; finish that attempt.
			artifact = &stored
			if tr, err = Trace(def, &inst, req.ActivityID, artifact); err != nil {
				return CommitResult{}, err
			}
		}
	}

	for attempt := 0; ; attempt++ {
		next := advanced(inst, req.ActivityID, artifact, tr, now)
		err := e.instances.CompareAndSwap(ctx, inst.ID, version, next)
		if err == nil {
			return CommitResult{
				Instance:   next,
				Artifact:   artifact,
				FiredJoins: tr.FiredJoins,
				Waiting:    IsWaiting(next.Position, req.ActivityID),
				Terminal:   tr.Terminal(def),
				arrivals:   joinArrivals(def, inst.Position, tr),
			}, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) || attempt >= e.retries {
			return CommitResult{}, fmt.Errorf("failed to update instance: %w", err)
		}

		e.metrics.CommitRetried()
		e.logger.Debug("instance changed concurrently, retrying commit",
			zap.String("instance", inst.ID),
			zap.String("activity", req.ActivityID),
			zap.Int("attempt", attempt+1))
		inst, version, err = e.instances.LoadInstance(ctx, inst.ID)
		if err != nil {
			return CommitResult{}, fmt.Errorf("failed to reload instance: %w", err)
		}
		if inst.Committed(req.ActivityID) {
			return CommitResult{}, fmt.Errorf("%w: activity %q of instance %s is already committed", ErrDuplicateArrival, req.ActivityID, inst.ID)
		}
		if tr, err = Trace(def, &inst, req.ActivityID, artifact); err != nil {
			return CommitResult{}, err
		}
	}
}

// candidate returns the artifact to commit, or nil when the activity takes
// none.
func (e *ProcessEngine) candidate(ctx context.Context, def *types.ProcessDefinition, inst types.ProcessInstance, req CommitRequest, now time.Time) (*types.Artifact, error) {
	var artifact types.Artifact
	switch def.Activity(req.ActivityID).(type) {
	case *types.Normal, *types.Conditional:
		if req.Artifact != nil {
			artifact = *req.Artifact
			break
		}
		stored, err := e.artifacts.GetArtifact(ctx, inst.ID, req.ActivityID)
		if errors.Is(err, storage.ErrArtifactNotFound) {
			return nil, fmt.Errorf("%w: activity %q has no artifact", ErrArtifactNotCommitted, req.ActivityID)
		}
		if err != nil {
			return nil, err
		}
		artifact = stored
	default:
		if req.Artifact == nil {
			return nil, nil
		}
		artifact = *req.Artifact
	}

	if artifact.ID == "" {
		stored, err := e.artifacts.GetArtifact(ctx, inst.ID, req.ActivityID)
		switch {
		case err == nil && !stored.Committed():
			artifact.ID = stored.ID
			if artifact.CreationDate.IsZero() {
				artifact.CreationDate = stored.CreationDate
			}
		case err == nil || errors.Is(err, storage.ErrArtifactNotFound):
			artifact.ID = uuid.NewString()
		default:
			return nil, err
		}
	}
	prepared, err := PrepareCommit(def, req.ActivityID, artifact, req.Confirmed, now)
	if err != nil {
		return nil, err
	}
	return &prepared, nil
}

// advanced returns inst moved to the transition's position with the commit
// and every fired join appended to its trail.
func advanced(inst types.ProcessInstance, activityID string, artifact *types.Artifact, tr Transition, now time.Time) types.ProcessInstance {
	next := inst.Clone()
	tok, _ := inst.Position.Find(activityID)
	step := types.Step{
		ActivityID: activityID,
		Lineage:    append([]types.Branch(nil), tok.Lineage...),
		CommitDate: now,
	}
	if artifact != nil {
		step.ArtifactID = artifact.ID
		step.CommitDate = artifact.CommitDate
	}
	next.Trail = append(next.Trail, step)
	for _, j := range tr.FiredJoins {
		s := types.Step{ActivityID: j, CommitDate: now}
		if t, ok := inst.Position.Find(j); ok {
			s.Lineage = append([]types.Branch(nil), t.Lineage...)
		}
		next.Trail = append(next.Trail, s)
	}
	next.Position = tr.Position.Clone()
	next.UpdateDate = now
	return next
}

// joinArrivals lists one join id per path that arrived during the transition.
func joinArrivals(def *types.ProcessDefinition, before types.Position, tr Transition) []string {
	var out []string
	for _, t := range tr.Position {
		if len(t.Arrivals) == 0 {
			continue
		}
		prev, _ := before.Find(t.ActivityID)
		for i := len(prev.Arrivals); i < len(t.Arrivals); i++ {
			out = append(out, t.ActivityID)
		}
	}
	for _, id := range tr.FiredJoins {
		j, ok := def.Activity(id).(*types.Join)
		if !ok {
			continue
		}
		prev, _ := before.Find(id)
		for i := len(prev.Arrivals); i < j.ExpectedPaths; i++ {
			out = append(out, id)
		}
	}
	return out
}

func (e *ProcessEngine) postcondition(ctx context.Context, def *types.ProcessDefinition, inst types.ProcessInstance, activityID string, artifact *types.Artifact) error {
	artifactDef := def.Activity(activityID).Base().Artifact
	if artifactDef == nil || artifactDef.PostconditionScript == "" {
		return nil
	}
	history, err := e.history(ctx, inst)
	if err != nil {
		e.metrics.Postcondition(def.ID, false)
		return err
	}
	ok, err := rules.EvaluateWith(e.runner, artifactDef.PostconditionScript, scriptParams(inst, activityID, history, artifact))
	e.metrics.Postcondition(def.ID, err == nil && ok)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("postcondition of %q does not hold", activityID)
	}
	return nil
}

// EvaluateKpis scores the KPIs of an activity, or of the whole definition
// when activityID is empty, against the instance history.
func (e *ProcessEngine) EvaluateKpis(ctx context.Context, instanceID, activityID string) ([]kpi.Result, error) {
	def, inst, _, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	history, err := e.history(ctx, inst)
	if err != nil {
		return nil, err
	}
	results, err := e.kpis.Evaluate(ctx, &def, activityID, history)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate kpis: %w", err)
	}
	for _, r := range results {
		e.metrics.KpiLevel(def.ID, r.Name, r.ComplianceLevel)
	}
	return results, nil
}

// history loads the artifacts referenced by the instance trail.
func (e *ProcessEngine) history(ctx context.Context, inst types.ProcessInstance) (kpi.History, error) {
	h := kpi.History{Instance: inst, Artifacts: make(map[string]types.Artifact)}
	for _, s := range inst.Trail {
		if s.ArtifactID == "" {
			continue
		}
		a, err := e.artifacts.GetArtifact(ctx, inst.ID, s.ActivityID)
		if errors.Is(err, storage.ErrArtifactNotFound) {
			continue
		}
		if err != nil {
			return kpi.History{}, fmt.Errorf("failed to load artifact of %q: %w", s.ActivityID, err)
		}
		h.Artifacts[s.ActivityID] = a
	}
	return h, nil
}

func scriptParams(inst types.ProcessInstance, activityID string, history kpi.History, artifact *types.Artifact) map[string]interface{} {
	shared := make(map[string]interface{})
	for _, s := range inst.Trail {
		if a, ok := history.Artifacts[s.ActivityID]; ok {
			for _, kv := range a.SharedInformation {
				shared[kv.Key] = kv.Value
			}
		}
	}
	params := map[string]interface{}{
		"instance": inst.ID,
		"activity": activityID,
		"position": inst.Position.ActivityIDs(),
		"path":     inst.Path(),
		"shared":   shared,
	}
	if artifact != nil {
		own := make(map[string]interface{}, len(artifact.SharedInformation))
		for _, kv := range artifact.SharedInformation {
			own[kv.Key] = kv.Value
		}
		params["artifact"] = map[string]interface{}{
			"id":          artifact.ID,
			"name":        artifact.Name,
			"contentType": artifact.ContentType,
			"content":     string(artifact.Content),
			"shared":      own,
		}
	}
	return params
}

// ActiveActivity is one activity an instance currently sits at.
type ActiveActivity struct {
	ID         string
	Kind       types.ActivityKind
	InParallel bool
	CanSave    bool
	Artifact   ArtifactState
}

// Status summarizes where an instance stands.
type Status struct {
	Instance     types.ProcessInstance
	Terminal     bool
	Active       []ActiveActivity
	Waiting      []string
	PendingJoins []PendingJoin
}

// Status reports the activities an instance sits at, which of them run in
// parallel and which joins are still waiting.
func (e *ProcessEngine) Status(ctx context.Context, instanceID string) (Status, error) {
	def, inst, _, err := e.load(ctx, instanceID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Instance:     inst,
		Terminal:     inst.Position.IsTerminal(&def),
		PendingJoins: PendingJoins(&def, inst.Position),
	}
	path := inst.Path()
	for _, t := range inst.Position {
		for _, a := range t.Arrivals {
			st.Waiting = append(st.Waiting, a.ActivityID)
		}
		activity := def.Activity(t.ActivityID)
		if activity == nil {
			continue
		}
		if _, ok := activity.(*types.Join); ok {
			continue
		}
		active := ActiveActivity{
			ID:         t.ActivityID,
			Kind:       activity.Kind(),
			InParallel: IsRunningInParallel(&def, path, t.ActivityID),
			CanSave:    CanSave(&def, &inst, t.ActivityID) == nil,
			Artifact:   ArtifactNone,
		}
		if stored, err := e.artifacts.GetArtifact(ctx, inst.ID, t.ActivityID); err == nil {
			active.Artifact = StateOf(&stored)
		} else if !errors.Is(err, storage.ErrArtifactNotFound) {
			return Status{}, err
		}
		st.Active = append(st.Active, active)
	}
	return st, nil
}

// Close stops the event bus the engine created and closes the stores.
func (e *ProcessEngine) Close() error {
	if e.ownsBus {
		e.eventBus.Stop()
	}
	var err error
	for _, c := range e.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func outcomeOf(err error) string {
	for _, target := range []error{
		ErrInvalidPosition, ErrMalformedArtifact, ErrDuplicateArrival, ErrGraphInvalid,
		ErrConfirmationRequired, ErrArtifactNotCommitted, ErrSaveNotAllowed,
		ErrArtifactImmutable, ErrDefinitionDisabled, ErrNotAuthorized,
	} {
		if errors.Is(err, target) {
			return metrics.OutcomeRejected
		}
	}
	if errors.Is(err, storage.ErrVersionConflict) {
		return metrics.OutcomeConflict
	}
	return metrics.OutcomeError
}
