// Package detector implements the scoring orchestrator: it validates a
// transaction, fans it out to the enabled rule analyzers, aggregates the
// weighted sub-scores into one verdict, and hands the result to the
// cache, repository and event bus.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/merlin/internal/analyzer"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/worker"
)

var tracer = otel.Tracer("merlin-detector")

// Detector orchestrates fraud scoring. Configuration mutations swap an
// immutable snapshot, so in-flight transactions keep the rule set they
// started with.
type Detector struct {
	registry *analyzer.Registry
	env      *cel.Env
	pool     *worker.Pool
	cache    *resultCache
	repo     domain.Repository
	bus      domain.EventBus

	softDeadline  time.Duration
	eventsEnabled bool

	snapshot atomic.Pointer[ruleSnapshot]

	// writeMu serializes configuration writers. Readers only load the
	// snapshot pointer.
	writeMu sync.Mutex
}

// ruleSnapshot is the immutable view of the active rule set.
type ruleSnapshot struct {
	rules           map[string]domain.Rule
	order           []string
	customs         map[string]*analyzer.Custom
	globalThreshold float64
}

// enabledCount reports how many rules are active in this snapshot.
func (s *ruleSnapshot) enabledCount() int {
	n := 0
	for _, name := range s.order {
		if s.rules[name].Enabled {
			n++
		}
	}
	return n
}

// New creates a detector. The repository, event bus, and verdict store are
// optional collaborators: a nil value (or a runtime failure in any of them)
// never fails a scoring call. A nil store falls back to an in-process LRU.
func New(cfg domain.DetectorConfig, registry *analyzer.Registry, repo domain.Repository, bus domain.EventBus, store domain.Cache) (*Detector, error) {
	env, err := analyzer.NewCustomEnv()
	if err != nil {
		return nil, err
	}

	if cfg.GlobalThreshold <= 0 || cfg.GlobalThreshold > 1 {
		cfg.GlobalThreshold = 0.7
	}
	if cfg.SoftDeadline <= 0 {
		cfg.SoftDeadline = 500 * time.Millisecond
	}

	d := &Detector{
		registry:      registry,
		env:           env,
		pool:          worker.NewPool(cfg.MaxWorkers),
		repo:          repo,
		bus:           bus,
		softDeadline:  cfg.SoftDeadline,
		eventsEnabled: cfg.EventsEnabled && bus != nil,
	}

	if cfg.CacheEnabled {
		d.cache = newResultCache(store, cfg.CacheMaxSize, cfg.CacheTTL)
	}

	snap, err := d.buildSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	d.snapshot.Store(snap)

	return d, nil
}

// buildSnapshot assembles the initial rule set from configuration.
func (d *Detector) buildSnapshot(cfg domain.DetectorConfig) (*ruleSnapshot, error) {
	enabled := make(map[string]bool, len(cfg.EnabledRules))
	for _, name := range cfg.EnabledRules {
		enabled[name] = true
	}

	snap := &ruleSnapshot{
		rules:           make(map[string]domain.Rule),
		customs:         make(map[string]*analyzer.Custom),
		globalThreshold: cfg.GlobalThreshold,
	}

	for _, rule := range domain.DefaultRules() {
		if len(cfg.EnabledRules) > 0 {
			rule.Enabled = enabled[rule.Name]
		}
		if t, ok := cfg.Thresholds[rule.Name]; ok {
			if t < 0 || t > 1 {
				return nil, &domain.ConfigError{Rule: rule.Name, Reason: "threshold must be in [0,1]"}
			}
			rule.Threshold = t
		}
		snap.rules[rule.Name] = rule
		snap.order = append(snap.order, rule.Name)
	}

	for _, rule := range cfg.CustomRules {
		if _, exists := snap.rules[rule.Name]; exists {
			return nil, &domain.ConfigError{Rule: rule.Name, Reason: "rule name already in use"}
		}
		compiled, err := analyzer.CompileCustom(d.env, rule)
		if err != nil {
			return nil, err
		}
		if rule.Weight <= 0 {
			rule.Weight = 0.1
		}
		if rule.Threshold <= 0 {
			rule.Threshold = 0.5
		}
		snap.rules[rule.Name] = rule
		snap.order = append(snap.order, rule.Name)
		snap.customs[rule.Name] = compiled
	}

	return snap, nil
}

// ruleOutcome is one analyzer's contribution to a transaction.
type ruleOutcome struct {
	name     string
	score    float64
	err      error
	duration time.Duration
}

// Analyze scores a transaction and returns the verdict. The only error
// cases are validation failures; analyzer failures degrade the result
// instead of failing the call.
func (d *Detector) Analyze(ctx context.Context, tx *domain.Transaction) (*domain.FraudResult, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "detector.analyze")
	defer span.End()

	if err := validate(tx); err != nil {
		return nil, err
	}

	// Work on a copy so a zero timestamp can be defaulted without
	// mutating the caller's transaction.
	scored := *tx
	if scored.Timestamp.IsZero() {
		scored.Timestamp = time.Now().UTC()
	}

	span.SetAttributes(
		attribute.String("transaction.id", scored.ID),
		attribute.String("transaction.user_id", scored.UserID),
	)

	if d.cache != nil {
		result, hit, err := d.cache.getOrCompute(ctx, fingerprint(&scored), func() (*domain.FraudResult, error) {
			return d.score(ctx, &scored, start)
		})
		if err != nil {
			return nil, err
		}
		if hit {
			slog.Debug("served cached verdict",
				"transaction_id", scored.ID,
				"risk_score", result.RiskScore,
			)
		}
		return result, nil
	}

	return d.score(ctx, &scored, start)
}

// score runs the full fan-out, aggregation and post-processing pipeline.
func (d *Detector) score(ctx context.Context, tx *domain.Transaction, start time.Time) (*domain.FraudResult, error) {
	snap := d.snapshot.Load()

	var active []domain.Rule
	for _, name := range snap.order {
		if rule := snap.rules[name]; rule.Enabled {
			active = append(active, rule)
		}
	}

	outcomes := d.fanOut(ctx, snap, active, tx)

	result := d.aggregate(snap, active, outcomes)
	result.ID = uuid.New().String()
	result.TransactionID = tx.ID
	result.ProcessingMs = time.Since(start).Milliseconds()
	result.AnalyzedAt = time.Now().UTC()
	result.Recommendations = recommend(result)

	d.publishEvents(tx, result, outcomes)
	d.persist(result)

	return result, nil
}

// fanOut runs every active rule on the worker pool under the soft
// deadline and collects whatever finished in time.
func (d *Detector) fanOut(ctx context.Context, snap *ruleSnapshot, active []domain.Rule, tx *domain.Transaction) []ruleOutcome {
	deadlineCtx, cancel := context.WithTimeout(ctx, d.softDeadline)
	defer cancel()

	ch := make(chan ruleOutcome, len(active))
	scheduled := 0

	for _, rule := range active {
		a, ok := d.lookup(snap, rule.Name)
		if !ok {
			ch <- ruleOutcome{name: rule.Name, err: &domain.ConfigError{Rule: rule.Name, Reason: "no analyzer registered"}}
			scheduled++
			continue
		}

		name := rule.Name
		err := d.pool.Submit(deadlineCtx, func(taskCtx context.Context) {
			t0 := time.Now()
			score, err := a.Analyze(taskCtx, tx)
			ch <- ruleOutcome{name: name, score: score, err: err, duration: time.Since(t0)}
		})
		if err != nil {
			ch <- ruleOutcome{name: name, err: domain.ErrAnalyzerDeadline}
		}
		scheduled++
	}

	outcomes := make([]ruleOutcome, 0, scheduled)
	pending := make(map[string]struct{}, len(active))
	for _, rule := range active {
		pending[rule.Name] = struct{}{}
	}

	for len(outcomes) < scheduled {
		select {
		case out := <-ch:
			delete(pending, out.name)
			outcomes = append(outcomes, out)
		case <-deadlineCtx.Done():
			// Whatever is still running is treated as failed.
			for name := range pending {
				outcomes = append(outcomes, ruleOutcome{name: name, err: domain.ErrAnalyzerDeadline})
			}
			return outcomes
		}
	}
	return outcomes
}

// lookup resolves the analyzer serving a rule, builtin or custom.
func (d *Detector) lookup(snap *ruleSnapshot, name string) (analyzer.Analyzer, bool) {
	if custom, ok := snap.customs[name]; ok {
		return custom, true
	}
	return d.registry.Get(name)
}

// aggregate folds rule outcomes into the combined verdict. Failed rules
// contribute neither score nor weight; the result leans on whoever
// produced a score.
func (d *Detector) aggregate(snap *ruleSnapshot, active []domain.Rule, outcomes []ruleOutcome) *domain.FraudResult {
	result := &domain.FraudResult{
		RuleScores: make(map[string]float64, len(outcomes)),
	}

	byName := make(map[string]ruleOutcome, len(outcomes))
	for _, out := range outcomes {
		byName[out.name] = out
	}

	// Fold in the snapshot's rule order, not outcome arrival order, so
	// the sum (and the triggered list) come out the same however the
	// analyzers were scheduled.
	var weightedSum, weightTotal float64
	for _, rule := range active {
		out, ok := byName[rule.Name]
		if !ok {
			continue
		}
		if out.err != nil {
			slog.Warn("rule analyzer failed",
				"rule", out.name,
				"error", out.err,
			)
			continue
		}

		result.RuleScores[out.name] = out.score
		weightedSum += out.score * rule.Weight
		weightTotal += rule.Weight

		if out.score >= rule.Threshold {
			result.TriggeredRules = append(result.TriggeredRules, out.name)
		}
	}

	if weightTotal > 0 {
		result.RiskScore = weightedSum / weightTotal
	}
	if result.RiskScore > 1 {
		result.RiskScore = 1
	}
	result.Fraud = result.RiskScore >= snap.globalThreshold

	if enabled := len(active); enabled > 0 {
		result.Confidence = float64(len(result.TriggeredRules)) / float64(enabled)
	}

	return result
}

// publishEvents emits per-rule and per-transaction events. Best effort.
func (d *Detector) publishEvents(tx *domain.Transaction, result *domain.FraudResult, outcomes []ruleOutcome) {
	if !d.eventsEnabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, out := range outcomes {
		if out.err != nil {
			continue
		}
		d.publish(ctx, domain.TopicAnalyzerExecuted, domain.Event{
			Rule:          out.name,
			TransactionID: tx.ID,
			Score:         out.score,
			DurationMs:    out.duration.Milliseconds(),
		})
		if result.Triggered(out.name) {
			d.publish(ctx, domain.TopicRuleTriggered, domain.Event{
				Rule:          out.name,
				TransactionID: tx.ID,
				Score:         out.score,
			})
		}
	}

	d.publish(ctx, domain.TopicTransactionAnalyzed, domain.Event{
		TransactionID: tx.ID,
		Score:         result.RiskScore,
		DurationMs:    result.ProcessingMs,
	})
}

func (d *Detector) publish(ctx context.Context, topic string, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := d.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("event publish failed", "topic", topic, "error", err)
	}
}

// persist stores the result off the scoring path. Repository failures are
// logged and swallowed.
func (d *Detector) persist(result *domain.FraudResult) {
	if d.repo == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := d.repo.SaveResult(ctx, result); err != nil {
			slog.Error("failed to persist result",
				"result_id", result.ID,
				"transaction_id", result.TransactionID,
				"error", err,
			)
		}
	}()
}

// validate rejects transactions missing required identity fields.
func validate(tx *domain.Transaction) error {
	if tx == nil {
		return &domain.ValidationError{Field: "transaction", Reason: "is required"}
	}
	if tx.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if tx.UserID == "" {
		return &domain.ValidationError{Field: "userId", Reason: "is required"}
	}
	if tx.Currency == "" {
		return &domain.ValidationError{Field: "currency", Reason: "is required"}
	}
	return nil
}

// Rules returns the active rule set in stable order.
func (d *Detector) Rules() []domain.Rule {
	snap := d.snapshot.Load()
	rules := make([]domain.Rule, 0, len(snap.order))
	for _, name := range snap.order {
		rules = append(rules, snap.rules[name])
	}
	return rules
}

// GlobalThreshold returns the active combined-score cutoff.
func (d *Detector) GlobalThreshold() float64 {
	return d.snapshot.Load().globalThreshold
}

// SetGlobalThreshold swaps in a new combined-score cutoff.
func (d *Detector) SetGlobalThreshold(v float64) error {
	if v <= 0 || v > 1 {
		return &domain.ConfigError{Reason: fmt.Sprintf("global threshold %v outside (0,1]", v)}
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	next := d.snapshot.Load().clone()
	next.globalThreshold = v
	d.snapshot.Store(next)
	d.invalidateCache()
	return nil
}

// UpdateRule applies a partial mutation to an existing rule. Unknown rule
// names return ErrNotFound; invalid values reject the whole update and
// the previous configuration stays active.
func (d *Detector) UpdateRule(name string, update domain.RuleUpdate) (domain.Rule, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	current := d.snapshot.Load()
	rule, ok := current.rules[name]
	if !ok {
		return domain.Rule{}, domain.ErrNotFound
	}

	if update.Weight != nil {
		if *update.Weight < 0 || *update.Weight > 1 {
			return domain.Rule{}, &domain.ConfigError{Rule: name, Reason: "weight must be in [0,1]"}
		}
		rule.Weight = *update.Weight
	}
	if update.Threshold != nil {
		if *update.Threshold < 0 || *update.Threshold > 1 {
			return domain.Rule{}, &domain.ConfigError{Rule: name, Reason: "threshold must be in [0,1]"}
		}
		rule.Threshold = *update.Threshold
	}
	if update.Enabled != nil {
		rule.Enabled = *update.Enabled
	}

	next := current.clone()
	next.rules[name] = rule
	d.snapshot.Store(next)
	d.invalidateCache()
	d.persistRule(rule)
	return rule, nil
}

// AddCustomRule compiles and registers a CEL rule with the enabled state
// the caller asked for. The name must not collide with a builtin or an
// existing custom rule.
func (d *Detector) AddCustomRule(rule domain.Rule) error {
	if rule.Name == "" {
		return &domain.ConfigError{Reason: "rule name is required"}
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	current := d.snapshot.Load()
	if _, exists := current.rules[rule.Name]; exists {
		return &domain.ConfigError{Rule: rule.Name, Reason: "rule name already in use"}
	}

	compiled, err := analyzer.CompileCustom(d.env, rule)
	if err != nil {
		return err
	}

	if rule.Weight <= 0 || rule.Weight > 1 {
		rule.Weight = 0.1
	}
	if rule.Threshold <= 0 || rule.Threshold > 1 {
		rule.Threshold = 0.5
	}

	next := current.clone()
	next.rules[rule.Name] = rule
	next.order = append(next.order, rule.Name)
	next.customs[rule.Name] = compiled
	d.snapshot.Store(next)
	d.invalidateCache()
	d.persistRule(rule)
	return nil
}

// RemoveCustomRule deactivates a custom rule. Builtin rules cannot be
// removed, only disabled.
func (d *Detector) RemoveCustomRule(name string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	current := d.snapshot.Load()
	if _, ok := current.customs[name]; !ok {
		if _, builtin := current.rules[name]; builtin {
			return &domain.ConfigError{Rule: name, Reason: "builtin rules can only be disabled"}
		}
		return domain.ErrNotFound
	}

	next := current.clone()
	delete(next.rules, name)
	delete(next.customs, name)
	order := make([]string, 0, len(next.order)-1)
	for _, n := range next.order {
		if n != name {
			order = append(order, n)
		}
	}
	next.order = order
	d.snapshot.Store(next)
	d.invalidateCache()
	return nil
}

// persistRule mirrors a rule change into the repository, best effort.
func (d *Detector) persistRule(rule domain.Rule) {
	if d.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.repo.SaveRule(ctx, rule); err != nil {
			slog.Error("failed to persist rule", "rule", rule.Name, "error", err)
		}
	}()
}

// invalidateCache drops cached verdicts after a configuration change so
// stale rule sets cannot answer new submissions. Callers hold the write
// gate.
func (d *Detector) invalidateCache() {
	if d.cache != nil {
		d.cache.reset()
	}
}

// Health pings the detector's collaborators.
func (d *Detector) Health(ctx context.Context) map[string]string {
	health := map[string]string{"detector": "ok"}

	if d.repo != nil {
		if err := d.repo.Ping(ctx); err != nil {
			health["repository"] = err.Error()
		} else {
			health["repository"] = "ok"
		}
	}
	if d.bus != nil {
		if err := d.bus.Ping(ctx); err != nil {
			health["bus"] = err.Error()
		} else {
			health["bus"] = "ok"
		}
	}
	return health
}

// clone copies the snapshot maps so the new version can diverge.
func (s *ruleSnapshot) clone() *ruleSnapshot {
	next := &ruleSnapshot{
		rules:           make(map[string]domain.Rule, len(s.rules)),
		order:           append([]string(nil), s.order...),
		customs:         make(map[string]*analyzer.Custom, len(s.customs)),
		globalThreshold: s.globalThreshold,
	}
	for name, rule := range s.rules {
		next.rules[name] = rule
	}
	for name, custom := range s.customs {
		next.customs[name] = custom
	}
	return next
}
