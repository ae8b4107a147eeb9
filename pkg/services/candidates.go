package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/apperrors"
	"github.com/graphweave/graphweave-engine/pkg/config"
	"github.com/graphweave/graphweave-engine/pkg/graph"
	"github.com/graphweave/graphweave-engine/pkg/kvstore"
	"github.com/graphweave/graphweave-engine/pkg/models"
)

const candidateSetKey = "relation_candidates"

func candidateKey(relationID string) string {
	return "relation_candidate:" + relationID
}

// CandidateService owns the relation-candidate lifecycle: heuristic
// recomputation, (re-)evaluation queueing, acceptance policy, and the
// write of accepted candidates into durable relations.
type CandidateService struct {
	kv         kvstore.Store
	graphStore graph.Store
	heuristics *HeuristicEngine
	evaluator  Evaluator
	jobs       *JobManager
	cfg        config.HeuristicsConfig
	clientName string
	freshFor   time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewCandidateService creates the candidate lifecycle service. freshFor is
// the freshness horizon stamped on inferred relations; applied relations
// are re-stamped on every reconcile pass so the staleness sweep only
// collects them once reconciliation stops.
func NewCandidateService(
	kv kvstore.Store,
	graphStore graph.Store,
	heuristics *HeuristicEngine,
	evaluator Evaluator,
	jobs *JobManager,
	cfg config.HeuristicsConfig,
	clientName string,
	freshFor time.Duration,
	logger *zap.Logger,
) *CandidateService {
	return &CandidateService{
		kv:         kv,
		graphStore: graphStore,
		heuristics: heuristics,
		evaluator:  evaluator,
		jobs:       jobs,
		cfg:        cfg,
		clientName: clientName,
		freshFor:   freshFor,
		logger:     logger.Named("candidate-service"),
		now:        time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (s *CandidateService) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Reconcile runs one full candidate pass from the current graph snapshot:
// recompute heuristics, update or create candidates, queue the ones whose
// evidence drifted, evaluate queued candidates per type pair, apply the
// acceptance policy, and refresh the relations of applied candidates.
// Progress is tracked on jobID when non-empty.
func (s *CandidateService) Reconcile(ctx context.Context, jobID string) error {
	s.updateJob(ctx, jobID, models.JobUpdate{
		Status:  statusPtr(models.JobStatusInProgress),
		Message: strPtr("recomputing relation heuristics"),
	})

	heuristics, err := s.heuristics.ComputeAll(ctx)
	if err != nil {
		s.updateJob(ctx, jobID, models.JobUpdate{
			Status: statusPtr(models.JobStatusFailed),
			Error:  strPtr(err.Error()),
		})
		return fmt.Errorf("reconcile candidates: %w", err)
	}

	pending, err := s.upsertCandidates(ctx, heuristics)
	if err != nil {
		s.updateJob(ctx, jobID, models.JobUpdate{
			Status: statusPtr(models.JobStatusFailed),
			Error:  strPtr(err.Error()),
		})
		return fmt.Errorf("reconcile candidates: %w", err)
	}

	s.updateJob(ctx, jobID, models.JobUpdate{
		Message: strPtr(fmt.Sprintf("evaluating %d candidates", len(pending))),
		Total:   intPtr(len(pending)),
	})

	evalErrs := s.evaluatePending(ctx, jobID, pending)

	if err := s.refreshAppliedRelations(ctx); err != nil {
		s.logger.Warn("failed to refresh applied relations", zap.Error(err))
	}

	if evalErrs > 0 {
		s.updateJob(ctx, jobID, models.JobUpdate{
			Status:  statusPtr(models.JobStatusFailed),
			Message: strPtr(fmt.Sprintf("%d evaluation groups failed", evalErrs)),
		})
		return fmt.Errorf("reconcile candidates: %d evaluation groups failed", evalErrs)
	}
	s.updateJob(ctx, jobID, models.JobUpdate{
		Status:  statusPtr(models.JobStatusCompleted),
		Message: strPtr("candidate reconciliation complete"),
	})
	return nil
}

// upsertCandidates folds freshly computed heuristics into stored
// candidates and returns the candidates queued for (re-)evaluation.
// Stored candidates whose heuristic vanished this run have their count
// driven to zero, which is itself a re-evaluation trigger.
func (s *CandidateService) upsertCandidates(ctx context.Context, heuristics []models.FkeyHeuristic) ([]*models.RelationCandidate, error) {
	heuristics = s.mergeHeuristics(heuristics)

	var pending []*models.RelationCandidate
	seen := make(map[string]struct{}, len(heuristics))

	for i := range heuristics {
		heur := heuristics[i]
		if heur.Count == 0 {
			continue
		}
		id := models.RelationID(heur.EntityAType, heur.EntityAProperty, heur.EntityBType)
		seen[id] = struct{}{}

		candidate, err := s.GetCandidate(ctx, id)
		switch {
		case err == nil:
			candidate.Heuristic = heur
			candidate.UpdatedAt = s.now().UTC()
			if reason, queue := s.reevaluationReason(candidate); queue {
				candidate.ChangeReason = reason
				pending = append(pending, candidate)
			}
		case errors.Is(err, apperrors.ErrNotFound):
			candidate = &models.RelationCandidate{
				RelationID:         id,
				Heuristic:          heur,
				ManuallyIntervened: models.ManualInterventionNone,
				ChangeReason:       "new candidate",
				CreatedAt:          s.now().UTC(),
				UpdatedAt:          s.now().UTC(),
			}
			pending = append(pending, candidate)
		default:
			return nil, err
		}
		if err := s.saveCandidate(ctx, candidate); err != nil {
			return nil, err
		}
	}

	// Vanished heuristics: count crossed zero downward.
	ids, err := s.kv.SMembers(ctx, candidateSetKey)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		candidate, err := s.GetCandidate(ctx, id)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if candidate.Heuristic.Count == 0 {
			continue
		}
		candidate.Heuristic.Count = 0
		candidate.Heuristic.ExampleMatches = nil
		candidate.Heuristic.LastProcessed = s.now().UTC()
		candidate.UpdatedAt = s.now().UTC()
		if reason, queue := s.reevaluationReason(candidate); queue {
			candidate.ChangeReason = reason
			pending = append(pending, candidate)
		}
		if err := s.saveCandidate(ctx, candidate); err != nil {
			return nil, err
		}
	}

	return pending, nil
}

// mergeHeuristics folds heuristics that resolve to the same relation
// identity. One anchor property can match several identity-key groups of
// the target type, but the candidate stores a single heuristic per
// relation: counts are summed so drift comparisons stay stable run to
// run, and the highest-count group supplies the mappings.
func (s *CandidateService) mergeHeuristics(heuristics []models.FkeyHeuristic) []models.FkeyHeuristic {
	byID := make(map[string]int, len(heuristics))
	out := make([]models.FkeyHeuristic, 0, len(heuristics))
	for _, heur := range heuristics {
		id := models.RelationID(heur.EntityAType, heur.EntityAProperty, heur.EntityBType)
		idx, ok := byID[id]
		if !ok {
			byID[id] = len(out)
			out = append(out, heur)
			continue
		}
		merged := &out[idx]
		if heur.Count > merged.Count {
			merged.PropertiesInCompositeIDKey = heur.PropertiesInCompositeIDKey
			merged.PropertyMappings = heur.PropertyMappings
		}
		merged.Count += heur.Count
		for _, ex := range heur.ExampleMatches {
			if len(merged.ExampleMatches) >= s.cfg.MaxExampleMatches {
				break
			}
			merged.ExampleMatches = append(merged.ExampleMatches, ex)
		}
		if heur.LastProcessed.After(merged.LastProcessed) {
			merged.LastProcessed = heur.LastProcessed
		}
	}
	return out
}

// reevaluationReason decides whether a candidate needs another evaluator
// pass after its heuristic changed. Rejected candidates (manually or by
// threshold) never auto-requeue, and manual interventions are sticky
// either way.
func (s *CandidateService) reevaluationReason(c *models.RelationCandidate) (string, bool) {
	if c.ManuallyIntervened != models.ManualInterventionNone {
		return "", false
	}
	if c.IsRejected(s.cfg.RejectionThreshold) {
		return "", false
	}
	if !c.IsEvaluated() {
		return "new candidate", true
	}

	last := c.Evaluation.LastEvaluationCount
	count := c.Heuristic.Count
	if (last == 0) != (count == 0) {
		return fmt.Sprintf("count crossed zero: %d -> %d", last, count), true
	}
	if last == 0 {
		return "", false
	}
	drift := 100 * math.Abs(float64(count-last)) / float64(last)
	if drift > s.cfg.ReevaluationDeltaPercent {
		return fmt.Sprintf("count drift %d -> %d (%.0f%%)", last, count, drift), true
	}
	return "", false
}

// evaluatePending runs the evaluator over queued candidates, one call per
// entity-type pair, and applies the acceptance policy to each verdict.
// A failed group is logged and counted; the others still proceed.
func (s *CandidateService) evaluatePending(ctx context.Context, jobID string, pending []*models.RelationCandidate) int {
	groups := make(map[[2]string][]*models.RelationCandidate)
	var order [][2]string
	for _, c := range pending {
		key := [2]string{c.Heuristic.EntityAType, c.Heuristic.EntityBType}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i][0] != order[j][0] {
			return order[i][0] < order[j][0]
		}
		return order[i][1] < order[j][1]
	})

	failedGroups := 0
	for _, key := range order {
		candidates := groups[key]
		if err := s.evaluateGroup(ctx, key[0], key[1], candidates); err != nil {
			failedGroups++
			s.logger.Error("candidate group evaluation failed",
				zap.String("entity_a_type", key[0]),
				zap.String("entity_b_type", key[1]),
				zap.Int("candidates", len(candidates)),
				zap.Error(err))
			s.updateJob(ctx, jobID, models.JobUpdate{
				FailedDelta: len(candidates),
				AddErrors:   []string{fmt.Sprintf("evaluate %s -> %s: %v", key[0], key[1], err)},
			})
			continue
		}
		s.updateJob(ctx, jobID, models.JobUpdate{CompletedDelta: len(candidates)})
	}
	return failedGroups
}

// evaluateGroup gathers evidence for one type pair, invokes the evaluator,
// and persists each superseding evaluation. The evaluator call happens
// before any lock or persistence so a slow model never blocks other state.
func (s *CandidateService) evaluateGroup(ctx context.Context, aType, bType string, candidates []*models.RelationCandidate) error {
	aProps, err := s.heuristics.TypeProperties(ctx, aType)
	if err != nil {
		return err
	}
	existing, err := s.graphStore.GetRelationPaths(ctx, aType, bType)
	if err != nil {
		return err
	}
	coverage := make(map[string]PropertyCoverage, len(candidates))
	for _, c := range candidates {
		count, pct, err := s.heuristics.PropertyCoverage(ctx, aType, c.Heuristic.EntityAProperty)
		if err != nil {
			return err
		}
		coverage[c.RelationID] = PropertyCoverage{Count: count, Percentage: pct}
	}

	results, err := s.evaluator.EvaluateGroup(ctx, candidates, CandidateContext{
		EntityAProperties: aProps,
		ExistingRelations: existing,
		Coverage:          coverage,
	})
	if err != nil {
		return err
	}

	for _, c := range candidates {
		result, ok := results[c.RelationID]
		if !ok {
			s.logger.Debug("candidate not judged, staying queued",
				zap.String("relation_id", c.RelationID))
			continue
		}
		cov := coverage[c.RelationID]
		c.Evaluation = &models.FkeyEvaluation{
			RelationName:       result.RelationName,
			RelationConfidence: s.normalizeConfidence(result.Decision, result.Confidence),
			Justification:      result.Justification,
			LastEvaluated:      s.now().UTC(),

			EntityAWithPropertyCount:      cov.Count,
			EntityAWithPropertyPercentage: cov.Percentage,
			LastEvaluationCount:           c.Heuristic.Count,
		}
		c.UpdatedAt = s.now().UTC()

		if err := s.applyPolicy(ctx, c); err != nil {
			return err
		}
		if err := s.saveCandidate(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// normalizeConfidence reconciles a verdict's stated confidence with its
// decision so the threshold policy always agrees with the decision: an
// accept lands at or above the acceptance threshold, a reject at or below
// the rejection threshold, and unsure strictly between the two.
func (s *CandidateService) normalizeConfidence(decision Decision, confidence float64) float64 {
	switch decision {
	case DecisionAccept:
		return math.Max(confidence, s.cfg.AcceptanceThreshold)
	case DecisionReject:
		return math.Min(confidence, s.cfg.RejectionThreshold)
	default:
		lo := math.Nextafter(s.cfg.RejectionThreshold, 1)
		hi := math.Nextafter(s.cfg.AcceptanceThreshold, 0)
		return math.Min(math.Max(confidence, lo), hi)
	}
}

// applyPolicy applies the acceptance policy to a freshly evaluated
// candidate. Manual interventions win unconditionally. Rejection clears
// is_applied and stays cleared on later heuristic drift; the middle band
// leaves the candidate unsure for a future pass.
func (s *CandidateService) applyPolicy(ctx context.Context, c *models.RelationCandidate) error {
	if c.IsManuallyRejected() {
		c.IsApplied = false
		return nil
	}
	if c.IsManuallyAccepted() {
		return s.applyCandidate(ctx, c)
	}
	if c.Evaluation == nil {
		return nil
	}
	switch {
	case c.Evaluation.RelationConfidence >= s.cfg.AcceptanceThreshold:
		return s.applyCandidate(ctx, c)
	case c.Evaluation.RelationConfidence <= s.cfg.RejectionThreshold:
		c.IsApplied = false
		s.logger.Info("candidate rejected",
			zap.String("relation_id", c.RelationID),
			zap.Float64("confidence", c.Evaluation.RelationConfidence))
	}
	return nil
}

// applyCandidate writes one durable relation per matching pair. The full
// match list is re-derived from the graph, not the bounded example sample.
func (s *CandidateService) applyCandidate(ctx context.Context, c *models.RelationCandidate) error {
	name := ""
	if c.Evaluation != nil {
		name = c.Evaluation.RelationName
	}
	if name == "" {
		name = DeriveRelationName(c.Heuristic.EntityAProperty, c.Heuristic.EntityBType)
	}

	pairs, err := s.heuristics.MatchesFor(ctx, c.Heuristic)
	if err != nil {
		return fmt.Errorf("apply candidate %s: %w", c.RelationID, err)
	}
	freshUntil := s.now().UTC().Add(s.freshFor)
	for _, pair := range pairs {
		rel := models.Relation{
			From:         pair.EntityA,
			To:           pair.EntityB,
			RelationName: name,
			RelationProperties: map[string]models.PropertyValue{
				"inferred":    models.BoolValue(true),
				"relation_id": models.StringValue(c.RelationID),
			},
		}
		if err := s.graphStore.UpsertRelation(ctx, &rel, s.clientName, freshUntil, false); err != nil {
			return fmt.Errorf("apply candidate %s: %w", c.RelationID, err)
		}
	}
	c.IsApplied = true
	s.logger.Info("candidate applied",
		zap.String("relation_id", c.RelationID),
		zap.String("relation_name", name),
		zap.Int("relations_written", len(pairs)))
	return nil
}

// refreshAppliedRelations re-stamps the relations of every applied
// candidate with a fresh horizon and picks up pairs that appeared since
// the last pass.
func (s *CandidateService) refreshAppliedRelations(ctx context.Context) error {
	candidates, err := s.ListCandidates(ctx)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if !c.IsApplied {
			continue
		}
		if err := s.applyCandidate(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Candidate access and manual intervention
// ============================================================================

// GetCandidate loads one candidate by relation ID.
func (s *CandidateService) GetCandidate(ctx context.Context, relationID string) (*models.RelationCandidate, error) {
	raw, ok, err := s.kv.Get(ctx, candidateKey(relationID))
	if err != nil {
		return nil, fmt.Errorf("get candidate %s: %w", relationID, err)
	}
	if !ok {
		return nil, fmt.Errorf("candidate %s: %w", relationID, apperrors.ErrNotFound)
	}
	var candidate models.RelationCandidate
	if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
		return nil, fmt.Errorf("decode candidate %s: %w", relationID, err)
	}
	return &candidate, nil
}

// ListCandidates returns all stored candidates, sorted by relation ID.
func (s *CandidateService) ListCandidates(ctx context.Context) ([]*models.RelationCandidate, error) {
	ids, err := s.kv.SMembers(ctx, candidateSetKey)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	sort.Strings(ids)
	out := make([]*models.RelationCandidate, 0, len(ids))
	for _, id := range ids {
		candidate, err := s.GetCandidate(ctx, id)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, candidate)
	}
	return out, nil
}

// SetManualIntervention records an operator decision on a candidate.
// Accepted applies the candidate immediately; rejected clears it; none
// resets the override and the stored verdict so automatic re-evaluation
// can resume. Replacing one override with a different one requires a reset
// in between and fails with apperrors.ErrConflict otherwise.
func (s *CandidateService) SetManualIntervention(ctx context.Context, relationID string, intervention models.ManualIntervention, reason string) error {
	if !models.IsValidManualIntervention(intervention) {
		return fmt.Errorf("manual intervention %q: %w", intervention, apperrors.ErrInvalidInput)
	}
	candidate, err := s.GetCandidate(ctx, relationID)
	if err != nil {
		return err
	}

	// Flipping one override directly to another must go through an explicit
	// reset, so a stale decision is never silently replaced.
	if candidate.ManuallyIntervened != models.ManualInterventionNone &&
		intervention != models.ManualInterventionNone &&
		intervention != candidate.ManuallyIntervened {
		return fmt.Errorf("candidate %s already has manual intervention %q: %w",
			relationID, candidate.ManuallyIntervened, apperrors.ErrConflict)
	}

	candidate.ManuallyIntervened = intervention
	candidate.ChangeReason = reason
	candidate.UpdatedAt = s.now().UTC()

	switch intervention {
	case models.ManualInterventionAccepted:
		if err := s.applyCandidate(ctx, candidate); err != nil {
			return err
		}
	case models.ManualInterventionRejected:
		candidate.IsApplied = false
	case models.ManualInterventionNone:
		// A reset discards the prior verdict so the next reconcile pass
		// re-queues the candidate as if it were new.
		candidate.Evaluation = nil
	}

	s.logger.Info("manual intervention recorded",
		zap.String("relation_id", relationID),
		zap.String("intervention", string(intervention)),
		zap.String("reason", reason))
	return s.saveCandidate(ctx, candidate)
}

func (s *CandidateService) saveCandidate(ctx context.Context, c *models.RelationCandidate) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode candidate %s: %w", c.RelationID, err)
	}
	if err := s.kv.Set(ctx, candidateKey(c.RelationID), string(raw)); err != nil {
		return fmt.Errorf("save candidate %s: %w", c.RelationID, err)
	}
	if err := s.kv.SAdd(ctx, candidateSetKey, c.RelationID); err != nil {
		return fmt.Errorf("index candidate %s: %w", c.RelationID, err)
	}
	return nil
}

// updateJob forwards a delta to the job manager when reconciliation is
// running under a tracked job.
func (s *CandidateService) updateJob(ctx context.Context, jobID string, update models.JobUpdate) {
	if s.jobs == nil || jobID == "" {
		return
	}
	s.jobs.UpdateJob(ctx, jobID, update)
}

func statusPtr(s models.JobStatus) *models.JobStatus { return &s }
func strPtr(s string) *string                        { return &s }
func intPtr(i int) *int                              { return &i }
