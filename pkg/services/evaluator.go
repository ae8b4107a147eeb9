package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/config"
	"github.com/graphweave/graphweave-engine/pkg/graph"
	"github.com/graphweave/graphweave-engine/pkg/llm"
	"github.com/graphweave/graphweave-engine/pkg/logging"
	"github.com/graphweave/graphweave-engine/pkg/models"
	"github.com/graphweave/graphweave-engine/pkg/retry"
	"github.com/graphweave/graphweave-engine/pkg/search"
)

// Decision is an evaluator verdict for one relation candidate.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
	DecisionUnsure Decision = "unsure"
)

// EvaluationResult is one evaluator verdict with its supporting detail.
type EvaluationResult struct {
	Decision      Decision
	RelationName  string
	Confidence    float64
	Justification string
}

// PropertyCoverage summarizes how widely the candidate's source property
// is populated across its entity type.
type PropertyCoverage struct {
	Count      int
	Percentage float64
}

// CandidateContext carries the evidence an evaluator needs beyond the
// heuristics themselves: the source type's full property list (so a
// matched property naming a third entity type can be spotted and the
// indirect relation rejected), the relations already accepted between the
// type pair (to avoid duplicates), and per-candidate property coverage.
type CandidateContext struct {
	EntityAProperties []string
	ExistingRelations []graph.RelationPath
	Coverage          map[string]PropertyCoverage // keyed by relation ID
}

// Evaluator judges a group of relation candidates sharing an entity-type
// pair. Implementations may be LLM-backed or deterministic.
type Evaluator interface {
	// EvaluateGroup returns a verdict per relation ID. A missing entry
	// means the evaluator could not judge that candidate; it stays queued.
	EvaluateGroup(ctx context.Context, candidates []*models.RelationCandidate, evidence CandidateContext) (map[string]*EvaluationResult, error)
}

// ============================================================================
// LLM Evaluator
// ============================================================================

type llmEvaluator struct {
	client         llm.Client
	circuitBreaker *llm.CircuitBreaker
	cfg            config.HeuristicsConfig
	logger         *zap.Logger
}

// NewLLMEvaluator creates an evaluator backed by a language model.
func NewLLMEvaluator(client llm.Client, circuitBreaker *llm.CircuitBreaker, cfg config.HeuristicsConfig, logger *zap.Logger) Evaluator {
	return &llmEvaluator{
		client:         client,
		circuitBreaker: circuitBreaker,
		cfg:            cfg,
		logger:         logger.Named("llm-evaluator"),
	}
}

var _ Evaluator = (*llmEvaluator)(nil)

func (e *llmEvaluator) EvaluateGroup(ctx context.Context, candidates []*models.RelationCandidate, evidence CandidateContext) (map[string]*EvaluationResult, error) {
	if len(candidates) == 0 {
		return make(map[string]*EvaluationResult), nil
	}

	allowed, err := e.circuitBreaker.Allow()
	if !allowed {
		e.logger.Error("circuit breaker prevented evaluation call",
			zap.Int("candidate_count", len(candidates)),
			zap.String("circuit_state", e.circuitBreaker.State().String()),
			zap.Error(err))
		return nil, fmt.Errorf("circuit breaker open: %w", err)
	}

	systemMsg := e.buildSystemMessage()
	prompt := e.buildPrompt(candidates, evidence)

	retryConfig := &retry.Config{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	var llmResult *llm.GenerateResponseResult
	err = retry.DoIfRetryable(ctx, retryConfig, func() error {
		var callErr error
		llmResult, callErr = e.client.GenerateResponse(ctx, prompt, systemMsg, 0.3)
		if callErr != nil {
			classified := llm.ClassifyError(callErr)
			if classified.Retryable {
				e.logger.Warn("evaluation call failed, retrying",
					zap.String("error_type", string(classified.Type)),
					zap.Error(callErr))
			} else {
				e.logger.Error("evaluation call failed with non-retryable error",
					zap.String("error_type", string(classified.Type)),
					zap.Error(callErr))
			}
			return classified
		}
		return nil
	})
	if err != nil {
		e.circuitBreaker.RecordFailure()
		return nil, fmt.Errorf("evaluation call failed: %w", err)
	}
	e.circuitBreaker.RecordSuccess()

	response, err := llm.ParseJSONResponse[evaluationResponse](llmResult.Content)
	if err != nil {
		e.logger.Error("failed to parse evaluator response",
			zap.String("response_preview", logging.TruncateString(llmResult.Content, 200)),
			zap.Error(err))
		return nil, fmt.Errorf("parse evaluator response: %w", err)
	}

	results := make(map[string]*EvaluationResult)
	for _, item := range response.Evaluations {
		if item.ID < 1 || item.ID > len(candidates) {
			e.logger.Warn("evaluator returned invalid candidate id",
				zap.Int("id", item.ID),
				zap.Int("max_valid", len(candidates)))
			continue
		}
		decision := Decision(strings.ToLower(item.Decision))
		if decision != DecisionAccept && decision != DecisionReject && decision != DecisionUnsure {
			e.logger.Warn("evaluator returned unknown decision",
				zap.Int("id", item.ID),
				zap.String("decision", item.Decision))
			continue
		}
		candidate := candidates[item.ID-1]
		name := item.RelationName
		if decision == DecisionAccept && name == "" {
			name = DeriveRelationName(candidate.Heuristic.EntityAProperty, candidate.Heuristic.EntityBType)
		}
		results[candidate.RelationID] = &EvaluationResult{
			Decision:      decision,
			RelationName:  name,
			Confidence:    clamp01(item.Confidence),
			Justification: item.Justification,
		}
	}

	e.logger.Debug("candidate evaluation complete",
		zap.Int("candidates_evaluated", len(results)),
		zap.Int("candidates_total", len(candidates)))
	return results, nil
}

type evaluationResponse struct {
	Evaluations []evaluationItem `json:"evaluations"`
}

type evaluationItem struct {
	ID            int     `json:"id"`
	Decision      string  `json:"decision"`
	RelationName  string  `json:"relation_name,omitempty"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification"`
}

func (e *llmEvaluator) buildSystemMessage() string {
	return `You are a knowledge-graph modeling expert. Your task is to decide whether candidate foreign-key relationships between entity types are genuine, based on statistical evidence and semantic analysis of property names.

Focus on:
1. Whether the source property semantically references the target entity type
2. Whether the relationship is meaningful for users querying the graph

Reject candidates that are:
- Coincidental value overlaps (short codes or counters matching unrelated keys)
- Indirect relations: the property name references a THIRD entity type, not the target (e.g. property "cluster_id" matching a Node key because nodes embed cluster ids)
- Duplicates of, or overlapping with, an already-accepted relation between the same types

Accept candidates that are:
- Clear entity references (e.g. owner_id referencing User)
- Parent/child containment (e.g. namespace referencing Namespace)
- Composite-key references where the mapped properties jointly identify the target`
}

func (e *llmEvaluator) buildPrompt(candidates []*models.RelationCandidate, evidence CandidateContext) string {
	var sb strings.Builder

	aType := candidates[0].Heuristic.EntityAType
	bType := candidates[0].Heuristic.EntityBType

	sb.WriteString("# Relation Candidate Evaluation\n\n")
	sb.WriteString(fmt.Sprintf("Evaluate candidate relations from entity type `%s` into `%s`.\n\n", aType, bType))

	if len(evidence.EntityAProperties) > 0 {
		sb.WriteString(fmt.Sprintf("## All Known Properties of %s\n\n", aType))
		sb.WriteString("Use this list to detect indirect relations: a matched property whose name references some other entity type should be rejected here.\n\n")
		sb.WriteString(strings.Join(evidence.EntityAProperties, ", "))
		sb.WriteString("\n\n")
	}

	if len(evidence.ExistingRelations) > 0 {
		sb.WriteString("## Already Accepted Relations Between These Types\n\n")
		sb.WriteString("Do not accept a candidate that duplicates or overlaps one of these:\n\n")
		for _, rel := range evidence.ExistingRelations {
			sb.WriteString(fmt.Sprintf("- (%s)-[%s]->(%s)\n", rel.FromType, rel.RelationName, rel.ToType))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Candidates\n\n")
	sb.WriteString("| ID | Source Property | Match Count | Coverage | Composite Key | Property Mappings |\n")
	sb.WriteString("|----|-----------------|-------------|----------|---------------|-------------------|\n")
	for i, c := range candidates {
		id := i + 1
		coverage := "unknown"
		if cov, ok := evidence.Coverage[c.RelationID]; ok {
			coverage = fmt.Sprintf("%d entities (%.1f%%)", cov.Count, cov.Percentage)
		}
		composite := "no"
		if len(c.Heuristic.PropertiesInCompositeIDKey) > 0 {
			composite = strings.Join(c.Heuristic.PropertiesInCompositeIDKey, "+")
		}
		var mappings []string
		for from, to := range c.Heuristic.PropertyMappings {
			mappings = append(mappings, fmt.Sprintf("%s→%s", from, to))
		}
		sb.WriteString(fmt.Sprintf("| %d | %s.%s | %d | %s | %s | %s |\n",
			id, aType, c.Heuristic.EntityAProperty, c.Heuristic.Count, coverage, composite, strings.Join(mappings, ", ")))
	}

	sb.WriteString("\n## Example Matches\n\n")
	for i, c := range candidates {
		if len(c.Heuristic.ExampleMatches) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("### Candidate %d: %s.%s → %s\n", i+1, aType, c.Heuristic.EntityAProperty, bType))
		for _, pair := range c.Heuristic.ExampleMatches {
			sb.WriteString(fmt.Sprintf("- %s(%s) → %s(%s)\n",
				pair.EntityA.EntityType, pair.EntityA.PrimaryKey,
				pair.EntityB.EntityType, pair.EntityB.PrimaryKey))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Instructions\n\n")
	sb.WriteString("For each candidate, return:\n\n")
	sb.WriteString("1. **decision**: one of `accept`, `reject`, `unsure`\n")
	sb.WriteString("2. **relation_name**: UPPER_SNAKE_CASE name for accepted relations (e.g. OWNED_BY, RUNS_ON); empty otherwise\n")
	sb.WriteString("3. **confidence**: 0.0-1.0, your confidence that this is a genuine relation\n")
	sb.WriteString("4. **justification**: explain your decision (1-2 sentences)\n\n")

	sb.WriteString("## Response Format (JSON)\n\n")
	sb.WriteString("```json\n")
	sb.WriteString("{\n")
	sb.WriteString("  \"evaluations\": [\n")
	sb.WriteString("    {\n")
	sb.WriteString("      \"id\": 1,\n")
	sb.WriteString("      \"decision\": \"accept\",\n")
	sb.WriteString("      \"relation_name\": \"OWNED_BY\",\n")
	sb.WriteString("      \"confidence\": 0.95,\n")
	sb.WriteString("      \"justification\": \"Property owner_id clearly references User; high coverage supports a genuine reference.\"\n")
	sb.WriteString("    },\n")
	sb.WriteString("    {\n")
	sb.WriteString("      \"id\": 2,\n")
	sb.WriteString("      \"decision\": \"reject\",\n")
	sb.WriteString("      \"relation_name\": \"\",\n")
	sb.WriteString("      \"confidence\": 0.2,\n")
	sb.WriteString("      \"justification\": \"Property cluster_id names the Cluster type, not the matched target; this is an indirect relation.\"\n")
	sb.WriteString("    }\n")
	sb.WriteString("  ]\n")
	sb.WriteString("}\n")
	sb.WriteString("```\n")

	return sb.String()
}

// ============================================================================
// Threshold Evaluator
// ============================================================================

// thresholdEvaluator is the deterministic offline fallback: it scores each
// candidate from coverage alone and applies the configured thresholds. No
// network calls, usable in tests and in deployments without a model.
type thresholdEvaluator struct {
	cfg    config.HeuristicsConfig
	logger *zap.Logger
}

// NewThresholdEvaluator creates the deterministic evaluator.
func NewThresholdEvaluator(cfg config.HeuristicsConfig, logger *zap.Logger) Evaluator {
	return &thresholdEvaluator{cfg: cfg, logger: logger.Named("threshold-evaluator")}
}

var _ Evaluator = (*thresholdEvaluator)(nil)

func (e *thresholdEvaluator) EvaluateGroup(_ context.Context, candidates []*models.RelationCandidate, evidence CandidateContext) (map[string]*EvaluationResult, error) {
	results := make(map[string]*EvaluationResult, len(candidates))
	for _, c := range candidates {
		confidence := 0.0
		if cov, ok := evidence.Coverage[c.RelationID]; ok && cov.Count > 0 {
			// Fraction of populated source properties whose values matched
			// a target key.
			confidence = clamp01(float64(c.Heuristic.Count) / float64(cov.Count))
		}
		result := &EvaluationResult{
			Confidence: confidence,
		}
		switch {
		case confidence >= e.cfg.AcceptanceThreshold:
			result.Decision = DecisionAccept
			result.RelationName = DeriveRelationName(c.Heuristic.EntityAProperty, c.Heuristic.EntityBType)
			result.Justification = fmt.Sprintf("%.0f%% of populated %s values match a %s key",
				100*confidence, c.Heuristic.EntityAProperty, c.Heuristic.EntityBType)
		case confidence <= e.cfg.RejectionThreshold:
			result.Decision = DecisionReject
			result.Justification = fmt.Sprintf("only %.0f%% of populated %s values match a %s key",
				100*confidence, c.Heuristic.EntityAProperty, c.Heuristic.EntityBType)
		default:
			result.Decision = DecisionUnsure
			result.Justification = fmt.Sprintf("match ratio %.0f%% is between thresholds", 100*confidence)
		}
		results[c.RelationID] = result
	}
	return results, nil
}

// DeriveRelationName builds an UPPER_SNAKE_CASE relation name from the
// source property, falling back to the target type when the property name
// carries no signal beyond an id suffix.
func DeriveRelationName(aProperty, bType string) string {
	trimmed := aProperty
	for _, suffix := range []string{"_id", "_key", "_ref", "Id", "ID", "Key", "Ref"} {
		if strings.HasSuffix(trimmed, suffix) && len(trimmed) > len(suffix) {
			trimmed = trimmed[:len(trimmed)-len(suffix)]
			break
		}
	}
	words := splitWords(trimmed)
	if len(words) == 0 {
		words = splitWords(bType)
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w)
	}
	return "HAS_" + strings.Join(words, "_")
}

func splitWords(s string) []string {
	var words []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words = append(words, search.SplitIdentifier(part)...)
	}
	return words
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
