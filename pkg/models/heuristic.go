package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ============================================================================
// Foreign Key Heuristics
// ============================================================================

// MatchedPair is one observed (entity A, entity B) value match, kept as a
// bounded sample on the heuristic.
type MatchedPair struct {
	EntityA EntityIdentifier `json:"entity_a"`
	EntityB EntityIdentifier `json:"entity_b"`
}

// FkeyHeuristic holds the statistical evidence for one candidate foreign
// key from EntityAType.EntityAProperty into EntityBType. Recomputed
// deterministically from the current graph snapshot, never hand-edited.
type FkeyHeuristic struct {
	EntityAType     string `json:"entity_a_type"`
	EntityAProperty string `json:"entity_a_property"`
	EntityBType     string `json:"entity_b_type"`

	// Count is the number of observed value matches. Always >= len(ExampleMatches).
	Count          int           `json:"count"`
	ExampleMatches []MatchedPair `json:"example_matches,omitempty"`

	// PropertiesInCompositeIDKey lists which of B's key properties are
	// involved when the match lands on a composite key group.
	PropertiesInCompositeIDKey []string `json:"properties_in_composite_idkey,omitempty"`

	// PropertyMappings maps A properties to the B key properties their
	// values were observed to match.
	PropertyMappings map[string]string `json:"property_mappings,omitempty"`

	LastProcessed time.Time `json:"last_processed"`
}

// ============================================================================
// Foreign Key Evaluation
// ============================================================================

// FkeyEvaluation is the outcome of one evaluator pass over a heuristic
// snapshot. A re-evaluation supersedes the prior evaluation wholesale.
type FkeyEvaluation struct {
	RelationName       string    `json:"relation_name,omitempty"`
	RelationConfidence float64   `json:"relation_confidence"`
	Justification      string    `json:"justification,omitempty"`
	LastEvaluated      time.Time `json:"last_evaluated"`

	EntityAWithPropertyCount      int     `json:"entity_a_with_property_count"`
	EntityAWithPropertyPercentage float64 `json:"entity_a_with_property_percentage"`

	// LastEvaluationCount is the heuristic count at evaluation time, used
	// to detect drift that warrants a re-evaluation.
	LastEvaluationCount int `json:"last_evaluation_count"`
}

// ============================================================================
// Relation Candidates
// ============================================================================

// ManualIntervention records an operator decision on a candidate. A manual
// decision always overrides automatic acceptance or rejection and is sticky
// across re-evaluation.
type ManualIntervention string

const (
	ManualInterventionNone     ManualIntervention = "none"
	ManualInterventionAccepted ManualIntervention = "accepted"
	ManualInterventionRejected ManualIntervention = "rejected"
)

// ValidManualInterventions contains all valid manual intervention values.
var ValidManualInterventions = []ManualIntervention{
	ManualInterventionNone,
	ManualInterventionAccepted,
	ManualInterventionRejected,
}

// IsValidManualIntervention checks if the given value is valid.
func IsValidManualIntervention(m ManualIntervention) bool {
	for _, v := range ValidManualInterventions {
		if v == m {
			return true
		}
	}
	return false
}

// RelationCandidate is a not-yet-accepted hypothesis that a foreign-key
// relation exists between two entity types. Created the first time its
// heuristic count crosses zero; becomes a durable relation only once
// IsApplied transitions true.
type RelationCandidate struct {
	RelationID string `json:"relation_id"`

	Heuristic  FkeyHeuristic   `json:"heuristic"`
	Evaluation *FkeyEvaluation `json:"evaluation,omitempty"`

	IsApplied          bool               `json:"is_applied"`
	ManuallyIntervened ManualIntervention `json:"manually_intervened"`

	// ChangeReason records why the candidate was last queued for
	// (re-)evaluation, e.g. "new candidate" or "count drift 120 -> 340".
	ChangeReason string `json:"change_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RelationID returns the stable hash identifying a candidate foreign key
// from aType.aProperty into bType.
func RelationID(aType, aProperty, bType string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s", aType, aProperty, bType)))
	return hex.EncodeToString(sum[:16])
}

// IsManuallyAccepted returns true if an operator explicitly accepted the candidate.
func (c *RelationCandidate) IsManuallyAccepted() bool {
	return c.ManuallyIntervened == ManualInterventionAccepted
}

// IsManuallyRejected returns true if an operator explicitly rejected the candidate.
func (c *RelationCandidate) IsManuallyRejected() bool {
	return c.ManuallyIntervened == ManualInterventionRejected
}

// IsEvaluated returns true once at least one evaluator pass has completed.
func (c *RelationCandidate) IsEvaluated() bool {
	return c.Evaluation != nil
}

// IsRejected returns true when the candidate has been rejected, either
// manually or by an evaluation at or below the rejection threshold.
func (c *RelationCandidate) IsRejected(rejectionThreshold float64) bool {
	if c.IsManuallyRejected() {
		return true
	}
	if c.IsManuallyAccepted() {
		return false
	}
	return c.Evaluation != nil && c.Evaluation.RelationConfidence <= rejectionThreshold
}
