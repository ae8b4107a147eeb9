package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Property Values
// ============================================================================

// ValueKind tags the concrete type held by a PropertyValue.
type ValueKind string

const (
	ValueKindString ValueKind = "string"
	ValueKindNumber ValueKind = "number"
	ValueKindBool   ValueKind = "bool"
	ValueKindNested ValueKind = "nested"
)

// PropertyValue is a tagged variant for JSON-shaped entity properties.
// Using an explicit kind tag (rather than interface{}) keeps key-matching
// logic total over the value set.
type PropertyValue struct {
	Kind   ValueKind       `json:"kind"`
	Str    string          `json:"str,omitempty"`
	Num    float64         `json:"num,omitempty"`
	Bool   bool            `json:"bool,omitempty"`
	Nested json.RawMessage `json:"nested,omitempty"`
}

// StringValue creates a string-kinded property value.
func StringValue(s string) PropertyValue {
	return PropertyValue{Kind: ValueKindString, Str: s}
}

// NumberValue creates a number-kinded property value.
func NumberValue(n float64) PropertyValue {
	return PropertyValue{Kind: ValueKindNumber, Num: n}
}

// BoolValue creates a bool-kinded property value.
func BoolValue(b bool) PropertyValue {
	return PropertyValue{Kind: ValueKindBool, Bool: b}
}

// NestedValue creates a nested-kinded property value from raw JSON.
func NestedValue(raw json.RawMessage) PropertyValue {
	return PropertyValue{Kind: ValueKindNested, Nested: raw}
}

// AsString renders the value as a comparable string. Number values drop a
// trailing ".0" so "42" and 42.0 compare equal during key matching.
func (v PropertyValue) AsString() string {
	switch v.Kind {
	case ValueKindString:
		return v.Str
	case ValueKindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case ValueKindBool:
		return strconv.FormatBool(v.Bool)
	case ValueKindNested:
		return string(v.Nested)
	default:
		return ""
	}
}

// IsZero reports whether the value renders to an empty string.
func (v PropertyValue) IsZero() bool {
	return v.AsString() == ""
}

// ============================================================================
// Ordered Properties
// ============================================================================

// Properties is a string-keyed map that preserves insertion order. Order
// matters because the primary key is the concatenation of key property
// values in declaration order.
type Properties struct {
	keys   []string
	values map[string]PropertyValue
}

// NewProperties creates an empty ordered property map.
func NewProperties() *Properties {
	return &Properties{values: make(map[string]PropertyValue)}
}

// Set inserts or replaces a property. Insertion order is preserved;
// replacing an existing key keeps its original position.
func (p *Properties) Set(key string, value PropertyValue) {
	if p.values == nil {
		p.values = make(map[string]PropertyValue)
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value for key and whether it exists.
func (p *Properties) Get(key string) (PropertyValue, bool) {
	if p == nil || p.values == nil {
		return PropertyValue{}, false
	}
	v, ok := p.values[key]
	return v, ok
}

// Keys returns property names in insertion order.
func (p *Properties) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// MarshalJSON encodes properties as an ordered array of {key, value} pairs.
func (p *Properties) MarshalJSON() ([]byte, error) {
	type pair struct {
		Key   string        `json:"key"`
		Value PropertyValue `json:"value"`
	}
	pairs := make([]pair, 0, len(p.keys))
	for _, k := range p.keys {
		pairs = append(pairs, pair{Key: k, Value: p.values[k]})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON decodes the ordered pair encoding produced by MarshalJSON.
func (p *Properties) UnmarshalJSON(data []byte) error {
	type pair struct {
		Key   string        `json:"key"`
		Value PropertyValue `json:"value"`
	}
	var pairs []pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	p.keys = nil
	p.values = make(map[string]PropertyValue, len(pairs))
	for _, pr := range pairs {
		p.Set(pr.Key, pr.Value)
	}
	return nil
}

// ============================================================================
// Entity
// ============================================================================

// PrimaryKeySeparator joins primary key property values into the entity's
// unique key. Stable across re-ingestion so upserts stay idempotent.
const PrimaryKeySeparator = "|"

// Entity is a node in the knowledge graph with a typed, keyed property set.
type Entity struct {
	EntityType              string      `json:"entity_type"`
	AllProperties           *Properties `json:"all_properties"`
	PrimaryKeyProperties    []string    `json:"primary_key_properties"`
	AdditionalKeyProperties [][]string  `json:"additional_key_properties,omitempty"`
	AdditionalLabels        []string    `json:"additional_labels,omitempty"`

	// FreshUntil is the TTL stamp set by the writer; entities past it are
	// removed by the staleness sweep.
	FreshUntil time.Time `json:"fresh_until,omitempty"`
}

// PrimaryKey concatenates the primary key property values in order.
// Returns an error when any key property is missing or the concatenation
// is empty, since an empty upsert key would break idempotent ingestion.
func (e *Entity) PrimaryKey() (string, error) {
	if len(e.PrimaryKeyProperties) == 0 {
		return "", fmt.Errorf("entity type %q has no primary key properties", e.EntityType)
	}
	parts := make([]string, 0, len(e.PrimaryKeyProperties))
	for _, prop := range e.PrimaryKeyProperties {
		v, ok := e.AllProperties.Get(prop)
		if !ok {
			return "", fmt.Errorf("entity type %q missing primary key property %q", e.EntityType, prop)
		}
		parts = append(parts, v.AsString())
	}
	key := strings.Join(parts, PrimaryKeySeparator)
	if strings.Trim(key, PrimaryKeySeparator) == "" {
		return "", fmt.Errorf("entity type %q has empty primary key", e.EntityType)
	}
	return key, nil
}

// Identifier returns the entity's (type, primary key) identifier.
func (e *Entity) Identifier() (EntityIdentifier, error) {
	pk, err := e.PrimaryKey()
	if err != nil {
		return EntityIdentifier{}, err
	}
	return EntityIdentifier{EntityType: e.EntityType, PrimaryKey: pk}, nil
}

// KeyPropertyGroups returns the primary key property group followed by all
// additional key groups. Every group identifies the entity on its own.
func (e *Entity) KeyPropertyGroups() [][]string {
	groups := make([][]string, 0, 1+len(e.AdditionalKeyProperties))
	groups = append(groups, e.PrimaryKeyProperties)
	groups = append(groups, e.AdditionalKeyProperties...)
	return groups
}

// IDValues returns the string renderings of every key property value,
// across the primary and additional key groups, de-duplicated. These are
// the values fed into the fuzzy index.
func (e *Entity) IDValues() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range e.KeyPropertyGroups() {
		for _, prop := range group {
			v, ok := e.AllProperties.Get(prop)
			if !ok || v.IsZero() {
				continue
			}
			s := v.AsString()
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// ============================================================================
// Entity Identifier and Relation
// ============================================================================

// EntityIdentifier addresses one entity by type and primary key.
type EntityIdentifier struct {
	EntityType string `json:"entity_type"`
	PrimaryKey string `json:"primary_key"`
}

// Relation is a directed, named edge between two entities.
type Relation struct {
	From               EntityIdentifier         `json:"from"`
	To                 EntityIdentifier         `json:"to"`
	RelationName       string                   `json:"relation_name"`
	RelationProperties map[string]PropertyValue `json:"relation_properties,omitempty"`
}
