package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertyValue_AsString(t *testing.T) {
	tests := []struct {
		name  string
		value PropertyValue
		want  string
	}{
		{"string", StringValue("web-01"), "web-01"},
		{"whole number drops decimal", NumberValue(42), "42"},
		{"fractional number kept", NumberValue(3.5), "3.5"},
		{"bool true", BoolValue(true), "true"},
		{"nested raw json", NestedValue(json.RawMessage(`{"a":1}`)), `{"a":1}`},
		{"zero value", PropertyValue{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.value.AsString())
		})
	}
}

func TestProperties_PreservesInsertionOrder(t *testing.T) {
	p := NewProperties()
	p.Set("region", StringValue("eu-west"))
	p.Set("zone", StringValue("b"))
	p.Set("name", StringValue("vm-1"))
	p.Set("region", StringValue("us-east"))

	assert.Equal(t, []string{"region", "zone", "name"}, p.Keys(), "replacement keeps original position")
	v, ok := p.Get("region")
	require.True(t, ok)
	assert.Equal(t, "us-east", v.Str)
	assert.Equal(t, 3, p.Len())
}

func TestProperties_JSONRoundTripKeepsOrder(t *testing.T) {
	p := NewProperties()
	p.Set("zebra", StringValue("z"))
	p.Set("alpha", NumberValue(7.5))
	p.Set("flag", BoolValue(true))

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded Properties
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, []string{"zebra", "alpha", "flag"}, decoded.Keys())
	v, ok := decoded.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, 7.5, v.Num)
}

func newVolume(region, name string) *Entity {
	p := NewProperties()
	p.Set("region", StringValue(region))
	p.Set("volume_name", StringValue(name))
	return &Entity{
		EntityType:           "Volume",
		AllProperties:        p,
		PrimaryKeyProperties: []string{"region", "volume_name"},
	}
}

func TestEntity_PrimaryKey(t *testing.T) {
	pk, err := newVolume("eu-west", "data-1").PrimaryKey()
	require.NoError(t, err)
	assert.Equal(t, "eu-west|data-1", pk)

	_, err = (&Entity{EntityType: "Volume", AllProperties: NewProperties()}).PrimaryKey()
	assert.Error(t, err)

	missing := newVolume("eu-west", "data-1")
	missing.PrimaryKeyProperties = []string{"region", "nonexistent"}
	_, err = missing.PrimaryKey()
	assert.Error(t, err)

	empty := newVolume("", "")
	_, err = empty.PrimaryKey()
	assert.Error(t, err, "all-empty key components yield no usable key")
}

func TestEntity_Identifier(t *testing.T) {
	id, err := newVolume("eu-west", "data-1").Identifier()
	require.NoError(t, err)
	assert.Equal(t, EntityIdentifier{EntityType: "Volume", PrimaryKey: "eu-west|data-1"}, id)
}

func TestEntity_IDValuesDeduplicatesAcrossKeyGroups(t *testing.T) {
	e := newVolume("eu-west", "data-1")
	e.AllProperties.Set("serial", StringValue("SN-900"))
	e.AllProperties.Set("empty", StringValue(""))
	e.AdditionalKeyProperties = [][]string{
		{"serial"},
		{"region", "empty"},
	}

	assert.Equal(t, []string{"eu-west", "data-1", "SN-900"}, e.IDValues())
}

func TestEntity_KeyPropertyGroups(t *testing.T) {
	e := newVolume("eu-west", "data-1")
	e.AdditionalKeyProperties = [][]string{{"serial"}}

	groups := e.KeyPropertyGroups()
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"region", "volume_name"}, groups[0])
	assert.Equal(t, []string{"serial"}, groups[1])
}
