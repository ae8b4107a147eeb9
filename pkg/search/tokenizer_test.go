package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseEntityType(t *testing.T) {
	tests := []struct {
		name       string
		entityType string
		want       string
	}{
		{"plain type", "Pod", "Pod"},
		{"sub-entity", "Pod_Container", "Pod"},
		{"nested sub-entity keeps first segment", "Pod_Container_Port", "Pod"},
		{"leading underscore is not a suffix", "_Internal", "_Internal"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BaseEntityType(tt.entityType))
		})
	}
}

func TestSplitIdentifier(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"camelCase", "hostName", []string{"host", "name"}},
		{"PascalCase", "HostName", []string{"host", "name"}},
		{"single word", "cluster", []string{"cluster"}},
		{"digit runs split out", "vm42disk", []string{"vm", "42", "disk"}},
		{"acronym run", "HTTPServer2Go", []string{"http", "server", "2", "go"}},
		{"all caps", "CPU", []string{"cpu"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitIdentifier(tt.in))
		})
	}
}

func TestTokenizeValue(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"hyphenated", "node-alpha", []string{"node", "alpha"}},
		{"camel inside separator split", "myHost.example", []string{"myhost", "my", "host", "example"}},
		{"duplicates collapse", "a-a-a", []string{"a"}},
		{"punctuation only", "..--..", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TokenizeValue(tt.in))
		})
	}
}

func TestTokenizeRecord_IncludesTypeTokens(t *testing.T) {
	tokens := TokenizeRecord("StorageVolume", []string{"vol-123"})

	// The lowercase entity type and its case-split sub-words are always
	// present alongside the id value tokens.
	assert.Contains(t, tokens, "storagevolume")
	assert.Contains(t, tokens, "storage")
	assert.Contains(t, tokens, "volume")
	assert.Contains(t, tokens, "vol")
	assert.Contains(t, tokens, "123")
}

func TestTokenizeRecord_SubEntityType(t *testing.T) {
	tokens := TokenizeRecord("Pod_Container", nil)

	assert.Contains(t, tokens, "pod_container")
	assert.Contains(t, tokens, "pod")
	assert.Contains(t, tokens, "container")
}

func TestTokenizeQuery_OrderIrrelevantUnion(t *testing.T) {
	a := TokenizeQuery([]string{"node-alpha", "clusterOne"})
	b := TokenizeQuery([]string{"clusterOne", "node-alpha"})

	assert.ElementsMatch(t, a, b)
	assert.Contains(t, a, "node")
	assert.Contains(t, a, "alpha")
	assert.Contains(t, a, "cluster")
	assert.Contains(t, a, "one")
}
