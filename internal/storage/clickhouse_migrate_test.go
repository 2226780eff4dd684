package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSQLStatements(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "empty",
			content: "",
			want:    nil,
		},
		{
			name:    "comments only",
			content: "-- header\n\n-- more\n",
			want:    nil,
		},
		{
			name:    "two statements",
			content: "-- tables\nCREATE TABLE a (x UInt8) ENGINE = Memory;\n\nCREATE TABLE b (y UInt8)\nENGINE = Memory;\n",
			want: []string{
				"CREATE TABLE a (x UInt8) ENGINE = Memory",
				"CREATE TABLE b (y UInt8)\nENGINE = Memory",
			},
		},
		{
			name:    "trailing statement without semicolon",
			content: "SELECT 1;\nSELECT 2",
			want:    []string{"SELECT 1", "SELECT 2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitSQLStatements(tt.content))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}
