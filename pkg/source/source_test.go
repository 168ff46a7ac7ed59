package source_test

import (
	"testing"

	"github.com/illmade-knight/go-contentsync/pkg/source"
	"github.com/illmade-knight/go-contentsync/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestPackagePath(t *testing.T) {
	testCases := []struct {
		name       string
		descriptor types.VersionDescriptor
		expected   string
	}{
		{
			name:       "full snapshot",
			descriptor: types.VersionDescriptor{Latest: "v2", Date: "2024-01-01"},
			expected:   "/packages/v2-content.zip",
		},
		{
			name:       "incremental update",
			descriptor: types.VersionDescriptor{Current: "v1", Latest: "v2", Date: "2024-02-01"},
			expected:   "/packages/v2-v1-update.zip",
		},
		{
			name:       "ids cannot add path segments",
			descriptor: types.VersionDescriptor{Latest: "../v2"},
			expected:   "/packages/..%2Fv2-content.zip",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, source.PackagePath(tc.descriptor))
		})
	}
}
