package lifecycle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devstream-project/devstream/pkg/lifecycle"
	"github.com/devstream-project/devstream/pkg/models"
)

func TestIsValidTransition(t *testing.T) {
	cases := []struct {
		from models.Lifecycle
		to   models.Lifecycle
		want bool
	}{
		{models.LifecycleDetected, models.LifecycleCapturing, true},
		{models.LifecycleDetected, models.LifecycleEnded, true},
		{models.LifecycleDetected, models.LifecycleFailed, true},
		{models.LifecycleDetected, models.LifecycleArchived, false},
		{models.LifecycleCapturing, models.LifecycleDetected, false},
		{models.LifecycleEnded, models.LifecycleParsed, true},
		{models.LifecycleParsed, models.LifecycleSummarized, true},
		{models.LifecycleParsed, models.LifecycleArchived, false},
		{models.LifecycleSummarized, models.LifecycleArchived, true},
		{models.LifecycleSummarized, models.LifecycleFailed, false},
		{models.LifecycleArchived, models.LifecycleFailed, false},
		{models.LifecycleFailed, models.LifecycleDetected, false},
	}

	for _, tc := range cases {
		got := lifecycle.IsValidTransition(tc.from, tc.to)
		assert.Equalf(t, tc.want, got, "%s -> %s", tc.from, tc.to)
	}
}
