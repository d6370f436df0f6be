package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecommendWorkerCount(t *testing.T) {
	assert.Equal(t, 1, recommendWorkerCount(1, 0))
	assert.Equal(t, 2, recommendWorkerCount(4, 16))
	assert.Equal(t, 4, recommendWorkerCount(8, 0))
	assert.Equal(t, 8, recommendWorkerCount(32, 64))
	assert.Equal(t, 2, recommendWorkerCount(16, 2))

	assert.GreaterOrEqual(t, RecommendedWorkerCount(), 1)
}
