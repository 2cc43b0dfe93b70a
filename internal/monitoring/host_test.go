package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadHostMemory(t *testing.T) {
	m, err := ReadHostMemory()
	require.NoError(t, err)
	assert.NotZero(t, m.Total)
	assert.LessOrEqual(t, m.Available, m.Total)
	assert.GreaterOrEqual(t, m.UsedPercent, 0.0)
}
