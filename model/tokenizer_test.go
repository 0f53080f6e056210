package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/fastgpt/config"
)

func TestTiktokenCounter(t *testing.T) {
	counter, err := NewTiktokenCounterFromConfig(&config.Config{Models: config.ModelsConfig{TokenizerEncoding: "r50k_base"}})
	require.NoError(t, err)

	n, err := counter.Count("hello world")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = counter.Count("")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = NewTiktokenCounter("no_such_encoding")
	require.Error(t, err)
}
