package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
)

func TestDecodeAPIErrorKeepsCode(t *testing.T) {
	err := decodeAPIError(404, []byte(`{"error":{"code":"NOT_FOUND","message":"task el-1 not found"}}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
	assert.Equal(t, 4, apperrors.ExitCode(err))
}

func TestDecodeAPIErrorMalformedBody(t *testing.T) {
	err := decodeAPIError(502, []byte("<html>bad gateway</html>"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInternal))
	assert.Equal(t, 1, apperrors.ExitCode(err))
}

func TestParseVariables(t *testing.T) {
	vars, err := parseVariables([]string{"version=1.2.0", "ship=true", "count=3", `name="x"`})
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", vars["version"])
	assert.Equal(t, true, vars["ship"])
	assert.Equal(t, float64(3), vars["count"])
	assert.Equal(t, "x", vars["name"])
}

func TestParseVariablesRejectsBarePair(t *testing.T) {
	_, err := parseVariables([]string{"oops"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))
	assert.Equal(t, 2, apperrors.ExitCode(err))
}
