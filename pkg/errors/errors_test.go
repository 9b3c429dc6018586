package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesCodeAndMessage(t *testing.T) {
	err := New(CodeNotFound, "subscription missing")

	assert.Equal(t, CodeNotFound, err.Code())
	assert.Equal(t, "subscription missing", err.Message())
	assert.Equal(t, "NOT_FOUND: subscription missing", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("pq: connection refused")
	err := Wrap(CodeDependency, cause, "stripe lookup failed")

	require.NotNil(t, err)
	assert.Equal(t, CodeDependency, err.Code())
	assert.True(t, stdErrors.Is(err, cause))
}

func TestAsExtractsThroughChain(t *testing.T) {
	inner := New(CodeStateConflict, "cannot activate cancelled subscription")
	wrapped := fmt.Errorf("processing webhook: %w", inner)

	typed := As(wrapped)
	require.NotNil(t, typed)
	assert.Equal(t, CodeStateConflict, typed.Code())

	assert.Nil(t, As(fmt.Errorf("plain error")))
	assert.Nil(t, As(nil))
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeConflict, "duplicate invoice"))

	assert.True(t, IsCode(err, CodeConflict))
	assert.False(t, IsCode(err, CodeNotFound))
	assert.False(t, IsCode(nil, CodeConflict))
}

func TestMetadataForUnknownCodeFallsBackToInternal(t *testing.T) {
	meta := MetadataFor(Code("SOMETHING_ELSE"))
	assert.Equal(t, http.StatusInternalServerError, meta.HTTPStatus)
}

func TestMetadataStatuses(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:        http.StatusBadRequest,
		CodeNotFound:          http.StatusNotFound,
		CodeConflict:          http.StatusConflict,
		CodeStateConflict:     http.StatusUnprocessableEntity,
		CodeDataInconsistency: http.StatusInternalServerError,
		CodeDependency:        http.StatusServiceUnavailable,
	}
	for code, want := range cases {
		assert.Equal(t, want, MetadataFor(code).HTTPStatus, string(code))
	}
}

func TestWithDetails(t *testing.T) {
	err := New(CodeValidation, "bad amount").WithDetails(map[string]string{"field": "amount"})
	assert.Equal(t, map[string]string{"field": "amount"}, err.Details())
}
