// Package testingpkg holds the assertion helpers shared by the package tests.
package testingpkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Assert fails the test now if the condition is false.
func Assert(tb testing.TB, condition bool, msg string, v ...interface{}) {
	tb.Helper()
	require.Truef(tb, condition, msg, v...)
}

// AssertFalse fails the test now if the condition is true.
func AssertFalse(tb testing.TB, condition bool, msg string, v ...interface{}) {
	tb.Helper()
	require.Falsef(tb, condition, msg, v...)
}

// SimpleAssert records a failure but lets the test continue.
func SimpleAssert(tb testing.TB, condition bool) {
	tb.Helper()
	assert.True(tb, condition)
}

// Ok fails the test if err is not nil.
func Ok(tb testing.TB, err error) {
	tb.Helper()
	require.NoError(tb, err)
}

// Nok fails the test if err is nil.
func Nok(tb testing.TB, err error) {
	tb.Helper()
	require.Error(tb, err)
}

// ErrorIs fails the test if err does not match target.
func ErrorIs(tb testing.TB, err error, target error) {
	tb.Helper()
	require.ErrorIs(tb, err, target)
}

// Equals fails the test if exp is not equal to act.
func Equals(tb testing.TB, exp, act interface{}) {
	tb.Helper()
	require.Equal(tb, exp, act)
}
