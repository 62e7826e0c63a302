// Package test supplies the small assertion surface used by this
// module's own test files: test.AssertNotError, test.AssertEquals, and
// friends, so package tests stay terse without pulling in a third-party
// assertion library.
package test

import (
	"errors"
	"reflect"
	"testing"
)

// AssertNotError fails the test if err is non-nil.
func AssertNotError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error, got nil", msg)
	}
}

// AssertErrorIs fails the test unless errors.Is(err, target).
func AssertErrorIs(t *testing.T, err, target error, msg string) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("%s: expected error matching %v, got %v", msg, target, err)
	}
}

// AssertEquals fails the test unless got == want.
func AssertEquals[T comparable](t *testing.T, got, want T, msg string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s: got %v, want %v", msg, got, want)
	}
}

// AssertDeepEquals fails the test unless got and want are reflect.DeepEqual.
func AssertDeepEquals(t *testing.T, got, want interface{}, msg string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("%s: got %+v, want %+v", msg, got, want)
	}
}

// AssertTrue fails the test unless cond is true.
func AssertTrue(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatalf("%s: expected true", msg)
	}
}
