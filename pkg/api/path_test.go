package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObjectPath(t *testing.T) {
	tests := []struct {
		in   string
		want ObjectPath
	}{
		{"/", "/"},
		{"//", "/"},
		{"/greeter", "/greeter"},
		{"/greeter/", "/greeter"},
		{"//org//example///Hello", "/org/example/Hello"},
		{"/a_b/c1", "/a_b/c1"},
	}
	for _, tc := range tests {
		got, err := ParseObjectPath(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.True(t, got.DBus().IsValid(), "canonical %q should be a valid bus path", got)
	}
}

func TestParseObjectPathRejects(t *testing.T) {
	for _, in := range []string{"", "greeter", "/bad-name", "/a/b.c", "/ü"} {
		_, err := ParseObjectPath(in)
		if !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("%q: expected ErrInvalidPath, got %v", in, err)
		}
	}
}

func TestObjectPathParent(t *testing.T) {
	assert.Equal(t, RootPath, RootPath.Parent())
	assert.Equal(t, RootPath, ObjectPath("/greeter").Parent())
	assert.Equal(t, ObjectPath("/org/example"), ObjectPath("/org/example/Hello").Parent())
}

func TestObjectPathChildren(t *testing.T) {
	paths := []ObjectPath{"/greeter", "/org/example/a", "/org/example/b", "/org/other", "/orgx"}
	assert.Equal(t, []string{"greeter", "org", "orgx"}, RootPath.Children(paths))
	assert.Equal(t, []string{"example", "other"}, ObjectPath("/org").Children(paths))
	assert.Empty(t, ObjectPath("/greeter").Children(paths))
}

func TestErrorNameOf(t *testing.T) {
	assert.Equal(t, ErrNameFailed, ErrorNameOf(errors.New("boom")))
	err := NewMethodError("com.example.Error.Nope", "no %s", "way")
	assert.Equal(t, "com.example.Error.Nope", ErrorNameOf(err))
	assert.Equal(t, "com.example.Error.Nope: no way", err.Error())
	assert.True(t, errors.Is(err, &MethodError{Name: "com.example.Error.Nope"}))

	r := Reply{ErrorName: ErrNameInvalidArgs, Body: []any{"bad"}}
	require.Error(t, r.Err())
	assert.Equal(t, "bad", r.ErrorMessage())
}
