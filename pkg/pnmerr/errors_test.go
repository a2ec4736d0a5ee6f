package pnmerr

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsMatchWithErrorsIs(t *testing.T) {
	err := Parsef("parse trace", "bad timestamp %q", "12a")
	assert.ErrorIs(t, err, ErrParse)
	assert.NotErrorIs(t, err, ErrAlignment)
	assert.Equal(t, `parse trace: parse error: bad timestamp "12a"`, err.Error())
}

func TestMissingResourceKeepsCause(t *testing.T) {
	err := MissingResource("read volume count", "/tmp/nvols", fs.ErrNotExist)
	assert.ErrorIs(t, err, ErrMissingResource)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestWithSubject(t *testing.T) {
	err := WithSubject(Alignmentf("synchronize", "empty trace"), "sub-01")
	assert.Equal(t, "subject sub-01: synchronize: alignment error: empty trace", err.Error())
	assert.ErrorIs(t, err, ErrAlignment)

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "sub-01", pe.Subject)

	// already tagged errors are left alone
	again := WithSubject(err, "sub-02")
	assert.Equal(t, err, again)

	plain := WithSubject(fmt.Errorf("boom"), "sub-03")
	assert.Equal(t, "subject sub-03: boom", plain.Error())

	assert.NoError(t, WithSubject(nil, "sub-04"))
}
