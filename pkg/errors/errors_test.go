package errors

import (
	goerrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	assert.NoError(t, WithContext(nil, "ignored"))

	root := New("connection reset")
	err := WithContext(WithContext(root, "read tag"), "receive list")
	assert.EqualError(t, err, "receive list: read tag: connection reset")
	assert.Equal(t, root, RootCause(err))
	assert.True(t, goerrors.Is(err, root))
}

func TestNewFormatting(t *testing.T) {
	assert.EqualError(t, New("100%"), "100%")
	assert.EqualError(t, New("%d files", 3), "3 files")
}

func TestGetPrintableMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		exp  string
	}{
		{
			name: "Plain",
			err:  WithContext(New("boom"), "context"),
			exp:  "context: boom",
		},
		{
			name: "Friendly",
			err:  WithContext(NewFriendlyError("Host %q is busy.", "sup1"), "connect"),
			exp:  `Host "sup1" is busy.`,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, GetPrintableMessage(test.err))
		})
	}
}

func TestAs(t *testing.T) {
	err := WithContext(FileNotFound{Path: "/etc/sup.yaml"}, "parse")

	var notFound FileNotFound
	assert.True(t, As(err, &notFound))
	assert.Equal(t, "/etc/sup.yaml", notFound.Path)
}
