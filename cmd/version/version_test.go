package version

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/sup/pkg/version"
)

func TestPrint(t *testing.T) {
	out := bytes.NewBuffer(nil)
	stdout = out
	defer func() { stdout = os.Stdout }()

	version.Version = "1.2.0"
	defer func() { version.Version = version.EmptyValue }()

	printVersion()
	assert.Equal(t, "version:  1.2.0\nprotocol: 8 (accepts 7 and newer)\n", out.String())
}
