package version

// EmptyValue is the value of Version when the binary wasn't built with
// `-ldflags "-X github.com/sidkik/sup/pkg/version.Version=..."`. This is
// helpful for telling when we're running in a unit test.
const EmptyValue = "set-by-make"

// Version is the latest tag on git for releases. On non-release commits, it may
// include additional information such as the most recent commit hash.
var Version = EmptyValue

const (
	// Protocol is the wire protocol version spoken by this binary.
	Protocol = 8

	// MinProtocol is the oldest peer protocol version that is still accepted.
	MinProtocol = 7
)

// Program returns the program version sent to peers during signon. Binaries
// without a release version report "0.0.0-dev" so that version comparisons
// on the peer still parse.
func Program() string {
	if Version == EmptyValue {
		return "0.0.0-dev"
	}
	return Version
}
