package radixtree

// Version is the semantic version of the radixtree package. It can be
// overridden at build time using:
//
//	go build -ldflags "-X github.com/openfam/go-radixtree/pkg/radixtree.Version=1.0.3"
//
// Default value follows SemVer.
var Version = "0.1.0"
