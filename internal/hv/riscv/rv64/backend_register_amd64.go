//go:build linux && amd64

package rv64

// Blank import triggers the amd64 jit.Backend's init()-time registration,
// so NewTracer can find it via jit.LookupBackend when this binary itself
// runs on amd64.
import _ "github.com/tinyrange/rvcore/internal/jit/backend/amd64"
