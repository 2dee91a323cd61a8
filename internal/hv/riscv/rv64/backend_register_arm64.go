//go:build (darwin || linux) && arm64

package rv64

// Blank import triggers the arm64 jit.Backend's init()-time registration,
// so NewTracer can find it via jit.LookupBackend when this binary itself
// runs on arm64.
import _ "github.com/tinyrange/rvcore/internal/jit/backend/arm64"
