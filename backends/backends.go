// Package backends defines the interface to the numeric backend used by chunkflow:
// raw buffer allocation on the compute device or on the host, copies and dtype
// conversions between buffers, and the handful of element-wise scans the optimizer
// needs (non-finite detection, accumulation).
//
// The backend is deliberately opaque about arithmetic: chunkflow never builds
// compute graphs, it only moves and inspects flat buffers. Model compute and the
// optimizer update rule live with the caller.
//
// To simplify error handling, programming-contract violations panic with a stack
// trace (see github.com/gomlx/exceptions); recoverable conditions return errors.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Location says where a buffer's bytes live.
type Location int

const (
	// Device is the fast compute device tier (GPU/TPU, or simulated for tests).
	Device Location = iota

	// Host is the slower host-memory tier used for offloading.
	Host
)

// String implements fmt.Stringer.
func (l Location) String() string {
	switch l {
	case Device:
		return "device"
	case Host:
		return "host"
	}
	return "invalid"
}

// Buffer is a contiguous, flat, typed memory region owned by a Backend.
//
// Flat returns the backing slice ([]float32, []float16.Float16,
// []bfloat16.BFloat16, ...) of the buffer's dtype. The slice aliases the
// buffer's storage: it is only valid until the buffer is freed.
type Buffer interface {
	DType() dtypes.DType
	Len() int
	Location() Location
	Flat() any
}

// MemStats reports a tier's byte usage against its capacity.
// Capacity is 0 when the tier is unbounded.
type MemStats struct {
	InUse    int64
	Capacity int64
}

// Headroom returns the unused bytes, or a negative value when over capacity.
// An unbounded tier reports no headroom pressure.
func (s MemStats) Headroom() int64 {
	if s.Capacity == 0 {
		return int64(1) << 62
	}
	return s.Capacity - s.InUse
}

// Backend is the numeric backend contract.
//
// All offsets and lengths are in elements of the buffer's dtype, never bytes.
type Backend interface {
	// Name returns the short name of the backend, e.g. "go" for the pure-Go backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Alloc allocates a buffer of numElements elements of the given dtype at the
	// given location. pinned requests page-locked host memory where the backend
	// supports it; backends without pinning treat it as a hint.
	Alloc(dtype dtypes.DType, numElements int, loc Location, pinned bool) (Buffer, error)

	// Free releases a buffer immediately. The buffer (and any Flat slice taken
	// from it) must not be used afterwards.
	Free(buf Buffer) error

	// Copy copies n elements from src[srcOff:] into dst[dstOff:]. Both buffers
	// must have the same dtype; locations may differ (device<->host copies are
	// the backend's problem).
	Copy(dst Buffer, dstOff int, src Buffer, srcOff int, n int) error

	// Convert copies n elements from src[srcOff:] into dst[dstOff:], converting
	// between the two buffers' dtypes (e.g. float32 master weights into a
	// float16 compute buffer, and back).
	Convert(dst Buffer, dstOff int, src Buffer, srcOff int, n int) error

	// Zero clears n elements of buf starting at off.
	Zero(buf Buffer, off int, n int) error

	// Accumulate adds n elements of src[srcOff:] into dst[dstOff:] in the dtype
	// of dst. Used for gradient accumulation; both buffers share a dtype.
	Accumulate(dst Buffer, dstOff int, src Buffer, srcOff int, n int) error

	// HasNonFinite reports whether any of the n elements of buf starting at off
	// is NaN or ±Inf. Integer dtypes always report false.
	HasNonFinite(buf Buffer, off int, n int) (bool, error)

	// DeviceMemStats and HostMemStats report current usage of the two tiers.
	DeviceMemStats() MemStats
	HostMemStats() MemStats

	// Finalize releases all backend resources; the backend is invalid afterwards.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if none is given to New.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration.
//
// The format of the config is "<backend_name>:<backend_configuration>", where
// "<backend_configuration>" is backend specific and may be empty.
const ConfigEnvVar = "CHUNKFLOW_BACKEND"

// New returns a Backend from the default configuration: the ConfigEnvVar
// environment variable if set, otherwise DefaultConfig, otherwise the first
// registered backend with an empty configuration.
func New() (Backend, error) {
	config := os.Getenv(ConfigEnvVar)
	if config == "" {
		config = DefaultConfig
	}
	return NewWithConfig(config)
}

// NewWithConfig returns a Backend from a "<name>:<config>" string.
// An empty name selects the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	name, rest := config, ""
	if idx := strings.Index(config, ":"); idx >= 0 {
		name, rest = config[:idx], config[idx+1:]
	}
	if name == "" {
		name = firstRegistered
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("backends.NewWithConfig: backend %q is not registered -- did you forget to import its package?", name)
	}
	return constructor(rest)
}
