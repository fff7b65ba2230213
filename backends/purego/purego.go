// Package purego implements a portable, pure-Go chunkflow backend.
//
// Buffers are plain Go slices; the "device" tier is simulated with its own
// byte accounting so placement policies and out-of-memory behavior can be
// exercised without an accelerator. It is registered under the name "go".
package purego

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chunkflow/chunkflow/backends"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// BackendName to be used in CHUNKFLOW_BACKEND to select this backend.
const BackendName = "go"

func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return NewWithConfig(config)
	})
}

// Backend implements backends.Backend with plain Go slices.
type Backend struct {
	// bufferPools maps bufferPoolKey -> *sync.Pool of *Buffer.
	bufferPools sync.Map

	deviceInUse, hostInUse       atomic.Int64
	deviceCapacity, hostCapacity int64
}

// Compile-time check.
var _ backends.Backend = (*Backend)(nil)

// New returns a Backend with unbounded device and host tiers.
func New() *Backend {
	return &Backend{}
}

// NewWithConfig parses a configuration of the form
// "device=<size>,host=<size>" (sizes accepted in humanized form, e.g. "256MiB");
// either key may be omitted for an unbounded tier. An empty config is valid.
func NewWithConfig(config string) (*Backend, error) {
	b := New()
	if config == "" {
		return b, nil
	}
	for _, part := range strings.Split(config, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("purego: invalid config entry %q, want key=value", part)
		}
		size, err := humanize.ParseBytes(value)
		if err != nil {
			return nil, errors.Wrapf(err, "purego: invalid size %q for %q", value, key)
		}
		switch key {
		case "device":
			b.deviceCapacity = int64(size)
		case "host":
			b.hostCapacity = int64(size)
		default:
			return nil, errors.Errorf("purego: unknown config key %q", key)
		}
	}
	return b, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	describe := func(capacity int64) string {
		if capacity == 0 {
			return "unbounded"
		}
		return humanize.IBytes(uint64(capacity))
	}
	return fmt.Sprintf("PureGo (device=%s, host=%s)", describe(b.deviceCapacity), describe(b.hostCapacity))
}

func humanBytes(v int64) string {
	if v < 0 {
		return "-" + humanize.IBytes(uint64(-v))
	}
	return humanize.IBytes(uint64(v))
}

// DeviceMemStats implements backends.Backend.
func (b *Backend) DeviceMemStats() backends.MemStats {
	return backends.MemStats{InUse: b.deviceInUse.Load(), Capacity: b.deviceCapacity}
}

// HostMemStats implements backends.Backend.
func (b *Backend) HostMemStats() backends.MemStats {
	return backends.MemStats{InUse: b.hostInUse.Load(), Capacity: b.hostCapacity}
}

// Finalize implements backends.Backend. Buffers still alive become invalid.
func (b *Backend) Finalize() {
	b.bufferPools.Clear()
	b.deviceInUse.Store(0)
	b.hostInUse.Store(0)
}
