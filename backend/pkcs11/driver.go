package pkcs11

import (
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"
)

// driverRegistry is the process-wide, once-initialized set of loaded
// PKCS#11 driver libraries. Two signer instances
// configured with the same lib_path share one pkcs11.Ctx and are
// reference-counted so the last one to shut down finalizes it.
type driverRegistry struct {
	mu sync.Mutex
	byLib map[string]*driverHandle
}

type driverHandle struct {
	ctx *pkcs11.Ctx
	refCount int
}

var globalDrivers = &driverRegistry{byLib: make(map[string]*driverHandle)}

// acquireDriver loads (or reuses) the driver at libPath and increments
// its reference count. Call releaseDriver exactly once per successful
// acquireDriver to balance it.
func acquireDriver(libPath string) (*pkcs11.Ctx, error) {
	globalDrivers.mu.Lock()
	defer globalDrivers.mu.Unlock()

	if h, ok := globalDrivers.byLib[libPath]; ok {
		h.refCount++
		return h.ctx, nil
	}

	ctx := pkcs11.New(libPath)
	if ctx == nil {
		return nil, fmt.Errorf("pkcs11: failed to load driver library %q", libPath)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, fmt.Errorf("pkcs11: initializing driver %q: %w", libPath, err)
	}

	globalDrivers.byLib[libPath] = &driverHandle{ctx: ctx, refCount: 1}
	return ctx, nil
}

// releaseDriver decrements the reference count for libPath's driver,
// finalizing and unloading it once the count reaches zero.
func releaseDriver(libPath string) error {
	globalDrivers.mu.Lock()
	defer globalDrivers.mu.Unlock()

	h, ok := globalDrivers.byLib[libPath]
	if !ok {
		return nil
	}
	h.refCount--
	if h.refCount > 0 {
		return nil
	}

	delete(globalDrivers.byLib, libPath)
	h.ctx.Destroy()
	return h.ctx.Finalize()
}
