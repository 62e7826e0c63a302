package pkcs11

import (
	"context"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"
)

// defaultMaxSessions bounds the per-backend-instance session pool: each
// backend instance owns a pool of sessions up to this maximum. Not
// currently exposed as a tunable, so it is a fixed implementation
// constant.
const defaultMaxSessions = 4

// sessionPool manages a bounded set of open PKCS#11 sessions against one
// slot, handing them out to callers for the duration of one operation
// and re-logging in automatically after a session-lost error within the
// backend's retry budget.
type sessionPool struct {
	ctx *pkcs11.Ctx
	slot uint
	login bool
	pin string

	mu sync.Mutex
	cond *sync.Cond
	sessions []pkcs11.SessionHandle
	open int
	max int
}

func newSessionPool(ctx *pkcs11.Ctx, slot uint, login bool, pin string) *sessionPool {
	p := &sessionPool{
		ctx: ctx,
		slot: slot,
		login: login,
		pin: pin,
		max: defaultMaxSessions,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// checkout claims a session for the duration of one operation, opening a
// fresh one (logging in if configured) if the pool has not reached its
// cap and no idle session is available, or blocking until one is
// returned otherwise. ctx cancellation is honored while blocking.
func (p *sessionPool) checkout(ctx context.Context) (pkcs11.SessionHandle, error) {
	done := make(chan struct{})
	var sh pkcs11.SessionHandle
	var err error

	go func() {
		p.mu.Lock()
		for len(p.sessions) == 0 && p.open >= p.max {
			p.cond.Wait()
		}
		if len(p.sessions) > 0 {
			sh = p.sessions[len(p.sessions)-1]
			p.sessions = p.sessions[:len(p.sessions)-1]
			p.mu.Unlock()
			close(done)
			return
		}
		p.open++
		p.mu.Unlock()

		sh, err = p.openSession()
		if err != nil {
			p.mu.Lock()
			p.open--
			p.cond.Signal()
			p.mu.Unlock()
		}
		close(done)
	}()

	select {
	case <-done:
		return sh, err
	case <-ctx.Done():
		// The goroutine above will still complete and either return its
		// session to the pool or decrement p.open; we just stop waiting
		// on it here.
		go func() {
			<-done
			if err == nil {
				p.checkin(sh)
			}
		}()
		return 0, ctx.Err()
	}
}

func (p *sessionPool) openSession() (pkcs11.SessionHandle, error) {
	sh, err := p.ctx.OpenSession(p.slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return 0, fmt.Errorf("opening session: %w", err)
	}
	if p.login {
		if err := p.loginSession(sh); err != nil {
			p.ctx.CloseSession(sh)
			return 0, err
		}
	}
	return sh, nil
}

// loginSession performs the driver's login discipline: "if
// the driver returns 'already logged in' treat as success."
func (p *sessionPool) loginSession(sh pkcs11.SessionHandle) error {
	err := p.ctx.Login(sh, pkcs11.CKU_USER, p.pin)
	if err == nil {
		return nil
	}
	if pErr, ok := err.(pkcs11.Error); ok && pErr == pkcs11.CKR_USER_ALREADY_LOGGED_IN {
		return nil
	}
	return err
}

// checkin returns sh to the pool for reuse.
func (p *sessionPool) checkin(sh pkcs11.SessionHandle) {
	p.mu.Lock()
	p.sessions = append(p.sessions, sh)
	p.mu.Unlock()
	p.cond.Signal()
}

// discard closes sh and removes it from the open count entirely,
// without returning it to the pool. Used when an operation discovers
// the session is broken (session-lost) so the pool replaces it with a
// fresh one rather than recycling a dead handle.
func (p *sessionPool) discard(sh pkcs11.SessionHandle) {
	p.ctx.CloseSession(sh)
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
	p.cond.Signal()
}

// closeAll closes every open session, idle or not. Call at backend
// shutdown only; concurrent operations must have already drained.
func (p *sessionPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sh := range p.sessions {
		p.ctx.CloseSession(sh)
	}
	p.sessions = nil
	p.open = 0
}

// isSessionLost reports whether err indicates the session handle is no
// longer valid and should be discarded rather than recycled instead of
// retried on the same handle.
func isSessionLost(err error) bool {
	pErr, ok := err.(pkcs11.Error)
	if !ok {
		return false
	}
	switch pErr {
	case pkcs11.CKR_SESSION_CLOSED, pkcs11.CKR_SESSION_HANDLE_INVALID,
		pkcs11.CKR_DEVICE_ERROR, pkcs11.CKR_DEVICE_REMOVED,
		pkcs11.CKR_SESSION_COUNT, pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED:
		return true
	default:
		return false
	}
}

// isTerminal reports whether err is a terminal PKCS#11 error that must
// not be retried.
func isTerminal(err error) bool {
	pErr, ok := err.(pkcs11.Error)
	if !ok {
		return false
	}
	switch pErr {
	case pkcs11.CKR_MECHANISM_INVALID, pkcs11.CKR_MECHANISM_PARAM_INVALID,
		pkcs11.CKR_ATTRIBUTE_VALUE_INVALID, pkcs11.CKR_ATTRIBUTE_TYPE_INVALID,
		pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_PIN_INVALID, pkcs11.CKR_PIN_LOCKED,
		pkcs11.CKR_USER_NOT_LOGGED_IN:
		return true
	default:
		return false
	}
}
