// Package dispatch is the single path through which metered provider calls are made.
package dispatch

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/metrics"
	"github.com/schemewise/governance/internal/models"
	"github.com/schemewise/governance/internal/services"
	log "github.com/sirupsen/logrus"
)

// Meter is the part of the usage ledger the gate needs.
type Meter interface {
	CheckQuota(ctx context.Context, service string, estimate float64) (bool, error)
	RecordUsage(ctx context.Context, service string, amount float64, category models.Category) (models.UsageLedger, error)
}

// Credential is one slot of a provider's ordered key list.
type Credential struct {
	Pool   string
	Slot   int
	APIKey string
}

// Call performs one upstream attempt and reports the amount consumed in the service's unit.
// A zero amount means the provider did not report usage and the request estimate is recorded.
// A failed attempt may still report a positive amount when the provider billed it; that
// amount is recorded before the error is classified.
type Call func(ctx context.Context, cred Credential) (consumed float64, err error)

// Request describes one gated call.
type Request struct {
	Service  string
	Category models.Category
	Estimate float64
	// Pool selects the credential pool; empty means the service's provider.
	Pool string
}

// Result describes a successful dispatch.
type Result struct {
	Consumed float64
	Slot     int
	Attempts int
	Entry    models.UsageLedger
}

// Options bounds retries and timeouts.
type Options struct {
	CallTimeout        time.Duration
	RateLimitBackoff   time.Duration
	UnavailableRetries int
}

// Gate enforces quotas, rotates credentials and meters successful calls.
type Gate struct {
	meter    Meter
	registry *services.Registry
	opts     Options

	mu    sync.Mutex
	pools map[string]*pool

	// reserved holds the estimates of dispatches still in flight, per service.
	resMu    sync.Mutex
	reserved map[string]float64
}

// New builds a gate. credentials maps pool name to its ordered API keys.
func New(meter Meter, registry *services.Registry, credentials map[string][]string, opts Options) *Gate {
	if opts.UnavailableRetries < 0 {
		opts.UnavailableRetries = 0
	}
	g := &Gate{
		meter:    meter,
		registry: registry,
		opts:     opts,
		pools:    make(map[string]*pool, len(credentials)),
		reserved: make(map[string]float64),
	}
	for name, keys := range credentials {
		g.pools[name] = newPool(name, keys)
	}
	return g
}

type outcome string

const (
	outcomeOK            outcome = "ok"
	outcomeInvalid       outcome = "invalid"
	outcomeQuotaExceeded outcome = "quota_exceeded"
	outcomeRateLimited   outcome = "rate_limited"
	outcomeUnavailable   outcome = "unavailable"
	outcomeRejected      outcome = "rejected"
	outcomeCanceled      outcome = "canceled"
	outcomeFailed        outcome = "failed"
)

// Dispatch checks the daily quota, runs call under the provider's credential slots and
// records what the provider consumed.
//
// Quota exhaustion fails immediately. An upstream 429 moves to the next slot; once every
// slot was throttled the gate waits RateLimitBackoff and tries once more. Timeouts, network
// errors and 5xx retry the same slot up to UnavailableRetries times. Other 4xx are final.
func (g *Gate) Dispatch(ctx context.Context, req Request, call Call) (Result, error) {
	const op = "dispatch.Dispatch"
	started := time.Now()
	service := strings.TrimSpace(req.Service)

	res, out, err := g.dispatch(ctx, op, service, req, call)
	metrics.DispatchTotal.WithLabelValues(service, string(out)).Inc()
	metrics.DispatchLatency.WithLabelValues(service).Observe(time.Since(started).Seconds())
	return res, err
}

func (g *Gate) dispatch(ctx context.Context, op, service string, req Request, call Call) (Result, outcome, error) {
	if call == nil {
		return Result{}, outcomeInvalid, apperr.Errorf(apperr.KindInvalidInput, op, "nil call")
	}
	if !req.Category.Valid() {
		return Result{}, outcomeInvalid, apperr.Errorf(apperr.KindInvalidInput, op, "unknown category %q", req.Category)
	}
	if math.IsNaN(req.Estimate) || math.IsInf(req.Estimate, 0) || req.Estimate < 0 {
		return Result{}, outcomeInvalid, apperr.Errorf(apperr.KindInvalidInput, op, "estimate must not be negative")
	}
	def, errResolve := g.registry.Resolve(op, service)
	if errResolve != nil {
		return Result{}, outcomeInvalid, errResolve
	}

	release, allowed, errQuota := g.reserve(ctx, def.Name, req.Estimate)
	if errQuota != nil {
		return Result{}, outcomeFailed, errQuota
	}
	if !allowed {
		log.WithFields(log.Fields{"service": def.Name, "estimate": req.Estimate, "daily_limit": def.DailyLimit}).
			Info("dispatch: daily quota exceeded")
		return Result{}, outcomeQuotaExceeded, apperr.Errorf(apperr.KindQuotaExceeded, op,
			"service %s: estimate %v exceeds daily limit %d", def.Name, req.Estimate, def.DailyLimit)
	}
	defer release()

	poolName := strings.TrimSpace(req.Pool)
	if poolName == "" {
		poolName = def.Provider
	}
	p := g.pool(poolName)

	slot := p.start()
	size := p.size()
	throttled := 0
	backedOff := false
	unavailable := 0
	for attempt := 1; ; attempt++ {
		cred := p.credential(slot)
		consumed, errCall := g.invoke(ctx, call, cred)
		if errCall == nil {
			p.remember(slot)
			res := Result{Consumed: consumed, Slot: slot, Attempts: attempt}
			res.Entry = g.record(ctx, def.Name, req, consumed)
			logOutcome(def.Name, cred, attempt, nil)
			return res, outcomeOK, nil
		}
		logOutcome(def.Name, cred, attempt, errCall)
		if consumed > 0 && !math.IsNaN(consumed) && !math.IsInf(consumed, 0) {
			g.record(ctx, def.Name, req, consumed)
		}

		switch classify(ctx, errCall) {
		case classCanceled:
			return Result{}, outcomeCanceled, apperr.E(apperr.KindInternal, op, ctx.Err())
		case classPassThrough:
			return Result{}, outcomeFailed, errCall
		case classRejected:
			return Result{}, outcomeRejected, apperr.E(apperr.KindProviderRejected, op, errCall)
		case classUnavailable:
			unavailable++
			if unavailable > g.opts.UnavailableRetries {
				return Result{}, outcomeUnavailable, apperr.E(apperr.KindProviderUnavailable, op, errCall)
			}
		case classRateLimited:
			unavailable = 0
			throttled++
			if throttled >= size {
				if backedOff {
					return Result{}, outcomeRateLimited, apperr.E(apperr.KindUpstreamRateLimited, op, errCall)
				}
				backedOff = true
				if errWait := wait(ctx, g.opts.RateLimitBackoff); errWait != nil {
					return Result{}, outcomeCanceled, apperr.E(apperr.KindInternal, op, errWait)
				}
				// One final attempt after the back-off.
				throttled = size - 1
			}
			if size > 1 {
				slot = (slot + 1) % size
				metrics.CredentialRotations.WithLabelValues(poolName).Inc()
			}
		}
	}
}

func (g *Gate) invoke(ctx context.Context, call Call, cred Credential) (float64, error) {
	callCtx := ctx
	if g.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.opts.CallTimeout)
		defer cancel()
	}
	return call(callCtx, cred)
}

// reserve checks the quota with the estimates of in-flight dispatches added, then holds
// estimate against service until release is called. Reservations are local to this process;
// several instances sharing one ledger can still overshoot by their concurrent estimates.
func (g *Gate) reserve(ctx context.Context, service string, estimate float64) (func(), bool, error) {
	g.resMu.Lock()
	defer g.resMu.Unlock()
	allowed, err := g.meter.CheckQuota(ctx, service, estimate+g.reserved[service])
	if err != nil || !allowed {
		return nil, allowed, err
	}
	if estimate <= 0 {
		return func() {}, true, nil
	}
	g.reserved[service] += estimate
	return func() {
		g.resMu.Lock()
		defer g.resMu.Unlock()
		g.reserved[service] -= estimate
		if g.reserved[service] <= 0 {
			delete(g.reserved, service)
		}
	}, true, nil
}

// record meters a call. A ledger failure here is logged, not surfaced:
// the upstream work already happened and the caller should get its result.
func (g *Gate) record(ctx context.Context, service string, req Request, consumed float64) models.UsageLedger {
	amount := consumed
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		amount = req.Estimate
	}
	if amount <= 0 {
		return models.UsageLedger{}
	}
	entry, errRecord := g.meter.RecordUsage(context.WithoutCancel(ctx), service, amount, req.Category)
	if errRecord != nil {
		log.WithError(errRecord).WithFields(log.Fields{"service": service, "amount": amount}).
			Error("dispatch: failed to record usage after upstream call")
	}
	return entry
}

func (g *Gate) pool(name string) *pool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pools[name]
	if !ok {
		p = newPool(name, nil)
		g.pools[name] = p
	}
	return p
}

type errorClass int

const (
	classUnavailable errorClass = iota
	classRateLimited
	classRejected
	classCanceled
	classPassThrough
)

func classify(ctx context.Context, err error) errorClass {
	if ctx.Err() != nil {
		return classCanceled
	}
	if code, ok := apperr.StatusCodeOf(err); ok {
		switch {
		case code == 429:
			return classRateLimited
		case code == 408 || code >= 500:
			return classUnavailable
		case code >= 400:
			return classRejected
		}
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return classPassThrough
	}
	// Per-call timeouts and transport failures.
	return classUnavailable
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
