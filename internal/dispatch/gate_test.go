package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/config"
	"github.com/schemewise/governance/internal/db"
	"github.com/schemewise/governance/internal/ledger"
	"github.com/schemewise/governance/internal/models"
	"github.com/schemewise/governance/internal/services"
)

type recordCall struct {
	service  string
	amount   float64
	category models.Category
}

type fakeMeter struct {
	mu        sync.Mutex
	allowed   bool
	recordErr error
	records   []recordCall
}

func (m *fakeMeter) CheckQuota(context.Context, string, float64) (bool, error) {
	return m.allowed, nil
}

func (m *fakeMeter) RecordUsage(_ context.Context, service string, amount float64, category models.Category) (models.UsageLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, recordCall{service: service, amount: amount, category: category})
	return models.UsageLedger{ServiceName: service}, m.recordErr
}

func newTestGate(t *testing.T, meter Meter, keys []string, opts Options) *Gate {
	t.Helper()
	registry, err := services.NewRegistry("UTC", nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return New(meter, registry, map[string][]string{services.ProviderOpenAI: keys}, opts)
}

func status(code int) error {
	return &apperr.ProviderError{Provider: "openai", StatusCode: code, Err: errors.New("upstream")}
}

func TestDispatchRecordsConsumedAmount(t *testing.T) {
	meter := &fakeMeter{allowed: true}
	gate := newTestGate(t, meter, []string{"key-a"}, Options{})

	res, err := gate.Dispatch(context.Background(), Request{Service: services.TextToSpeech, Category: models.CategoryPublic, Estimate: 10},
		func(_ context.Context, cred Credential) (float64, error) {
			if cred.APIKey != "key-a" {
				t.Fatalf("unexpected credential %+v", cred)
			}
			return 12, nil
		})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Consumed != 12 || res.Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(meter.records) != 1 || meter.records[0] != (recordCall{service: services.TextToSpeech, amount: 12, category: models.CategoryPublic}) {
		t.Fatalf("unexpected records %+v", meter.records)
	}
}

func TestDispatchFallsBackToEstimate(t *testing.T) {
	meter := &fakeMeter{allowed: true}
	gate := newTestGate(t, meter, nil, Options{})
	_, err := gate.Dispatch(context.Background(), Request{Service: services.EmailDispatch, Category: models.CategoryRegistered, Estimate: 1},
		func(context.Context, Credential) (float64, error) { return 0, nil })
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(meter.records) != 1 || meter.records[0].amount != 1 {
		t.Fatalf("expected estimate recorded, got %+v", meter.records)
	}
}

func TestDispatchLedgerFailureNotSurfaced(t *testing.T) {
	meter := &fakeMeter{allowed: true, recordErr: errors.New("db down")}
	gate := newTestGate(t, meter, nil, Options{})
	if _, err := gate.Dispatch(context.Background(), Request{Service: services.TextGeneration, Category: models.CategoryRegistered, Estimate: 5},
		func(context.Context, Credential) (float64, error) { return 5, nil }); err != nil {
		t.Fatalf("expected success despite ledger failure, got %v", err)
	}
}

func TestDispatchQuotaExceededSkipsCall(t *testing.T) {
	meter := &fakeMeter{allowed: false}
	gate := newTestGate(t, meter, []string{"key-a"}, Options{})
	called := false
	_, err := gate.Dispatch(context.Background(), Request{Service: services.TextToSpeech, Category: models.CategoryPublic, Estimate: 100},
		func(context.Context, Credential) (float64, error) {
			called = true
			return 100, nil
		})
	if !apperr.Is(err, apperr.KindQuotaExceeded) {
		t.Fatalf("expected quota-exceeded, got %v", err)
	}
	if apperr.KindOf(err).Retryable() {
		t.Fatalf("quota-exceeded must not be retryable")
	}
	if called || len(meter.records) != 0 {
		t.Fatalf("quota rejection must not call upstream or record usage")
	}
}

func TestDispatchQuotaScenarioAgainstLedger(t *testing.T) {
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "gate.db"))
	if errOpen != nil {
		t.Fatalf("open: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	limit := int64(1000)
	registry, _ := services.NewRegistry("UTC", map[string]config.ServiceOverride{services.TextToSpeech: {DailyLimit: &limit}})
	l := ledger.New(conn, registry, ledger.Options{})
	gate := New(l, registry, nil, Options{})
	ctx := context.Background()

	if _, err := l.RecordUsage(ctx, services.TextToSpeech, 950, models.CategoryPublic); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := gate.Dispatch(ctx, Request{Service: services.TextToSpeech, Category: models.CategoryPublic, Estimate: 100},
		func(context.Context, Credential) (float64, error) { return 100, nil })
	if !apperr.Is(err, apperr.KindQuotaExceeded) {
		t.Fatalf("expected quota-exceeded, got %v", err)
	}
	entry, _ := l.Get(ctx, services.TextToSpeech)
	if entry.TodayPublicUsage != 950 || entry.TotalPublicUsage != 950 || entry.TodayRegisteredUsage != 0 {
		t.Fatalf("counters mutated by rejected dispatch: %+v", entry)
	}
}

func TestDispatchRecordsBilledAmountOnFailure(t *testing.T) {
	meter := &fakeMeter{allowed: true}
	gate := newTestGate(t, meter, []string{"key-a"}, Options{UnavailableRetries: 2})
	attempts := 0
	_, err := gate.Dispatch(context.Background(), Request{Service: services.TextGeneration, Category: models.CategoryRegistered, Estimate: 50},
		func(context.Context, Credential) (float64, error) {
			attempts++
			return 300, apperr.Errorf(apperr.KindProviderRejected, "openai.Translate", "malformed reply")
		})
	if !apperr.Is(err, apperr.KindProviderRejected) {
		t.Fatalf("expected provider-rejected, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
	if len(meter.records) != 1 || meter.records[0].amount != 300 {
		t.Fatalf("expected the billed 300 recorded, got %+v", meter.records)
	}
}

func TestDispatchReservesInFlightEstimates(t *testing.T) {
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "gate.db"))
	if errOpen != nil {
		t.Fatalf("open: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	limit := int64(1000)
	registry, _ := services.NewRegistry("UTC", map[string]config.ServiceOverride{services.TextToSpeech: {DailyLimit: &limit}})
	l := ledger.New(conn, registry, ledger.Options{})
	gate := New(l, registry, nil, Options{})
	ctx := context.Background()
	if _, err := l.RecordUsage(ctx, services.TextToSpeech, 800, models.CategoryPublic); err != nil {
		t.Fatalf("seed: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := gate.Dispatch(ctx, Request{Service: services.TextToSpeech, Category: models.CategoryPublic, Estimate: 150},
			func(context.Context, Credential) (float64, error) {
				close(entered)
				<-release
				return 150, nil
			})
		done <- err
	}()
	<-entered

	_, err := gate.Dispatch(ctx, Request{Service: services.TextToSpeech, Category: models.CategoryPublic, Estimate: 150},
		func(context.Context, Credential) (float64, error) { return 150, nil })
	if !apperr.Is(err, apperr.KindQuotaExceeded) {
		t.Fatalf("expected the in-flight estimate to count against the quota, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	entry, _ := l.Get(ctx, services.TextToSpeech)
	if entry.TodayUsage() != 950 {
		t.Fatalf("expected 950 used, got %v", entry.TodayUsage())
	}
	// The reservation is gone once the first dispatch finished.
	if _, err := gate.Dispatch(ctx, Request{Service: services.TextToSpeech, Category: models.CategoryPublic, Estimate: 50},
		func(context.Context, Credential) (float64, error) { return 50, nil }); err != nil {
		t.Fatalf("dispatch within the remaining quota: %v", err)
	}
}

func TestDispatchRotatesCredentialsOnRateLimit(t *testing.T) {
	meter := &fakeMeter{allowed: true}
	gate := newTestGate(t, meter, []string{"key-a", "key-b", "key-c"}, Options{})
	var seen []string
	res, err := gate.Dispatch(context.Background(), Request{Service: services.TextGeneration, Category: models.CategoryRegistered, Estimate: 1},
		func(_ context.Context, cred Credential) (float64, error) {
			seen = append(seen, cred.APIKey)
			if cred.APIKey != "key-c" {
				return 0, status(429)
			}
			return 3, nil
		})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(seen) != 3 || seen[0] != "key-a" || seen[1] != "key-b" || seen[2] != "key-c" {
		t.Fatalf("unexpected rotation order %v", seen)
	}
	if res.Slot != 2 {
		t.Fatalf("expected slot 2, got %d", res.Slot)
	}

	// The next dispatch starts from the slot that worked.
	seen = nil
	if _, err := gate.Dispatch(context.Background(), Request{Service: services.TextGeneration, Category: models.CategoryRegistered, Estimate: 1},
		func(_ context.Context, cred Credential) (float64, error) {
			seen = append(seen, cred.APIKey)
			return 1, nil
		}); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if len(seen) != 1 || seen[0] != "key-c" {
		t.Fatalf("expected sticky slot key-c, got %v", seen)
	}
}

func TestDispatchBacksOffOnceWhenAllSlotsThrottled(t *testing.T) {
	meter := &fakeMeter{allowed: true}
	backoff := 20 * time.Millisecond
	gate := newTestGate(t, meter, []string{"key-a", "key-b"}, Options{RateLimitBackoff: backoff})

	attempts := 0
	started := time.Now()
	_, err := gate.Dispatch(context.Background(), Request{Service: services.TextGeneration, Category: models.CategoryPublic, Estimate: 1},
		func(context.Context, Credential) (float64, error) {
			attempts++
			return 0, status(429)
		})
	if !apperr.Is(err, apperr.KindUpstreamRateLimited) {
		t.Fatalf("expected upstream-rate-limited, got %v", err)
	}
	if !apperr.KindOf(err).Retryable() {
		t.Fatalf("upstream-rate-limited must be retryable")
	}
	if attempts != 3 {
		t.Fatalf("expected 2 slots plus 1 retry after back-off, got %d attempts", attempts)
	}
	if elapsed := time.Since(started); elapsed < backoff {
		t.Fatalf("expected back-off of at least %s, took %s", backoff, elapsed)
	}
	if len(meter.records) != 0 {
		t.Fatalf("failed dispatch must not record usage")
	}
}

func TestDispatchRecoversAfterBackoff(t *testing.T) {
	meter := &fakeMeter{allowed: true}
	gate := newTestGate(t, meter, []string{"key-a"}, Options{RateLimitBackoff: time.Millisecond})
	attempts := 0
	res, err := gate.Dispatch(context.Background(), Request{Service: services.TextGeneration, Category: models.CategoryPublic, Estimate: 1},
		func(context.Context, Credential) (float64, error) {
			attempts++
			if attempts == 1 {
				return 0, status(429)
			}
			return 2, nil
		})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
}

func TestDispatchRetriesUnavailableThenSurfaces(t *testing.T) {
	meter := &fakeMeter{allowed: true}
	gate := newTestGate(t, meter, []string{"key-a", "key-b"}, Options{UnavailableRetries: 2})
	var seen []string
	_, err := gate.Dispatch(context.Background(), Request{Service: services.TextGeneration, Category: models.CategoryPublic, Estimate: 1},
		func(_ context.Context, cred Credential) (float64, error) {
			seen = append(seen, cred.APIKey)
			return 0, status(503)
		})
	if !apperr.Is(err, apperr.KindProviderUnavailable) {
		t.Fatalf("expected provider-unavailable, got %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", len(seen))
	}
	for _, key := range seen {
		if key != "key-a" {
			t.Fatalf("unavailable retries must stay on the same slot, saw %v", seen)
		}
	}
}

func TestDispatchTimeoutIsUnavailable(t *testing.T) {
	meter := &fakeMeter{allowed: true}
	gate := newTestGate(t, meter, nil, Options{CallTimeout: 10 * time.Millisecond})
	attempts := 0
	_, err := gate.Dispatch(context.Background(), Request{Service: services.TextGeneration, Category: models.CategoryPublic, Estimate: 1},
		func(ctx context.Context, _ Credential) (float64, error) {
			attempts++
			<-ctx.Done()
			return 0, ctx.Err()
		})
	if !apperr.Is(err, apperr.KindProviderUnavailable) {
		t.Fatalf("expected provider-unavailable on timeout, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected no retries with UnavailableRetries=0, got %d attempts", attempts)
	}
}

func TestDispatchRejectedIsFinal(t *testing.T) {
	meter := &fakeMeter{allowed: true}
	gate := newTestGate(t, meter, []string{"key-a", "key-b"}, Options{UnavailableRetries: 3})
	attempts := 0
	_, err := gate.Dispatch(context.Background(), Request{Service: services.TextGeneration, Category: models.CategoryPublic, Estimate: 1},
		func(context.Context, Credential) (float64, error) {
			attempts++
			return 0, status(400)
		})
	if !apperr.Is(err, apperr.KindProviderRejected) {
		t.Fatalf("expected provider-rejected, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestDispatchCanceledDuringBackoff(t *testing.T) {
	meter := &fakeMeter{allowed: true}
	gate := newTestGate(t, meter, nil, Options{RateLimitBackoff: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	_, err := gate.Dispatch(ctx, Request{Service: services.TextGeneration, Category: models.CategoryPublic, Estimate: 1},
		func(context.Context, Credential) (float64, error) {
			cancel()
			return 0, status(429)
		})
	if err == nil || apperr.Is(err, apperr.KindUpstreamRateLimited) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
}

func TestDispatchRejectsInvalidRequests(t *testing.T) {
	gate := newTestGate(t, &fakeMeter{allowed: true}, nil, Options{})
	ok := func(context.Context, Credential) (float64, error) { return 1, nil }
	cases := []Request{
		{Service: "fax-dispatch", Category: models.CategoryPublic, Estimate: 1},
		{Service: services.TextGeneration, Category: "staff", Estimate: 1},
		{Service: services.TextGeneration, Category: models.CategoryPublic, Estimate: -1},
	}
	for _, req := range cases {
		if _, err := gate.Dispatch(context.Background(), req, ok); !apperr.Is(err, apperr.KindInvalidInput) {
			t.Fatalf("request %+v: expected invalid-input, got %v", req, err)
		}
	}
}
