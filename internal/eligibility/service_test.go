package eligibility

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/audio"
	"github.com/schemewise/governance/internal/cache"
	"github.com/schemewise/governance/internal/db"
	"github.com/schemewise/governance/internal/dispatch"
	"github.com/schemewise/governance/internal/guest"
	"github.com/schemewise/governance/internal/ledger"
	"github.com/schemewise/governance/internal/models"
	"github.com/schemewise/governance/internal/providers"
	"github.com/schemewise/governance/internal/services"
	"github.com/schemewise/governance/internal/verdict"
	"gorm.io/gorm"
)

type fakeEngine struct {
	calls atomic.Int32
	err   error
}

func (e *fakeEngine) Check(_ context.Context, _ string, req providers.EngineRequest) (providers.EngineResponse, error) {
	e.calls.Add(1)
	if e.err != nil {
		return providers.EngineResponse{}, e.err
	}
	var resp providers.EngineResponse
	resp.Verdict = verdict.Verdict{
		Language:          req.Language,
		Eligible:          true,
		Confidence:        verdict.ConfidenceHigh,
		Reason:            "Income below threshold",
		Citation:          verdict.Citation{Text: "Section 4(2)", Locator: "p.12"},
		Benefit:           &verdict.Benefit{Amount: "6000", Frequency: "yearly"},
		RequiredDocuments: []string{"Aadhaar card"},
	}
	resp.Usage.TotalTokens = 420
	return resp, nil
}

type fakeTranslator struct {
	mu    sync.Mutex
	calls int
	// err fails every call after billing 300 tokens.
	err error
	// entered and release, when set, hold each call until release is closed.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeTranslator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTranslator) Translate(_ context.Context, _ string, texts []string, language string) ([]string, int64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, 300, f.err
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "[" + language + "] " + t
	}
	return out, 55, nil
}

type fakeSynth struct {
	calls atomic.Int32
}

func (f *fakeSynth) Synthesize(_ context.Context, _ string, text string) ([]byte, string, error) {
	f.calls.Add(1)
	return []byte("mp3:" + text), "audio/mpeg", nil
}

type fixture struct {
	svc        *Service
	conn       *gorm.DB
	ledger     *ledger.Ledger
	limiter    *guest.Limiter
	engine     *fakeEngine
	translator *fakeTranslator
	synth      *fakeSynth
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	conn, errOpen := db.Open(filepath.Join(dir, "eligibility.db"))
	if errOpen != nil {
		t.Fatalf("open: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	registry, errRegistry := services.NewRegistry("UTC", nil)
	if errRegistry != nil {
		t.Fatalf("registry: %v", errRegistry)
	}
	l := ledger.New(conn, registry, ledger.Options{})
	gate := dispatch.New(l, registry, map[string][]string{
		services.ProviderOpenAI: {"sk-test"},
		EnginePool:              {"engine-key"},
	}, dispatch.Options{CallTimeout: time.Second, UnavailableRetries: 1})

	audioStore, errAudio := audio.Open(filepath.Join(dir, "audio.db"))
	if errAudio != nil {
		t.Fatalf("audio: %v", errAudio)
	}
	t.Cleanup(func() { _ = audioStore.Close() })

	f := &fixture{
		conn:       conn,
		ledger:     l,
		limiter:    guest.NewLimiter(guest.NewDBStore(conn), "guest-secret", time.Hour, 1),
		engine:     &fakeEngine{},
		translator: &fakeTranslator{},
		synth:      &fakeSynth{},
	}
	f.svc = NewService(Deps{
		DB:          conn,
		Gate:        gate,
		Engine:      f.engine,
		Translator:  f.translator,
		Synthesizer: f.synth,
		Audio:       audioStore,
		Guests:      f.limiter,
		Sessions:    cache.NewMemoryStore(cache.Policy{MaxEntries: 16}),
	})
	return f
}

var farmer = verdict.Profile{"state": "MH", "income": 120000, "occupation": "farmer"}

const testClient = "203.0.113.7"

func TestCheckEligibilityRecordsUsageAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.CheckEligibility(ctx, 7, farmer, "pm-kisan", "en")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	want, _ := verdict.Identity("pm-kisan", farmer)
	if v.ID != want || v.SchemeID != "pm-kisan" || !v.Eligible {
		t.Fatalf("unexpected verdict %+v", v)
	}

	entry, err := f.ledger.Get(ctx, services.TextGeneration)
	if err != nil {
		t.Fatalf("ledger get: %v", err)
	}
	if entry.TodayRegisteredUsage != 420 || entry.TodayPublicUsage != 0 {
		t.Fatalf("unexpected usage %+v", entry)
	}

	rows, err := f.svc.History(ctx, 7, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || rows[0].VerdictID != want || rows[0].Category != models.CategoryRegistered {
		t.Fatalf("unexpected history %+v", rows)
	}
	if rows, _ := f.svc.History(ctx, 8, 10); len(rows) != 0 {
		t.Fatalf("history leaked across users: %+v", rows)
	}
}

func TestCheckEligibilityRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name     string
		profile  verdict.Profile
		scheme   string
		language string
	}{
		{name: "empty profile", scheme: "pm-kisan", language: "en"},
		{name: "no scheme", profile: farmer, language: "en"},
		{name: "bad language", profile: farmer, scheme: "pm-kisan", language: "EN_us!"},
	}
	for _, tc := range cases {
		_, err := f.svc.CheckEligibility(ctx, 1, tc.profile, tc.scheme, tc.language)
		if !apperr.Is(err, apperr.KindInvalidInput) {
			t.Fatalf("%s: expected invalid-input, got %v", tc.name, err)
		}
	}
	if f.engine.calls.Load() != 0 {
		t.Fatalf("engine must not be called on invalid input")
	}
}

func TestPublicCheckGrantsOnceThenDenies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok, err := f.limiter.IssueToken()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	res, err := f.svc.CheckEligibilityPublic(ctx, tok.Token, testClient, nil, farmer, "pm-kisan", "en")
	if err != nil {
		t.Fatalf("first public check: %v", err)
	}
	if res.Remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", res.Remaining)
	}

	claimed := 1
	_, err = f.svc.CheckEligibilityPublic(ctx, tok.Token, testClient, &claimed, farmer, "pm-kisan", "en")
	if !apperr.Is(err, apperr.KindGuestLimitReached) {
		t.Fatalf("expected guest-limit-reached, got %v", err)
	}
	if f.engine.calls.Load() != 1 {
		t.Fatalf("expected one engine call, got %d", f.engine.calls.Load())
	}

	entry, _ := f.ledger.Get(ctx, services.TextGeneration)
	if entry.TodayPublicUsage != 420 || entry.TodayRegisteredUsage != 0 {
		t.Fatalf("public usage not attributed: %+v", entry)
	}
}

func TestPublicCheckFreshTokenFromSameClientDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, _ := f.limiter.IssueToken()
	if _, err := f.svc.CheckEligibilityPublic(ctx, first.Token, testClient, nil, farmer, "pm-kisan", "en"); err != nil {
		t.Fatalf("first public check: %v", err)
	}
	second, _ := f.limiter.IssueToken()
	_, err := f.svc.CheckEligibilityPublic(ctx, second.Token, testClient, nil, farmer, "pm-kisan", "en")
	if !apperr.Is(err, apperr.KindGuestLimitReached) {
		t.Fatalf("expected guest-limit-reached for a reissued token, got %v", err)
	}
	if f.engine.calls.Load() != 1 {
		t.Fatalf("expected one engine call, got %d", f.engine.calls.Load())
	}
}

func TestPublicCheckRefundsWhenEngineFails(t *testing.T) {
	f := newFixture(t)
	f.engine.err = &apperr.ProviderError{Provider: "engine", StatusCode: 400, Err: errors.New("bad profile")}
	ctx := context.Background()
	tok, _ := f.limiter.IssueToken()

	_, err := f.svc.CheckEligibilityPublic(ctx, tok.Token, testClient, nil, farmer, "pm-kisan", "en")
	if !apperr.Is(err, apperr.KindProviderRejected) {
		t.Fatalf("expected provider-rejected, got %v", err)
	}

	status, err := f.limiter.Status(ctx, tok.Token)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Remaining != 1 {
		t.Fatalf("expected refund to restore 1 remaining, got %d", status.Remaining)
	}

	f.engine.err = nil
	if _, err := f.svc.CheckEligibilityPublic(ctx, tok.Token, testClient, nil, farmer, "pm-kisan", "en"); err != nil {
		t.Fatalf("check after refund: %v", err)
	}
}

func TestTranslateVerdictCachesPerSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.svc.CheckEligibility(ctx, 1, farmer, "pm-kisan", "en")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	caller := Caller{UserID: 1}

	first, err := f.svc.TranslateVerdict(ctx, "s1", caller, v, "hi")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	second, err := f.svc.TranslateVerdict(ctx, "s1", caller, v, "hi")
	if err != nil {
		t.Fatalf("translate again: %v", err)
	}
	if f.translator.Calls() != 1 {
		t.Fatalf("expected one provider call, got %d", f.translator.Calls())
	}
	if first.Language != "hi" || first.Reason != "[hi] Income below threshold" || second.Reason != first.Reason {
		t.Fatalf("unexpected translation %+v / %+v", first, second)
	}
	if first.Benefit == nil || first.Benefit.Amount != "[hi] 6000" || first.RequiredDocuments[0] != "[hi] Aadhaar card" {
		t.Fatalf("unexpected translated fields %+v", first)
	}

	if _, err := f.svc.TranslateVerdict(ctx, "s2", caller, v, "hi"); err != nil {
		t.Fatalf("translate other session: %v", err)
	}
	if f.translator.Calls() != 2 {
		t.Fatalf("sessions must not share cache, got %d calls", f.translator.Calls())
	}

	same, err := f.svc.TranslateVerdict(ctx, "s1", caller, v, "en")
	if err != nil || same.Reason != v.Reason || f.translator.Calls() != 2 {
		t.Fatalf("same-language translate should be a no-op: %+v %v", same, err)
	}
}

func TestTranslateVerdictAfterEndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.svc.CheckEligibility(ctx, 1, farmer, "pm-kisan", "en")
	caller := Caller{UserID: 1}

	if _, err := f.svc.TranslateVerdict(ctx, "s1", caller, v, "mr"); err != nil {
		t.Fatalf("translate: %v", err)
	}
	if err := f.svc.EndSession(ctx, "s1"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if _, err := f.svc.TranslateVerdict(ctx, "s1", caller, v, "mr"); err != nil {
		t.Fatalf("translate after end: %v", err)
	}
	if f.translator.Calls() != 2 {
		t.Fatalf("expected a fresh provider call after session end, got %d", f.translator.Calls())
	}
	if err := f.svc.EndSession(ctx, " "); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected invalid-input for blank session, got %v", err)
	}
}

func TestTranslateMalformedReplyMetersTokensWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.svc.CheckEligibility(ctx, 1, farmer, "pm-kisan", "en")
	before, _ := f.ledger.Get(ctx, services.TextGeneration)

	f.translator.err = apperr.Errorf(apperr.KindProviderRejected, "openai.Translate", "malformed reply")
	_, err := f.svc.TranslateVerdict(ctx, "s1", Caller{UserID: 1}, v, "hi")
	if !apperr.Is(err, apperr.KindProviderRejected) {
		t.Fatalf("expected provider-rejected, got %v", err)
	}
	if f.translator.Calls() != 1 {
		t.Fatalf("malformed reply must not be retried, got %d calls", f.translator.Calls())
	}
	after, _ := f.ledger.Get(ctx, services.TextGeneration)
	if delta := after.TodayRegisteredUsage - before.TodayRegisteredUsage; delta != 300 {
		t.Fatalf("expected the 300 billed tokens recorded, got %v", delta)
	}
}

func TestTranslateWaiterSurvivesFirstCallerCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.svc.CheckEligibility(ctx, 1, farmer, "pm-kisan", "en")
	caller := Caller{UserID: 1}
	f.translator.entered = make(chan struct{}, 1)
	f.translator.release = make(chan struct{})

	firstCtx, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.svc.TranslateVerdict(firstCtx, "s1", caller, v, "hi")
		firstErr <- err
	}()
	<-f.translator.entered

	type outcome struct {
		v   verdict.Verdict
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		out, err := f.svc.TranslateVerdict(ctx, "s1", caller, v, "hi")
		second <- outcome{out, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the first caller to see its cancellation, got %v", err)
	}

	close(f.translator.release)
	got := <-second
	if got.err != nil {
		t.Fatalf("second caller failed with the first caller's cancellation: %v", got.err)
	}
	if got.v.Reason != "[hi] Income below threshold" || f.translator.Calls() != 1 {
		t.Fatalf("unexpected shared result %+v after %d calls", got.v, f.translator.Calls())
	}
}

func TestTranslateCacheKeyedOnContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.svc.CheckEligibility(ctx, 1, farmer, "pm-kisan", "en")
	caller := Caller{UserID: 1}

	if _, err := f.svc.TranslateVerdict(ctx, "s1", caller, v, "hi"); err != nil {
		t.Fatalf("translate: %v", err)
	}
	forged := v
	forged.Reason = "Different reason"
	out, err := f.svc.TranslateVerdict(ctx, "s1", caller, forged, "hi")
	if err != nil {
		t.Fatalf("translate forged: %v", err)
	}
	if out.Reason != "[hi] Different reason" {
		t.Fatalf("verdict with a reused id was served another verdict's translation: %q", out.Reason)
	}
	if f.translator.Calls() != 2 {
		t.Fatalf("expected a second provider call, got %d", f.translator.Calls())
	}
}

func TestSynthesizeSpeechMetersCharacters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := Caller{GuestID: "g-1"}

	h1, err := f.svc.SynthesizeSpeech(ctx, "s1", caller, "नमस्ते", "hi")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	h2, err := f.svc.SynthesizeSpeech(ctx, "s1", caller, "नमस्ते", "hi")
	if err != nil {
		t.Fatalf("synthesize again: %v", err)
	}
	if h1.ID != h2.ID || f.synth.calls.Load() != 1 {
		t.Fatalf("expected cached handle, got %+v %+v after %d calls", h1, h2, f.synth.calls.Load())
	}
	if !strings.HasPrefix(h1.URL, audio.PathPrefix) {
		t.Fatalf("unexpected url %q", h1.URL)
	}

	entry, _ := f.ledger.Get(ctx, services.TextToSpeech)
	if entry.TodayPublicUsage != 6 {
		t.Fatalf("expected 6 characters metered, got %+v", entry)
	}

	if _, err := f.svc.SynthesizeSpeech(ctx, "s1", caller, "  ", "hi"); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected invalid-input for blank text, got %v", err)
	}
}

func TestHistoryRetentionDeletesExpiredRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.CheckEligibility(ctx, 3, farmer, "pm-kisan", "en"); err != nil {
		t.Fatalf("check: %v", err)
	}
	old := time.Now().UTC().AddDate(0, 0, -40)
	if err := f.conn.Create(&models.EligibilityCheck{
		ID: "00000000-0000-0000-0000-000000000001", Category: models.CategoryPublic,
		SchemeID: "pm-kisan", Language: "en", VerdictID: "old", Verdict: []byte(`{}`), CreatedAt: old,
	}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	cleaner := NewHistoryRetentionCleaner(f.conn, 30)
	if n := cleaner.CleanupOnce(ctx); n != 1 {
		t.Fatalf("expected 1 deleted row, got %d", n)
	}
	var count int64
	f.conn.Model(&models.EligibilityCheck{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected recent row to survive, got %d rows", count)
	}
	if NewHistoryRetentionCleaner(f.conn, 0).CleanupOnce(ctx) != 0 {
		t.Fatalf("zero retention must keep history")
	}
}
