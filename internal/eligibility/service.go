// Package eligibility serves verdicts, translations and speech through the governance layer.
package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/audio"
	"github.com/schemewise/governance/internal/cache"
	"github.com/schemewise/governance/internal/dispatch"
	"github.com/schemewise/governance/internal/guest"
	"github.com/schemewise/governance/internal/models"
	"github.com/schemewise/governance/internal/providers"
	"github.com/schemewise/governance/internal/services"
	"github.com/schemewise/governance/internal/verdict"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// EnginePool names the credential pool used for verdict engine calls.
	EnginePool = "engine"

	// Token estimates used for the pre-dispatch quota check.
	checkTokenEstimate  = 2000
	promptTokenOverhead = 150

	maxSpeechChars = 4096
	maxHistory     = 100
)

// Dispatcher runs metered calls. *dispatch.Gate implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, call dispatch.Call) (dispatch.Result, error)
}

// Translator translates a batch of texts.
type Translator interface {
	Translate(ctx context.Context, apiKey string, texts []string, language string) ([]string, int64, error)
}

// Synthesizer turns text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, apiKey string, text string) ([]byte, string, error)
}

// AudioStore persists synthesized audio.
type AudioStore interface {
	Save(data []byte, contentType string) (audio.Handle, error)
}

// GuestGate authorizes anonymous checks.
type GuestGate interface {
	Grant(ctx context.Context, token, client string, claimedRemaining *int) (guest.Grant, error)
	Release(ctx context.Context, grant guest.Grant) error
}

// Caller identifies who a request is metered against.
type Caller struct {
	UserID  uint64
	GuestID string
}

// Category returns the usage category the caller belongs to.
func (c Caller) Category() models.Category {
	if c.UserID != 0 {
		return models.CategoryRegistered
	}
	return models.CategoryPublic
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	DB          *gorm.DB
	Gate        Dispatcher
	Engine      providers.Engine
	Translator  Translator
	Synthesizer Synthesizer
	Audio       AudioStore
	Guests      GuestGate
	Sessions    cache.Store
}

// Service implements the eligibility entry points.
type Service struct {
	db          *gorm.DB
	gate        Dispatcher
	engine      providers.Engine
	translator  Translator
	synthesizer Synthesizer
	audio       AudioStore
	guests      GuestGate
	sessions    cache.Store
	verdicts    *cache.VerdictCache
	audios      *cache.AudioCache
	group       singleflight.Group
}

// NewService builds a Service.
func NewService(deps Deps) *Service {
	return &Service{
		db:          deps.DB,
		gate:        deps.Gate,
		engine:      deps.Engine,
		translator:  deps.Translator,
		synthesizer: deps.Synthesizer,
		audio:       deps.Audio,
		guests:      deps.Guests,
		sessions:    deps.Sessions,
		verdicts:    cache.NewVerdictCache(deps.Sessions),
		audios:      cache.NewAudioCache(deps.Sessions),
	}
}

// PublicResult is a verdict plus the guest's remaining free checks.
type PublicResult struct {
	Verdict   verdict.Verdict `json:"verdict"`
	Remaining int             `json:"remaining"`
}

// CheckEligibility returns a verdict for a registered user.
func (s *Service) CheckEligibility(ctx context.Context, userID uint64, profile verdict.Profile, schemeID, language string) (verdict.Verdict, error) {
	const op = "eligibility.CheckEligibility"
	if userID == 0 {
		return verdict.Verdict{}, apperr.Errorf(apperr.KindInvalidInput, op, "missing user")
	}
	return s.check(ctx, op, Caller{UserID: userID}, profile, schemeID, language)
}

// CheckEligibilityPublic returns a verdict for an anonymous caller after the guest limiter
// grants a check against both the token and the client address. A failed check is refunded.
func (s *Service) CheckEligibilityPublic(ctx context.Context, guestToken, client string, claimedRemaining *int, profile verdict.Profile, schemeID, language string) (PublicResult, error) {
	const op = "eligibility.CheckEligibilityPublic"
	if errValidate := validateCheck(op, profile, schemeID, language); errValidate != nil {
		return PublicResult{}, errValidate
	}
	grant, errGrant := s.guests.Grant(ctx, guestToken, client, claimedRemaining)
	if errGrant != nil {
		return PublicResult{}, errGrant
	}
	v, errCheck := s.check(ctx, op, Caller{GuestID: grant.GuestID}, profile, schemeID, language)
	if errCheck != nil {
		if errRelease := s.guests.Release(context.WithoutCancel(ctx), grant); errRelease != nil {
			log.WithError(errRelease).WithField("guest_id", grant.GuestID).Error("eligibility: failed to refund guest check")
		}
		return PublicResult{}, errCheck
	}
	return PublicResult{Verdict: v, Remaining: grant.Remaining}, nil
}

func (s *Service) check(ctx context.Context, op string, caller Caller, profile verdict.Profile, schemeID, language string) (verdict.Verdict, error) {
	if errValidate := validateCheck(op, profile, schemeID, language); errValidate != nil {
		return verdict.Verdict{}, errValidate
	}
	schemeID = strings.TrimSpace(schemeID)
	language = verdict.NormalizeLanguage(language)
	id, errID := verdict.Identity(schemeID, profile)
	if errID != nil {
		return verdict.Verdict{}, apperr.E(apperr.KindInvalidInput, op, errID)
	}

	var resp providers.EngineResponse
	_, errDispatch := s.gate.Dispatch(ctx, dispatch.Request{
		Service:  services.TextGeneration,
		Category: caller.Category(),
		Estimate: checkTokenEstimate,
		Pool:     EnginePool,
	}, func(ctx context.Context, cred dispatch.Credential) (float64, error) {
		out, err := s.engine.Check(ctx, cred.APIKey, providers.EngineRequest{
			Profile:  profile,
			SchemeID: schemeID,
			Language: language,
			Public:   caller.UserID == 0,
		})
		if err != nil {
			return 0, err
		}
		resp = out
		return float64(out.Usage.TotalTokens), nil
	})
	if errDispatch != nil {
		return verdict.Verdict{}, errDispatch
	}

	v := resp.Verdict
	v.ID = id
	v.SchemeID = schemeID
	if v.Language == "" {
		v.Language = language
	}
	s.persist(ctx, caller, v)
	return v, nil
}

// persist records the check in history. History is best effort.
func (s *Service) persist(ctx context.Context, caller Caller, v verdict.Verdict) {
	if s.db == nil {
		return
	}
	payload, errMarshal := json.Marshal(v)
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("eligibility: encode verdict for history")
		return
	}
	record := models.EligibilityCheck{
		ID:        uuid.NewString(),
		GuestID:   caller.GuestID,
		Category:  caller.Category(),
		SchemeID:  v.SchemeID,
		Language:  v.Language,
		VerdictID: v.ID,
		Eligible:  v.Eligible,
		Verdict:   datatypes.JSON(payload),
	}
	if caller.UserID != 0 {
		userID := caller.UserID
		record.UserID = &userID
	}
	if errCreate := s.db.WithContext(context.WithoutCancel(ctx)).Create(&record).Error; errCreate != nil {
		log.WithError(errCreate).WithField("verdict_id", v.ID).Warn("eligibility: failed to persist check history")
	}
}

// History lists a user's most recent checks, newest first.
func (s *Service) History(ctx context.Context, userID uint64, limit int) ([]models.EligibilityCheck, error) {
	const op = "eligibility.History"
	if userID == 0 {
		return nil, apperr.Errorf(apperr.KindInvalidInput, op, "missing user")
	}
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	var rows []models.EligibilityCheck
	if errFind := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; errFind != nil {
		return nil, apperr.E(apperr.KindInternal, op, errFind)
	}
	return rows, nil
}

// TranslateVerdict returns v in language, from the session cache when possible.
// Concurrent misses for the same session, verdict and language share one provider call.
func (s *Service) TranslateVerdict(ctx context.Context, session string, caller Caller, v verdict.Verdict, language string) (verdict.Verdict, error) {
	const op = "eligibility.TranslateVerdict"
	if strings.TrimSpace(session) == "" {
		return verdict.Verdict{}, apperr.Errorf(apperr.KindInvalidInput, op, "missing session")
	}
	if strings.TrimSpace(v.ID) == "" {
		return verdict.Verdict{}, apperr.Errorf(apperr.KindInvalidInput, op, "verdict has no id")
	}
	if !verdict.ValidLanguage(language) {
		return verdict.Verdict{}, apperr.Errorf(apperr.KindInvalidInput, op, "invalid language %q", language)
	}
	language = verdict.NormalizeLanguage(language)
	if verdict.NormalizeLanguage(v.Language) == language {
		return v, nil
	}
	// The id comes from the client, so the cache is keyed on the content as well.
	digest, errDigest := v.Digest()
	if errDigest != nil {
		return verdict.Verdict{}, apperr.E(apperr.KindInvalidInput, op, errDigest)
	}
	cacheID := v.ID + "." + digest
	if cached, ok := s.verdicts.Get(ctx, session, cacheID, language); ok {
		return cached, nil
	}

	ch := s.group.DoChan("verdict\x00"+session+"\x00"+cacheID+"\x00"+language, func() (any, error) {
		// Shared by every waiter; the first caller leaving must not cancel the others.
		ctx := context.WithoutCancel(ctx)
		if cached, ok := s.verdicts.Get(ctx, session, cacheID, language); ok {
			return cached, nil
		}
		texts := v.TranslatableText()
		var translated []string
		_, errDispatch := s.gate.Dispatch(ctx, dispatch.Request{
			Service:  services.TextGeneration,
			Category: caller.Category(),
			Estimate: estimateTokens(texts),
		}, func(ctx context.Context, cred dispatch.Credential) (float64, error) {
			result, tokens, err := s.translator.Translate(ctx, cred.APIKey, texts, language)
			if err != nil {
				return float64(tokens), err
			}
			translated = result
			return float64(tokens), nil
		})
		if errDispatch != nil {
			return nil, errDispatch
		}
		result, errApply := v.WithTranslatedText(language, translated)
		if errApply != nil {
			return nil, apperr.E(apperr.KindProviderRejected, op, errApply)
		}
		if errSet := s.verdicts.Set(ctx, session, cacheID, language, result); errSet != nil {
			log.WithError(errSet).Warn("eligibility: failed to cache translated verdict")
		}
		return result, nil
	})
	out, errWait := awaitFlight(ctx, op, ch)
	if errWait != nil {
		return verdict.Verdict{}, errWait
	}
	return out.(verdict.Verdict), nil
}

// SynthesizeSpeech returns a handle to audio of text, from the session cache when possible.
func (s *Service) SynthesizeSpeech(ctx context.Context, session string, caller Caller, text, language string) (audio.Handle, error) {
	const op = "eligibility.SynthesizeSpeech"
	if strings.TrimSpace(session) == "" {
		return audio.Handle{}, apperr.Errorf(apperr.KindInvalidInput, op, "missing session")
	}
	if strings.TrimSpace(text) == "" {
		return audio.Handle{}, apperr.Errorf(apperr.KindInvalidInput, op, "empty text")
	}
	chars := utf8.RuneCountInString(text)
	if chars > maxSpeechChars {
		return audio.Handle{}, apperr.Errorf(apperr.KindInvalidInput, op, "text longer than %d characters", maxSpeechChars)
	}
	if !verdict.ValidLanguage(language) {
		return audio.Handle{}, apperr.Errorf(apperr.KindInvalidInput, op, "invalid language %q", language)
	}
	language = verdict.NormalizeLanguage(language)
	if cached, ok := s.audios.Get(ctx, session, language, text); ok {
		return cached, nil
	}

	ch := s.group.DoChan("audio\x00"+session+"\x00"+language+"\x00"+cache.Fingerprint(text), func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		if cached, ok := s.audios.Get(ctx, session, language, text); ok {
			return cached, nil
		}
		var (
			data        []byte
			contentType string
		)
		_, errDispatch := s.gate.Dispatch(ctx, dispatch.Request{
			Service:  services.TextToSpeech,
			Category: caller.Category(),
			Estimate: float64(chars),
		}, func(ctx context.Context, cred dispatch.Credential) (float64, error) {
			body, ct, err := s.synthesizer.Synthesize(ctx, cred.APIKey, text)
			if err != nil {
				return 0, err
			}
			data, contentType = body, ct
			return float64(chars), nil
		})
		if errDispatch != nil {
			return nil, errDispatch
		}
		handle, errSave := s.audio.Save(data, contentType)
		if errSave != nil {
			return nil, apperr.E(apperr.KindInternal, op, errSave)
		}
		if errSet := s.audios.Set(ctx, session, language, text, handle); errSet != nil {
			log.WithError(errSet).Warn("eligibility: failed to cache audio handle")
		}
		return handle, nil
	})
	out, errWait := awaitFlight(ctx, op, ch)
	if errWait != nil {
		return audio.Handle{}, errWait
	}
	return out.(audio.Handle), nil
}

// EndSession drops every cached result of session.
func (s *Service) EndSession(ctx context.Context, session string) error {
	const op = "eligibility.EndSession"
	if errEnd := s.sessions.EndSession(ctx, session); errEnd != nil {
		if errors.Is(errEnd, cache.ErrNoSession) {
			return apperr.E(apperr.KindInvalidInput, op, errEnd)
		}
		return apperr.E(apperr.KindInternal, op, errEnd)
	}
	return nil
}

// awaitFlight waits for a shared flight or for the caller to give up, whichever is first.
// A caller that leaves early does not stop the flight; its result still fills the cache.
func awaitFlight(ctx context.Context, op string, ch <-chan singleflight.Result) (any, error) {
	select {
	case <-ctx.Done():
		return nil, apperr.E(apperr.KindInternal, op, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	}
}

func validateCheck(op string, profile verdict.Profile, schemeID, language string) error {
	if strings.TrimSpace(schemeID) == "" {
		return apperr.Errorf(apperr.KindInvalidInput, op, "missing scheme id")
	}
	if len(profile) == 0 {
		return apperr.Errorf(apperr.KindInvalidInput, op, "empty profile")
	}
	if !verdict.ValidLanguage(language) {
		return apperr.Errorf(apperr.KindInvalidInput, op, "invalid language %q", language)
	}
	return nil
}

// estimateTokens approximates prompt plus completion tokens at four characters per token.
func estimateTokens(texts []string) float64 {
	chars := 0
	for _, t := range texts {
		chars += utf8.RuneCountInString(t)
	}
	return float64(promptTokenOverhead + 2*(chars/4+1))
}
