package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/schemewise/governance/internal/audio"
	"github.com/schemewise/governance/internal/metrics"
	"github.com/schemewise/governance/internal/verdict"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies spoken text exactly: any byte difference yields a new key.
func Fingerprint(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// VerdictCache maps (verdict id, language) to a translated verdict.
type VerdictCache struct {
	store Store
}

// NewVerdictCache wraps store.
func NewVerdictCache(store Store) *VerdictCache {
	return &VerdictCache{store: store}
}

func verdictKey(verdictID, language string) string {
	return "verdict:" + verdictID + ":" + verdict.NormalizeLanguage(language)
}

// Get returns the cached translation. Store failures count as misses.
func (c *VerdictCache) Get(ctx context.Context, session, verdictID, language string) (verdict.Verdict, bool) {
	raw, ok := lookup(ctx, c.store, "verdict", session, verdictKey(verdictID, language))
	if !ok {
		return verdict.Verdict{}, false
	}
	var v verdict.Verdict
	if errUnmarshal := json.Unmarshal(raw, &v); errUnmarshal != nil {
		log.WithError(errUnmarshal).Warn("verdict cache: dropping undecodable entry")
		return verdict.Verdict{}, false
	}
	return v, true
}

// Set stores v as the translation of verdictID into language, replacing any earlier value.
func (c *VerdictCache) Set(ctx context.Context, session, verdictID, language string, v verdict.Verdict) error {
	raw, errMarshal := json.Marshal(v)
	if errMarshal != nil {
		return errMarshal
	}
	return c.store.Set(ctx, session, verdictKey(verdictID, language), raw)
}

// AudioCache maps (language, text fingerprint) to an audio handle.
type AudioCache struct {
	store Store
}

// NewAudioCache wraps store.
func NewAudioCache(store Store) *AudioCache {
	return &AudioCache{store: store}
}

func audioKey(language, text string) string {
	return "audio:" + verdict.NormalizeLanguage(language) + ":" + Fingerprint(text)
}

// Get returns the handle of audio previously synthesized for text in language.
func (c *AudioCache) Get(ctx context.Context, session, language, text string) (audio.Handle, bool) {
	raw, ok := lookup(ctx, c.store, "audio", session, audioKey(language, text))
	if !ok {
		return audio.Handle{}, false
	}
	var h audio.Handle
	if errUnmarshal := json.Unmarshal(raw, &h); errUnmarshal != nil {
		log.WithError(errUnmarshal).Warn("audio cache: dropping undecodable entry")
		return audio.Handle{}, false
	}
	return h, true
}

// Set records h as the audio for text in language.
func (c *AudioCache) Set(ctx context.Context, session, language, text string, h audio.Handle) error {
	raw, errMarshal := json.Marshal(h)
	if errMarshal != nil {
		return errMarshal
	}
	return c.store.Set(ctx, session, audioKey(language, text), raw)
}

func lookup(ctx context.Context, store Store, name, session, key string) ([]byte, bool) {
	raw, ok, err := store.Get(ctx, session, key)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues(name, "error").Inc()
		log.WithError(err).WithField("cache", name).Warn("cache lookup failed")
		return nil, false
	case !ok:
		metrics.CacheLookups.WithLabelValues(name, "miss").Inc()
		return nil, false
	default:
		metrics.CacheLookups.WithLabelValues(name, "hit").Inc()
		return raw, true
	}
}
