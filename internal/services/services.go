// Package services holds the static table of metered services and their config overrides.
package services

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/config"
	"github.com/schemewise/governance/internal/models"
)

// Metered service names.
const (
	TextGeneration   = "text-generation"
	SpeechToText     = "speech-to-text"
	VisionExtraction = "vision-extraction"
	TextToSpeech     = "text-to-speech"
	EmailDispatch    = "email-dispatch"
)

// Provider labels.
const (
	ProviderOpenAI = "openai"
	ProviderSMTP   = "smtp"
)

// Definition describes how one service is metered.
type Definition struct {
	Name       string
	Provider   string
	Unit       models.Unit
	DailyLimit int64
	TimeZone   string
	location   *time.Location
}

// Location returns the zone used for day boundaries.
func (d Definition) Location() *time.Location {
	if d.location == nil {
		return time.UTC
	}
	return d.location
}

var builtin = []Definition{
	{Name: TextGeneration, Provider: ProviderOpenAI, Unit: models.UnitTokens},
	{Name: SpeechToText, Provider: ProviderOpenAI, Unit: models.UnitSeconds},
	{Name: VisionExtraction, Provider: ProviderOpenAI, Unit: models.UnitRequests},
	{Name: TextToSpeech, Provider: ProviderOpenAI, Unit: models.UnitCharacters},
	{Name: EmailDispatch, Provider: ProviderSMTP, Unit: models.UnitRequests},
}

// Registry resolves service names to definitions. It is immutable after construction.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry applies overrides on top of the built-in table.
// defaultZone is used for services whose override does not name a zone.
func NewRegistry(defaultZone string, overrides map[string]config.ServiceOverride) (*Registry, error) {
	if strings.TrimSpace(defaultZone) == "" {
		defaultZone = "UTC"
	}
	defs := make(map[string]Definition, len(builtin))
	for _, def := range builtin {
		def.TimeZone = defaultZone
		defs[def.Name] = def
	}

	for name, override := range overrides {
		def, ok := defs[name]
		if !ok {
			return nil, fmt.Errorf("services: unknown service %q in overrides", name)
		}
		if p := strings.TrimSpace(override.Provider); p != "" {
			def.Provider = p
		}
		if u := strings.TrimSpace(override.Unit); u != "" {
			unit := models.Unit(u)
			if !unit.Valid() {
				return nil, fmt.Errorf("services: %s: unknown unit %q", name, u)
			}
			def.Unit = unit
		}
		if override.DailyLimit != nil {
			if *override.DailyLimit < 0 {
				return nil, fmt.Errorf("services: %s: negative daily limit", name)
			}
			def.DailyLimit = *override.DailyLimit
		}
		if tz := strings.TrimSpace(override.TimeZone); tz != "" {
			def.TimeZone = tz
		}
		defs[name] = def
	}

	for name, def := range defs {
		loc, errLoad := time.LoadLocation(def.TimeZone)
		if errLoad != nil {
			return nil, fmt.Errorf("services: %s: time zone %q: %w", name, def.TimeZone, errLoad)
		}
		def.location = loc
		defs[name] = def
	}
	return &Registry{defs: defs}, nil
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.defs[strings.TrimSpace(name)]
	return def, ok
}

// Resolve is Lookup that reports unknown names as invalid input.
func (r *Registry) Resolve(op, name string) (Definition, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return Definition{}, apperr.Errorf(apperr.KindInvalidInput, op, "unknown service %q", name)
	}
	return def, nil
}

// Names lists every known service, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
