// Package verdict defines the eligibility verdict returned by the retrieval engine.
package verdict

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Confidence tiers reported by the engine.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Citation points at the scheme text a verdict relies on.
type Citation struct {
	Text    string `json:"text"`
	Locator string `json:"locator"` // e.g. "page 4, section 2.1"
}

// Benefit is the optional payout a scheme offers.
type Benefit struct {
	Amount    string `json:"amount"`
	Frequency string `json:"frequency"`
}

// Verdict is the engine's structured answer for one profile and scheme.
type Verdict struct {
	ID                string   `json:"id"`
	SchemeID          string   `json:"schemeId"`
	Language          string   `json:"language"`
	Eligible          bool     `json:"eligible"`
	Confidence        string   `json:"confidence"`
	Reason            string   `json:"reason"`
	Citation          Citation `json:"citation"`
	Benefit           *Benefit `json:"benefit,omitempty"`
	RequiredDocuments []string `json:"requiredDocuments"`
}

// Profile is the caller-supplied applicant data. Its keys are free-form.
type Profile map[string]any

// Identity derives a stable verdict id from the scheme and the profile's canonical JSON.
// encoding/json sorts map keys, so equal profiles hash equally.
func Identity(schemeID string, profile Profile) (string, error) {
	canonical, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("verdict: encode profile: %w", err)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(strings.TrimSpace(schemeID)))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}

// Digest hashes everything but the id, so two verdicts sharing an id but differing in
// content never collide in a cache.
func (v Verdict) Digest() (string, error) {
	v.ID = ""
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("verdict: encode verdict: %w", err)
	}
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:16]), nil
}

// NormalizeLanguage lower-cases a language code and drops surrounding space.
func NormalizeLanguage(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ValidLanguage accepts short codes such as "en", "hi" or "pt-br".
func ValidLanguage(code string) bool {
	code = NormalizeLanguage(code)
	if len(code) < 2 || len(code) > 16 {
		return false
	}
	for _, r := range code {
		if (r < 'a' || r > 'z') && r != '-' {
			return false
		}
	}
	return true
}

// TranslatableText collects the free-text fields a translation must cover, in a fixed order.
func (v Verdict) TranslatableText() []string {
	out := []string{v.Reason, v.Citation.Text}
	if v.Benefit != nil {
		out = append(out, v.Benefit.Amount, v.Benefit.Frequency)
	}
	return append(out, v.RequiredDocuments...)
}

// WithTranslatedText returns a copy of v with the fields of TranslatableText replaced by texts.
func (v Verdict) WithTranslatedText(language string, texts []string) (Verdict, error) {
	want := len(v.TranslatableText())
	if len(texts) != want {
		return Verdict{}, fmt.Errorf("verdict: expected %d translated fields, got %d", want, len(texts))
	}
	out := v
	out.Language = NormalizeLanguage(language)
	out.Reason = texts[0]
	out.Citation.Text = texts[1]
	next := 2
	if v.Benefit != nil {
		out.Benefit = &Benefit{Amount: texts[2], Frequency: texts[3]}
		next = 4
	}
	out.RequiredDocuments = append([]string(nil), texts[next:]...)
	return out, nil
}
