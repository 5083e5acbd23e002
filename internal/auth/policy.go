package auth

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledgerline/reconauth/internal/config"
)

// maxPasswordLength caps input so argon2 cannot be fed arbitrarily large payloads.
const maxPasswordLength = 128

// Violation codes reported by Policy.Check
const (
	ViolationTooShort       = "too_short"
	ViolationTooLong        = "too_long"
	ViolationMissingUpper   = "missing_upper"
	ViolationMissingLower   = "missing_lower"
	ViolationMissingDigit   = "missing_digit"
	ViolationMissingSpecial = "missing_special"
	ViolationCommon         = "too_common"
	ViolationReused         = "reused"
)

// Violation is one unmet password requirement.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PolicyResult is the itemized outcome of a policy check.
type PolicyResult struct {
	Violations []Violation `json:"violations"`
	// Strength is EstimatePasswordStrength of the candidate.
	Strength int `json:"strength"`
}

// OK reports whether the candidate satisfied every rule.
func (r PolicyResult) OK() bool {
	return len(r.Violations) == 0
}

// Codes lists the violation codes in order.
func (r PolicyResult) Codes() []string {
	codes := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		codes[i] = v.Code
	}
	return codes
}

// Policy is the password policy. Each character class is toggled independently.
type Policy struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
	// HistorySize is how many previous hashes a new password is compared against.
	HistorySize int
}

// PolicyFromConfig builds a Policy from the password section of the configuration.
func PolicyFromConfig(cfg config.PasswordConfig) Policy {
	return Policy{
		MinLength:      cfg.MinLength,
		RequireUpper:   cfg.RequireUpper,
		RequireLower:   cfg.RequireLower,
		RequireDigit:   cfg.RequireDigit,
		RequireSpecial: cfg.RequireSpecial,
		HistorySize:    cfg.HistorySize,
	}
}

var commonPasswords = map[string]struct{}{
	"password1234": {},
	"123456789012": {},
	"qwertyuiopas": {},
	"password123!": {},
	"p@ssw0rd1234": {},
}

// Check evaluates candidate against the policy. history holds prior password
// hashes, newest first; only the first HistorySize are consulted.
func (p Policy) Check(ctx context.Context, h *Hasher, candidate string, history []string) (PolicyResult, error) {
	res := PolicyResult{Strength: EstimatePasswordStrength(candidate)}
	add := func(code, msg string) {
		res.Violations = append(res.Violations, Violation{Code: code, Message: msg})
	}

	minLength := p.MinLength
	if minLength <= 0 {
		minLength = 12
	}

	length := utf8.RuneCountInString(candidate)
	if length < minLength {
		add(ViolationTooShort, fmt.Sprintf("password must be at least %d characters long", minLength))
	}
	if length > maxPasswordLength {
		add(ViolationTooLong, fmt.Sprintf("password must be at most %d characters long", maxPasswordLength))
	}

	classes := classify(candidate)
	if p.RequireUpper && !classes.upper {
		add(ViolationMissingUpper, "password must contain an uppercase letter")
	}
	if p.RequireLower && !classes.lower {
		add(ViolationMissingLower, "password must contain a lowercase letter")
	}
	if p.RequireDigit && !classes.digit {
		add(ViolationMissingDigit, "password must contain a digit")
	}
	if p.RequireSpecial && !classes.special {
		add(ViolationMissingSpecial, "password must contain a special character")
	}

	if _, ok := commonPasswords[strings.ToLower(candidate)]; ok || isRepeatingChar(candidate) {
		add(ViolationCommon, "password is too common")
	}

	if p.HistorySize > 0 && len(history) > 0 && length <= maxPasswordLength {
		if len(history) > p.HistorySize {
			history = history[:p.HistorySize]
		}
		reused, err := h.MatchesAny(ctx, candidate, history)
		if err != nil {
			return PolicyResult{}, fmt.Errorf("failed to check password history: %w", err)
		}
		if reused {
			add(ViolationReused, fmt.Sprintf("password must differ from the last %d passwords", p.HistorySize))
		}
	}

	return res, nil
}

type charClasses struct {
	upper, lower, digit, special bool
}

func classify(s string) charClasses {
	var c charClasses
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			c.upper = true
		case unicode.IsLower(r):
			c.lower = true
		case unicode.IsDigit(r):
			c.digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			c.special = true
		}
	}
	return c
}

// isRepeatingChar checks if the password is just the same character repeated
func isRepeatingChar(s string) bool {
	if len(s) == 0 {
		return false
	}
	runes := []rune(s)
	first := runes[0]
	for _, r := range runes[1:] {
		if r != first {
			return false
		}
	}
	return true
}

// EstimatePasswordStrength returns a simple strength estimate (0-4)
func EstimatePasswordStrength(password string) int {
	score := 0

	n := utf8.RuneCountInString(password)
	if n >= 12 {
		score++
	}
	if n >= 16 {
		score++
	}

	c := classify(password)
	charTypes := 0
	for _, has := range []bool{c.upper, c.lower, c.digit, c.special} {
		if has {
			charTypes++
		}
	}

	if charTypes >= 3 {
		score++
	}
	if charTypes >= 4 {
		score++
	}

	return score
}
