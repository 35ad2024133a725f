package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/eddiefleurent/futures-gateway/internal/core"
	"github.com/eddiefleurent/futures-gateway/internal/models"
)

// directionLexicon maps every known token — English, Chinese, and signed
// integer strings — to its canonical direction (spec §4.5 step 3, §6).
var directionLexicon = map[string]models.Direction{
	// English
	"long":  models.DirectionOpenLong,
	"short": models.DirectionOpenShort,
	"buy":   models.DirectionOpenLong,
	"sell":  models.DirectionOpenShort,
	// "close" alone is ambiguous (long or short) — resolved against the
	// live position by the caller (see ResolveClose).

	// Chinese (TX webhook lexicon, spec §6)
	"開多": models.DirectionOpenLong,
	"開空": models.DirectionOpenShort,
	"平多": models.DirectionCloseLong,
	"平空": models.DirectionCloseShort,

	// Signed-integer convention some strategies emit as strings
	"1":  models.DirectionOpenLong,
	"+1": models.DirectionOpenLong,
	"-1": models.DirectionOpenShort,
}

// ambiguousCloseTokens names tokens that request a close without saying
// which side; ResolveClose infers the side from the live position.
var ambiguousCloseTokens = map[string]bool{
	"close": true,
	"平仓":   true,
	"平倉":   true,
	"0":    true,
}

var embeddedDirectionPattern = regexp.MustCompile(`(?i)(開多|開空|平多|平空|long|short|close)`)

// NormalizeDirection maps a signal's lexicon (English, Chinese, signed
// integers, or a token mined from free text) to a canonical Direction
// (spec §4.5 step 3). hasPosition/positionIsLong resolve an ambiguous
// "close" token against the live position; callers with no open position
// can pass hasPosition=false (the resulting error becomes "no position"
// further down the pipeline, not here).
func NormalizeDirection(raw, freeText string, hasPosition, positionIsLong bool) (models.Direction, error) {
	token := normalizeToken(raw)
	if d, ok := directionLexicon[token]; ok {
		return d, nil
	}
	if ambiguousCloseTokens[token] {
		return resolveClose(hasPosition, positionIsLong)
	}

	if mined := embeddedDirectionPattern.FindString(freeText); mined != "" {
		token = normalizeToken(mined)
		if d, ok := directionLexicon[token]; ok {
			return d, nil
		}
		if ambiguousCloseTokens[token] {
			return resolveClose(hasPosition, positionIsLong)
		}
	}

	// A bare signed-integer-looking token that isn't 1/-1/0 is still
	// unrecognized, not a parse error — spec §4.5: "Unknown inputs fail
	// with unrecognized action."
	if _, err := strconv.Atoi(token); err == nil {
		return "", fmt.Errorf("%w: numeric direction %q out of {1,0,-1}", core.ErrUnrecognizedAction, raw)
	}

	return "", fmt.Errorf("%w: %q", core.ErrUnrecognizedAction, raw)
}

func resolveClose(hasPosition, positionIsLong bool) (models.Direction, error) {
	if !hasPosition {
		// No position to resolve against; let the precondition check in
		// the pipeline produce the canonical NoPosition rejection. Default
		// to closing a long since that is the more common webhook intent.
		return models.DirectionCloseLong, nil
	}
	if positionIsLong {
		return models.DirectionCloseLong, nil
	}
	return models.DirectionCloseShort, nil
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
