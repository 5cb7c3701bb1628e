// Package render holds the localized copy the runtime surfaces to people:
// failure messages for settled mutations, stream status labels, and the
// degraded-watch notice. Catalogs cover English and Brazilian Portuguese.
package render

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	apperrors "github.com/sidelinehq/sideline/internal/platform/errors"
)

const (
	defaultSignedOut      = "Sign in to follow and watch streams."
	defaultSessionExpired = "Your session expired. Sign in again."
	defaultRequestFailed  = "Something went wrong. Try again."
	defaultRateLimited    = "Too many requests. Give it a moment."
	defaultWatchDegraded  = "Live updates are degraded for this stream."
	defaultLive           = "LIVE"
	defaultOffline        = "offline"
	defaultViewers        = "%d watching"
	defaultFollowing      = "Following"
	defaultNotFollowing   = "Not following"
)

// Localizer is the minimal message-printer contract the renderer needs.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

// NewPrinter returns a printer for the locale tag, falling back to
// English when the tag does not parse.
func NewPrinter(locale string) *message.Printer {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		tag = language.English
	}
	return message.NewPrinter(tag)
}

// FailureCopy maps a settled runtime error to user-facing copy. Codes the
// runtime absorbs silently return the empty string; callers print nothing
// for them.
func FailureCopy(loc Localizer, err error) string {
	if err == nil {
		return ""
	}
	code := apperrors.CodeOf(err)
	if code.Silent() {
		return ""
	}
	switch code {
	case apperrors.CodeUnauthenticated:
		return localizeWithFallback(loc, "runtime.signed_out", defaultSignedOut)
	case apperrors.CodeSessionExpired:
		return localizeWithFallback(loc, "runtime.session_expired", defaultSessionExpired)
	case apperrors.CodeRateLimited:
		return localizeWithFallback(loc, "runtime.rate_limited", defaultRateLimited)
	default:
		return localizeWithFallback(loc, "runtime.request_failed", defaultRequestFailed)
	}
}

// WatchDegradedNotice returns the copy shown when a watch keeps playing
// without gateway registration.
func WatchDegradedNotice(loc Localizer) string {
	return localizeWithFallback(loc, "runtime.watch_degraded", defaultWatchDegraded)
}

// LiveLabel returns the stream status marker.
func LiveLabel(loc Localizer, live bool) string {
	if live {
		return localizeWithFallback(loc, "stream.live", defaultLive)
	}
	return localizeWithFallback(loc, "stream.offline", defaultOffline)
}

// ViewersLabel renders a viewer count.
func ViewersLabel(loc Localizer, count int) string {
	rendered := localize(loc, "stream.viewers", count)
	// An unregistered key echoes back, with fmt noise when args went
	// unconsumed.
	if strings.HasPrefix(rendered, "stream.viewers") || strings.TrimSpace(rendered) == "" {
		return fallbackPrinter().Sprintf(defaultViewers, count)
	}
	return rendered
}

// FollowLabel renders follow membership.
func FollowLabel(loc Localizer, following bool) string {
	if following {
		return localizeWithFallback(loc, "follow.on", defaultFollowing)
	}
	return localizeWithFallback(loc, "follow.off", defaultNotFollowing)
}

func fallbackPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}

func localize(loc Localizer, key message.Reference, args ...any) string {
	if loc == nil {
		if asString, ok := key.(string); ok {
			return asString
		}
		return ""
	}
	return loc.Sprintf(key, args...)
}

func localizeWithFallback(loc Localizer, key string, fallback string) string {
	value := strings.TrimSpace(localize(loc, key))
	if value == "" || value == key {
		return fallback
	}
	return value
}
