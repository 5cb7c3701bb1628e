package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	message.SetString(lang, "runtime.signed_out", defaultSignedOut)
	message.SetString(lang, "runtime.session_expired", defaultSessionExpired)
	message.SetString(lang, "runtime.request_failed", defaultRequestFailed)
	message.SetString(lang, "runtime.rate_limited", defaultRateLimited)
	message.SetString(lang, "runtime.watch_degraded", defaultWatchDegraded)
	message.SetString(lang, "stream.live", defaultLive)
	message.SetString(lang, "stream.offline", defaultOffline)
	message.SetString(lang, "stream.viewers", defaultViewers)
	message.SetString(lang, "follow.on", defaultFollowing)
	message.SetString(lang, "follow.off", defaultNotFollowing)
}
