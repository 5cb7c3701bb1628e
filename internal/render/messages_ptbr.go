package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.MustParse("pt-BR")

	message.SetString(lang, "runtime.signed_out", "Entre para seguir e assistir transmissões.")
	message.SetString(lang, "runtime.session_expired", "Sua sessão expirou. Entre novamente.")
	message.SetString(lang, "runtime.request_failed", "Algo deu errado. Tente de novo.")
	message.SetString(lang, "runtime.rate_limited", "Muitas tentativas. Aguarde um instante.")
	message.SetString(lang, "runtime.watch_degraded", "As atualizações ao vivo estão degradadas nesta transmissão.")
	message.SetString(lang, "stream.live", "AO VIVO")
	message.SetString(lang, "stream.offline", "offline")
	message.SetString(lang, "stream.viewers", "%d assistindo")
	message.SetString(lang, "follow.on", "Seguindo")
	message.SetString(lang, "follow.off", "Não seguindo")
}
