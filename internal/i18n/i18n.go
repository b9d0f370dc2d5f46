// Package i18n picks the message printer used for operator-facing output.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages status output is formatted for
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// MatchLanguage returns the best supported language for a list of tags in
// Accept-Language form.
func MatchLanguage(accept string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(accept)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

// NewCLIPrinter returns a printer for the locale in LC_ALL or LANG.
func NewCLIPrinter() *message.Printer {
	return message.NewPrinter(localeTag(os.Getenv("LC_ALL"), os.Getenv("LANG")))
}

func localeTag(vars ...string) language.Tag {
	var lang string
	for _, v := range vars {
		if v != "" {
			lang = v
			break
		}
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return DefaultLang
	}

	// en_US.UTF-8
	if i := strings.Index(lang, "."); i != -1 {
		lang = lang[:i]
	}
	lang = strings.ReplaceAll(lang, "_", "-")

	tag, err := language.Parse(lang)
	if err != nil {
		return MatchLanguage(lang)
	}
	tag, _, _ = matcher.Match(tag)
	return tag
}
