package correction

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

func wordRule(word, replacement string) rule {
	return rule{pattern: regexp.MustCompile(`(?i)\b` + word + `\b`), replacement: replacement}
}

// rules covers frequent misspellings, contractions written without an
// apostrophe and common OCR letter confusions.
var rules = []rule{
	wordRule("grammer", "grammar"),
	wordRule("teh", "the"),
	wordRule("adn", "and"),
	wordRule("thier", "their"),
	wordRule("recieve", "receive"),
	wordRule("occured", "occurred"),
	wordRule("seperate", "separate"),
	wordRule("definately", "definitely"),

	wordRule("dont", "don't"),
	wordRule("wont", "won't"),
	wordRule("cant", "can't"),
	wordRule("doesnt", "doesn't"),
	wordRule("didnt", "didn't"),
	wordRule("havent", "haven't"),
	wordRule("hasnt", "hasn't"),
	wordRule("hadnt", "hadn't"),
	wordRule("isnt", "isn't"),
	wordRule("wasnt", "wasn't"),
	wordRule("werent", "weren't"),
	wordRule("wouldnt", "wouldn't"),
	wordRule("couldnt", "couldn't"),
	wordRule("shouldnt", "shouldn't"),

	{pattern: regexp.MustCompile(`\b0\b`), replacement: "O"},
	{pattern: regexp.MustCompile(`\bl( +\p{Lu})`), replacement: "I$1"},
	{pattern: regexp.MustCompile(`\brn\b`), replacement: "m"},
	{pattern: regexp.MustCompile(`\bvv\b`), replacement: "w"},
}

// Rules is an offline Corrector used when the model is unavailable
type Rules struct{}

// Correct applies every rule in order, keeping the capitalisation of the
// first letter of each replaced word.
func (Rules) Correct(_ context.Context, text string) (Result, error) {
	corrected := text
	for _, r := range rules {
		corrected = r.pattern.ReplaceAllStringFunc(corrected, func(match string) string {
			repl := r.pattern.ReplaceAllString(match, r.replacement)
			return matchCase(match, repl)
		})
	}
	return Result{CorrectedText: corrected, Corrections: Diff(text, corrected)}, nil
}

func matchCase(original, replacement string) string {
	first, _ := utf8.DecodeRuneInString(original)
	if !unicode.IsUpper(first) || replacement == "" {
		return replacement
	}
	r, size := utf8.DecodeRuneInString(replacement)
	return strings.ToUpper(string(r)) + replacement[size:]
}
