package speech

import (
	"regexp"
	"strings"
)

var digitNames = map[rune]string{
	'0': "zero", '1': "one", '2': "two", '3': "three", '4': "four",
	'5': "five", '6': "six", '7': "seven", '8': "eight", '9': "nine",
}

// Ordered so a leading +1 or a long digit run is consumed whole before the
// bare ten-digit form is tried.
var phonePattern = regexp.MustCompile(
	`\+1\s*\(?\d{3}\)?\s*-?\s*\d{3}\s*-?\s*\d{4}` +
		`|\+?\d{10,15}` +
		`|\(?\d{3}\)?\s*-?\s*\d{3}\s*-?\s*\d{4}`)

// FormatPhoneForSpeech spells a phone number digit by digit so a synthesizer
// reads "plus one, five, five, five, ..." instead of a large number.
func FormatPhoneForSpeech(number string) string {
	words := make([]string, 0, len(number))
	prefix := ""
	for _, r := range number {
		if r == '+' {
			prefix = "plus "
			continue
		}
		if w, ok := digitNames[r]; ok {
			words = append(words, prefix+w)
			prefix = ""
		}
	}
	return strings.Join(words, ", ")
}

// FormatTextWithPhoneNumbers rewrites every phone number in text for speech.
func FormatTextWithPhoneNumbers(text string) string {
	return phonePattern.ReplaceAllStringFunc(text, FormatPhoneForSpeech)
}
