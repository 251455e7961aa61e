package classifier

import (
	"regexp"
	"strings"
)

const (
	nameToken = `[A-Z](?:[\p{Ll}'’-]+|\.)`
	particle  = `(?:de|da|del|della|der|den|di|du|van|von|le|la)`
	name      = nameToken + `(?:\s+(?:` + particle + `\s+)*` + nameToken + `){1,3}`
)

var speakerPatterns = []*regexp.Regexp{
	// "Speech by Christine Lagarde, President of the ECB, at ..."
	regexp.MustCompile(`(?i:speech|remarks|interview|statement|address|lecture)\s+(?i:by|with)\s+(` + name + `)(?:\s+(?i:at|in|to|for|on|before|during)\b|\s*[,:;(.]|\s*$)`),
	// "Luis de Guindos, Vice-President of the ECB"
	regexp.MustCompile(`(` + name + `)\s*,\s*(?:President|Vice-President|Member|Chief|Governor|Chair)`),
}

// ExtractSpeaker guesses the speaker of a speech-like document. The title is
// searched before the opening of the body. The result is advisory: atypical
// titles can produce no name or the wrong one.
func ExtractSpeaker(title, content string) *string {
	sources := []string{strings.TrimSpace(title), strings.TrimSpace(Prefix(content, SummaryLength))}
	for _, re := range speakerPatterns {
		for _, text := range sources {
			if text == "" {
				continue
			}
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			candidate := strings.Join(strings.Fields(m[1]), " ")
			if n := len(candidate); n > 3 && n < 50 {
				return &candidate
			}
		}
	}
	return nil
}
