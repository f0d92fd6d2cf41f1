package wsync

import "unicode"

// toCamelCase lowercases the leading run of uppercase letters in a Go
// exported field name, e.g. "FirstName" -> "firstName", "URL" -> "url",
// "ID" -> "id". When lowercase letters follow a run of several uppercase
// letters, the run's last letter stays uppercase as the start of the next
// word: "URLPath" -> "urlPath".
func toCamelCase(name string) string {
	r := []rune(name)
	if len(r) == 0 {
		return name
	}
	i := 0
	for i < len(r) && unicode.IsUpper(r[i]) {
		i++
	}
	switch {
	case i == 0:
		return name
	case i == len(r):
		return string(toLowerRunes(r))
	case i == 1:
		r[0] = unicode.ToLower(r[0])
		return string(r)
	default:
		// Keep the last uppercase letter of the run as the start of the
		// next word, e.g. "URLPath" -> "urlPath".
		for j := 0; j < i-1; j++ {
			r[j] = unicode.ToLower(r[j])
		}
		return string(r)
	}
}

func toLowerRunes(r []rune) []rune {
	out := make([]rune, len(r))
	for i, c := range r {
		out[i] = unicode.ToLower(c)
	}
	return out
}
