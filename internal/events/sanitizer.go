package events

import (
	"regexp"
)

// SanitizePatterns contains patterns for sensitive content. Each command
// pattern keeps its first capture group and redacts the rest of the match.
type SanitizePatterns struct {
	CommandPatterns []string `yaml:"command_patterns"`
	FieldPatterns   []string `yaml:"field_patterns"`
}

// DefaultSensitivePatterns contains default patterns for sensitive content.
var DefaultSensitivePatterns = SanitizePatterns{
	CommandPatterns: []string{
		`(?i)(--password[=\s]+)\S+`,
		`(?i)(--token[=\s]+)\S+`,
		`(?i)(--api-key[=\s]+)\S+`,
		`(?i)(Authorization:\s*(?:Bearer|Basic)\s+)\S+`,
		`(?i)(PASS(WORD)?=)\S+`,
		`(?i)(TOKEN=)\S+`,
		`(?i)(API_KEY=)\S+`,
		`(?i)(SECRET=)\S+`,
	},
	FieldPatterns: []string{
		`(?i).*PASSWORD.*`,
		`(?i).*SECRET.*`,
		`(?i).*TOKEN.*`,
		`(?i).*API.?KEY.*`,
		`(?i).*PRIVATE.?KEY.*`,
		`(?i).*CREDENTIAL.*`,
	},
}

// Sanitizer redacts sensitive information in events.
type Sanitizer struct {
	commandPatterns []*regexp.Regexp
	fieldPatterns   []*regexp.Regexp
}

// NewSanitizer creates a sanitizer. Patterns that fail to compile are skipped.
func NewSanitizer(patterns SanitizePatterns) *Sanitizer {
	s := &Sanitizer{}

	for _, p := range patterns.CommandPatterns {
		if re, err := regexp.Compile(p); err == nil {
			s.commandPatterns = append(s.commandPatterns, re)
		}
	}

	for _, p := range patterns.FieldPatterns {
		if re, err := regexp.Compile(p); err == nil {
			s.fieldPatterns = append(s.fieldPatterns, re)
		}
	}

	return s
}

// NewDefaultSanitizer creates a sanitizer with default patterns.
func NewDefaultSanitizer() *Sanitizer {
	return NewSanitizer(DefaultSensitivePatterns)
}

// SanitizeCommand redacts secret values in a command line.
func (s *Sanitizer) SanitizeCommand(command string) string {
	for _, re := range s.commandPatterns {
		command = re.ReplaceAllString(command, "${1}[REDACTED]")
	}
	return command
}

// ShouldRedactField reports whether an event field name looks sensitive.
func (s *Sanitizer) ShouldRedactField(name string) bool {
	for _, re := range s.fieldPatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// SanitizeFields returns fields with sensitive keys redacted and string
// values scrubbed like commands. The input map is not modified.
func (s *Sanitizer) SanitizeFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch {
		case s.ShouldRedactField(k):
			out[k] = "[REDACTED]"
		default:
			if str, ok := v.(string); ok {
				v = s.SanitizeCommand(str)
			}
			out[k] = v
		}
	}
	return out
}
