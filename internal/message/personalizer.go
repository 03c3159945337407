package message

import "strings"

const (
	Placeholder  = "{{nome}}"
	FallbackName = "cliente"
)

// Personalizer fills the name placeholder of a campaign template.
type Personalizer struct {
	placeholder string
	fallback    string
}

// NewPersonalizer builds a Personalizer; empty arguments keep the defaults.
func NewPersonalizer(placeholder, fallback string) Personalizer {
	if placeholder == "" {
		placeholder = Placeholder
	}
	if fallback == "" {
		fallback = FallbackName
	}
	return Personalizer{placeholder: placeholder, fallback: fallback}
}

// Personalize replaces every placeholder with name, or the fallback word when
// name is empty, and trims the result. name is substituted as given.
func (p Personalizer) Personalize(template, name string) string {
	placeholder, fallback := p.placeholder, p.fallback
	if placeholder == "" {
		placeholder = Placeholder
	}
	if fallback == "" {
		fallback = FallbackName
	}

	if name == "" {
		name = fallback
	}
	return strings.TrimSpace(strings.ReplaceAll(template, placeholder, name))
}

// Count returns how many placeholders template holds.
func (p Personalizer) Count(template string) int {
	placeholder := p.placeholder
	if placeholder == "" {
		placeholder = Placeholder
	}
	return strings.Count(template, placeholder)
}

// Personalize applies the default placeholder and fallback word.
func Personalize(template, name string) string {
	return Personalizer{}.Personalize(template, name)
}
