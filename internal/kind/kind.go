// Package kind normalizes and validates artifact kind slugs and tracks the
// set of kinds registered for a project.
package kind

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	// SlugMinLength is the minimum length of a kind slug.
	SlugMinLength = 2
	// SlugMaxLength is the maximum length of a kind slug.
	SlugMaxLength = 64
)

// reservedSlugs cannot be used as kinds; they collide with CLI verbs and
// filter keywords.
var reservedSlugs = map[string]bool{
	"all":       true,
	"any":       true,
	"artifact":  true,
	"artifacts": true,
	"config":    true,
	"default":   true,
	"kind":      true,
	"kinds":     true,
	"none":      true,
	"search":    true,
	"system":    true,
}

// ErrInvalidSlug is the sentinel wrapped by all slug validation failures.
var ErrInvalidSlug = errors.New("invalid kind slug")

// Slugify transforms raw user input into a kebab-case slug: lowercase
// alphanumeric runs joined by single hyphens, everything else collapsed.
func Slugify(input string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(input) {
		if unicode.IsLower(r) || unicode.IsDigit(r) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		} else {
			pendingHyphen = true
		}
	}
	return b.String()
}

// Validate checks an already-slugified kind against length, charset and
// reserved-word rules.
func Validate(slug string) error {
	if slug == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidSlug)
	}
	if len(slug) < SlugMinLength {
		return fmt.Errorf("%w: too short, minimum %d characters, got %d", ErrInvalidSlug, SlugMinLength, len(slug))
	}
	if len(slug) > SlugMaxLength {
		return fmt.Errorf("%w: too long, maximum %d characters, got %d", ErrInvalidSlug, SlugMaxLength, len(slug))
	}
	if reservedSlugs[slug] {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidSlug, slug)
	}
	for _, r := range slug {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidSlug, slug)
		}
	}
	if strings.HasPrefix(slug, "-") || strings.HasSuffix(slug, "-") {
		return fmt.Errorf("%w: %q must not start or end with a hyphen", ErrInvalidSlug, slug)
	}
	return nil
}

// Normalize slugifies raw input and validates the result.
func Normalize(input string) (string, error) {
	slug := Slugify(input)
	if err := Validate(slug); err != nil {
		return "", err
	}
	return slug, nil
}

// Definition describes a registered artifact kind.
type Definition struct {
	Slug        string `json:"slug" yaml:"slug" koanf:"slug"`
	Description string `json:"description" yaml:"description" koanf:"description"`
}

// Registry holds the kinds registered for a project. The zero value is an
// empty registry. Not safe for concurrent mutation; callers persist it
// through the config layer.
type Registry struct {
	Definitions []Definition `json:"definitions" yaml:"definitions" koanf:"definitions"`
}

// Has reports whether a slug is registered.
func (r *Registry) Has(slug string) bool {
	for _, d := range r.Definitions {
		if d.Slug == slug {
			return true
		}
	}
	return false
}

// Add registers a kind. Returns false if the slug already exists.
func (r *Registry) Add(slug, description string) bool {
	if r.Has(slug) {
		return false
	}
	r.Definitions = append(r.Definitions, Definition{Slug: slug, Description: description})
	return true
}

// Remove unregisters a kind. Returns true if it existed.
func (r *Registry) Remove(slug string) bool {
	for i, d := range r.Definitions {
		if d.Slug == slug {
			r.Definitions = append(r.Definitions[:i], r.Definitions[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the definition for a slug, or nil.
func (r *Registry) Get(slug string) *Definition {
	for i := range r.Definitions {
		if r.Definitions[i].Slug == slug {
			return &r.Definitions[i]
		}
	}
	return nil
}

// Slugs lists all registered slugs in registration order.
func (r *Registry) Slugs() []string {
	out := make([]string, len(r.Definitions))
	for i, d := range r.Definitions {
		out[i] = d.Slug
	}
	return out
}
