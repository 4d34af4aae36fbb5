// Package formdef loads declarative intake form schemas, resolves their
// language and caches the localized definitions.
package formdef

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrFormNotFound is returned when a form has no schema in any supported
// layout or its schema cannot be decoded.
var ErrFormNotFound = errors.New("form not found")

// Store loads localized form definitions and caches them per form and
// resolved language for the life of the process.
type Store struct {
	resolver *LocaleResolver
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*FormDefinition
}

// NewStore creates a Store backed by resolver.
func NewStore(resolver *LocaleResolver, logger zerolog.Logger) *Store {
	return &Store{
		resolver: resolver,
		logger:   logger,
		cache:    make(map[string]*FormDefinition),
	}
}

// Resolver exposes the locale resolver the store loads through.
func (s *Store) Resolver() *LocaleResolver { return s.resolver }

// DefaultLanguage returns the fallback language of the underlying resolver.
func (s *Store) DefaultLanguage() string { return s.resolver.DefaultLanguage() }

// Language returns the language that a request for locale is served in.
func (s *Store) Language(locale string) string { return s.resolver.Language(locale) }

// Forms lists all form ids available to the store.
func (s *Store) Forms() []string { return s.resolver.Forms() }

// Load returns the localized definition of formID. The returned value is a
// copy and may be modified by the caller.
func (s *Store) Load(formID, locale string) (*FormDefinition, error) {
	plan, ok := s.resolver.Resolve(formID, locale)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFormNotFound, formID)
	}

	key := plan.FormID + "|" + plan.Language
	s.mu.RLock()
	def, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return def.Clone(), nil
	}

	def, err := s.load(plan)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("form_id", formID).
			Str("language", plan.Language).
			Msg("form schema unavailable")
		return nil, fmt.Errorf("%w: %s", ErrFormNotFound, formID)
	}

	s.mu.Lock()
	s.cache[key] = def
	s.mu.Unlock()
	return def.Clone(), nil
}

func (s *Store) load(plan Plan) (*FormDefinition, error) {
	data, format, err := plan.Source.Read(plan.FormID, plan.Language)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	raw, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	return Localize(raw, plan.Language, s.resolver.DefaultLanguage())
}

// ClearCache drops every cached definition.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]*FormDefinition)
	s.mu.Unlock()
}
