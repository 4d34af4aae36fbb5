// Package overlay merges per-deployment customizations over the shipped form
// definitions without modifying them.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/formdef"
	"github.com/ehr/intake/internal/platform/kvstore"
)

var (
	// ErrNotCustomField is returned when a delete targets an id without the
	// custom prefix.
	ErrNotCustomField = errors.New("not a custom field")
	// ErrInvalidField is returned for a custom field that cannot be stored.
	ErrInvalidField = errors.New("invalid custom field")
)

// Service computes effective field maps and persists customizations in a
// kvstore.Store.
type Service struct {
	defs   *formdef.Store
	kv     kvstore.Store
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]formdef.FieldMap
	// gen counts cache clears. A read only caches its result when no clear
	// happened while it was loading.
	gen uint64
}

// NewService creates a Service over the definition store defs.
func NewService(defs *formdef.Store, kv kvstore.Store, logger zerolog.Logger) *Service {
	return &Service{
		defs:   defs,
		kv:     kv,
		logger: logger,
		cache:  make(map[string]formdef.FieldMap),
	}
}

// EffectiveFields returns the default fields of formID with overrides,
// custom fields and info texts of scope applied.
func (s *Service) EffectiveFields(ctx context.Context, formID, locale, scope string) (formdef.FieldMap, error) {
	lang := s.defs.Resolver().Language(locale)
	key := formID + "|" + lang + "|" + scope

	s.mu.RLock()
	cached, ok := s.cache[key]
	gen := s.gen
	s.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	def, err := s.defs.Load(formID, lang)
	if err != nil {
		return nil, err
	}
	fields := def.FieldMap()

	complete := true
	overrides, err := s.Overrides(ctx, formID, scope)
	if err != nil {
		s.readFailed(err, formID, scope)
		complete = false
	}
	for id, d := range overrides {
		f, ok := fields[id]
		if !ok {
			continue
		}
		fields[id] = d.Apply(f)
	}

	customs, err := s.CustomFields(ctx, formID, scope)
	if err != nil {
		s.readFailed(err, formID, scope)
		complete = false
	}
	for _, cf := range customs {
		cf.IsCustom = true
		fields[cf.ID] = cf
	}

	infos, err := s.InfoOverrides(ctx, formID, scope)
	if err != nil {
		s.readFailed(err, formID, scope)
		complete = false
	}
	for id, text := range infos {
		if f, ok := fields[id]; ok {
			f.Info = text
			fields[id] = f
		}
	}

	// A partial overlay is served but not cached so the next read retries.
	if complete {
		s.mu.Lock()
		if s.gen == gen {
			s.cache[key] = fields
		}
		s.mu.Unlock()
	}
	return fields.Clone(), nil
}

func (s *Service) readFailed(err error, formID, scope string) {
	s.logger.Warn().Err(err).
		Str("form_id", formID).
		Str("scope", scope).
		Msg("overlay read failed, serving defaults")
}

// Overrides returns the stored field deltas of scope.
func (s *Service) Overrides(ctx context.Context, formID, scope string) (Overrides, error) {
	out := Overrides{}
	if _, err := s.kv.Get(ctx, storeKey(nsOverrides, formID, scope), &out); err != nil {
		return Overrides{}, err
	}
	return out, nil
}

// CustomFields returns the custom fields of scope in creation order.
func (s *Service) CustomFields(ctx context.Context, formID, scope string) ([]formdef.Field, error) {
	var out []formdef.Field
	if _, err := s.kv.Get(ctx, storeKey(nsCustomFields, formID, scope), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InfoOverrides returns the info texts of scope keyed by field id.
func (s *Service) InfoOverrides(ctx context.Context, formID, scope string) (map[string]string, error) {
	out := map[string]string{}
	if _, err := s.kv.Get(ctx, storeKey(nsInfo, formID, scope), &out); err != nil {
		return map[string]string{}, err
	}
	return out, nil
}

func (s *Service) defaults(formID string) (formdef.FieldMap, error) {
	def, err := s.defs.Load(formID, s.defs.DefaultLanguage())
	if err != nil {
		return nil, err
	}
	return def.FieldMap(), nil
}

// SaveOverrides records the submitted settings of default fields. Only keys
// that differ from the default are stored; submitted keys equal to the
// default remove a previous delta. Ids that are not default fields are
// skipped.
func (s *Service) SaveOverrides(ctx context.Context, formID string, submitted Overrides, scope string) error {
	defaults, err := s.defaults(formID)
	if err != nil {
		return err
	}
	current, err := s.Overrides(ctx, formID, scope)
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}

	for id, sub := range submitted {
		def, ok := defaults[id]
		if !ok {
			s.logger.Debug().Str("form_id", formID).Str("field_id", id).Msg("override for unknown field skipped")
			continue
		}
		d := merge(def, current[id], sub)
		if d.IsZero() {
			delete(current, id)
		} else {
			current[id] = d
		}
	}

	key := storeKey(nsOverrides, formID, scope)
	if len(current) == 0 {
		err = s.kv.Delete(ctx, key)
	} else {
		err = s.kv.Set(ctx, key, current)
	}
	if err != nil {
		return fmt.Errorf("save overrides: %w", err)
	}
	s.ClearCache()
	return nil
}

// SaveInfoOverrides replaces the info texts of scope. Blank texts are
// dropped.
func (s *Service) SaveInfoOverrides(ctx context.Context, formID string, infos map[string]string, scope string) error {
	clean := make(map[string]string, len(infos))
	for id, text := range infos {
		if text = strings.TrimSpace(text); text != "" {
			clean[id] = text
		}
	}

	key := storeKey(nsInfo, formID, scope)
	var err error
	if len(clean) == 0 {
		err = s.kv.Delete(ctx, key)
	} else {
		err = s.kv.Set(ctx, key, clean)
	}
	if err != nil {
		return fmt.Errorf("save info overrides: %w", err)
	}
	s.ClearCache()
	return nil
}

// AddCustomField stores a custom field and returns its normalized id. A
// field with the same id is replaced in place.
func (s *Service) AddCustomField(ctx context.Context, formID, fieldID string, in CustomFieldInput, scope string) (string, error) {
	id := NormalizeCustomID(fieldID)
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalidField)
	}
	defaults, err := s.defaults(formID)
	if err != nil {
		return "", err
	}
	customs, err := s.CustomFields(ctx, formID, scope)
	if err != nil {
		return "", fmt.Errorf("load custom fields: %w", err)
	}

	existing := -1
	maxOrder := defaults.MaxOrder()
	for i, cf := range customs {
		if cf.ID == id {
			existing = i
		}
		if cf.Order > maxOrder {
			maxOrder = cf.Order
		}
	}

	f := formdef.Field{
		ID:          id,
		Section:     in.Section,
		Type:        formdef.FieldType(in.Type),
		Enabled:     true,
		Label:       strings.TrimSpace(in.Label),
		Placeholder: in.Placeholder,
		Info:        in.Info,
		Options:     in.Options,
		Accept:      in.Accept,
		Condition:   in.Condition,
		IsCustom:    true,
	}
	if f.Label == "" {
		f.Label = id
	}
	if in.Enabled != nil {
		f.Enabled = *in.Enabled
	}
	if in.Required != nil {
		f.Required = *in.Required
	}
	switch {
	case in.Order != nil:
		f.Order = *in.Order
	case existing >= 0:
		f.Order = customs[existing].Order
	default:
		f.Order = maxOrder + 1
	}
	if err := f.Normalize(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidField, err)
	}

	if existing >= 0 {
		customs[existing] = f
	} else {
		customs = append(customs, f)
	}
	if err := s.kv.Set(ctx, storeKey(nsCustomFields, formID, scope), customs); err != nil {
		return "", fmt.Errorf("save custom fields: %w", err)
	}
	s.ClearCache()
	return id, nil
}

// DeleteCustomField removes a custom field and its info text. Deleting an
// unknown custom id is a no-op.
func (s *Service) DeleteCustomField(ctx context.Context, formID, fieldID, scope string) error {
	if !strings.HasPrefix(fieldID, CustomPrefix) {
		return ErrNotCustomField
	}
	customs, err := s.CustomFields(ctx, formID, scope)
	if err != nil {
		return fmt.Errorf("load custom fields: %w", err)
	}
	kept := customs[:0]
	for _, cf := range customs {
		if cf.ID != fieldID {
			kept = append(kept, cf)
		}
	}

	key := storeKey(nsCustomFields, formID, scope)
	if len(kept) == 0 {
		err = s.kv.Delete(ctx, key)
	} else {
		err = s.kv.Set(ctx, key, kept)
	}
	if err != nil {
		return fmt.Errorf("save custom fields: %w", err)
	}

	infos, err := s.InfoOverrides(ctx, formID, scope)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("form_id", formID).
			Str("scope", scope).
			Str("field_id", fieldID).
			Msg("could not read info texts, info text of deleted custom field kept")
	} else if _, ok := infos[fieldID]; ok {
		delete(infos, fieldID)
		if err := s.SaveInfoOverrides(ctx, formID, infos, scope); err != nil {
			return err
		}
	}
	s.ClearCache()
	return nil
}

// ResetToDefaults drops every field override of scope. Custom fields and
// info texts are kept.
func (s *Service) ResetToDefaults(ctx context.Context, formID, scope string) error {
	if err := s.kv.Delete(ctx, storeKey(nsOverrides, formID, scope)); err != nil {
		return fmt.Errorf("reset overrides: %w", err)
	}
	s.ClearCache()
	return nil
}

// ClearCache drops every cached effective field map.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]formdef.FieldMap)
	s.gen++
	s.mu.Unlock()
}
