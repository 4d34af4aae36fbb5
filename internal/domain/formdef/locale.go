package formdef

import (
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	formIDPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	multiFilePattern = regexp.MustCompile(`^(.+)_([a-z]{2})$`)
	schemaFormats    = []struct{ ext, format string }{
		{".json", "json"},
		{".yaml", "yaml"},
		{".yml", "yaml"},
	}
)

// SchemaSource hides how a form's schema files are laid out.
type SchemaSource interface {
	// Exists reports whether a schema for formID is available in lang.
	Exists(formID, lang string) bool
	// Read returns the schema bytes and their format ("json" or "yaml").
	Read(formID, lang string) ([]byte, string, error)
	// Forms lists the form ids this source can serve.
	Forms() []string
	// Translated reports whether schemas carry inline language maps.
	Translated() bool
}

type fileSource struct {
	fsys       fs.FS
	translated bool
}

// NewMultiFileSource serves one file per form and language, named
// "<formID>_<lang>.json" (or .yaml).
func NewMultiFileSource(fsys fs.FS) SchemaSource {
	return &fileSource{fsys: fsys}
}

// NewInlineSource serves one file per form, "<formID>.json" (or .yaml),
// whose texts are language maps.
func NewInlineSource(fsys fs.FS) SchemaSource {
	return &fileSource{fsys: fsys, translated: true}
}

func (s *fileSource) Translated() bool { return s.translated }

func (s *fileSource) base(formID, lang string) string {
	if s.translated {
		return formID
	}
	return formID + "_" + lang
}

func (s *fileSource) find(formID, lang string) (string, string, bool) {
	if !formIDPattern.MatchString(formID) {
		return "", "", false
	}
	base := s.base(formID, lang)
	for _, f := range schemaFormats {
		name := base + f.ext
		if st, err := fs.Stat(s.fsys, name); err == nil && !st.IsDir() {
			return name, f.format, true
		}
	}
	return "", "", false
}

func (s *fileSource) Exists(formID, lang string) bool {
	_, _, ok := s.find(formID, lang)
	return ok
}

func (s *fileSource) Read(formID, lang string) ([]byte, string, error) {
	name, format, ok := s.find(formID, lang)
	if !ok {
		return nil, "", fs.ErrNotExist
	}
	data, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		return nil, "", err
	}
	return data, format, nil
}

func (s *fileSource) Forms() []string {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := path.Ext(name)
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		stem := strings.TrimSuffix(name, ext)
		m := multiFilePattern.FindStringSubmatch(stem)
		switch {
		case s.translated && m == nil:
			seen[stem] = true
		case !s.translated && m != nil:
			seen[m[1]] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Plan says where a form's schema comes from and in which language its
// text should be resolved.
type Plan struct {
	FormID   string
	Language string
	Source   SchemaSource
}

// LocaleResolver maps a requested locale and form onto a Plan.
type LocaleResolver struct {
	multi       SchemaSource
	inline      SchemaSource
	defaultLang string
	supported   map[string]bool
}

// NewLocaleResolver builds a resolver over both schema layouts in fsys.
// An empty supported list accepts any two-letter code.
func NewLocaleResolver(fsys fs.FS, defaultLang string, supported []string) *LocaleResolver {
	return NewLocaleResolverWithSources(NewMultiFileSource(fsys), NewInlineSource(fsys), defaultLang, supported)
}

// NewLocaleResolverWithSources builds a resolver over explicit sources.
func NewLocaleResolverWithSources(multi, inline SchemaSource, defaultLang string, supported []string) *LocaleResolver {
	r := &LocaleResolver{
		multi:       multi,
		inline:      inline,
		defaultLang: strings.ToLower(strings.TrimSpace(defaultLang)),
	}
	if r.defaultLang == "" {
		r.defaultLang = "de"
	}
	if len(supported) > 0 {
		r.supported = make(map[string]bool, len(supported))
		for _, l := range supported {
			r.supported[strings.ToLower(strings.TrimSpace(l))] = true
		}
		r.supported[r.defaultLang] = true
	}
	return r
}

// DefaultLanguage returns the fallback language.
func (r *LocaleResolver) DefaultLanguage() string { return r.defaultLang }

// Language normalizes a locale such as "en-GB" to a supported two-letter
// code, or the default language.
func (r *LocaleResolver) Language(locale string) string {
	l := strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(l, "-_"); i >= 0 {
		l = l[:i]
	}
	if len(l) != 2 || l[0] < 'a' || l[0] > 'z' || l[1] < 'a' || l[1] > 'z' {
		return r.defaultLang
	}
	if r.supported != nil && !r.supported[l] {
		return r.defaultLang
	}
	return l
}

// Resolve picks the schema source for formID. A language-specific file
// wins, then the default-language file, then the inline-translated file.
func (r *LocaleResolver) Resolve(formID, locale string) (Plan, bool) {
	lang := r.Language(locale)
	if r.multi != nil {
		if r.multi.Exists(formID, lang) {
			return Plan{FormID: formID, Language: lang, Source: r.multi}, true
		}
		if lang != r.defaultLang && r.multi.Exists(formID, r.defaultLang) {
			return Plan{FormID: formID, Language: r.defaultLang, Source: r.multi}, true
		}
	}
	if r.inline != nil && r.inline.Exists(formID, lang) {
		return Plan{FormID: formID, Language: lang, Source: r.inline}, true
	}
	return Plan{}, false
}

// Forms lists every form id either source can serve.
func (r *LocaleResolver) Forms() []string {
	seen := make(map[string]bool)
	for _, src := range []SchemaSource{r.multi, r.inline} {
		if src == nil {
			continue
		}
		for _, id := range src.Forms() {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
