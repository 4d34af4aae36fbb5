package submission

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/formdata"
	"github.com/ehr/intake/internal/domain/formdef"
	"github.com/ehr/intake/internal/domain/sanitize"
	"github.com/ehr/intake/internal/domain/validation"
	"github.com/ehr/intake/internal/platform/abuse"
	"github.com/ehr/intake/internal/platform/hipaa"
	"github.com/ehr/intake/internal/platform/notification"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type createCall struct {
	data      map[string]any
	meta      Meta
	signature string
}

type mockRepo struct {
	mu    sync.Mutex
	calls []createCall
	err   error
}

func (m *mockRepo) Create(_ context.Context, data map[string]any, meta Meta, signature string) (*Created, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, createCall{data: data, meta: meta, signature: signature})
	if m.err != nil {
		return nil, m.err
	}
	return &Created{ID: uuid.MustParse("6f1c1d0e-8a52-4a51-9b57-2d0c7f0a9e11"), Reference: "PX-ABC234", Hash: "abc"}, nil
}

func (m *mockRepo) FindByID(context.Context, uuid.UUID) (*Submission, error) {
	return nil, ErrNotFound
}

type auditCall struct {
	event, entityID string
	details         map[string]string
}

type mockAuditor struct {
	calls []auditCall
	err   error
}

func (m *mockAuditor) Log(_ context.Context, event, entityID string, details map[string]string) error {
	m.calls = append(m.calls, auditCall{event, entityID, details})
	return m.err
}

type mockNotifier struct {
	calls []string
	err   error
}

func (m *mockNotifier) ServiceRequest(_ context.Context, serviceKey, reference string) error {
	m.calls = append(m.calls, serviceKey+"|"+reference)
	return m.err
}

type mockLinker struct {
	ids   []uuid.UUID
	owner uuid.UUID
	err   error
}

func (m *mockLinker) Link(_ context.Context, ids []uuid.UUID, submissionID uuid.UUID) (int, error) {
	m.ids, m.owner = ids, submissionID
	return len(ids), m.err
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var testNow = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	pipeline *Pipeline
	repo     *mockRepo
	audit    *mockAuditor
	notifier *mockNotifier
	files    *mockLinker
	tokens   *abuse.Tokens
	clock    *time.Time
	logs     *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     &mockRepo{},
		audit:    &mockAuditor{},
		notifier: &mockNotifier{},
		files:    &mockLinker{},
		logs:     &bytes.Buffer{},
	}
	now := testNow
	f.clock = &now
	clock := func() time.Time { return *f.clock }

	logger := zerolog.New(f.logs)
	f.tokens = abuse.NewTokens("test-secret", clock)
	guard := abuse.NewGuard(abuse.DefaultConfig(), abuse.NewMemoryCounter(clock), f.tokens,
		abuse.NewClientHasher("salt"), logger).WithClock(clock)

	f.pipeline = NewPipeline(Deps{
		Guard:     guard,
		Validator: validation.New(validation.WithClock(clock)),
		Policy:    sanitize.NewPolicy(),
		Processor: sanitize.NewProcessor(),
		Repo:      f.repo,
		Files:     f.files,
		Audit:     f.audit,
		Notifier:  f.notifier,
	}, logger)
	f.pipeline.now = clock
	return f
}

func prescription() formdata.Values {
	return formdata.Values{
		"serviceType":        "rezept",
		"vorname":            "Anna",
		"nachname":           "Muster",
		"geburtsdatum_tag":   "5",
		"geburtsdatum_monat": "3",
		"geburtsdatum_jahr":  "1985",
		"telefon":            "030 123456",
		"email":              "Anna@Example.com",
		"versicherung":       "gesetzlich",
		"datenschutz":        "1",
		"medikamente":        []string{"Ibuprofen 400", " ", "Ramipril"},
		"medikamente_art":    []string{"tabletten", "", "kapseln"},
		"anmerkungen":        "<b>Bitte</b> bis Freitag\nDanke",
	}
}

func anamneseFields() formdef.FieldMap {
	return formdef.FieldMap{
		"vorname":      {ID: "vorname", Type: formdef.TypeText, Order: 1, Enabled: true, Required: true},
		"nachname":     {ID: "nachname", Type: formdef.TypeText, Order: 2, Enabled: true, Required: true},
		"geburtsdatum": {ID: "geburtsdatum", Type: formdef.TypeDate, Order: 3, Enabled: true, Required: true},
		"signature":    {ID: "signature", Type: formdef.TypeSignature, Order: 4, Enabled: true, Required: true},
	}
}

const testSignature = "data:image/png;base64,iVBORw0KGgo="

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestProcess_ServiceRequest(t *testing.T) {
	f := newFixture(t)

	res := f.pipeline.Process(context.Background(), Request{
		Values:   prescription(),
		Location: Location{ID: "praxis-nord"},
		ClientIP: "203.0.113.9",
	})
	if !res.Success || res.Status != StatusCreated {
		t.Fatalf("result = %+v", res)
	}
	if res.Reference != "PX-ABC234" || res.SubmissionID == "" {
		t.Errorf("result = %+v", res)
	}

	if len(f.repo.calls) != 1 {
		t.Fatalf("repo calls = %d", len(f.repo.calls))
	}
	call := f.repo.calls[0]
	wantMeta := Meta{LocationID: "praxis-nord", ServiceKey: "rezept", RequestType: TypeService, SubmittedAt: testNow}
	if diff := cmp.Diff(wantMeta, call.meta); diff != "" {
		t.Errorf("meta mismatch (-want +got):\n%s", diff)
	}

	data := call.data
	if data["geburtsdatum"] != "05.03.1985" || data["geburtsdatum_iso"] != "1985-03-05" {
		t.Errorf("birth date = %v / %v", data["geburtsdatum"], data["geburtsdatum_iso"])
	}
	for _, k := range []string{"geburtsdatum_tag", "geburtsdatum_monat", "geburtsdatum_jahr", "datenschutz", "medikamente_art"} {
		if _, ok := data[k]; ok {
			t.Errorf("%s should not be stored", k)
		}
	}
	if data["email"] != "anna@example.com" {
		t.Errorf("email = %v", data["email"])
	}
	if data["anmerkungen"] != "Bitte bis Freitag\nDanke" {
		t.Errorf("anmerkungen = %q", data["anmerkungen"])
	}
	if diff := cmp.Diff([]string{"Ibuprofen 400", "Ramipril"}, data["medikamente"]); diff != "" {
		t.Errorf("medikamente (-want +got):\n%s", diff)
	}
	details := data[sanitize.DetailsKey].(map[string]any)
	wantMeds := []sanitize.Medication{{Name: "Ibuprofen 400", Kind: "tabletten"}, {Name: "Ramipril", Kind: sanitize.KindOther}}
	if diff := cmp.Diff(wantMeds, details["medikamente"]); diff != "" {
		t.Errorf("medication details (-want +got):\n%s", diff)
	}
	if call.signature != "" {
		t.Errorf("service request should not carry a signature")
	}

	if diff := cmp.Diff([]string{"rezept|PX-ABC234"}, f.notifier.calls); diff != "" {
		t.Errorf("notifications (-want +got):\n%s", diff)
	}
	if len(f.audit.calls) != 1 || f.audit.calls[0].event != hipaa.EventSubmissionCreated {
		t.Fatalf("audit = %+v", f.audit.calls)
	}
	for k, v := range f.audit.calls[0].details {
		if strings.Contains(v, "Anna") || strings.Contains(v, "Muster") {
			t.Errorf("audit detail %s carries patient data: %q", k, v)
		}
	}
	if strings.Contains(f.logs.String(), "203.0.113.9") {
		t.Errorf("raw client address logged: %s", f.logs.String())
	}
}

func TestProcess_AnamneseDetachesSignatureAndLinksFiles(t *testing.T) {
	f := newFixture(t)
	fileA, fileB := uuid.New(), uuid.New()

	res := f.pipeline.Process(context.Background(), Request{
		Values: formdata.Values{
			"vorname":        "Anna",
			"nachname":       "Muster",
			"geburtsdatum":   "1985-03-05",
			"signature":      testSignature,
			"uploaded_files": fileA.String() + ",not-a-uuid," + fileB.String(),
		},
		FormID:      "anamnese",
		FormVersion: "4",
		Fields:      anamneseFields(),
	})
	if res.Status != StatusCreated {
		t.Fatalf("result = %+v", res)
	}

	call := f.repo.calls[0]
	if call.signature != testSignature {
		t.Errorf("signature = %q", call.signature)
	}
	if _, ok := call.data["signature"]; ok {
		t.Error("signature left in data")
	}
	if _, ok := call.data[UploadedFilesKey]; ok {
		t.Error("file manifest stored in data")
	}
	if call.meta.RequestType != "anamnese" || call.meta.FormVersion != "4" {
		t.Errorf("meta = %+v", call.meta)
	}
	if call.data["geburtsdatum"] != "05.03.1985" {
		t.Errorf("geburtsdatum = %v", call.data["geburtsdatum"])
	}

	if diff := cmp.Diff([]uuid.UUID{fileA, fileB}, f.files.ids); diff != "" {
		t.Errorf("linked ids (-want +got):\n%s", diff)
	}
	if f.files.owner.String() != res.SubmissionID {
		t.Errorf("files linked to %s, want %s", f.files.owner, res.SubmissionID)
	}
	if len(f.notifier.calls) != 0 {
		t.Errorf("form submissions must not notify: %v", f.notifier.calls)
	}
}

func TestProcess_DetachesSignatureOfAnyForm(t *testing.T) {
	f := newFixture(t)
	fields := formdef.FieldMap{
		"vorname":      {ID: "vorname", Type: formdef.TypeText, Order: 1, Enabled: true, Required: true},
		"nachname":     {ID: "nachname", Type: formdef.TypeText, Order: 2, Enabled: true, Required: true},
		"geburtsdatum": {ID: "geburtsdatum", Type: formdef.TypeDate, Order: 3, Enabled: true, Required: true},
		"unterschrift": {ID: "unterschrift", Type: formdef.TypeSignature, Order: 4, Enabled: true, Required: true},
	}

	res := f.pipeline.Process(context.Background(), Request{
		Values: formdata.Values{
			"vorname":      "Anna",
			"nachname":     "Muster",
			"geburtsdatum": "1985-03-05",
			"unterschrift": testSignature,
		},
		FormID: "aufnahme",
		Fields: fields,
	})
	if res.Status != StatusCreated {
		t.Fatalf("result = %+v", res)
	}

	call := f.repo.calls[0]
	if call.signature != testSignature {
		t.Errorf("signature = %q", call.signature)
	}
	if _, ok := call.data["unterschrift"]; ok {
		t.Error("signature left in data")
	}
	if call.meta.RequestType != "aufnahme" {
		t.Errorf("meta = %+v", call.meta)
	}
}

func TestProcess_InvalidSignatureFieldDropped(t *testing.T) {
	f := newFixture(t)
	fields := anamneseFields()
	sig := fields["signature"]
	sig.Required = false
	fields["signature"] = sig

	res := f.pipeline.Process(context.Background(), Request{
		Values: formdata.Values{
			"vorname":      "Anna",
			"nachname":     "Muster",
			"geburtsdatum": "1985-03-05",
			"signature":    "javascript:alert(1)",
		},
		FormID: "anamnese",
		Fields: fields,
	})
	if res.Status != StatusCreated {
		t.Fatalf("result = %+v", res)
	}
	if call := f.repo.calls[0]; call.signature != "" || call.data["signature"] != nil {
		t.Errorf("invalid signature kept: %q / %v", call.signature, call.data["signature"])
	}
}

func TestProcess_HoneypotFakesSuccess(t *testing.T) {
	f := newFixture(t)
	values := prescription()
	values["website"] = "http://spam.example"

	res := f.pipeline.Process(context.Background(), Request{Values: values, ClientIP: "198.51.100.1"})
	if !res.Success || res.Status != StatusCreated {
		t.Fatalf("honeypot result = %+v", res)
	}
	if !regexp.MustCompile(`^PX-[A-Z2-9]{6}$`).MatchString(res.Reference) {
		t.Errorf("reference = %q", res.Reference)
	}
	if len(f.repo.calls) != 0 || len(f.notifier.calls) != 0 || len(f.audit.calls) != 0 {
		t.Errorf("honeypot submission reached side effects: repo=%d notify=%d audit=%d",
			len(f.repo.calls), len(f.notifier.calls), len(f.audit.calls))
	}
}

func TestProcess_HoneypotReferenceWithoutRandomness(t *testing.T) {
	f := newFixture(t)
	referenceSource = iotest.ErrReader(errors.New("entropy unavailable"))
	t.Cleanup(func() { referenceSource = rand.Reader })

	values := prescription()
	values["website"] = "http://spam.example"
	res := f.pipeline.Process(context.Background(), Request{Values: values, ClientIP: "198.51.100.2"})
	if !res.Success || !regexp.MustCompile(`^PX-[ABCDEFGHJKMNPQRSTUVWXYZ2-9]{6}$`).MatchString(res.Reference) {
		t.Fatalf("honeypot result = %+v", res)
	}
	if !strings.Contains(f.logs.String(), "reference generator failed") {
		t.Error("generator failure not logged")
	}
}

func TestProcess_RateLimited(t *testing.T) {
	f := newFixture(t)
	req := Request{Values: formdata.Values{}, ClientIP: "198.51.100.7"}

	for i := 0; i < 5; i++ {
		if res := f.pipeline.Process(context.Background(), req); res.Status == StatusRateLimited {
			t.Fatalf("attempt %d rate limited", i+1)
		}
	}
	res := f.pipeline.Process(context.Background(), req)
	if res.Status != StatusRateLimited || res.Success {
		t.Fatalf("sixth attempt = %+v", res)
	}
	if res.RetryAfter <= 0 || !strings.Contains(res.Message, "60 Minuten") {
		t.Errorf("result = %+v", res)
	}

	*f.clock = f.clock.Add(time.Hour + time.Second)
	if res := f.pipeline.Process(context.Background(), req); res.Status == StatusRateLimited {
		t.Errorf("still limited after the window: %+v", res)
	}
}

func TestProcess_TooFast(t *testing.T) {
	f := newFixture(t)
	token, err := f.tokens.Mint("anamnese")
	if err != nil {
		t.Fatal(err)
	}
	values := prescription()
	values["form_token"] = token

	*f.clock = f.clock.Add(2 * time.Second)
	res := f.pipeline.Process(context.Background(), Request{Values: values, Lang: "en"})
	if res.Status != StatusTooFast || res.Message != message("en", msgTooFast) {
		t.Fatalf("result = %+v", res)
	}

	*f.clock = f.clock.Add(10 * time.Second)
	if res := f.pipeline.Process(context.Background(), Request{Values: values}); res.Status != StatusCreated {
		t.Errorf("after waiting: %+v", res)
	}
}

func TestProcess_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	values := prescription()
	delete(values, "datenschutz")
	values["telefon"] = "123"

	res := f.pipeline.Process(context.Background(), Request{Values: values})
	if res.Status != StatusInvalid || res.Success {
		t.Fatalf("result = %+v", res)
	}
	want := map[string]string{
		"datenschutz": validation.Message("de", validation.MsgConsent),
		"telefon":     validation.Message("de", validation.MsgPhone),
	}
	if diff := cmp.Diff(want, res.Errors); diff != "" {
		t.Errorf("errors (-want +got):\n%s", diff)
	}
	if len(f.repo.calls) != 0 {
		t.Error("invalid submission persisted")
	}
}

func TestProcess_PersistenceErrorIsGeneric(t *testing.T) {
	f := newFixture(t)
	f.repo.err = errors.New(`insert submission: duplicate key value violates "intake_submission_pkey"`)

	res := f.pipeline.Process(context.Background(), Request{Values: prescription()})
	if res.Status != StatusFailed || res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Message != message("de", msgTechnical) || res.Reference != "" {
		t.Errorf("result = %+v", res)
	}
	if strings.Contains(res.Message, "intake_submission") {
		t.Error("storage error leaked to the caller")
	}
	if !strings.Contains(f.logs.String(), "intake_submission_pkey") {
		t.Errorf("storage error not logged: %s", f.logs.String())
	}
	if len(f.notifier.calls) != 0 || len(f.audit.calls) != 0 {
		t.Error("side effects ran for a failed submission")
	}
}

func TestProcess_SideEffectFailuresKeepSuccess(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("audit down")
	f.notifier.err = errors.New("smtp down")
	f.files.err = errors.New("files down")
	values := prescription()
	values[UploadedFilesKey] = []string{uuid.NewString()}

	res := f.pipeline.Process(context.Background(), Request{Values: values})
	if !res.Success || res.Status != StatusCreated {
		t.Fatalf("result = %+v", res)
	}
	for _, want := range []string{"audit down", "smtp down", "files down"} {
		if !strings.Contains(f.logs.String(), want) {
			t.Errorf("log missing %q", want)
		}
	}
}

func TestProcess_NotificationCarriesNoPatientData(t *testing.T) {
	f := newFixture(t)
	sender := &notification.MockEmailSender{}
	f.pipeline.deps.Notifier = notification.NewNotifier(sender, notification.NewTemplateEngine(),
		notification.NotifierConfig{PracticeName: "Praxis Dr. Beispiel", Recipient: "team@praxis.example"}, zerolog.Nop())

	res := f.pipeline.Process(context.Background(), Request{Values: prescription()})
	if res.Status != StatusCreated {
		t.Fatalf("result = %+v", res)
	}
	calls := sender.Calls()
	if len(calls) != 1 {
		t.Fatalf("emails = %d", len(calls))
	}
	if calls[0].Subject != "[Praxis Dr. Beispiel] New Prescription Request (Ref: #PX-ABC234)" {
		t.Errorf("subject = %q", calls[0].Subject)
	}
	for _, phi := range []string{"Anna", "Muster", "anna@example.com", "030", "1985", "Ibuprofen"} {
		if strings.Contains(calls[0].Subject+calls[0].Body, phi) {
			t.Errorf("notification contains %q", phi)
		}
	}
}

func TestNewReference(t *testing.T) {
	pattern := regexp.MustCompile(`^PX-[ABCDEFGHJKMNPQRSTUVWXYZ2-9]{6}$`)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		ref, err := NewReference()
		if err != nil {
			t.Fatal(err)
		}
		if !pattern.MatchString(ref) {
			t.Fatalf("reference %q", ref)
		}
		seen[ref] = true
	}
	if len(seen) < 190 {
		t.Errorf("only %d distinct references in 200", len(seen))
	}
}
