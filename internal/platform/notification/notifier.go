package notification

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Delivery statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

const maxDeliveries = 200

// DefaultLabels are the English labels of the built-in service types.
var DefaultLabels = map[string]string{
	"rezept":            "Prescription Request",
	"ueberweisung":      "Referral Request",
	"brillenverordnung": "Glasses Prescription Request",
	"dokument":          "Document Request",
	"termin":            "Appointment Request",
	"terminabsage":      "Appointment Cancellation",
}

// Delivery is one attempted practice notification. It holds no patient data.
type Delivery struct {
	ID        string     `json:"id"`
	Reference string     `json:"reference"`
	Recipient string     `json:"recipient"`
	Subject   string     `json:"subject"`
	Body      string     `json:"-"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	PracticeName string
	Recipient    string
	Timeout      time.Duration
	Labels       map[string]string
}

// Notifier announces new service requests to the practice mailbox and keeps
// the most recent deliveries in memory.
type Notifier struct {
	sender    EmailSender
	templates *TemplateEngine
	cfg       NotifierConfig
	logger    zerolog.Logger

	mu         sync.RWMutex
	deliveries []*Delivery
}

func NewNotifier(sender EmailSender, templates *TemplateEngine, cfg NotifierConfig, logger zerolog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Labels == nil {
		cfg.Labels = DefaultLabels
	}
	return &Notifier{sender: sender, templates: templates, cfg: cfg, logger: logger}
}

// Enabled reports whether a sender and recipient are configured.
func (n *Notifier) Enabled() bool {
	return n.sender != nil && n.cfg.Recipient != ""
}

// Label returns the human readable name of a service type.
func (n *Notifier) Label(serviceKey string) string {
	if l, ok := n.cfg.Labels[serviceKey]; ok {
		return l
	}
	return serviceKey
}

// ServiceRequest sends the new request notice for reference. It is a no-op
// when the notifier is not enabled.
func (n *Notifier) ServiceRequest(ctx context.Context, serviceKey, reference string) error {
	if !n.Enabled() {
		n.logger.Debug().Str("reference", reference).Msg("notification disabled, skipping")
		return nil
	}

	subject, body, err := n.templates.Render(TemplateServiceRequest, map[string]string{
		"practice_name": n.cfg.PracticeName,
		"service_label": n.Label(serviceKey),
		"reference":     reference,
	})
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}

	d := &Delivery{
		ID:        uuid.NewString(),
		Reference: reference,
		Recipient: n.cfg.Recipient,
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	n.record(d)
	return n.deliver(ctx, d)
}

func (n *Notifier) deliver(ctx context.Context, d *Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	err := n.sender.SendEmail(ctx, d.Recipient, d.Subject, d.Body)

	n.mu.Lock()
	d.Attempts++
	if err != nil {
		d.Status = StatusFailed
		d.Error = err.Error()
	} else {
		now := time.Now().UTC()
		d.Status = StatusSent
		d.Error = ""
		d.SentAt = &now
	}
	n.mu.Unlock()

	if err != nil {
		return fmt.Errorf("send notification %s: %w", d.Reference, err)
	}
	return nil
}

func (n *Notifier) record(d *Delivery) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, d)
	if len(n.deliveries) > maxDeliveries {
		n.deliveries = n.deliveries[len(n.deliveries)-maxDeliveries:]
	}
}

// Deliveries returns copies of the recorded deliveries, newest first.
func (n *Notifier) Deliveries() []Delivery {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Delivery, 0, len(n.deliveries))
	for i := len(n.deliveries) - 1; i >= 0; i-- {
		out = append(out, *n.deliveries[i])
	}
	return out
}

// Stats counts recorded deliveries by status.
func (n *Notifier) Stats() map[string]int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	stats := map[string]int{"total": len(n.deliveries), StatusSent: 0, StatusFailed: 0}
	for _, d := range n.deliveries {
		stats[d.Status]++
	}
	return stats
}

// Retry re-sends a failed delivery.
func (n *Notifier) Retry(ctx context.Context, id string) (*Delivery, error) {
	n.mu.RLock()
	var d *Delivery
	for _, candidate := range n.deliveries {
		if candidate.ID == id {
			d = candidate
			break
		}
	}
	n.mu.RUnlock()

	if d == nil {
		return nil, fmt.Errorf("delivery %q not found", id)
	}
	if d.Status == StatusSent {
		return nil, fmt.Errorf("delivery %q already sent", id)
	}
	if !n.Enabled() {
		return nil, fmt.Errorf("notifications are disabled")
	}
	err := n.deliver(ctx, d)

	n.mu.RLock()
	snapshot := *d
	n.mu.RUnlock()
	return &snapshot, err
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the delivery log over HTTP via Echo.
type Handler struct {
	notifier *Notifier
}

func NewHandler(n *Notifier) *Handler {
	return &Handler{notifier: n}
}

// RegisterRoutes registers the delivery log routes on an admin group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleList)
	g.GET("/notifications/stats", h.HandleStats)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

// HandleList handles GET /notifications.
func (h *Handler) HandleList(c echo.Context) error {
	return c.JSON(http.StatusOK, h.notifier.Deliveries())
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.notifier.Stats())
}

// HandleRetry handles POST /notifications/:id/retry.
func (h *Handler) HandleRetry(c echo.Context) error {
	d, err := h.notifier.Retry(c.Request().Context(), c.Param("id"))
	if d == nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return c.JSON(http.StatusBadGateway, d)
	}
	return c.JSON(http.StatusOK, d)
}
