package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pawmarket/pawmarket/internal/auth"
	"github.com/pawmarket/pawmarket/internal/logging"
	"github.com/pawmarket/pawmarket/internal/models"
	"github.com/pawmarket/pawmarket/internal/services"
	"github.com/pawmarket/pawmarket/internal/stripe"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

type pinger interface {
	Ping(ctx context.Context) error
}

type principalVerifier interface {
	FromRequest(r *http.Request) (models.Principal, error)
}

type settler interface {
	Settle(ctx context.Context, event *stripe.Event) (*services.SettlementResult, error)
}

type checkoutService interface {
	CreateCheckout(ctx context.Context, principal models.Principal, input services.CheckoutInput) (*services.CheckoutResult, error)
	VerifyCheckout(ctx context.Context, principal models.Principal, sessionID string) (*services.CheckoutVerification, error)
	Receipt(ctx context.Context, principal models.Principal, orderID uuid.UUID) (string, error)
}

type orderService interface {
	Get(ctx context.Context, orderID uuid.UUID, principal models.Principal) (*models.Order, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Order, error)
}

type adoptionService interface {
	Submit(ctx context.Context, input services.SubmitAdoptionInput) (*models.AdoptionApplication, error)
	Approve(ctx context.Context, applicationID uuid.UUID, notes string) (*services.AdoptionDecision, error)
	Reject(ctx context.Context, applicationID uuid.UUID, notes string) (*models.AdoptionApplication, error)
	Cancel(ctx context.Context, applicationID uuid.UUID, principal models.Principal) (*models.AdoptionApplication, error)
	CheckExisting(ctx context.Context, userID, petID uuid.UUID) (*models.AdoptionApplication, error)
	Get(ctx context.Context, applicationID uuid.UUID, principal models.Principal) (*models.AdoptionApplication, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.AdoptionApplication, error)
	ListAll(ctx context.Context) ([]*models.AdoptionApplication, error)
}

type listingModerator interface {
	ApproveListing(ctx context.Context, petID uuid.UUID) (*models.Pet, error)
	RejectListing(ctx context.Context, petID uuid.UUID) (*models.Pet, error)
}

// Handlers provides the HTTP surface of the settlement core.
type Handlers struct {
	db            pinger
	webhookSecret string
	verifier      principalVerifier
	settlement    settler
	checkout      checkoutService
	orders        orderService
	adoptions     adoptionService
	inventory     listingModerator
	validate      *validator.Validate
	logger        *slog.Logger
}

type Dependencies struct {
	DB                  pinger
	StripeWebhookSecret string
	Verifier            principalVerifier
	Settlement          settler
	// Checkout is nil when no Stripe secret key is configured; checkout
	// routes then answer 503 while webhooks keep settling.
	Checkout  checkoutService
	Orders    orderService
	Adoptions adoptionService
	Inventory listingModerator
	Logger    *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if deps.DB == nil {
		return nil, fmt.Errorf("handlers dependencies: db is required")
	}
	if deps.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("handlers dependencies: stripe webhook secret is required")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("handlers dependencies: verifier is required")
	}
	if deps.Settlement == nil {
		return nil, fmt.Errorf("handlers dependencies: settlement is required")
	}
	if deps.Orders == nil {
		return nil, fmt.Errorf("handlers dependencies: orders is required")
	}
	if deps.Adoptions == nil {
		return nil, fmt.Errorf("handlers dependencies: adoptions is required")
	}
	if deps.Inventory == nil {
		return nil, fmt.Errorf("handlers dependencies: inventory is required")
	}

	return &Handlers{
		db:            deps.DB,
		webhookSecret: deps.StripeWebhookSecret,
		verifier:      deps.Verifier,
		settlement:    deps.Settlement,
		checkout:      deps.Checkout,
		orders:        deps.Orders,
		adoptions:     deps.Adoptions,
		inventory:     deps.Inventory,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger.With("component", "handlers"),
	}, nil
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if err := h.db.Ping(ctx); err != nil {
		logger.Error("database health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unhealthy")
		return
	}

	writeJSON(w, logger, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}

// principal returns the caller set by RequireAuth.
func principal(r *http.Request) models.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
