package handlers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatcher/internal/contacts"
	"github.com/acme/campaign-dispatcher/internal/gateway"
	campaignsvc "github.com/acme/campaign-dispatcher/internal/service/campaign"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Dependencies are the collaborators of the HTTP handlers. Session, Lists
// and Checks are optional.
type Dependencies struct {
	Campaigns *campaignsvc.Service
	Session   gateway.SessionManager
	Lists     *contacts.ListStore
	Checks    map[string]HealthCheck
	ImageDir  string
	Logger    *zap.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns *campaignsvc.Service
	session   gateway.SessionManager
	lists     *contacts.ListStore
	checks    map[string]HealthCheck
	imageDir  string
	logger    *zap.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Dependencies) *HandlerSet {
	lg := deps.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &HandlerSet{
		campaigns: deps.Campaigns,
		session:   deps.Session,
		lists:     deps.Lists,
		checks:    deps.Checks,
		imageDir:  deps.ImageDir,
		logger:    lg,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Get("/:id/attempts", h.listAttempts)
	campaigns.Get("/:id/events", h.listEvents)

	if h.lists != nil {
		lists := v1.Group("/lists")
		lists.Post("/", h.uploadList)
		lists.Get("/", h.listLists)
		lists.Delete("/:name", h.deleteList)
	}

	gw := v1.Group("/gateway")
	gw.Get("/session", h.sessionStatus)
	gw.Post("/session/start", h.startSession)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("path", ctx.Path()))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs = make(map[string]string)
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			if err := check(healthCtx); err != nil {
				mu.Lock()
				errs[name] = err.Error()
				mu.Unlock()
			}
		}(name, h.checks[name])
	}
	wg.Wait()

	status, label := fiber.StatusOK, "ok"
	if len(errs) > 0 {
		status, label = fiber.StatusServiceUnavailable, "degraded"
	}
	return ctx.Status(status).JSON(fiber.Map{"status": label, "checks": names, "errors": errs})
}
