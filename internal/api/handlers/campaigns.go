package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatcher/internal/domain"
	"github.com/acme/campaign-dispatcher/internal/gateway"
	"github.com/acme/campaign-dispatcher/internal/repository"
	campaignsvc "github.com/acme/campaign-dispatcher/internal/service/campaign"
	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

type createCampaignRequest struct {
	ID              string           `json:"id"`
	SourceListName  string           `json:"source_list_name"`
	MessageTemplate string           `json:"message_template"`
	ImageReference  string           `json:"image_reference"`
	ListName        string           `json:"list_name"`
	Contacts        []contactRequest `json:"contacts"`
}

type contactRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

type campaignResponse struct {
	ID              string                `json:"id"`
	SourceListName  string                `json:"source_list_name"`
	MessageTemplate string                `json:"message_template"`
	ImageReference  *string               `json:"image_reference,omitempty"`
	Status          domain.CampaignStatus `json:"status"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	Stats           *statsResponse        `json:"stats,omitempty"`
}

type statsResponse struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Succeeded int64 `json:"success"`
	Failed    int64 `json:"failed"`
}

type loadResponse struct {
	Delimiter string `json:"delimiter"`
	Rows      int    `json:"rows"`
	Accepted  int    `json:"accepted"`
	Dropped   int    `json:"dropped"`
	Malformed int    `json:"malformed"`
	Unnamed   int    `json:"unnamed"`
}

type createCampaignResponse struct {
	Campaign  campaignResponse `json:"campaign"`
	Enqueued  int              `json:"enqueued"`
	Load      *loadResponse    `json:"load,omitempty"`
	LoadError string           `json:"load_error,omitempty"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type attemptResponse struct {
	ID                  int64                `json:"id"`
	ContactPhone        string               `json:"contact_phone"`
	ContactName         string               `json:"contact_name"`
	PersonalizedMessage *string              `json:"personalized_message,omitempty"`
	SentAt              *time.Time           `json:"sent_at,omitempty"`
	Status              domain.AttemptStatus `json:"status"`
	GatewayResponse     *string              `json:"gateway_response,omitempty"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
}

type eventResponse struct {
	Type       string    `json:"type"`
	AttemptID  int64     `json:"attempt_id,omitempty"`
	Phone      string    `json:"contact_phone,omitempty"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"success"`
	Failed     int       `json:"failed"`
	OccurredAt time.Time `json:"occurred_at"`
}

type listEventsResponse struct {
	Events   []eventResponse `json:"events"`
	NextPage string          `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var (
		res *campaignsvc.CreateResult
		err error
	)
	if strings.HasPrefix(ctx.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		res, err = h.createFromUpload(ctx)
	} else {
		res, err = h.createFromJSON(ctx)
	}
	if err != nil {
		return err
	}

	resp := createCampaignResponse{
		Campaign: toCampaignResponse(res.Campaign, nil),
		Enqueued: res.Enqueued,
	}
	if res.Load != nil {
		resp.Load = &loadResponse{
			Delimiter: string(res.Load.Delimiter),
			Rows:      res.Load.Rows,
			Accepted:  len(res.Load.Contacts),
			Dropped:   res.Load.Dropped,
			Malformed: res.Load.Malformed,
			Unnamed:   res.Load.Unnamed,
		}
	}
	if res.LoadError != nil {
		resp.LoadError = res.LoadError.Error()
	}
	return ctx.Status(http.StatusCreated).JSON(resp)
}

func (h *HandlerSet) createFromJSON(ctx *fiber.Ctx) (*campaignsvc.CreateResult, error) {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return nil, fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.ListName != "" {
		return h.createFromStoredList(ctx, req)
	}

	input := campaignsvc.CreateCampaignInput{
		ID:              req.ID,
		SourceListName:  req.SourceListName,
		MessageTemplate: req.MessageTemplate,
		ImageReference:  req.ImageReference,
		Contacts:        make([]domain.Contact, 0, len(req.Contacts)),
	}
	for _, c := range req.Contacts {
		input.Contacts = append(input.Contacts, domain.Contact{Phone: c.Phone, Name: c.Name})
	}

	res, err := h.campaigns.Create(ctx.UserContext(), input)
	if err != nil {
		return nil, translateError(err)
	}
	return res, nil
}

// createFromStoredList loads the contacts of a list kept in the list store.
func (h *HandlerSet) createFromStoredList(ctx *fiber.Ctx, req createCampaignRequest) (*campaignsvc.CreateResult, error) {
	if h.lists == nil {
		return nil, fiber.NewError(http.StatusBadRequest, "contact list storage is not configured")
	}
	if len(req.Contacts) > 0 {
		return nil, fiber.NewError(http.StatusBadRequest, "list_name and contacts are mutually exclusive")
	}
	path, err := h.lists.Path(req.ListName)
	if err != nil {
		return nil, translateError(err)
	}

	source := req.SourceListName
	if source == "" {
		source = req.ListName
	}
	res, err := h.campaigns.CreateFromFile(ctx.UserContext(), campaignsvc.CreateFromFileInput{
		ID:              req.ID,
		Path:            path,
		SourceListName:  source,
		MessageTemplate: req.MessageTemplate,
		ImageReference:  req.ImageReference,
	})
	if err != nil {
		return nil, translateError(err)
	}
	if res.LoadError != nil {
		h.logger.Warn("campaign created without contacts", zap.String("campaign_id", res.Campaign.ID), zap.Error(res.LoadError))
	}
	return res, nil
}

// createFromUpload accepts a multipart form with a "contacts" list file and
// an optional "image" file.
func (h *HandlerSet) createFromUpload(ctx *fiber.Ctx) (*campaignsvc.CreateResult, error) {
	listHeader, err := ctx.FormFile("contacts")
	if err != nil {
		return nil, fiber.NewError(http.StatusBadRequest, "contacts file is required")
	}

	id := strings.TrimSpace(ctx.FormValue("id"))
	if err := campaignsvc.ValidateID(id); err != nil {
		return nil, translateError(err)
	}
	if id == "" {
		id = domain.NewCampaignID()
	}

	imageRef := strings.TrimSpace(ctx.FormValue("image_reference"))
	var savedImage string
	if imageHeader, err := ctx.FormFile("image"); err == nil {
		ext := strings.ToLower(filepath.Ext(imageHeader.Filename))
		if !gateway.KnownImageExtension(imageHeader.Filename) {
			return nil, fiber.NewError(http.StatusBadRequest, "image must be a png, jpeg, gif or webp file")
		}
		if err := os.MkdirAll(h.imageDir, 0o755); err != nil {
			return nil, fmt.Errorf("create image dir: %w", err)
		}
		imageRef = id + ext
		savedImage = filepath.Join(h.imageDir, imageRef)
		if _, err := os.Stat(savedImage); err == nil {
			return nil, fiber.NewError(http.StatusConflict, "an image for this campaign id already exists")
		}
		if err := ctx.SaveFile(imageHeader, savedImage); err != nil {
			return nil, fmt.Errorf("save image: %w", err)
		}
	}

	list, err := listHeader.Open()
	if err != nil {
		return nil, fiber.NewError(http.StatusBadRequest, "contacts file is unreadable")
	}
	defer list.Close()

	source := strings.TrimSpace(ctx.FormValue("source_list_name"))
	if source == "" {
		source = filepath.Base(listHeader.Filename)
	}

	res, err := h.campaigns.CreateFromFile(ctx.UserContext(), campaignsvc.CreateFromFileInput{
		ID:              id,
		Reader:          list,
		SourceListName:  source,
		MessageTemplate: ctx.FormValue("message_template"),
		ImageReference:  imageRef,
	})
	if err != nil {
		if savedImage != "" {
			if rmErr := os.Remove(savedImage); rmErr != nil {
				h.logger.Warn("remove uploaded image", zap.String("path", savedImage), zap.Error(rmErr))
			}
		}
		return nil, translateError(err)
	}
	if res.LoadError != nil {
		h.logger.Warn("campaign created without contacts", zap.String("campaign_id", id), zap.Error(res.LoadError))
	}
	return res, nil
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))

	var statuses []domain.CampaignStatus
	if raw := ctx.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, err := domain.ParseCampaignStatus(part)
			if err != nil {
				return fiber.NewError(http.StatusBadRequest, err.Error())
			}
			statuses = append(statuses, status)
		}
	}

	campaigns, err := h.campaigns.List(ctx.UserContext(), limit, statuses...)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c, nil))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	view, err := h.campaigns.Status(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(view.Campaign, view.Stats))
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	campaign, err := h.campaigns.Start(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(toCampaignResponse(campaign, nil))
}

func (h *HandlerSet) listAttempts(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "500"))

	var status domain.AttemptStatus
	if raw := ctx.Query("status"); raw != "" {
		parsed, ok := domain.ParseAttemptStatus(strings.ToUpper(raw))
		if !ok {
			return translateError(fmt.Errorf("%w: unknown attempt status %q", apperrors.ErrValidation, raw))
		}
		status = parsed
	}

	attempts, err := h.campaigns.Attempts(ctx.UserContext(), ctx.Params("id"), status, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{Attempts: make([]attemptResponse, 0, len(attempts))}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			ID:                  a.ID,
			ContactPhone:        a.ContactPhone,
			ContactName:         a.ContactName,
			PersonalizedMessage: a.PersonalizedMessage,
			SentAt:              a.SentAt,
			Status:              a.Status,
			GatewayResponse:     a.GatewayResponse,
		})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) listEvents(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	page, err := h.campaigns.Events(ctx.UserContext(), ctx.Params("id"), limit, ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	resp := listEventsResponse{Events: make([]eventResponse, 0, len(page.Events)), NextPage: page.NextToken}
	for _, e := range page.Events {
		resp.Events = append(resp.Events, toEventResponse(e))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCampaignResponse(c *domain.Campaign, stats *domain.CampaignStats) campaignResponse {
	resp := campaignResponse{
		ID:              c.ID,
		SourceListName:  c.SourceListName,
		MessageTemplate: c.MessageTemplate,
		ImageReference:  c.ImageReference,
		Status:          c.Status,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if stats != nil {
		resp.Stats = &statsResponse{
			Total:     stats.Total,
			Pending:   stats.Pending,
			Succeeded: stats.Succeeded,
			Failed:    stats.Failed,
		}
	}
	return resp
}

func toEventResponse(e repository.EventRecord) eventResponse {
	return eventResponse{
		Type:       e.Type,
		AttemptID:  e.AttemptID,
		Phone:      e.Phone,
		Status:     e.Status,
		Message:    e.Message,
		Processed:  e.Processed,
		Total:      e.Total,
		Succeeded:  e.Succeeded,
		Failed:     e.Failed,
		OccurredAt: e.OccurredAt,
	}
}
