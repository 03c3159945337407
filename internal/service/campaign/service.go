package campaign

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acme/campaign-dispatcher/internal/contacts"
	"github.com/acme/campaign-dispatcher/internal/domain"
	"github.com/acme/campaign-dispatcher/internal/message"
	"github.com/acme/campaign-dispatcher/internal/repository"
	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

const (
	defaultSourceListName = "manual"
	defaultListLimit      = 100
	defaultAttemptLimit   = 500
	defaultEventLimit     = 100
)

// Dispatcher hands a campaign over to whatever runs it.
type Dispatcher interface {
	Dispatch(ctx context.Context, campaignID string) error
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	campaigns  repository.CampaignRepository
	log        repository.DispatchLogRepository
	stats      repository.StatisticsRepository
	events     repository.EventStore
	dispatcher Dispatcher
	loadOpts   []contacts.Option
	templates  message.Personalizer
	logger     *zap.Logger
	now        func() time.Time
}

// NewService constructs a campaign service. events may be nil when no
// journal is configured.
func NewService(ledger repository.Ledger, events repository.EventStore, dispatcher Dispatcher, logger *zap.Logger, loadOpts ...contacts.Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		campaigns:  ledger.Campaigns,
		log:        ledger.DispatchLog,
		stats:      ledger.Stats,
		events:     events,
		dispatcher: dispatcher,
		loadOpts:   append([]contacts.Option{contacts.WithLogger(logger)}, loadOpts...),
		templates:  message.NewPersonalizer("", ""),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	ID              string
	SourceListName  string
	MessageTemplate string
	ImageReference  string
	Contacts        []domain.Contact
}

// CreateFromFileInput creates a campaign from a delimited contact list. Reader
// takes precedence over Path.
type CreateFromFileInput struct {
	ID              string
	Path            string
	Reader          io.Reader
	SourceListName  string
	MessageTemplate string
	ImageReference  string
}

// CreateResult reports the stored campaign and how its list was ingested.
type CreateResult struct {
	Campaign *domain.Campaign
	Enqueued int
	Load     *contacts.Result
	// LoadError is set when the list could not be read; the campaign is
	// still stored as FAILED_NO_CONTACTS.
	LoadError error
}

// StatusView pairs a campaign with its dispatch counts.
type StatusView struct {
	Campaign *domain.Campaign      `json:"campaign"`
	Stats    *domain.CampaignStats `json:"stats"`
}

// WithPersonalizer sets the placeholder convention templates are checked against.
func (s *Service) WithPersonalizer(p message.Personalizer) *Service {
	s.templates = p
	return s
}

// EventPage is one page of the progress journal.
type EventPage struct {
	Events    []repository.EventRecord
	NextToken string
}

// Create stores a campaign and queues one PENDING attempt per distinct phone.
// A campaign without contacts is stored as FAILED_NO_CONTACTS.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*CreateResult, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	list := normalizeContacts(input.Contacts)
	now := s.now()
	campaign := &domain.Campaign{
		ID:              strings.TrimSpace(input.ID),
		SourceListName:  strings.TrimSpace(input.SourceListName),
		MessageTemplate: input.MessageTemplate,
		Status:          domain.CampaignStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if campaign.ID == "" {
		campaign.ID = domain.NewCampaignID()
	}
	if campaign.SourceListName == "" {
		campaign.SourceListName = defaultSourceListName
	}
	if ref := strings.TrimSpace(input.ImageReference); ref != "" {
		campaign.ImageReference = &ref
	}
	if len(list) == 0 {
		campaign.Status = domain.CampaignStatusFailedNoContacts
	}

	if s.templates.Count(campaign.MessageTemplate) == 0 {
		s.logger.Info("campaign template has no name placeholder", zap.String("campaign_id", campaign.ID))
	}

	n, err := s.campaigns.CreateWithContacts(ctx, campaign, list)
	if err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}

	s.logger.Info("campaign created",
		zap.String("campaign_id", campaign.ID),
		zap.String("status", string(campaign.Status)),
		zap.Int("enqueued", n),
	)
	return &CreateResult{Campaign: campaign, Enqueued: n}, nil
}

// CreateFromFile loads a contact list and creates the campaign from it. Load
// errors are reported in the result, not returned.
func (s *Service) CreateFromFile(ctx context.Context, input CreateFromFileInput) (*CreateResult, error) {
	if strings.TrimSpace(input.MessageTemplate) == "" {
		return nil, fmt.Errorf("%w: message template is required", apperrors.ErrValidation)
	}

	var (
		loaded  *contacts.Result
		loadErr error
	)
	switch {
	case input.Reader != nil:
		loaded, loadErr = contacts.Load(input.Reader, s.loadOpts...)
	case input.Path != "":
		loaded, loadErr = contacts.LoadFile(input.Path, s.loadOpts...)
	default:
		return nil, fmt.Errorf("%w: contact list path or reader is required", apperrors.ErrValidation)
	}

	source := strings.TrimSpace(input.SourceListName)
	if source == "" && input.Path != "" {
		source = filepath.Base(input.Path)
	}

	if loadErr != nil {
		s.logger.Warn("campaign contact list rejected", zap.String("source", source), zap.Error(loadErr))
	}

	create := CreateCampaignInput{
		ID:              input.ID,
		SourceListName:  source,
		MessageTemplate: input.MessageTemplate,
		ImageReference:  input.ImageReference,
	}
	if loaded != nil {
		create.Contacts = loaded.Contacts
	}

	res, err := s.Create(ctx, create)
	if err != nil {
		return nil, err
	}
	res.Load = loaded
	res.LoadError = loadErr
	return res, nil
}

// Start hands a startable campaign to the dispatcher.
func (s *Service) Start(ctx context.Context, id string) (*domain.Campaign, error) {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !campaign.Status.CanStart() {
		return nil, fmt.Errorf("%w: campaign %s is %s", apperrors.ErrConflict, id, campaign.Status)
	}
	if s.dispatcher == nil {
		return nil, fmt.Errorf("%w: no dispatcher configured", apperrors.ErrUnavailable)
	}
	if err := s.dispatcher.Dispatch(ctx, id); err != nil {
		return nil, fmt.Errorf("campaign service: dispatch %s: %w", id, err)
	}
	s.logger.Info("campaign dispatch requested", zap.String("campaign_id", id), zap.String("status", string(campaign.Status)))
	return campaign, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: campaign id is required", apperrors.ErrValidation)
	}
	campaign, err := s.campaigns.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("campaign %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("campaign service: get: %w", err)
	}
	return campaign, nil
}

// Status returns the campaign with its dispatch counts.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.stats.Counts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: counts: %w", err)
	}
	return &StatusView{Campaign: campaign, Stats: stats}, nil
}

// List returns campaigns newest first. No statuses means every campaign.
func (s *Service) List(ctx context.Context, limit int, statuses ...domain.CampaignStatus) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	campaigns, err := s.campaigns.ListByStatus(ctx, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign service: list: %w", err)
	}
	return campaigns, nil
}

// Attempts lists the dispatch log of a campaign, optionally by status.
func (s *Service) Attempts(ctx context.Context, id string, status domain.AttemptStatus, limit int) ([]domain.DispatchAttempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultAttemptLimit
	}
	attempts, err := s.log.ListByCampaign(ctx, id, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign service: attempts: %w", err)
	}
	return attempts, nil
}

// Events pages through the progress journal of a campaign.
func (s *Service) Events(ctx context.Context, id string, limit int, pageToken string) (*EventPage, error) {
	if s.events == nil {
		return nil, fmt.Errorf("%w: progress journal is disabled", apperrors.ErrUnavailable)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}

	var state []byte
	if pageToken != "" {
		decoded, err := decodePageToken(pageToken)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid page token", apperrors.ErrValidation)
		}
		state = decoded
	}

	records, next, err := s.events.List(ctx, id, limit, state)
	if err != nil {
		return nil, fmt.Errorf("campaign service: events: %w", err)
	}
	page := &EventPage{Events: records}
	if len(next) > 0 {
		page.NextToken = encodePageToken(next)
	}
	return page, nil
}

func normalizeContacts(in []domain.Contact) []domain.Contact {
	out := make([]domain.Contact, 0, len(in))
	for _, c := range in {
		out = append(out, domain.Contact{
			Phone: contacts.NormalizePhone(c.Phone),
			Name:  strings.TrimSpace(c.Name),
		})
	}
	return repository.DedupeContacts(out)
}

func validateCreateInput(input CreateCampaignInput) error {
	if strings.TrimSpace(input.MessageTemplate) == "" {
		return fmt.Errorf("%w: message template is required", apperrors.ErrValidation)
	}
	if err := ValidateID(input.ID); err != nil {
		return err
	}
	if ref := strings.TrimSpace(input.ImageReference); ref != "" && !filepath.IsLocal(ref) {
		return fmt.Errorf("%w: image reference must be a relative path inside the image directory", apperrors.ErrValidation)
	}
	return nil
}

// ValidateID rejects campaign ids that cannot double as a file name. An empty
// id is accepted; Create generates one.
func ValidateID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	if strings.ContainsAny(id, " /\\\t\n") || id == "." || id == ".." {
		return fmt.Errorf("%w: campaign id must not contain spaces or slashes", apperrors.ErrValidation)
	}
	return nil
}

// Page tokens wrap the store's paging state so it survives a query string.
func encodePageToken(state []byte) string {
	return base64.RawURLEncoding.EncodeToString(state)
}

func decodePageToken(token string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(token)
}
