// Package calendar reads and writes the Google calendars linked to agents.
// Access tokens are refreshed through OAuth when they expire and the new
// token is written back to the store.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/agentdesk/internal/config"
	"github.com/zulandar/agentdesk/internal/models"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"gorm.io/gorm"
)

var (
	// ErrNoCalendar means the agent has no linked calendar.
	ErrNoCalendar = errors.New("calendar: agent has no calendar configured")
	// ErrTokensNotFound means the linked integration has no stored tokens.
	ErrTokensNotFound = errors.New("calendar: tokens not found")
	// ErrOAuthConfig means a refresh is needed but no client credentials are set.
	ErrOAuthConfig = errors.New("calendar: missing Google OAuth config")
)

// Event is a Google Calendar event resource as the tools see it. Fields
// unknown to the API client are dropped on the way in.
type Event map[string]interface{}

// ID returns the event id, or "" when absent.
func (e Event) ID() string {
	s, _ := e["id"].(string)
	return s
}

// Opts configures a Service.
type Opts struct {
	DB     *gorm.DB
	Google config.GoogleConfig
	HTTP   *http.Client
}

// Service talks to Google Calendar on behalf of agents.
type Service struct {
	db      *gorm.DB
	oauth   *oauth2.Config
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// New validates opts and returns a Service.
func New(opts Opts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("calendar: db is required")
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	tokenURL := opts.Google.TokenURL
	if tokenURL == "" {
		tokenURL = "https://oauth2.googleapis.com/token"
	}
	return &Service{
		db: opts.DB,
		oauth: &oauth2.Config{
			ClientID:     opts.Google.ClientID,
			ClientSecret: opts.Google.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		baseURL: strings.TrimRight(opts.Google.CalendarURL, "/"),
		http:    opts.HTTP,
		now:     time.Now,
	}, nil
}

// SetClock replaces the service clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// links returns the agent's calendar links, optionally restricted to ids.
func (s *Service) links(ctx context.Context, agentID string, calendarIDs []string) ([]models.CalendarLink, error) {
	q := s.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if len(calendarIDs) > 0 {
		q = q.Where("calendar_id IN ?", calendarIDs)
	}
	var links []models.CalendarLink
	if err := q.Order("created_at asc").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("calendar: load links: %w", err)
	}
	if len(links) == 0 {
		return nil, ErrNoCalendar
	}
	return links, nil
}

// accessToken returns a valid access token for integrationID, refreshing
// and persisting it when the stored one has expired.
func (s *Service) accessToken(ctx context.Context, integrationID string) (string, error) {
	var row models.CalendarToken
	err := s.db.WithContext(ctx).First(&row, "integration_id = ?", integrationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrTokensNotFound
	}
	if err != nil {
		return "", fmt.Errorf("calendar: load tokens: %w", err)
	}

	expired := row.ExpiresAt != nil && !row.ExpiresAt.After(s.now())
	if !expired || row.RefreshToken == "" {
		if row.AccessToken == "" {
			return "", fmt.Errorf("calendar: access token missing")
		}
		return row.AccessToken, nil
	}
	if s.oauth.ClientID == "" || s.oauth.ClientSecret == "" {
		return "", ErrOAuthConfig
	}

	stale := &oauth2.Token{AccessToken: row.AccessToken, RefreshToken: row.RefreshToken, Expiry: *row.ExpiresAt}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)
	fresh, err := s.oauth.TokenSource(ctx, expiredCopy(stale)).Token()
	if err != nil {
		return "", fmt.Errorf("calendar: refresh token: %w", err)
	}
	updates := map[string]interface{}{"access_token": fresh.AccessToken, "expires_at": nil}
	if !fresh.Expiry.IsZero() {
		updates["expires_at"] = fresh.Expiry.UTC().Truncate(time.Second)
	}
	if err := s.db.WithContext(ctx).Model(&models.CalendarToken{}).
		Where("integration_id = ?", integrationID).Updates(updates).Error; err != nil {
		return "", fmt.Errorf("calendar: save refreshed token: %w", err)
	}
	if fresh.AccessToken == "" {
		return "", fmt.Errorf("calendar: access token missing")
	}
	return fresh.AccessToken, nil
}

// expiredCopy returns t marked expired for the oauth2 clock, so the token
// source refreshes whenever the service clock says so.
func expiredCopy(t *oauth2.Token) *oauth2.Token {
	c := *t
	c.Expiry = time.Unix(1, 0)
	return &c
}

// resolve picks the calendar to act on and its access token.
func (s *Service) resolve(ctx context.Context, agentID, calendarID string) (token, calID string, err error) {
	var ids []string
	if calendarID != "" {
		ids = []string{calendarID}
	}
	links, err := s.links(ctx, agentID, ids)
	if err != nil {
		return "", "", err
	}
	token, err = s.accessToken(ctx, links[0].IntegrationID)
	if err != nil {
		return "", "", err
	}
	return token, links[0].CalendarID, nil
}

// api returns a Calendar client authorised with token.
func (s *Service) api(ctx context.Context, token string) (*gcal.Service, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if s.baseURL != "" {
		opts = append(opts, option.WithEndpoint(s.baseURL+"/"))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: client: %w", err)
	}
	return svc, nil
}

// apiError keeps the HTTP status of Google API errors in the message.
func apiError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fmt.Errorf("calendar: %s: http %d: %w", op, gerr.Code, err)
	}
	return fmt.Errorf("calendar: %s: %w", op, err)
}

// toAPI converts a tool payload into an API event.
func toAPI(payload Event) (*gcal.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("calendar: marshal event: %w", err)
	}
	var ev gcal.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("calendar: invalid event: %w", err)
	}
	return &ev, nil
}

func fromAPI(ev *gcal.Event) (Event, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("calendar: encode event: %w", err)
	}
	out := Event{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("calendar: decode event: %w", err)
	}
	return out, nil
}

// events resolves the calendar and returns its events API.
func (s *Service) events(ctx context.Context, agentID, calendarID string) (*gcal.EventsService, string, error) {
	token, cal, err := s.resolve(ctx, agentID, calendarID)
	if err != nil {
		return nil, "", err
	}
	svc, err := s.api(ctx, token)
	if err != nil {
		return nil, "", err
	}
	return svc.Events, cal, nil
}

// CreateEvent inserts payload into the agent's calendar. An empty
// calendarID selects the agent's first linked calendar.
func (s *Service) CreateEvent(ctx context.Context, agentID, calendarID string, payload Event) (Event, error) {
	body, err := toAPI(payload)
	if err != nil {
		return nil, err
	}
	events, cal, err := s.events(ctx, agentID, calendarID)
	if err != nil {
		return nil, err
	}
	ev, err := events.Insert(cal, body).Context(ctx).Do()
	if err != nil {
		return nil, apiError("insert event", err)
	}
	return fromAPI(ev)
}

// UpdateEvent replaces an event.
func (s *Service) UpdateEvent(ctx context.Context, agentID, calendarID, eventID string, payload Event) (Event, error) {
	body, err := toAPI(payload)
	if err != nil {
		return nil, err
	}
	events, cal, err := s.events(ctx, agentID, calendarID)
	if err != nil {
		return nil, err
	}
	ev, err := events.Update(cal, eventID, body).Context(ctx).Do()
	if err != nil {
		return nil, apiError("update event", err)
	}
	return fromAPI(ev)
}

// DeleteEvent cancels an event.
func (s *Service) DeleteEvent(ctx context.Context, agentID, calendarID, eventID string) error {
	events, cal, err := s.events(ctx, agentID, calendarID)
	if err != nil {
		return err
	}
	if err := events.Delete(cal, eventID).Context(ctx).Do(); err != nil {
		return apiError("delete event", err)
	}
	return nil
}

// GetEvent reads an event.
func (s *Service) GetEvent(ctx context.Context, agentID, calendarID, eventID string) (Event, error) {
	events, cal, err := s.events(ctx, agentID, calendarID)
	if err != nil {
		return nil, err
	}
	ev, err := events.Get(cal, eventID).Context(ctx).Do()
	if err != nil {
		return nil, apiError("get event", err)
	}
	return fromAPI(ev)
}
