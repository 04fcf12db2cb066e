package pricesync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/domain/repositories"
)

const (
	defaultAPIURL = "https://api.data.gov.in/resource/9ef84268-d588-465a-a308-a864a43d0070"

	pageLimit      = 1000
	maxRetries     = 5
	initialBackoff = 2 * time.Second
	requestTimeout = 60 * time.Second

	// retentionDays is how long synced records are kept before purge.
	retentionDays = 7

	// syncInterval is how often the scheduler runs a full sync.
	syncInterval = 24 * time.Hour
	// initialDelay lets the server finish starting before the first run.
	initialDelay = 1 * time.Minute
)

// indianStates drives per-state fetching; the upstream API caps any single
// query at 10k records, which a whole-country fetch exceeds.
var indianStates = []string{
	"Andaman and Nicobar", "Andhra Pradesh", "Arunachal Pradesh", "Assam",
	"Bihar", "Chandigarh", "Chattisgarh", "Daman and Diu", "Goa", "Gujarat",
	"Haryana", "Himachal Pradesh", "Jammu and Kashmir", "Jharkhand",
	"Karnataka", "Kerala", "Madhya Pradesh", "Maharashtra", "Manipur",
	"Meghalaya", "Mizoram", "NCT of Delhi", "Nagaland", "Odisha",
	"Puducherry", "Punjab", "Rajasthan", "Sikkim", "Tamil Nadu", "Telangana",
	"Tripura", "Uttar Pradesh", "Uttarakhand", "West Bengal",
}

// Config tunes the sync service. Zero values take the production defaults.
type Config struct {
	APIURL string
	APIKey string
	// States limits the sync to the given states. Empty means all of India.
	States []string
	// PageDelay spaces out page requests to keep under the API rate limit.
	PageDelay time.Duration
	// StateDelay spaces out per-state scans.
	StateDelay time.Duration
	// RetryBackoff overrides the initial retry backoff.
	RetryBackoff time.Duration
}

// Service fetches mandi prices from the data.gov.in feed and keeps the local
// price collection fresh: paginated fetch per state, batch upsert, purge of
// stale records, and a sync metadata stamp.
type Service struct {
	config Config
	prices repositories.PriceRepository
	client *http.Client
	logger *zap.Logger

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewService creates the sync service.
func NewService(config Config, prices repositories.PriceRepository, logger *zap.Logger) *Service {
	if config.APIURL == "" {
		config.APIURL = defaultAPIURL
	}
	if len(config.States) == 0 {
		config.States = indianStates
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = initialBackoff
	}
	return &Service{
		config:   config,
		prices:   prices,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the daily scheduler.
func (s *Service) Start() {
	go s.syncLoop()
	s.logger.Info("Price sync scheduler started",
		zap.Duration("interval", syncInterval),
		zap.Int("states", len(s.config.States)))
}

// Stop halts the scheduler. A sync already in flight finishes its current
// state before bailing out.
func (s *Service) Stop() {
	close(s.stopChan)
	<-s.doneChan
}

func (s *Service) syncLoop() {
	defer close(s.doneChan)

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	initialTimer := time.NewTimer(initialDelay)
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.runSync()
		case <-ticker.C:
			s.runSync()
		}
	}
}

func (s *Service) runSync() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if result, err := s.SyncOnce(ctx); err != nil {
		s.logger.Error("Price sync failed", zap.Error(err))
	} else {
		s.logger.Info("Price sync completed",
			zap.Int("records_written", result.RecordsWritten),
			zap.Int64("records_purged", result.RecordsPurged),
			zap.Duration("duration", result.Duration))
	}
}

// Result summarizes one sync run.
type Result struct {
	RecordsWritten int
	RecordsPurged  int64
	Duration       time.Duration
}

// SyncOnce runs one full fetch-write-purge cycle.
func (s *Service) SyncOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	written := 0

	for _, state := range s.config.States {
		records, err := s.fetchState(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			// One broken state must not sink the whole run.
			s.logger.Warn("Skipping state after fetch failure",
				zap.String("state", state),
				zap.Error(err))
			continue
		}
		if len(records) == 0 {
			continue
		}

		if err := s.prices.UpsertBatch(ctx, records); err != nil {
			return Result{}, fmt.Errorf("failed to store records for %s: %w", state, err)
		}
		written += len(records)
		s.logger.Debug("State synced",
			zap.String("state", state),
			zap.Int("records", len(records)))

		if s.config.StateDelay > 0 && !sleepCtx(ctx, s.config.StateDelay) {
			return Result{}, ctx.Err()
		}
	}

	if written == 0 {
		return Result{}, fmt.Errorf("no records fetched from any state")
	}

	purged, err := s.prices.DeleteOlderThan(ctx, retentionDays)
	if err != nil {
		s.logger.Warn("Failed to purge stale price records", zap.Error(err))
	}

	result := Result{
		RecordsWritten: written,
		RecordsPurged:  purged,
		Duration:       time.Since(start),
	}

	if err := s.prices.SetSyncMetadata(ctx, entities.SyncMetadata{
		LastSyncAt:     time.Now(),
		RecordsWritten: written,
	}); err != nil {
		s.logger.Warn("Failed to store sync metadata", zap.Error(err))
	}

	return result, nil
}

// fetchState pages through every record the feed has for one state.
func (s *Service) fetchState(ctx context.Context, state string) ([]entities.MandiPrice, error) {
	var records []entities.MandiPrice
	offset := 0

	for {
		page, err := s.fetchPage(ctx, state, offset)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		for _, raw := range page.Records {
			records = append(records, raw.toEntity(now))
		}

		if len(page.Records) < pageLimit {
			return records, nil
		}
		offset += pageLimit

		if s.config.PageDelay > 0 && !sleepCtx(ctx, s.config.PageDelay) {
			return nil, ctx.Err()
		}
	}
}

// apiResponse mirrors the data.gov.in payload shape.
type apiResponse struct {
	Total   int         `json:"total"`
	Records []apiRecord `json:"records"`
}

// apiRecord mirrors one feed record. Prices use flexFloat because the feed
// serves them either quoted or bare depending on the day.
type apiRecord struct {
	State       string    `json:"state"`
	District    string    `json:"district"`
	Market      string    `json:"market"`
	Commodity   string    `json:"commodity"`
	Variety     string    `json:"variety"`
	Grade       string    `json:"grade"`
	ArrivalDate string    `json:"arrival_date"`
	MinPrice    flexFloat `json:"min_price"`
	MaxPrice    flexFloat `json:"max_price"`
	ModalPrice  flexFloat `json:"modal_price"`
}

// flexFloat parses "1200", 1200 and garbage alike; anything unparseable
// becomes 0, matching how the rest of the pipeline treats missing prices.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

func (r apiRecord) toEntity(syncedAt time.Time) entities.MandiPrice {
	price := entities.MandiPrice{
		State:       r.State,
		District:    r.District,
		Market:      r.Market,
		Commodity:   r.Commodity,
		Variety:     r.Variety,
		Grade:       r.Grade,
		ArrivalDate: r.ArrivalDate,
		MinPrice:    float64(r.MinPrice),
		MaxPrice:    float64(r.MaxPrice),
		ModalPrice:  float64(r.ModalPrice),
		SyncedAt:    syncedAt,
	}
	price.ID = price.Key()
	return price
}

// fetchPage requests one page with exponential backoff on failure.
func (s *Service) fetchPage(ctx context.Context, state string, offset int) (*apiResponse, error) {
	params := url.Values{}
	params.Set("api-key", s.config.APIKey)
	params.Set("format", "json")
	params.Set("limit", strconv.Itoa(pageLimit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("filters[state]", state)

	requestURL := s.config.APIURL + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.config.RetryBackoff * time.Duration(1<<(attempt-1))
			s.logger.Debug("Retrying price fetch",
				zap.String("state", state),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return nil, ctx.Err()
			}
		}

		page, err := s.doFetch(ctx, requestURL)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		s.logger.Warn("Price fetch attempt failed",
			zap.String("state", state),
			zap.Int("offset", offset),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}

func (s *Service) doFetch(ctx context.Context, requestURL string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api returned status %d", resp.StatusCode)
	}

	var page apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("invalid response body: %w", err)
	}

	return &page, nil
}

// sleepCtx sleeps unless the context dies first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
