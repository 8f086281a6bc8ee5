package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zombor/ocr-history/internal/scanning"
)

// State is a step of the extraction pipeline
type State string

const (
	StateIdle                 State = "idle"
	StateImageLoaded          State = "image_loaded"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExtracting           State = "extracting"
	StateSucceeded            State = "succeeded"
)

const (
	persistTimeout     = 60 * time.Second
	modelSelectTimeout = 15 * time.Second
	duplicatedKeyLen   = 78
)

var (
	// ErrNothingPending is returned by Confirm when no duplicate is awaiting a decision
	ErrNothingPending = errors.New("nothing awaiting confirmation")

	// ErrSuperseded is returned by an extraction whose result was discarded because
	// a newer ingestion or a clear happened while it ran
	ErrSuperseded = fmt.Errorf("extraction superseded: %w", context.Canceled)
)

// CleanCredential trims a key and collapses a key that was pasted twice
func CleanCredential(key string) string {
	key = strings.TrimSpace(key)
	if len(key) == duplicatedKeyLen {
		half := len(key) / 2
		if key[:half] == key[half:] {
			slog.Warn("API key duplication detected, using the single-instance key")
			return key[:half]
		}
	}
	return key
}

// Deps are the collaborators a Session works with
type Deps struct {
	Provider scanning.Provider
	History  *History
	Fetcher  Fetcher
	Metrics  *Metrics

	// IDs and Clock default to UUIDs and the wall clock
	IDs   IDGenerator
	Clock TimeSource
}

// ImageView is the pending image as shown to the user
type ImageView struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	PreviewURL string `json:"preview_url"`
}

// View is a point-in-time copy of everything a session shows
type View struct {
	ID              string      `json:"id"`
	State           State       `json:"state"`
	HasCredential   bool        `json:"has_credential"`
	Model           string      `json:"model"`
	Image           *ImageView  `json:"image,omitempty"`
	Estimate        *Estimate   `json:"estimate,omitempty"`
	EstimateSummary string      `json:"estimate_summary,omitempty"`
	Duplicate       *ScanRecord `json:"duplicate,omitempty"`
	Result          string      `json:"result,omitempty"`
	ResultImageURL  string      `json:"result_image_url,omitempty"`
	TokenCount      int         `json:"token_count,omitempty"`
	LoadedScanID    string      `json:"loaded_scan_id,omitempty"`
	Notices         []Notice    `json:"notices"`
}

// Session owns one user's pipeline: credential, pending image, estimate, result and
// notices. All transitions happen under mu; network calls run outside it.
type Session struct {
	ID string

	mu         sync.Mutex
	state      State
	credential string
	model      string
	modelGen   uint64
	image      *Image
	estimate   *Estimate
	duplicate  *ScanRecord
	result     string
	resultURL  string
	tokenCount int
	loadedID   string
	notices    notices
	generation uint64
	cancel     context.CancelFunc
	closed     bool

	scanMu     sync.Mutex
	scanner    scanning.Scanner
	scannerKey string

	background sync.WaitGroup

	provider scanning.Provider
	history  *History
	fetcher  Fetcher
	metrics  *Metrics
	clock    TimeSource
}

// NewSession creates an idle session. A non-empty credential is applied without a notice.
func NewSession(id, credential string, deps Deps) *Session {
	if deps.IDs == nil {
		deps.IDs = &defaultIDGenerator{}
	}
	if deps.Clock == nil {
		deps.Clock = &defaultTimeSource{}
	}
	if deps.Fetcher == nil {
		deps.Fetcher = NewDriveFetcher()
	}
	s := &Session{
		ID:       id,
		state:    StateIdle,
		model:    deps.Provider.DefaultModel(),
		notices:  notices{ids: deps.IDs, clock: deps.Clock},
		provider: deps.Provider,
		history:  deps.History,
		fetcher:  deps.Fetcher,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
	}
	if key := CleanCredential(credential); key != "" {
		s.mu.Lock()
		s.applyCredentialLocked(key)
		s.mu.Unlock()
	}
	return s
}

// SetCredential stores the API key for this session and starts model selection in
// the background. Until selection finishes, or if it fails, the default model is used.
func (s *Session) SetCredential(key string) error {
	key = CleanCredential(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if key == "" {
		err := newError(MissingCredential, "Please enter an API key", nil)
		s.notices.failure(err)
		return err
	}
	s.applyCredentialLocked(key)
	s.notices.success("API key saved successfully!")
	return nil
}

func (s *Session) applyCredentialLocked(key string) {
	s.credential = key
	s.model = s.provider.DefaultModel()
	s.modelGen++
	gen := s.modelGen

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.selectModel(gen, key)
	}()
}

// selectModel asks the provider which models the key can use and picks the preferred one
func (s *Session) selectModel(gen uint64, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), modelSelectTimeout)
	defer cancel()

	models, err := s.provider.Models(ctx, key)
	if err != nil {
		slog.Warn("Failed to list models, keeping default", "session", s.ID, "error", err)
		return
	}
	name, ok := scanning.PreferredModel(models, scanning.DefaultModelPreference)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.modelGen {
		return
	}
	s.model = name
	slog.Info("Selected model", "session", s.ID, "model", name)
}

// Ingest validates an upload, estimates its cost and checks the history for a
// duplicate. A rejected upload leaves the session untouched.
func (s *Session) Ingest(ctx context.Context, u Upload) error {
	img, err := Validate(u)
	if err != nil {
		s.mu.Lock()
		s.notices.failure(err)
		s.mu.Unlock()
		return err
	}

	est, err := MeasureImage(img)
	if err != nil {
		slog.Warn("Failed to measure image", "session", s.ID, "name", img.Name, "error", err)
		est = nil
	}

	var dup *ScanRecord
	if s.history != nil {
		dup = FindDuplicate(s.history.Snapshot(), img.Name, img.Size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	s.image = img
	s.estimate = est
	if dup != nil {
		s.duplicate = dup
		s.state = StateAwaitingConfirmation
	} else {
		s.state = StateImageLoaded
	}
	return nil
}

// IngestURL fetches the image behind a share link and ingests it
func (s *Session) IngestURL(ctx context.Context, link string) error {
	u, err := s.fetcher.Fetch(ctx, link)
	if err != nil {
		s.mu.Lock()
		s.notices.failure(err)
		s.mu.Unlock()
		return err
	}
	return s.Ingest(ctx, u)
}

// Confirm resolves a duplicate warning: proceed keeps the image, otherwise it is discarded
func (s *Session) Confirm(proceed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingConfirmation {
		return ErrNothingPending
	}
	if !proceed {
		s.resetLocked()
		return nil
	}
	s.duplicate = nil
	s.state = StateImageLoaded
	return nil
}

// Extract sends the pending image to the recognition service. On success the result
// is shown and saved to the history in the background; a save failure only adds a
// notice. On failure the image stays loaded so the user can retry.
func (s *Session) Extract(ctx context.Context) (string, error) {
	s.mu.Lock()
	if err := s.extractPreconditionLocked(); err != nil {
		if KindOf(err) != ExtractionInFlight && KindOf(err) != ConfirmationRequired {
			s.notices.failure(err)
		}
		s.mu.Unlock()
		return "", err
	}

	s.notices.clearErrors()
	s.state = StateExtracting
	s.generation++
	gen := s.generation
	extractCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	img := s.image
	tokens := 0
	if s.estimate != nil {
		tokens = s.estimate.Tokens
	}
	credential, model := s.credential, s.model
	s.mu.Unlock()

	started := time.Now()
	text, err := s.extract(extractCtx, credential, model, img)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		s.metrics.observeExtraction("superseded", started)
		return "", ErrSuperseded
	}
	s.cancel = nil

	if err != nil {
		s.state = StateImageLoaded
		s.metrics.observeExtraction("failure", started)
		slog.Error("Failed to extract text", "session", s.ID, "name", img.Name, "model", model, "error", err)
		svcErr := newError(ServiceError, "Failed to extract text: "+serviceMessage(err), err)
		s.notices.failure(svcErr)
		return "", svcErr
	}

	s.state = StateSucceeded
	s.result = text
	s.resultURL = ""
	s.tokenCount = tokens
	s.metrics.observeExtraction("success", started)
	s.metrics.addTokens(tokens)

	if s.history != nil {
		s.background.Add(1)
		go s.persist(text, img, tokens)
	}
	return text, nil
}

func (s *Session) extractPreconditionLocked() error {
	switch {
	case s.state == StateExtracting:
		return ErrExtractionInFlight
	case s.state == StateAwaitingConfirmation:
		return ErrConfirmationRequired
	case s.provider.RequiresCredential() && s.credential == "":
		return ErrMissingCredential
	case s.image == nil:
		return ErrNoImage
	}
	return nil
}

func (s *Session) extract(ctx context.Context, credential, model string, img *Image) (string, error) {
	scanner, err := s.scannerFor(ctx, credential, model)
	if err != nil {
		return "", err
	}
	return scanner.ExtractText(ctx, scanning.Request{Base64: img.Base64, MimeType: img.Type})
}

// persist writes a successful result to the history; it runs detached from the request
func (s *Session) persist(text string, img *Image, tokens int) {
	defer s.background.Done()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	_, err := s.history.Save(ctx, text, img, tokens)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		slog.Error("Failed to save to history", "session", s.ID, "error", err)
		s.notices.failure(err)
		return
	}
	s.notices.success("Saved to history")
}

// scannerFor returns a scanner bound to credential and model, reusing the previous
// one when neither changed
func (s *Session) scannerFor(ctx context.Context, credential, model string) (scanning.Scanner, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	key := credential + "\x00" + model
	if s.scanner != nil && s.scannerKey == key {
		return s.scanner, nil
	}
	if s.scanner != nil {
		s.scanner.Close()
		s.scanner = nil
	}
	scanner, err := s.provider.Scanner(ctx, credential, model)
	if err != nil {
		return nil, fmt.Errorf("creating %s scanner: %w", s.provider.Name(), err)
	}
	s.scanner = scanner
	s.scannerKey = key
	return scanner, nil
}

// serviceMessage is the text shown after "Failed to extract text: "
func serviceMessage(err error) string {
	var svcErr *scanning.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Message
	}
	return rootMessage(err)
}

// GeneratePrompt turns the current result into an image-generation prompt
func (s *Session) GeneratePrompt(ctx context.Context) (*scanning.ArtPrompt, error) {
	s.mu.Lock()
	text, credential, model := s.result, s.credential, s.model
	var err error
	switch {
	case s.provider.RequiresCredential() && credential == "":
		err = ErrMissingCredential
	case text == "":
		err = newError(NoImage, "Extract text from an image first", nil)
	}
	if err != nil {
		s.notices.failure(err)
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	scanner, err := s.scannerFor(ctx, credential, model)
	if err == nil {
		var prompt *scanning.ArtPrompt
		prompt, err = scanner.GeneratePrompt(ctx, text)
		if err == nil {
			return prompt, nil
		}
	}

	svcErr := newError(ServiceError, "Failed to generate prompt: "+serviceMessage(err), err)
	s.mu.Lock()
	s.notices.failure(svcErr)
	s.mu.Unlock()
	return nil, svcErr
}

// Clear drops the image, estimate, result and notices, cancelling any extraction
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// resetLocked returns the session to Idle; the credential and model are kept
func (s *Session) resetLocked() {
	s.cancelInFlightLocked()
	s.state = StateIdle
	s.image = nil
	s.estimate = nil
	s.duplicate = nil
	s.result = ""
	s.resultURL = ""
	s.tokenCount = 0
	s.loadedID = ""
	s.notices.reset()
}

// cancelInFlightLocked discards the running extraction, if any
func (s *Session) cancelInFlightLocked() {
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// LoadHistoryItem shows a stored scan without calling the service. The pending image
// is discarded.
func (s *Session) LoadHistoryItem(id string) error {
	rec, ok := s.history.Find(id)
	if !ok {
		return newError(NotFound, "Scan not found", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.result = rec.Text
	s.resultURL = rec.ImageURL
	s.tokenCount = rec.TokenCount
	s.loadedID = rec.ID
	return nil
}

// DeleteScan removes a stored scan. confirmed must be true.
func (s *Session) DeleteScan(ctx context.Context, id string, confirmed bool) error {
	err := s.history.Delete(ctx, id, confirmed)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if KindOf(err) != ConfirmationRequired {
			s.notices.failure(err)
		}
		return err
	}
	if s.loadedID == id {
		s.result = ""
		s.resultURL = ""
		s.tokenCount = 0
		s.loadedID = ""
	}
	s.notices.success("Scan deleted")
	return nil
}

// Notify adds a success notice
func (s *Session) Notify(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices.success(message)
}

// DismissNotice removes a notice before it expires
func (s *Session) DismissNotice(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notices.dismiss(id)
}

// State returns the current pipeline state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns a copy of what the session shows
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:             s.ID,
		State:          s.state,
		HasCredential:  s.credential != "",
		Model:          s.model,
		Result:         s.result,
		ResultImageURL: s.resultURL,
		TokenCount:     s.tokenCount,
		LoadedScanID:   s.loadedID,
		Notices:        s.notices.active(),
	}
	if s.image != nil {
		v.Image = &ImageView{
			Name:       s.image.Name,
			Type:       s.image.Type,
			Size:       s.image.Size,
			PreviewURL: s.image.PreviewURL,
		}
	}
	if s.estimate != nil {
		est := *s.estimate
		v.Estimate = &est
		v.EstimateSummary = est.Summary()
		if v.TokenCount == 0 {
			v.TokenCount = est.Tokens
		}
	}
	if s.duplicate != nil {
		dup := *s.duplicate
		v.Duplicate = &dup
	}
	return v
}

// Wait blocks until background model selection and history writes have finished
func (s *Session) Wait() {
	s.background.Wait()
}

// Close cancels any extraction, waits for background work and releases the scanner
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelInFlightLocked()
	s.mu.Unlock()

	s.Wait()

	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if s.scanner != nil {
		err := s.scanner.Close()
		s.scanner = nil
		return err
	}
	return nil
}
