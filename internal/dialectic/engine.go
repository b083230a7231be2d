package dialectic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tsylvester/paynless-framework-sub011/internal/ai"
	"github.com/tsylvester/paynless-framework-sub011/internal/apperr"
	"github.com/tsylvester/paynless-framework-sub011/internal/blob"
	"github.com/tsylvester/paynless-framework-sub011/internal/db"
	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"github.com/tsylvester/paynless-framework-sub011/internal/notify"
	"gorm.io/gorm"
)

// Per-model failure codes that do not come from a provider.
const (
	CodeModelNotFound      = "MODEL_NOT_FOUND"
	CodeRegistrationFailed = "CONTRIBUTION_REGISTRATION_FAILED"
)

// Gateway sends one message to a model.
type Gateway interface {
	SendMessage(ctx context.Context, req ai.Request, modelIdentifier string) (*ai.Response, error)
}

// Engine runs dialectic sessions through their stage graphs.
type Engine struct {
	db      *gorm.DB
	store   blob.Store
	gateway Gateway
	files   Registrar
	bucket  string
	sink    notify.Sink
	log     *slog.Logger
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	DB      *gorm.DB
	Store   blob.Store
	Gateway Gateway
	// Files defaults to a FileManager over Store and Bucket.
	Files  Registrar
	Bucket string
	// Sink, when set, also receives stage-run outcomes. Delivery is best
	// effort and never fails a run.
	Sink   notify.Sink
	Logger *slog.Logger // defaults to slog.Default()
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("dialectic: engine: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("dialectic: engine: store is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("dialectic: engine: gateway is required")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("dialectic: engine: bucket is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	files := opts.Files
	if files == nil {
		files = NewFileManager(opts.DB, opts.Store, opts.Bucket, logger)
	}
	return &Engine{
		db:      opts.DB,
		store:   opts.Store,
		gateway: opts.Gateway,
		files:   files,
		bucket:  opts.Bucket,
		sink:    opts.Sink,
		log:     logger,
	}, nil
}

// GenerateParams selects one stage run.
type GenerateParams struct {
	SessionID string
	StageSlug string
	// IterationNumber defaults to the session's iteration count.
	IterationNumber int
	// SelectedModelIDs defaults to the session's selection.
	SelectedModelIDs []string
	UserID           string
	AuthToken        string
}

// ModelFailure records why one model produced no contribution.
type ModelFailure struct {
	ModelID          string `json:"model_id"`
	ModelName        string `json:"model_name,omitempty"`
	ProviderName     string `json:"provider_name,omitempty"`
	Error            string `json:"error"`
	Code             string `json:"code"`
	TokensInput      int    `json:"tokens_used_input"`
	TokensOutput     int    `json:"tokens_used_output"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// GenerateResult is the aggregate of a stage run. Both lists are sorted
// by model id.
type GenerateResult struct {
	SessionID     string                `json:"session_id"`
	Status        string                `json:"status"`
	Contributions []models.Contribution `json:"contributions"`
	Failures      []ModelFailure        `json:"failures"`
}

type modelOutcome struct {
	modelID      string
	contribution *models.Contribution
	failure      *ModelFailure
}

// stageRun is the resolved context shared by every model of one run.
type stageRun struct {
	project   models.DialecticProject
	session   models.DialecticSession
	stage     models.DialecticStage
	iteration int
	seed      string
	authToken string
}

// GenerateContributions sends the stage's seed prompt to every selected
// model concurrently and records each model's outcome independently. The
// run succeeds when at least one model produced a contribution; when all
// fail the result is returned together with an ALL_MODELS_FAILED error.
func (e *Engine) GenerateContributions(ctx context.Context, p GenerateParams) (*GenerateResult, error) {
	var stage models.DialecticStage
	if err := e.db.WithContext(ctx).Where("slug = ?", p.StageSlug).First(&stage).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("stage %s not found", p.StageSlug), err)
		}
		return nil, apperr.Internal("load stage", err)
	}

	session, err := e.loadSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if session.CurrentStageID != stage.ID {
		return nil, apperr.Conflict(fmt.Sprintf("session %s is not at stage %s", session.ID, stage.Slug))
	}

	var project models.DialecticProject
	if err := e.db.WithContext(ctx).Where("id = ?", session.ProjectID).First(&project).Error; err != nil {
		return nil, apperr.Internal(fmt.Sprintf("resolve owner of project %s", session.ProjectID), err)
	}
	if project.UserID != p.UserID {
		return nil, apperr.Forbidden(fmt.Sprintf("project %s belongs to another user", project.ID))
	}

	iteration := p.IterationNumber
	if iteration < 1 {
		iteration = max(session.IterationCount, 1)
	}

	seedPath := blob.SeedPromptPath(project.ID, session.ID, iteration, stage.Slug)
	seed, err := e.store.Download(ctx, e.bucket, seedPath)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, http.StatusInternalServerError, apperr.CodeSeedPromptUnavailable,
			fmt.Sprintf("seed prompt %s could not be retrieved", seedPath), err)
	}

	modelIDs := uniqueModelIDs(p.SelectedModelIDs)
	if len(modelIDs) == 0 {
		modelIDs = uniqueModelIDs(session.SelectedModelIDs)
	}
	if len(modelIDs) == 0 {
		return nil, apperr.New(apperr.KindPrecondition, http.StatusBadRequest, apperr.CodeNoModelsSelected, "no models selected for this session", nil)
	}

	if err := e.setStatus(ctx, session.ID, models.StatusPending(stage.Slug), 0); err != nil {
		return nil, apperr.Internal("mark session pending", err)
	}

	run := stageRun{project: project, session: *session, stage: stage, iteration: iteration, seed: string(seed), authToken: p.AuthToken}
	outcomes := e.fanOut(ctx, run, modelIDs)

	res := &GenerateResult{SessionID: session.ID}
	for _, o := range outcomes {
		if o.failure != nil {
			e.log.Warn("model failed stage generation",
				"session_id", session.ID, "stage", stage.Slug, "model_id", o.modelID,
				"code", o.failure.Code, "error", o.failure.Error)
			res.Failures = append(res.Failures, *o.failure)
			continue
		}
		res.Contributions = append(res.Contributions, *o.contribution)
	}

	if len(res.Contributions) == 0 {
		res.Status = models.StatusGenerationFailed(stage.Slug)
		if err := e.setStatus(ctx, session.ID, res.Status, 0); err != nil {
			return nil, apperr.Internal("mark session failed", err)
		}
		e.notify(ctx, project.UserID, models.NotifyContributionsFailed, run, res)
		return res, apperr.Provider(apperr.CodeAllModelsFailed,
			fmt.Sprintf("all %d models failed for stage %s", len(res.Failures), stage.Slug), nil)
	}

	res.Status = models.StatusGenerationComplete(stage.Slug)
	if err := e.setStatus(ctx, session.ID, res.Status, iteration); err != nil {
		return nil, apperr.Internal("mark session complete", err)
	}
	e.notify(ctx, project.UserID, models.NotifyContributionsComplete, run, res)
	e.log.Info("stage generation complete", "session_id", session.ID, "stage", stage.Slug,
		"iteration", iteration, "succeeded", len(res.Contributions), "failed", len(res.Failures))
	return res, nil
}

// fanOut runs one goroutine per model and waits for all of them. Results
// are sorted by model id.
func (e *Engine) fanOut(ctx context.Context, run stageRun, modelIDs []string) []modelOutcome {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make([]modelOutcome, 0, len(modelIDs))
	)
	for _, id := range modelIDs {
		wg.Add(1)
		go func(modelID string) {
			defer wg.Done()
			o := e.runModel(ctx, run, modelID)
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].modelID < outcomes[j].modelID })
	return outcomes
}

func (e *Engine) runModel(ctx context.Context, run stageRun, modelID string) modelOutcome {
	fail := &ModelFailure{ModelID: modelID}
	out := modelOutcome{modelID: modelID, failure: fail}

	provider, err := db.FindProvider(ctx, e.db, modelID)
	if err != nil {
		fail.Code, fail.Error = CodeModelNotFound, err.Error()
		if !errors.Is(err, db.ErrProviderNotFound) {
			fail.Code = apperr.CodeInternal
		}
		return out
	}
	fail.ModelName, fail.ProviderName = provider.Name, provider.Provider

	var chatID string
	if run.session.AssociatedChatID != nil {
		chatID = *run.session.AssociatedChatID
	}
	start := time.Now()
	resp, err := e.gateway.SendMessage(ctx, ai.Request{
		Messages:  []ai.Message{{Role: models.RoleUser, Content: run.seed}},
		ChatID:    chatID,
		AuthToken: run.authToken,
	}, provider.APIIdentifier)
	fail.ProcessingTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		fail.Code, fail.Error = apperr.CodeProviderError, err.Error()
		var pe *ai.ProviderError
		if errors.As(err, &pe) {
			fail.Code = pe.ErrorCode()
		}
		return out
	}
	if resp.Usage != nil {
		fail.TokensInput, fail.TokensOutput = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}

	target, err := e.latestContribution(ctx, run, provider.ID)
	if err != nil {
		fail.Code, fail.Error = apperr.CodeInternal, err.Error()
		return out
	}

	c, err := e.files.RegisterContribution(ctx, ContributionUpload{
		ProjectID:            run.project.ID,
		SessionID:            run.session.ID,
		UserID:               run.project.UserID,
		StageSlug:            run.stage.Slug,
		Iteration:            run.iteration,
		ModelID:              provider.ID,
		ModelSlug:            provider.APIIdentifier,
		ModelName:            provider.Name,
		ProviderName:         provider.Provider,
		Content:              resp.Content,
		RawResponse:          resp.RawResponse,
		TokensInput:          fail.TokensInput,
		TokensOutput:         fail.TokensOutput,
		ProcessingTime:       time.Since(start),
		TargetContributionID: target,
	})
	if err != nil {
		fail.Code, fail.Error = CodeRegistrationFailed, err.Error()
		return out
	}
	return modelOutcome{modelID: modelID, contribution: c}
}

// latestContribution returns the id of the model's current contribution
// for the run's stage and iteration, which a regeneration supersedes.
func (e *Engine) latestContribution(ctx context.Context, run stageRun, modelID string) (*string, error) {
	var prev models.Contribution
	res := e.db.WithContext(ctx).
		Where("session_id = ? AND stage = ? AND iteration_number = ? AND model_id = ? AND is_latest_edit = ?",
			run.session.ID, run.stage.Slug, run.iteration, modelID, true).
		Order("created_at DESC").Limit(1).Find(&prev)
	if res.Error != nil {
		return nil, fmt.Errorf("dialectic: load previous contribution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &prev.ID, nil
}

func (e *Engine) loadSession(ctx context.Context, sessionID string) (*models.DialecticSession, error) {
	var s models.DialecticSession
	if err := e.db.WithContext(ctx).Where("id = ?", sessionID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("session %s not found", sessionID), err)
		}
		return nil, apperr.Internal("load session", err)
	}
	return &s, nil
}

// loadOwnedSession loads a session and its project, checking that userID
// owns the project.
func (e *Engine) loadOwnedSession(ctx context.Context, sessionID, userID string) (*models.DialecticSession, *models.DialecticProject, error) {
	s, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	var p models.DialecticProject
	if err := e.db.WithContext(ctx).Where("id = ?", s.ProjectID).First(&p).Error; err != nil {
		return nil, nil, apperr.Internal(fmt.Sprintf("load project %s", s.ProjectID), err)
	}
	if p.UserID != userID {
		return nil, nil, apperr.Forbidden(fmt.Sprintf("project %s belongs to another user", p.ID))
	}
	return s, &p, nil
}

// setStatus updates a session's status, and its iteration count when
// iteration is positive.
func (e *Engine) setStatus(ctx context.Context, sessionID, status string, iteration int) error {
	updates := map[string]any{"status": status}
	if iteration > 0 {
		updates["iteration_count"] = iteration
	}
	err := e.db.WithContext(ctx).Model(&models.DialecticSession{}).Where("id = ?", sessionID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("dialectic: set session %s status %s: %w", sessionID, status, err)
	}
	return nil
}

// notify tells the project owner how a stage run ended. Failures are
// logged only.
func (e *Engine) notify(ctx context.Context, userID, kind string, run stageRun, res *GenerateResult) {
	n := models.Notification{
		UserID: userID,
		Type:   kind,
		Data: map[string]any{
			"session_id":  run.session.ID,
			"project_id":  run.project.ID,
			"stage_slug":  run.stage.Slug,
			"iteration":   run.iteration,
			"status":      res.Status,
			"succeeded":   len(res.Contributions),
			"failed":      len(res.Failures),
			"failure_ids": failedModelIDs(res.Failures),
		},
	}
	if err := e.db.WithContext(ctx).Create(&n).Error; err != nil {
		e.log.Warn("notification not saved", "user_id", userID, "type", kind, "error", err)
	}
	if e.sink == nil {
		return
	}
	evt := notify.FormatStageRun(stageRunSummary(run, res))
	if err := e.sink.Send(ctx, notify.Message{Events: []notify.Event{evt}}); err != nil {
		e.log.Warn("stage run notice not sent", "session_id", run.session.ID, "error", err)
	}
}

func stageRunSummary(run stageRun, res *GenerateResult) notify.StageRun {
	stageName := run.stage.DisplayName
	if stageName == "" {
		stageName = run.stage.Slug
	}
	succeeded := make([]string, len(res.Contributions))
	for i, c := range res.Contributions {
		succeeded[i] = c.ModelName
		if succeeded[i] == "" {
			succeeded[i] = c.ModelID
		}
	}
	return notify.StageRun{
		ProjectName:  run.project.ProjectName,
		SessionID:    run.session.ID,
		StageName:    stageName,
		Iteration:    run.iteration,
		Status:       res.Status,
		Succeeded:    succeeded,
		FailedModels: failedModelIDs(res.Failures),
	}
}

// uniqueModelIDs drops repeated ids, keeping first-seen order. A stage run
// makes one contribution per model.
func uniqueModelIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func failedModelIDs(fs []ModelFailure) []string {
	ids := make([]string, len(fs))
	for i, f := range fs {
		ids[i] = f.ModelID
	}
	return ids
}

// StartParams creates a session, and its project when ProjectID is empty.
type StartParams struct {
	UserID            string
	ProjectID         string
	ProjectName       string
	InitialUserPrompt string
	// ProcessTemplate is a template id or name; needed for a new project.
	ProcessTemplate    string
	SessionDescription string
	SelectedModelIDs   []string
	AssociatedChatID   string
}

// StartSession creates a session at its template's starting stage and
// writes the first seed prompt.
func (e *Engine) StartSession(ctx context.Context, p StartParams) (*models.DialecticSession, error) {
	if p.UserID == "" {
		return nil, apperr.Invalid("user id is required")
	}
	if len(p.SelectedModelIDs) == 0 {
		return nil, apperr.New(apperr.KindPrecondition, http.StatusBadRequest, apperr.CodeNoModelsSelected, "select at least one model", nil)
	}

	var project models.DialecticProject
	newProject := p.ProjectID == ""
	if newProject {
		if p.ProjectName == "" || p.InitialUserPrompt == "" || p.ProcessTemplate == "" {
			return nil, apperr.Invalid("project name, initial prompt and process template are required for a new project")
		}
		var tpl models.ProcessTemplate
		err := e.db.WithContext(ctx).Where("id = ? OR name = ?", p.ProcessTemplate, p.ProcessTemplate).First(&tpl).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("process template %s not found", p.ProcessTemplate), err)
		}
		if err != nil {
			return nil, apperr.Internal("load process template", err)
		}
		project = models.DialecticProject{
			ID:                uuid.NewString(),
			UserID:            p.UserID,
			ProjectName:       p.ProjectName,
			InitialUserPrompt: p.InitialUserPrompt,
			ProcessTemplateID: tpl.ID,
		}
	} else {
		err := e.db.WithContext(ctx).Where("id = ?", p.ProjectID).First(&project).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("project %s not found", p.ProjectID), err)
		}
		if err != nil {
			return nil, apperr.Internal("load project", err)
		}
		if project.UserID != p.UserID {
			return nil, apperr.Forbidden(fmt.Sprintf("project %s belongs to another user", project.ID))
		}
	}

	graph, err := LoadGraph(ctx, e.db, project.ProcessTemplateID)
	if err != nil {
		return nil, apperr.Internal("load stage graph", err)
	}
	start, ok := graph.Stage(graph.StartingStageID)
	if !ok {
		return nil, apperr.Internal(fmt.Sprintf("template %s has no starting stage", project.ProcessTemplateID), nil)
	}

	session := models.DialecticSession{
		ID:                 uuid.NewString(),
		ProjectID:          project.ID,
		SessionDescription: p.SessionDescription,
		CurrentStageID:     start.ID,
		IterationCount:     1,
		Status:             models.StatusPending(start.Slug),
		SelectedModelIDs:   uniqueModelIDs(p.SelectedModelIDs),
	}
	if p.AssociatedChatID != "" {
		chatID := p.AssociatedChatID
		session.AssociatedChatID = &chatID
	}

	seedPath := blob.SeedPromptPath(project.ID, session.ID, 1, start.Slug)
	seed := joinSections(start.Prompt, project.InitialUserPrompt)
	if _, err := e.store.Upload(ctx, e.bucket, seedPath, []byte(seed), blob.UploadOptions{ContentType: "text/markdown", Upsert: true}); err != nil {
		return nil, apperr.Internal("store seed prompt", err)
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if newProject {
			if err := tx.Create(&project).Error; err != nil {
				return fmt.Errorf("dialectic: create project: %w", err)
			}
		}
		if err := tx.Create(&session).Error; err != nil {
			return fmt.Errorf("dialectic: create session: %w", err)
		}
		return nil
	})
	if err != nil {
		if rmErr := e.store.Remove(ctx, e.bucket, seedPath); rmErr != nil {
			e.log.Warn("seed cleanup failed", "path", seedPath, "error", rmErr)
		}
		return nil, apperr.Internal("create session", err)
	}
	e.log.Info("dialectic session started", "session_id", session.ID, "project_id", project.ID, "stage", start.Slug)
	return &session, nil
}

// AdvanceParams moves a completed session to its next stage.
type AdvanceParams struct {
	SessionID string
	UserID    string
	// Feedback is appended to the next stage's seed prompt.
	Feedback string
}

// AdvanceStage moves a session whose current stage completed to the next
// stage of its graph. The next seed prompt combines the next stage's prompt
// with the latest contributions of the finished stage.
func (e *Engine) AdvanceStage(ctx context.Context, p AdvanceParams) (*models.DialecticSession, error) {
	session, project, err := e.loadOwnedSession(ctx, p.SessionID, p.UserID)
	if err != nil {
		return nil, err
	}
	graph, err := LoadGraph(ctx, e.db, project.ProcessTemplateID)
	if err != nil {
		return nil, apperr.Internal("load stage graph", err)
	}
	current, ok := graph.Stage(session.CurrentStageID)
	if !ok {
		return nil, apperr.Internal(fmt.Sprintf("session %s is at a stage outside its template", session.ID), nil)
	}
	if session.Status != models.StatusGenerationComplete(current.Slug) {
		return nil, apperr.Conflict(fmt.Sprintf("session %s is %s, stage %s has not completed", session.ID, session.Status, current.Slug))
	}
	next, ok := graph.Next(current.ID)
	if !ok {
		return nil, apperr.Conflict(fmt.Sprintf("stage %s is the final stage", current.Slug))
	}

	iteration := max(session.IterationCount, 1)
	var contributions []models.Contribution
	err = e.db.WithContext(ctx).
		Where("session_id = ? AND stage = ? AND iteration_number = ? AND is_latest_edit = ?", session.ID, current.Slug, iteration, true).
		Order("model_id ASC").
		Find(&contributions).Error
	if err != nil {
		return nil, apperr.Internal("load contributions", err)
	}

	sections := []string{next.Prompt}
	for _, c := range contributions {
		content, err := e.store.Download(ctx, c.StorageBucket, ContributionPath(c))
		if err != nil {
			return nil, apperr.Internal(fmt.Sprintf("read contribution %s", c.ID), err)
		}
		sections = append(sections, fmt.Sprintf("## %s (%s)\n\n%s", c.ModelName, current.DisplayName, content))
	}
	if p.Feedback != "" {
		sections = append(sections, "## User feedback\n\n"+p.Feedback)
	}

	seedPath := blob.SeedPromptPath(project.ID, session.ID, iteration, next.Slug)
	if _, err := e.store.Upload(ctx, e.bucket, seedPath, []byte(joinSections(sections...)), blob.UploadOptions{ContentType: "text/markdown", Upsert: true}); err != nil {
		return nil, apperr.Internal("store seed prompt", err)
	}

	session.CurrentStageID = next.ID
	session.Status = models.StatusPending(next.Slug)
	err = e.db.WithContext(ctx).Model(&models.DialecticSession{}).Where("id = ?", session.ID).
		Updates(map[string]any{"current_stage_id": next.ID, "status": session.Status}).Error
	if err != nil {
		return nil, apperr.Internal("advance session", err)
	}
	e.log.Info("dialectic session advanced", "session_id", session.ID, "from", current.Slug, "to", next.Slug)
	return session, nil
}

// NavigableStages returns the stages a session may navigate back to: its
// current stage and every stage leading to it.
func (e *Engine) NavigableStages(ctx context.Context, sessionID, userID string) ([]models.DialecticStage, error) {
	session, project, err := e.loadOwnedSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	graph, err := LoadGraph(ctx, e.db, project.ProcessTemplateID)
	if err != nil {
		return nil, apperr.Internal("load stage graph", err)
	}
	return graph.ReachableStages(session.CurrentStageID), nil
}

// Session returns a session owned by userID.
func (e *Engine) Session(ctx context.Context, sessionID, userID string) (*models.DialecticSession, error) {
	s, _, err := e.loadOwnedSession(ctx, sessionID, userID)
	return s, err
}

func joinSections(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
