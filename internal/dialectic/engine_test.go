package dialectic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/tsylvester/paynless-framework-sub011/internal/ai"
	"github.com/tsylvester/paynless-framework-sub011/internal/apperr"
	"github.com/tsylvester/paynless-framework-sub011/internal/blob"
	"github.com/tsylvester/paynless-framework-sub011/internal/config"
	"github.com/tsylvester/paynless-framework-sub011/internal/db"
	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"github.com/tsylvester/paynless-framework-sub011/internal/notify"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testBucket = "contributions"

// fakeGateway answers per model identifier and fails the ones listed.
type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	seeds []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: map[string]int{}, fail: map[string]error{}}
}

func (g *fakeGateway) SendMessage(_ context.Context, req ai.Request, model string) (*ai.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[model]++
	g.seeds = append(g.seeds, req.Messages[0].Content)
	if err := g.fail[model]; err != nil {
		return nil, err
	}
	return &ai.Response{
		Content:     fmt.Sprintf("answer from %s #%d", model, g.calls[model]),
		Usage:       &models.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		RawResponse: []byte(`{"ok":true}`),
	}, nil
}

func (g *fakeGateway) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

func openDialecticTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

var standardTemplate = config.TemplateConfig{
	Name:          "standard",
	StartingStage: "thesis",
	Stages: []config.StageConfig{
		{Slug: "thesis", DisplayName: "Thesis", Prompt: "Propose a thesis."},
		{Slug: "antithesis", DisplayName: "Antithesis", Prompt: "Critique the thesis."},
		{Slug: "synthesis", DisplayName: "Synthesis", Prompt: "Synthesize."},
	},
	Transitions: []config.TransitionConfig{
		{From: "thesis", To: "antithesis"},
		{From: "antithesis", To: "synthesis"},
	},
}

type engineFixture struct {
	engine  *Engine
	db      *gorm.DB
	store   *blob.FSStore
	gateway *fakeGateway
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	gdb := openDialecticTestDB(t)
	if err := db.SeedTemplates(gdb, []config.TemplateConfig{standardTemplate}); err != nil {
		t.Fatalf("SeedTemplates: %v", err)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		p := models.AIProvider{
			ID: id, Name: "Model " + id, APIIdentifier: "dummy-" + id, Provider: "dummy",
			IsActive: true, InputTokenCostRate: 1, OutputTokenCostRate: 1, TokenizationType: "rough_char_count",
		}
		if err := gdb.Create(&p).Error; err != nil {
			t.Fatalf("create provider: %v", err)
		}
	}
	store, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	gw := newFakeGateway()
	e, err := NewEngine(EngineOpts{DB: gdb, Store: store, Gateway: gw, Bucket: testBucket})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &engineFixture{engine: e, db: gdb, store: store, gateway: gw}
}

func (f *engineFixture) start(t *testing.T, modelIDs ...string) *models.DialecticSession {
	t.Helper()
	s, err := f.engine.StartSession(context.Background(), StartParams{
		UserID:            "owner",
		ProjectName:       "Pricing",
		InitialUserPrompt: "Should we raise prices?",
		ProcessTemplate:   "standard",
		SelectedModelIDs:  modelIDs,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return s
}

func (f *engineFixture) session(t *testing.T, id string) models.DialecticSession {
	t.Helper()
	var s models.DialecticSession
	if err := f.db.Where("id = ?", id).First(&s).Error; err != nil {
		t.Fatalf("load session: %v", err)
	}
	return s
}

func (f *engineFixture) generate(t *testing.T, sessionID, stage string) *GenerateResult {
	t.Helper()
	res, err := f.engine.GenerateContributions(context.Background(), GenerateParams{SessionID: sessionID, StageSlug: stage, UserID: "owner"})
	if err != nil {
		t.Fatalf("GenerateContributions: %v", err)
	}
	return res
}

func wantStatus(t *testing.T, err error, status int, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d, got nil", status)
	}
	if got := apperr.StatusOf(err); got != status {
		t.Errorf("status = %d, want %d (err = %v)", got, status, err)
	}
	if code != "" && apperr.CodeOf(err) != code {
		t.Errorf("code = %q, want %q", apperr.CodeOf(err), code)
	}
}

func TestEngine_StartSessionWritesSeed(t *testing.T) {
	f := newEngineFixture(t)
	s := f.start(t, "m1", "m2")

	if s.Status != "pending_thesis" || s.IterationCount != 1 {
		t.Errorf("session = %+v", s)
	}
	var p models.DialecticProject
	if err := f.db.Where("id = ?", s.ProjectID).First(&p).Error; err != nil {
		t.Fatalf("load project: %v", err)
	}
	if p.UserID != "owner" {
		t.Errorf("project owner = %q", p.UserID)
	}
	seed, err := f.store.Download(context.Background(), testBucket, blob.SeedPromptPath(p.ID, s.ID, 1, "thesis"))
	if err != nil {
		t.Fatalf("download seed: %v", err)
	}
	if string(seed) != "Propose a thesis.\n\nShould we raise prices?" {
		t.Errorf("seed = %q", seed)
	}
}

func TestEngine_StartSessionValidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	owned := f.start(t, "m1")

	tests := []struct {
		name   string
		params StartParams
		status int
	}{
		{"no models", StartParams{UserID: "owner", ProjectName: "x", InitialUserPrompt: "y", ProcessTemplate: "standard"}, http.StatusBadRequest},
		{"no user", StartParams{SelectedModelIDs: []string{"m1"}}, http.StatusBadRequest},
		{"missing project fields", StartParams{UserID: "owner", SelectedModelIDs: []string{"m1"}}, http.StatusBadRequest},
		{"unknown template", StartParams{UserID: "owner", ProjectName: "x", InitialUserPrompt: "y", ProcessTemplate: "nope", SelectedModelIDs: []string{"m1"}}, http.StatusNotFound},
		{"unknown project", StartParams{UserID: "owner", ProjectID: "nope", SelectedModelIDs: []string{"m1"}}, http.StatusNotFound},
		{"foreign project", StartParams{UserID: "intruder", ProjectID: owned.ProjectID, SelectedModelIDs: []string{"m1"}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.StartSession(ctx, tt.params)
			wantStatus(t, err, tt.status, "")
		})
	}
}

func TestEngine_PartialFailureStillCompletes(t *testing.T) {
	f := newEngineFixture(t)
	f.gateway.fail["dummy-m2"] = &ai.ProviderError{Provider: "dummy", Model: "m2", Status: 500, Message: "boom"}
	s := f.start(t, "m2", "m1")

	res := f.generate(t, s.ID, "thesis")

	if len(res.Contributions) != 1 || res.Contributions[0].ModelID != "m1" {
		t.Fatalf("contributions = %+v, want one from m1", res.Contributions)
	}
	if len(res.Failures) != 1 || res.Failures[0].ModelID != "m2" {
		t.Fatalf("failures = %+v, want one for m2", res.Failures)
	}
	if !strings.Contains(res.Failures[0].Error, "boom") || res.Failures[0].ProviderName != "dummy" {
		t.Errorf("failure = %+v", res.Failures[0])
	}
	if res.Status != "thesis_generation_complete" {
		t.Errorf("Status = %q", res.Status)
	}
	stored := f.session(t, s.ID)
	if stored.Status != "thesis_generation_complete" || stored.IterationCount != 1 {
		t.Errorf("stored session = %+v", stored)
	}

	c := res.Contributions[0]
	if c.UserID != "owner" || !c.IsLatestEdit || c.EditVersion != 1 || c.TokensUsedOutput != 20 {
		t.Errorf("contribution = %+v", c)
	}
	content, err := f.store.Download(context.Background(), testBucket, ContributionPath(c))
	if err != nil {
		t.Fatalf("download contribution: %v", err)
	}
	if string(content) != "answer from dummy-m1 #1" {
		t.Errorf("content = %q", content)
	}
	if c.RawResponseStoragePath == "" {
		t.Error("raw response path not recorded")
	}

	var notes []models.Notification
	f.db.Where("user_id = ?", "owner").Find(&notes)
	if len(notes) != 1 || notes[0].Type != models.NotifyContributionsComplete {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestEngine_AllModelsFailed(t *testing.T) {
	f := newEngineFixture(t)
	f.gateway.fail["dummy-m1"] = errors.New("down")
	f.gateway.fail["dummy-m2"] = errors.New("down")
	s := f.start(t, "m1", "m2")

	res, err := f.engine.GenerateContributions(context.Background(), GenerateParams{SessionID: s.ID, StageSlug: "thesis", UserID: "owner"})
	wantStatus(t, err, http.StatusBadGateway, apperr.CodeAllModelsFailed)
	if res == nil || len(res.Failures) != 2 || len(res.Contributions) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Failures[0].ModelID != "m1" || res.Failures[1].ModelID != "m2" {
		t.Errorf("failures not sorted by model id: %+v", res.Failures)
	}
	if got := f.session(t, s.ID).Status; got != "thesis_generation_failed" {
		t.Errorf("status = %q, want thesis_generation_failed", got)
	}
	var n models.Notification
	f.db.Where("user_id = ?", "owner").First(&n)
	if n.Type != models.NotifyContributionsFailed {
		t.Errorf("notification type = %q", n.Type)
	}
}

func TestEngine_UnknownModelIsPerModelFailure(t *testing.T) {
	f := newEngineFixture(t)
	s := f.start(t, "m1", "ghost")
	res := f.generate(t, s.ID, "thesis")
	if len(res.Failures) != 1 || res.Failures[0].Code != CodeModelNotFound {
		t.Errorf("failures = %+v", res.Failures)
	}
}

type failingRegistrar struct{}

func (failingRegistrar) RegisterContribution(context.Context, ContributionUpload) (*models.Contribution, error) {
	return nil, errors.New("disk full")
}

func TestEngine_RegistrationFailureIsPerModel(t *testing.T) {
	f := newEngineFixture(t)
	e, err := NewEngine(EngineOpts{DB: f.db, Store: f.store, Gateway: f.gateway, Files: failingRegistrar{}, Bucket: testBucket})
	if err != nil {
		t.Fatal(err)
	}
	s := f.start(t, "m1")
	res, err := e.GenerateContributions(context.Background(), GenerateParams{SessionID: s.ID, StageSlug: "thesis", UserID: "owner"})
	wantStatus(t, err, http.StatusBadGateway, apperr.CodeAllModelsFailed)
	if res.Failures[0].Code != CodeRegistrationFailed || res.Failures[0].TokensOutput != 20 {
		t.Errorf("failure = %+v", res.Failures[0])
	}
}

func TestEngine_Preconditions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	s := f.start(t, "m1")

	tests := []struct {
		name   string
		params GenerateParams
		status int
		code   string
	}{
		{"unknown stage", GenerateParams{SessionID: s.ID, StageSlug: "nope", UserID: "owner"}, http.StatusNotFound, apperr.CodeNotFound},
		{"unknown session", GenerateParams{SessionID: "nope", StageSlug: "thesis", UserID: "owner"}, http.StatusNotFound, apperr.CodeNotFound},
		{"wrong stage", GenerateParams{SessionID: s.ID, StageSlug: "antithesis", UserID: "owner"}, http.StatusConflict, apperr.CodeConflict},
		{"not owner", GenerateParams{SessionID: s.ID, StageSlug: "thesis", UserID: "intruder"}, http.StatusForbidden, apperr.CodeForbidden},
		{"missing seed", GenerateParams{SessionID: s.ID, StageSlug: "thesis", UserID: "owner", IterationNumber: 7}, http.StatusInternalServerError, apperr.CodeSeedPromptUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.GenerateContributions(ctx, tt.params)
			wantStatus(t, err, tt.status, tt.code)
		})
	}
	if n := f.gateway.total(); n != 0 {
		t.Errorf("gateway calls = %d, want 0", n)
	}
	if got := f.session(t, s.ID).Status; got != "pending_thesis" {
		t.Errorf("status = %q, want unchanged", got)
	}
}

func TestEngine_NoModelsSelected(t *testing.T) {
	f := newEngineFixture(t)
	s := f.start(t, "m1")
	if err := f.db.Model(&models.DialecticSession{}).Where("id = ?", s.ID).Update("selected_model_ids", "[]").Error; err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.GenerateContributions(context.Background(), GenerateParams{SessionID: s.ID, StageSlug: "thesis", UserID: "owner"})
	wantStatus(t, err, http.StatusBadRequest, apperr.CodeNoModelsSelected)
	if n := f.gateway.total(); n != 0 {
		t.Errorf("gateway calls = %d, want 0", n)
	}
}

func TestEngine_ExplicitModelsOverrideSession(t *testing.T) {
	f := newEngineFixture(t)
	s := f.start(t, "m1")
	res, err := f.engine.GenerateContributions(context.Background(), GenerateParams{
		SessionID: s.ID, StageSlug: "thesis", UserID: "owner", SelectedModelIDs: []string{"m3", "m2"},
	})
	if err != nil {
		t.Fatalf("GenerateContributions: %v", err)
	}
	if len(res.Contributions) != 2 || res.Contributions[0].ModelID != "m2" || res.Contributions[1].ModelID != "m3" {
		t.Errorf("contributions = %+v", res.Contributions)
	}
}

func TestEngine_DuplicateModelIDsRunOnce(t *testing.T) {
	f := newEngineFixture(t)
	s := f.start(t, "m1", "m1", "m2")
	if got := f.session(t, s.ID).SelectedModelIDs; len(got) != 2 {
		t.Errorf("stored selection = %v, want [m1 m2]", got)
	}

	res := f.generate(t, s.ID, "thesis")
	if len(res.Contributions) != 2 {
		t.Errorf("contributions = %d, want 2", len(res.Contributions))
	}

	res, err := f.engine.GenerateContributions(context.Background(), GenerateParams{
		SessionID: s.ID, StageSlug: "thesis", UserID: "owner", SelectedModelIDs: []string{"m3", "m3"},
	})
	if err != nil {
		t.Fatalf("GenerateContributions: %v", err)
	}
	if len(res.Contributions) != 1 || res.Contributions[0].ModelID != "m3" {
		t.Errorf("contributions = %+v, want one from m3", res.Contributions)
	}
	if n := f.gateway.total(); n != 3 {
		t.Errorf("gateway calls = %d, want 3", n)
	}
}

func TestUniqueModelIDs(t *testing.T) {
	got := uniqueModelIDs([]string{"b", "a", "b", "c", "a"})
	want := []string{"b", "a", "c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("uniqueModelIDs = %v, want %v", got, want)
	}
	if got := uniqueModelIDs(nil); len(got) != 0 {
		t.Errorf("uniqueModelIDs(nil) = %v, want empty", got)
	}
}

func TestEngine_RegenerationSupersedesPrevious(t *testing.T) {
	f := newEngineFixture(t)
	s := f.start(t, "m1")
	first := f.generate(t, s.ID, "thesis").Contributions[0]
	second := f.generate(t, s.ID, "thesis").Contributions[0]

	if second.EditVersion != 2 || second.TargetContributionID == nil || *second.TargetContributionID != first.ID {
		t.Errorf("second = %+v", second)
	}
	if second.FileName == first.FileName {
		t.Errorf("file name reused: %s", second.FileName)
	}
	var reloaded models.Contribution
	f.db.Where("id = ?", first.ID).First(&reloaded)
	if reloaded.IsLatestEdit {
		t.Error("first contribution still marked latest")
	}
}

func TestEngine_AdvanceStage(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	s := f.start(t, "m1", "m2")

	if _, err := f.engine.AdvanceStage(ctx, AdvanceParams{SessionID: s.ID, UserID: "owner"}); err == nil {
		t.Fatal("advance before generation should fail")
	} else {
		wantStatus(t, err, http.StatusConflict, apperr.CodeConflict)
	}

	f.generate(t, s.ID, "thesis")
	advanced, err := f.engine.AdvanceStage(ctx, AdvanceParams{SessionID: s.ID, UserID: "owner", Feedback: "be bolder"})
	if err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}
	if advanced.Status != "pending_antithesis" {
		t.Errorf("status = %q, want pending_antithesis", advanced.Status)
	}

	seed, err := f.store.Download(ctx, testBucket, blob.SeedPromptPath(s.ProjectID, s.ID, 1, "antithesis"))
	if err != nil {
		t.Fatalf("download next seed: %v", err)
	}
	for _, want := range []string{"Critique the thesis.", "answer from dummy-m1 #1", "answer from dummy-m2 #1", "be bolder"} {
		if !strings.Contains(string(seed), want) {
			t.Errorf("seed missing %q:\n%s", want, seed)
		}
	}

	res := f.generate(t, s.ID, "antithesis")
	if len(res.Contributions) != 2 {
		t.Errorf("antithesis contributions = %d, want 2", len(res.Contributions))
	}
	if _, err := f.engine.AdvanceStage(ctx, AdvanceParams{SessionID: s.ID, UserID: "owner"}); err != nil {
		t.Fatalf("advance to synthesis: %v", err)
	}
	f.generate(t, s.ID, "synthesis")
	_, err = f.engine.AdvanceStage(ctx, AdvanceParams{SessionID: s.ID, UserID: "owner"})
	wantStatus(t, err, http.StatusConflict, apperr.CodeConflict)

	stages, err := f.engine.NavigableStages(ctx, s.ID, "owner")
	if err != nil {
		t.Fatalf("NavigableStages: %v", err)
	}
	if got := slugs(stages); !equalSlugs(got, []string{"synthesis", "antithesis", "thesis"}) {
		t.Errorf("NavigableStages = %v", got)
	}
	if _, err := f.engine.NavigableStages(ctx, s.ID, "intruder"); apperr.StatusOf(err) != http.StatusForbidden {
		t.Errorf("NavigableStages by intruder err = %v, want 403", err)
	}
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	gdb := openDialecticTestDB(t)
	store, _ := blob.NewFSStore(t.TempDir())
	gw := newFakeGateway()
	tests := []struct {
		name string
		opts EngineOpts
	}{
		{"no db", EngineOpts{Store: store, Gateway: gw, Bucket: "b"}},
		{"no store", EngineOpts{DB: gdb, Gateway: gw, Bucket: "b"}},
		{"no gateway", EngineOpts{DB: gdb, Store: store, Bucket: "b"}},
		{"no bucket", EngineOpts{DB: gdb, Store: store, Gateway: gw}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// recordingSink keeps every message it is sent.
type recordingSink struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (s *recordingSink) Send(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func TestEngine_SinkReceivesStageRun(t *testing.T) {
	f := newEngineFixture(t)
	sink := &recordingSink{}
	e, err := NewEngine(EngineOpts{DB: f.db, Store: f.store, Gateway: f.gateway, Bucket: testBucket, Sink: sink})
	if err != nil {
		t.Fatal(err)
	}
	f.gateway.fail["dummy-m2"] = errors.New("down")
	s := f.start(t, "m1", "m2")

	if _, err := e.GenerateContributions(context.Background(), GenerateParams{SessionID: s.ID, StageSlug: "thesis", UserID: "owner"}); err != nil {
		t.Fatalf("GenerateContributions: %v", err)
	}

	if len(sink.msgs) != 1 || len(sink.msgs[0].Events) != 1 {
		t.Fatalf("sink messages = %+v, want one event", sink.msgs)
	}
	evt := sink.msgs[0].Events[0]
	if evt.Title != "Thesis generation complete with failures" {
		t.Errorf("Title = %q", evt.Title)
	}
	if evt.Severity != "warning" {
		t.Errorf("Severity = %q, want warning", evt.Severity)
	}
	if !strings.Contains(evt.Body, "Project Pricing, iteration 1") {
		t.Errorf("Body = %q", evt.Body)
	}
}

func TestEngine_SinkFailureDoesNotFailRun(t *testing.T) {
	f := newEngineFixture(t)
	sink := &recordingSink{err: errors.New("slack down")}
	e, err := NewEngine(EngineOpts{DB: f.db, Store: f.store, Gateway: f.gateway, Bucket: testBucket, Sink: sink})
	if err != nil {
		t.Fatal(err)
	}
	s := f.start(t, "m1")

	res, err := e.GenerateContributions(context.Background(), GenerateParams{SessionID: s.ID, StageSlug: "thesis", UserID: "owner"})
	if err != nil {
		t.Fatalf("GenerateContributions: %v", err)
	}
	if len(res.Contributions) != 1 {
		t.Errorf("contributions = %d, want 1", len(res.Contributions))
	}
	if len(sink.msgs) != 1 {
		t.Errorf("sink called %d times, want 1", len(sink.msgs))
	}
}
