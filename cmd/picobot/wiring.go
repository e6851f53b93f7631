package main

import (
	"context"
	"fmt"
	"time"

	"github.com/picobot-run/picobot/internal/agentloop"
	"github.com/picobot-run/picobot/internal/config"
	"github.com/picobot-run/picobot/internal/kernel"
	"github.com/picobot-run/picobot/internal/media/transcribe"
	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/models/anthropic"
	"github.com/picobot-run/picobot/internal/models/bedrock"
	"github.com/picobot-run/picobot/internal/models/gemini"
	"github.com/picobot-run/picobot/internal/models/openai"
	"github.com/picobot-run/picobot/internal/permission"
	"github.com/picobot-run/picobot/internal/queue"
	"github.com/picobot-run/picobot/internal/scheduler"
	"github.com/picobot-run/picobot/internal/sessionstore"
	"github.com/picobot-run/picobot/internal/toolregistry"
	"github.com/picobot-run/picobot/internal/toolregistry/builtin"
)

// memoryStoreAdapter narrows *sessionstore.Store onto builtin.MemoryStore,
// translating between its UserMemory row type and the tool package's
// MemoryEntry.
type memoryStoreAdapter struct {
	store *sessionstore.Store
}

func (a memoryStoreAdapter) UpsertMemoryContent(ctx context.Context, userID, key, content string, sourceSessionID *string) error {
	return a.store.UpsertMemory(ctx, &sessionstore.UserMemory{
		UserID:          userID,
		Key:             key,
		Content:         content,
		SourceSessionID: sourceSessionID,
	})
}

func (a memoryStoreAdapter) RecentMemoryContents(ctx context.Context, userID string, limit int) ([]builtin.MemoryEntry, error) {
	rows, err := a.store.RecentMemories(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]builtin.MemoryEntry, len(rows))
	for i, r := range rows {
		out[i] = builtin.MemoryEntry{Key: r.Key, Content: r.Content}
	}
	return out, nil
}

// notificationSinkAdapter implements models.NotificationSink over the
// synchronous, context-free queue.NotificationQueue.Enqueue, matching the
// shape the "notify" built-in tool and the scheduler's executor both need.
type notificationSinkAdapter struct {
	queue *queue.NotificationQueue
}

func (a notificationSinkAdapter) Enqueue(ctx context.Context, channelID, userID string, payload any) (string, error) {
	text, ok := payload.(string)
	if !ok {
		return "", fmt.Errorf("notification payload must be a string, got %T", payload)
	}
	id := a.queue.Enqueue(channelID, userID, queue.NotificationRequest{
		ChannelID: channelID,
		UserID:    userID,
		Text:      text,
	})
	return id, nil
}

// schedulerAdapter implements models.SchedulerHandle over
// *scheduler.Store, type-asserting the "schedule" tool's any request back
// into a concrete scheduler.CreateJobRequest (see
// builtin.ScheduleJobRequest) and computing the job's first run time via
// scheduler.NextOccurrence. Cancel maps onto a hard delete: PicoBot has no
// notion of a soft-disabled-but-still-listed job distinct from "gone".
type schedulerAdapter struct {
	store *scheduler.Store
}

func (a schedulerAdapter) CreateJob(ctx context.Context, req any) (any, error) {
	in, ok := req.(builtin.ScheduleJobRequest)
	if !ok {
		return nil, fmt.Errorf("scheduler: unexpected request type %T", req)
	}
	scheduleType := scheduler.ScheduleType(in.ScheduleType)
	nextRunAt, err := scheduler.NextOccurrence(scheduleType, in.ScheduleExpr, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule: %w", err)
	}
	job, err := a.store.CreateJob(ctx, scheduler.CreateJobRequest{
		Name:         in.Name,
		ScheduleType: scheduleType,
		ScheduleExpr: in.ScheduleExpr,
		TaskPrompt:   in.TaskPrompt,
		SessionID:    in.SessionID,
		UserID:       in.UserID,
		ChannelID:    in.ChannelID,
		Capabilities: permission.NewCapabilitySet(),
		Creator:      scheduler.Principal{UserID: in.UserID},
	}, nextRunAt)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (a schedulerAdapter) CancelJob(ctx context.Context, jobID string) error {
	return a.store.DeleteJob(ctx, jobID)
}

// summarizer implements retention.Summarizer by running a small summarize
// turn against the configured summary model and upserting the result,
// grounded on internal/retention's own split of "count sessions" (plain
// SQL, lives on sessionstore.Store already) from "summarize one session"
// (needs a model, so it can't live in sessionstore without that package
// importing models backends it has no other reason to depend on).
type summarizer struct {
	store *sessionstore.Store
	model models.Model
}

func (s summarizer) SessionMessageCounts(ctx context.Context) (map[string]int, error) {
	return s.store.SessionMessageCounts(ctx)
}

func (s summarizer) Summarize(ctx context.Context, sessionID string) error {
	if s.model == nil {
		return nil
	}
	sess, err := s.store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	messages := make([]models.Message, 0, len(sess.Conversation)+1)
	for _, m := range sess.Conversation {
		messages = append(messages, models.Message{Role: models.Role(m.Role), Text: m.Content})
	}
	messages = append(messages, models.Message{
		Role: models.RoleUser,
		Text: "Summarize this conversation in two or three sentences for future reference.",
	})

	resp, err := s.model.Complete(ctx, models.ModelRequest{Messages: messages})
	if err != nil {
		return fmt.Errorf("summarize session %s: %w", sessionID, err)
	}
	return s.store.UpsertSummary(ctx, &sessionstore.SessionSummary{
		SessionID:    sessionID,
		Summary:      resp.Text,
		MessageCount: len(sess.Conversation),
	})
}

// schedulerRunner adapts a kernel/agentloop pair into scheduler.AgentRunner:
// it builds a scoped kernel for the job's identity in ModeScheduledJob and
// runs the job's task_prompt as a single agent-loop turn against a
// synthetic session that is never persisted (a scheduled job has no
// interactive conversation to append to).
type schedulerRunner struct {
	app *app
}

func (r schedulerRunner) Run(ctx context.Context, job *scheduler.ScheduledJob) (scheduler.RunResult, error) {
	model, err := r.app.modelByName("")
	if err != nil {
		return scheduler.RunResult{}, err
	}

	userID := job.UserID
	var sessionID, channelID *string
	if job.SessionID != nil {
		sessionID = job.SessionID
	}
	if job.ChannelID != nil {
		channelID = job.ChannelID
	}

	k := r.app.kernel.CloneWithContext(&userID, sessionID, channelID)
	k = k.WithPrompter(kernel.NoopPrompter{})

	sess := &models.Session{
		ID:     "scheduled:" + job.ID,
		UserID: job.UserID,
	}
	if job.ChannelID != nil {
		sess.ChannelID = *job.ChannelID
	}

	text, err := agentloop.Run(ctx, k, model, r.app.tools, sess, job.TaskPrompt, agentloop.Config{MaxToolRounds: 8}, agentloop.Callbacks{})
	if err != nil {
		return scheduler.RunResult{}, err
	}
	return scheduler.RunResult{Summary: text}, nil
}

// notifierAdapter adapts notificationSinkAdapter to scheduler.Notifier's
// synchronous, error-free signature.
type notifierAdapter struct {
	sink notificationSinkAdapter
	log  func(err error)
}

func (n notifierAdapter) Notify(channelID, userID, text, jobID string) {
	if _, err := n.sink.Enqueue(context.Background(), channelID, userID, text); err != nil && n.log != nil {
		n.log(err)
	}
}

// sessionSource implements httpapi.SessionSource, bridging the durable
// sessionstore.Session row shape to the in-memory models.Session the
// kernel and agent loop operate on.
type sessionSource struct {
	app *app
}

func (s sessionSource) Resolve(ctx context.Context, sessionID, channelID, userID string) (*models.Session, error) {
	if sessionID != "" {
		row, err := s.app.sessions.LoadSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if row != nil {
			return toModelSession(row), nil
		}
	}
	if channelID != "" && userID != "" {
		row, err := s.app.sessions.FindByChannelUser(ctx, channelID, userID)
		if err != nil {
			return nil, err
		}
		if row != nil {
			return toModelSession(row), nil
		}
	}

	now := time.Now().UTC()
	row := &sessionstore.Session{
		ID:          newSessionID(),
		ChannelType: channelTypeOf(channelID),
		ChannelID:   channelID,
		UserID:      userID,
		CreatedAt:   now,
		LastActive:  now,
		State:       sessionstore.StateActive,
	}
	if err := s.app.sessions.SaveSession(ctx, row); err != nil {
		return nil, err
	}
	return toModelSession(row), nil
}

func (s sessionSource) Save(ctx context.Context, sess *models.Session) error {
	row := toStoreSession(sess)
	row.LastActive = time.Now().UTC()
	return s.app.sessions.SaveSession(ctx, row)
}

func (s sessionSource) Kernel(sess *models.Session) *kernel.Kernel {
	userID, sessionID, channelID := sess.UserID, sess.ID, sess.ChannelID
	base := s.app.kernelFor(sess.ChannelType, sess.ChannelID)
	return base.CloneWithContext(&userID, &sessionID, &channelID)
}

func (s sessionSource) Model(name string) (models.Model, error) {
	return s.app.modelByName(name)
}

func (s sessionSource) Tools() agentloop.ToolSpecSource {
	return s.app.tools
}

func toModelSession(row *sessionstore.Session) *models.Session {
	sess := &models.Session{
		ID:          row.ID,
		ChannelType: row.ChannelType,
		ChannelID:   row.ChannelID,
		UserID:      row.UserID,
		Permissions: row.Permissions,
		CreatedAt:   row.CreatedAt,
		LastActive:  row.LastActive,
		State:       toModelState(row.State),
		AwaitingTool:  row.AwaitingTool,
		AwaitingReqID: row.AwaitingRequest,
	}
	sess.Conversation = make([]models.Message, len(row.Conversation))
	for i, m := range row.Conversation {
		sess.Conversation[i] = models.Message{
			Role:       models.Role(m.Role),
			Text:       m.Content,
			ToolCalls:  toModelToolCalls(m.ToolCalls),
			ToolCallID: m.ToolCallID,
			CreatedAt:  m.CreatedAt,
		}
	}
	return sess
}

func toStoreSession(sess *models.Session) *sessionstore.Session {
	row := &sessionstore.Session{
		ID:              sess.ID,
		ChannelType:     sess.ChannelType,
		ChannelID:       sess.ChannelID,
		UserID:          sess.UserID,
		Permissions:     sess.Permissions,
		CreatedAt:       sess.CreatedAt,
		LastActive:      sess.LastActive,
		State:           toStoreState(sess.State),
		AwaitingTool:    sess.AwaitingTool,
		AwaitingRequest: sess.AwaitingReqID,
	}
	row.Conversation = make([]sessionstore.Message, len(sess.Conversation))
	for i, m := range sess.Conversation {
		row.Conversation[i] = sessionstore.Message{
			SeqOrder:   i,
			Role:       sessionstore.Role(m.Role),
			Content:    m.Text,
			ToolCalls:  toStoreToolCalls(m.ToolCalls),
			ToolCallID: m.ToolCallID,
			CreatedAt:  m.CreatedAt,
		}
	}
	return row
}

func toModelState(s sessionstore.SessionState) models.SessionState {
	switch s {
	case sessionstore.StateAwaitingPermission:
		return models.SessionAwaitingPermission
	case sessionstore.StateIdle:
		return models.SessionIdle
	case sessionstore.StateTerminated:
		return models.SessionTerminated
	default:
		return models.SessionActive
	}
}

func toStoreState(s models.SessionState) sessionstore.SessionState {
	switch s {
	case models.SessionAwaitingPermission:
		return sessionstore.StateAwaitingPermission
	case models.SessionIdle:
		return sessionstore.StateIdle
	case models.SessionTerminated:
		return sessionstore.StateTerminated
	default:
		return sessionstore.StateActive
	}
}

func toModelToolCalls(in []sessionstore.ToolCall) []models.ToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(in))
	for i, c := range in {
		out[i] = models.ToolCall{ID: c.ID, Name: c.Name, Arguments: string(c.Arguments)}
	}
	return out
}

func toStoreToolCalls(in []models.ToolCall) []sessionstore.ToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]sessionstore.ToolCall, len(in))
	for i, c := range in {
		out[i] = sessionstore.ToolCall{ID: c.ID, Name: c.Name, Arguments: []byte(c.Arguments)}
	}
	return out
}

// buildToolRegistry registers every built-in tool, wiring the memory tools
// to store and leaving notify/schedule to pull their sink/handle off each
// call's ToolContext (set per-kernel, not per-tool). read_media transcribes
// audio through OpenAI Whisper when an OpenAI API key is configured, and
// falls back to reporting the raw audio bytes otherwise.
func buildToolRegistry(store *sessionstore.Store, modelsCfg config.ModelsConfig) (*toolregistry.Registry, error) {
	reg := toolregistry.New()
	mem := memoryStoreAdapter{store: store}
	readMedia := builtin.NewReadMediaTool()
	if modelsCfg.OpenAI.APIKey != "" {
		t, err := transcribe.New(transcribe.Config{
			Provider: "openai",
			APIKey:   modelsCfg.OpenAI.APIKey,
			BaseURL:  modelsCfg.OpenAI.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("transcriber: %w", err)
		}
		readMedia = builtin.NewReadMediaToolWithTranscriber(t)
	}
	tools := []toolregistry.Tool{
		builtin.NewReadFileTool(),
		builtin.NewWriteFileTool(),
		builtin.NewExecTool(),
		builtin.NewMemoryReadTool(mem),
		builtin.NewMemoryWriteTool(mem),
		builtin.NewNotifyTool(),
		builtin.NewScheduleTool(),
		builtin.NewBrowserTool(),
		readMedia,
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return nil, fmt.Errorf("register tool %q: %w", t.Spec().Name, err)
		}
	}
	return reg, nil
}

// buildModelBackends constructs one models.Model per configured provider,
// skipping any provider whose API key/region is left empty so a
// development config naming only one provider doesn't fail startup trying
// to build the other three.
func buildModelBackends(ctx context.Context, cfg config.ModelsConfig) (map[string]models.Model, error) {
	backends := make(map[string]models.Model)

	if cfg.OpenAI.APIKey != "" {
		b, err := openai.New(openai.Config{APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL, Model: cfg.OpenAI.DefaultModel})
		if err != nil {
			return nil, fmt.Errorf("openai backend: %w", err)
		}
		backends["openai"] = b
	}
	if cfg.Anthropic.APIKey != "" {
		b, err := anthropic.New(anthropic.Config{APIKey: cfg.Anthropic.APIKey, BaseURL: cfg.Anthropic.BaseURL, Model: cfg.Anthropic.DefaultModel})
		if err != nil {
			return nil, fmt.Errorf("anthropic backend: %w", err)
		}
		backends["anthropic"] = b
	}
	if cfg.Gemini.APIKey != "" {
		b, err := gemini.New(ctx, gemini.Config{APIKey: cfg.Gemini.APIKey, Model: cfg.Gemini.DefaultModel})
		if err != nil {
			return nil, fmt.Errorf("gemini backend: %w", err)
		}
		backends["gemini"] = b
	}
	if cfg.Bedrock.Region != "" {
		b, err := bedrock.New(ctx, bedrock.Config{Region: cfg.Bedrock.Region, Model: cfg.Bedrock.DefaultModel})
		if err != nil {
			return nil, fmt.Errorf("bedrock backend: %w", err)
		}
		backends["bedrock"] = b
	}
	return backends, nil
}

func newSessionID() string {
	return fmt.Sprintf("sess_%d", time.Now().UnixNano())
}

func channelTypeOf(channelID string) string {
	for i := 0; i < len(channelID); i++ {
		if channelID[i] == ':' {
			return channelID[:i]
		}
	}
	return channelID
}
