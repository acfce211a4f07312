package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolechat/internal/chat"
	"github.com/rolechat/internal/group"
	"github.com/rolechat/internal/kb"
	"github.com/rolechat/internal/llm"
	"github.com/rolechat/internal/logging"
	"github.com/rolechat/internal/orchestrator"
	"github.com/rolechat/internal/providers"
	"github.com/rolechat/internal/roles"
	"github.com/rolechat/internal/suggestions"
)

type stubCompleter struct {
	content string
	err     error
}

func (s *stubCompleter) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.content, FinishReason: "stop"}, nil
}

func newTestServer(t *testing.T) (*Server, *group.Store) {
	t.Helper()
	dataDir := t.TempDir()

	accounts := `{"accounts":[
		{"alias":"alpha","base_url":"http://alpha.test","api_key":"secret-a","priority":2},
		{"alias":"beta","base_url":"http://beta.test","priority":1}
	]}`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "providers.json"), []byte(accounts), 0644))

	rolesDir := t.TempDir()
	for slug, name := range map[string]string{"socrates": "Socrates", "marx": "Marx", "laozi": "Laozi"} {
		card := map[string]string{"name": name, "prompt": "You are " + name + "."}
		if slug == "socrates" {
			card["greeting"] = "What shall we examine today?"
		}
		raw, err := json.Marshal(card)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(rolesDir, slug+".json"), raw, 0644))
	}

	store, err := group.NewStore(dataDir)
	require.NoError(t, err)
	chatStore, err := chat.NewStore(dataDir)
	require.NoError(t, err)
	catalog, err := roles.Load(rolesDir)
	require.NoError(t, err)
	registry := providers.Load(dataDir, providers.EnvDefault{BaseURL: "http://llm.test", Model: "judge-model"})

	judge := &stubCompleter{content: "agent-1"}
	reply := &stubCompleter{content: "A considered reply."}
	orch := orchestrator.New(store, catalog, registry, judge,
		func(_ context.Context, _ providers.Account) (llm.Completer, error) { return reply, nil },
		logging.NewJudgeLogger(dataDir), orchestrator.DefaultOptions())

	gen, err := suggestions.NewGenerator(dataDir, store,
		&stubCompleter{content: `[{"text":"Tell me more.","angle":"clarify"}]`}, "judge-model")
	require.NoError(t, err)

	manager, err := kb.NewManager(dataDir)
	require.NoError(t, err)

	return NewServer("127.0.0.1", 0, Deps{
		Store:       store,
		Chat:        chatStore,
		Roles:       catalog,
		Providers:   registry,
		Orch:        orch,
		LLM:         reply,
		Suggestions: gen,
		KB:          manager,
	}), store
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateGroupAssignsProvidersAndTitle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/group-conversations",
		`{"participants":[{"roleCardId":"socrates","name":"Socrates"},{"roleCardId":"marx","name":"Marx"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var conv group.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, "Chat with Socrates and Marx", conv.Title)
	assert.Equal(t, "agent-1", conv.Participants[0].AgentID)
	// round-robin over file accounts in priority order, env default excluded
	assert.Equal(t, "alpha", conv.Participants[0].ProviderAlias)
	assert.Equal(t, "beta", conv.Participants[1].ProviderAlias)
}

func TestCreateGroupRejectsTooManyParticipants(t *testing.T) {
	s, store := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/group-conversations",
		`{"participants":[{"roleCardId":"socrates"},{"roleCardId":"marx"},{"roleCardId":"laozi"},{"roleCardId":"socrates"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	metas, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, metas, "nothing persisted for a rejected create")
}

func TestCreateGroupRejectsUnknownRole(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/group-conversations",
		`{"participants":[{"roleCardId":"nietzsche"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "nietzsche")
}

func TestGetGroupNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/group-conversations/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserInsertValidation(t *testing.T) {
	s, store := newTestServer(t)
	conv, err := store.Create("t", []group.Participant{{RoleCardID: "socrates"}})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/group-conversations/"+conv.ID+"/user", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/group-conversations/"+conv.ID+"/user", `{"text":"hello"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := store.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)
}

func TestPauseResume(t *testing.T) {
	s, store := newTestServer(t)
	conv, err := store.Create("t", []group.Participant{{RoleCardID: "socrates"}})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/group-conversations/"+conv.ID+"/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"paused":true`)

	rec = doJSON(t, s, http.MethodPost, "/api/group-conversations/"+conv.ID+"/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"paused":false`)
}

func TestOverrideNextValidatesParticipant(t *testing.T) {
	s, store := newTestServer(t)
	conv, err := store.Create("t", []group.Participant{
		{RoleCardID: "socrates"}, {RoleCardID: "marx"},
	})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/group-conversations/"+conv.ID+"/override-next", `{"agentId":"stranger"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/group-conversations/"+conv.ID+"/override-next", `{"agentId":"agent-2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-2", got.Orchestrator.OverrideNext)
}

func TestListProvidersRedactsCredentials(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.NotContains(t, body, "secret-a")
	assert.Contains(t, body, `"hasKey":true`)
	// env default outranks file accounts
	var views []providerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Equal(t, "default", views[0].Alias)
}

func TestStreamTurnEmitsSSE(t *testing.T) {
	s, store := newTestServer(t)
	conv, err := store.Create("t", []group.Participant{
		{RoleCardID: "socrates", Name: "Socrates"},
		{RoleCardID: "marx", Name: "Marx"},
	})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/group-conversations/"+conv.ID+"/assistant/stream", `{"text":"begin"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: status.start\n")
	assert.Contains(t, body, "event: judge.decision\n")
	assert.Contains(t, body, "event: agent.message.delta\n")
	assert.Contains(t, body, "event: agent.message.completed\n")
	assert.True(t, strings.HasSuffix(body, "event: done\n\n"))

	got, err := store.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "A considered reply.", got.Messages[1].Content)
	assert.Equal(t, 1, got.Turn)
}

func TestStreamTurnUnknownConversation(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/group-conversations/nope/assistant/stream", `{"text":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code) // errors travel on the stream
	assert.Contains(t, rec.Body.String(), "event: error\n")
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestSuggestEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	conv, err := store.Create("t", []group.Participant{{RoleCardID: "socrates"}})
	require.NoError(t, err)
	_, err = store.AppendUser(conv.ID, "hello")
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/group-conversations/"+conv.ID+"/suggestions", `{"k":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Tell me more.")

	rec = doJSON(t, s, http.MethodPost, "/api/group-conversations/nope/suggestions", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatCreateWithRoleCard(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/conversations", `{"role":"socrates"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var meta chat.Meta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "New conversation", meta.Title)

	conv, err := s.deps.Chat.Get(meta.ID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "system", conv.Messages[0].Role)
	assert.Equal(t, "You are Socrates.", conv.Messages[0].Content)
	assert.Equal(t, "assistant", conv.Messages[1].Role)
	assert.Equal(t, "What shall we examine today?", conv.Messages[1].Content)
}

func TestChatSendMessageRound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/conversations", `{"title":"one on one"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var meta chat.Meta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))

	rec = doJSON(t, s, http.MethodPost, "/api/conversations/"+meta.ID+"/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "A considered reply.")

	conv, err := s.deps.Chat.Get(meta.ID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "user", conv.Messages[0].Role)
	assert.Equal(t, "assistant", conv.Messages[1].Role)

	rec = doJSON(t, s, http.MethodPost, "/api/conversations/"+meta.ID+"/messages", `{"content":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/conversations/nope/messages", `{"content":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatSendMessageKeepsUserMessageOnProviderFailure(t *testing.T) {
	s, _ := newTestServer(t)
	s.deps.LLM = &stubCompleter{err: errors.New("upstream unavailable")}

	rec := doJSON(t, s, http.MethodPost, "/api/conversations", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var meta chat.Meta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))

	rec = doJSON(t, s, http.MethodPost, "/api/conversations/"+meta.ID+"/messages", `{"content":"hello"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	conv, err := s.deps.Chat.Get(meta.ID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "user", conv.Messages[0].Role)
}

func TestChatRenameAndDelete(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/conversations", `{"title":"old"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var meta chat.Meta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))

	rec = doJSON(t, s, http.MethodPatch, "/api/conversations/"+meta.ID, `{"title":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPatch, "/api/conversations/"+meta.ID, `{"title":"renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "renamed")

	rec = doJSON(t, s, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "renamed")

	rec = doJSON(t, s, http.MethodDelete, "/api/conversations/"+meta.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/conversations/"+meta.ID+"/messages", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKBEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/kb", `{"title":"Dialogues","roleCardId":"socrates"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var meta kb.Meta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))

	rec = doJSON(t, s, http.MethodPost, "/api/kb", `{"title":"x","roleCardId":"nietzsche"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/kb/"+meta.ID+"/docs",
		`{"title":"apology","text":"# Apology\n\nSocrates defends himself before the court at considerable and memorable length."}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"heading"`)

	rec = doJSON(t, s, http.MethodGet, "/api/kb/"+meta.ID+"/docs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/role-cards/socrates/kb", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), meta.ID)

	rec = doJSON(t, s, http.MethodGet, "/api/kb/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
