package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-engine/backend/internal/api/handlers"
	"github.com/kb-engine/backend/internal/evaluation"
	"github.com/kb-engine/backend/internal/indexing"
	"github.com/kb-engine/backend/internal/ingestion"
	"github.com/kb-engine/backend/internal/knowledge"
	"github.com/kb-engine/backend/internal/llm"
	"github.com/kb-engine/backend/internal/llm/templates"
	"github.com/kb-engine/backend/internal/query"
	"github.com/kb-engine/backend/internal/retrieval"
	"github.com/kb-engine/backend/internal/storage/sqlite"
	"github.com/kb-engine/backend/internal/vector/memory"
)

type hashEmbedder struct{}

func (hashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embed(t)
	}
	return out, nil
}

func (hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return embed(text), nil
}

func embed(t string) []float32 {
	v := []float32{0.1, 0.1, 0.1}
	v[len(t)%3] = 1
	return v
}

type cannedGenerator struct{}

func (cannedGenerator) Generate(context.Context, string, []llm.Message) (string, error) {
	return "Classes describe objects.", nil
}

func (cannedGenerator) DescribeImage(context.Context, []byte, string) (string, error) {
	return "", errors.New("not used")
}

func newTestApp(t *testing.T, checks map[string]handlers.Check) *fiber.App {
	t.Helper()
	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "kb.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })

	prompts, err := templates.Load("en")
	require.NoError(t, err)

	vectors := memory.NewStore()
	writer := indexing.NewWriter(vectors, hashEmbedder{}, 0)
	retriever := retrieval.NewRetriever(vectors, hashEmbedder{}, store, retrieval.DefaultAlpha)
	engine := query.NewEngine(retriever, nil, cannedGenerator{}, prompts, query.Config{})
	svc := knowledge.NewService(store, ingestion.NewProcessor(nil, 0), writer, engine, 3, knowledge.Config{Root: t.TempDir()})

	app, limiter := NewApp(Config{RequestsPerMinute: 1000, MaxUploadBytes: 1 << 20}, svc, evaluation.NewEvaluator(svc, hashEmbedder{}), checks)
	t.Cleanup(limiter.Stop)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func upload(t *testing.T, app *fiber.App, kbID, name, content string, out any) int {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/knowledge-bases/"+kbID+"/assets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestKnowledgeBaseLifecycle(t *testing.T) {
	app := newTestApp(t, nil)

	var kb struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	require.Equal(t, fiber.StatusCreated, doJSON(t, app, "POST", "/api/v1/knowledge-bases", map[string]string{"name": "CS101"}, &kb))
	assert.Equal(t, "cs101", kb.Name)

	var errBody map[string]string
	assert.Equal(t, fiber.StatusConflict, doJSON(t, app, "POST", "/api/v1/knowledge-bases", map[string]string{"name": "cs101"}, &errBody))
	assert.Equal(t, "duplicate resource", errBody["kind"])

	assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, "POST", "/api/v1/knowledge-bases", map[string]string{"name": ""}, nil))
	assert.Equal(t, fiber.StatusNotFound, doJSON(t, app, "GET", "/api/v1/knowledge-bases/missing", nil, nil))

	var list struct {
		KnowledgeBases []map[string]any `json:"knowledge_bases"`
	}
	require.Equal(t, fiber.StatusOK, doJSON(t, app, "GET", "/api/v1/knowledge-bases", nil, &list))
	assert.Len(t, list.KnowledgeBases, 1)

	assert.Equal(t, fiber.StatusNoContent, doJSON(t, app, "DELETE", "/api/v1/knowledge-bases/"+kb.ID, nil, nil))
	assert.Equal(t, fiber.StatusNotFound, doJSON(t, app, "GET", "/api/v1/knowledge-bases/"+kb.ID, nil, nil))
}

func TestIngestAndQueryOverHTTP(t *testing.T) {
	app := newTestApp(t, nil)

	var kb struct {
		ID string `json:"id"`
	}
	require.Equal(t, fiber.StatusCreated, doJSON(t, app, "POST", "/api/v1/knowledge-bases", map[string]string{"name": "oop"}, &kb))

	content := "A class is a blueprint for creating objects. Inheritance lets one class reuse another."
	var up struct {
		Asset struct {
			ID string `json:"id"`
		} `json:"asset"`
		Duplicate bool `json:"duplicate"`
	}
	require.Equal(t, fiber.StatusCreated, upload(t, app, kb.ID, "notes.md", content, &up))
	assert.False(t, up.Duplicate)
	require.Equal(t, fiber.StatusOK, upload(t, app, kb.ID, "again.md", content, &up))
	assert.True(t, up.Duplicate)

	assert.Equal(t, fiber.StatusUnsupportedMediaType, upload(t, app, kb.ID, "tool.exe", "MZ", nil))

	var processed knowledge.BatchResult
	require.Equal(t, fiber.StatusOK, doJSON(t, app, "POST", "/api/v1/knowledge-bases/"+kb.ID+"/process", nil, &processed))
	assert.Equal(t, 1, processed.Processed)
	assert.Positive(t, processed.Chunks)

	var indexed knowledge.IndexResult
	require.Equal(t, fiber.StatusOK, doJSON(t, app, "POST", "/api/v1/knowledge-bases/"+kb.ID+"/index", map[string]bool{"reset": true}, &indexed))
	assert.Equal(t, processed.Chunks, indexed.Inserted)

	var found query.SearchResponse
	require.Equal(t, fiber.StatusOK, doJSON(t, app, "POST", "/api/v1/knowledge-bases/"+kb.ID+"/search",
		map[string]any{"query": "class blueprint", "limit": 3, "mode": "lexical"}, &found))
	require.NotEmpty(t, found.Documents)
	assert.Contains(t, found.Documents[0].Text, "blueprint")

	assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, "POST", "/api/v1/knowledge-bases/"+kb.ID+"/search",
		map[string]any{"query": "class", "mode": "fuzzy"}, nil))

	var answer query.AnswerResponse
	require.Equal(t, fiber.StatusOK, doJSON(t, app, "POST", "/api/v1/knowledge-bases/"+kb.ID+"/answer",
		map[string]any{"query": "what is a class"}, &answer))
	assert.Equal(t, "Classes describe objects.", answer.Answer)
	assert.NotEmpty(t, answer.Sources)

	var eval struct {
		Reports []evaluation.Report `json:"reports"`
	}
	require.Equal(t, fiber.StatusOK, doJSON(t, app, "POST", "/api/v1/knowledge-bases/"+kb.ID+"/evaluate", map[string]any{
		"items": []map[string]any{{"query": "class blueprint", "expected": []string{"notes.md"}}},
		"modes": []string{"lexical"},
	}, &eval))
	require.Len(t, eval.Reports, 1)
	assert.Equal(t, 1, eval.Reports[0].FullyRelevantCount)

	var assetIndexed knowledge.IndexResult
	require.Equal(t, fiber.StatusOK, doJSON(t, app, "POST", "/api/v1/knowledge-bases/"+kb.ID+"/assets/"+up.Asset.ID+"/index",
		map[string]bool{"reset": false, "skip_duplicates": true}, &assetIndexed))
	assert.Equal(t, 0, assetIndexed.Inserted)
	assert.Equal(t, processed.Chunks, assetIndexed.Skipped)

	assert.Equal(t, fiber.StatusNotFound, doJSON(t, app, "POST", "/api/v1/knowledge-bases/"+kb.ID+"/assets/"+strings.Repeat("0", 24)+"/index", nil, nil))
	assert.Equal(t, fiber.StatusNoContent, doJSON(t, app, "DELETE", "/api/v1/knowledge-bases/"+kb.ID+"/assets/"+up.Asset.ID, nil, nil))
}

func TestReadinessReportsFailingChecks(t *testing.T) {
	app := newTestApp(t, map[string]handlers.Check{
		"metadata": func(context.Context) error { return nil },
		"vectors":  func(context.Context) error { return errors.New("connection refused") },
	})

	assert.Equal(t, fiber.StatusOK, doJSON(t, app, "GET", "/health", nil, nil))

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.Equal(t, fiber.StatusServiceUnavailable, doJSON(t, app, "GET", "/ready", nil, &body))
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "ok", body.Checks["metadata"])
	assert.Equal(t, "connection refused", body.Checks["vectors"])
}

func TestChatRouteRequiresUpgrade(t *testing.T) {
	app := newTestApp(t, nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, doJSON(t, app, "GET", "/ws/knowledge-bases/x/chat", nil, nil))
}
