package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/access"
	"github.com/MarcoPoloResearchLab/docvault/internal/auth"
	"github.com/MarcoPoloResearchLab/docvault/internal/blobs"
	"github.com/MarcoPoloResearchLab/docvault/internal/content"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	"github.com/MarcoPoloResearchLab/docvault/internal/editing"
	"github.com/MarcoPoloResearchLab/docvault/internal/feedkeys"
	"github.com/MarcoPoloResearchLab/docvault/internal/feeds"
	"github.com/MarcoPoloResearchLab/docvault/internal/gate"
	"github.com/MarcoPoloResearchLab/docvault/internal/locks"
	"github.com/MarcoPoloResearchLab/docvault/internal/notify"
	"github.com/MarcoPoloResearchLab/docvault/internal/permalinks"
	"github.com/MarcoPoloResearchLab/docvault/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "docvault_session"
	testBlobMaxBytes  = 1024
)

var testRoles = map[string][]string{
	"editor": {
		"read_private_posts", "read_document_revisions", "edit_documents", "edit_others_documents",
		"delete_documents", "delete_others_documents", "delete_published_documents",
		"publish_documents", "override_document_lock",
	},
	"author":      {"read_document_revisions", "edit_documents", "delete_documents", "delete_published_documents", "publish_documents"},
	"contributor": {"read_document_revisions", "edit_documents", "delete_documents"},
	"subscriber":  {},
	"fixer":       {"edit_documents", "edit_others_documents"},
}

type harness struct {
	handler    http.Handler
	issuer     *auth.TokenIssuer
	documents  *documents.Service
	blobs      blobs.Store
	dispatcher *notify.Dispatcher
	logs       *observer.ObservedLogs
}

func newHarness(t *testing.T) harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&content.Record{}, &content.Meta{}, &users.Identity{}, &users.Meta{}, &blobs.Blob{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	base := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	var tick int64
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	store, err := content.NewStore(db)
	if err != nil {
		t.Fatalf("content store: %v", err)
	}
	documentService, err := documents.NewService(documents.ServiceConfig{Store: store, IDProvider: documents.NewUUIDProvider(), Clock: clock})
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Roles: testRoles})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	resolver, err := access.NewResolver(access.ResolverConfig{Documents: documentService})
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	dispatcher := notify.NewDispatcher()
	lockStore, err := locks.NewDatabaseStore(store)
	if err != nil {
		t.Fatalf("lock store: %v", err)
	}
	lockManager, err := locks.NewManager(locks.ManagerConfig{Store: lockStore, Authorizer: resolver, Notifier: dispatcher, Clock: clock})
	if err != nil {
		t.Fatalf("locks: %v", err)
	}
	blobStore, err := blobs.NewDatabaseStore(db, clock, testBlobMaxBytes)
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	editingService, err := editing.NewService(editing.Config{
		Documents: documentService,
		Access:    resolver,
		Locks:     lockManager,
		Blobs:     blobStore,
		Notifier:  dispatcher,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("editing: %v", err)
	}
	links, err := permalinks.NewResolver("", documentService)
	if err != nil {
		t.Fatalf("permalinks: %v", err)
	}
	keys, err := feedkeys.NewAuthenticator(feedkeys.Config{Meta: userService})
	if err != nil {
		t.Fatalf("feedkeys: %v", err)
	}
	feedService, err := feeds.NewService(feeds.Config{Chain: documentService, Access: resolver, Links: links, Authors: userService})
	if err != nil {
		t.Fatalf("feeds: %v", err)
	}
	fileGate, err := gate.New(gate.Config{
		Links:      links,
		Chain:      documentService,
		Access:     resolver,
		FeedKeys:   keys,
		Principals: userService,
		Blobs:      blobStore,
		Feeds:      feedService,
	})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret), CookieName: testCookieName})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}

	core, logs := observer.New(zap.InfoLevel)
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          validator,
		Users:             userService,
		Documents:         documentService,
		Access:            resolver,
		Editing:           editingService,
		Locks:             lockManager,
		FeedKeys:          keys,
		Feeds:             feedService,
		Links:             links,
		Gate:              fileGate,
		Events:            dispatcher,
		HeartbeatInterval: time.Hour,
		Logger:            zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return harness{
		handler:    handler,
		issuer:     issuer,
		documents:  documentService,
		blobs:      blobStore,
		dispatcher: dispatcher,
		logs:       logs,
	}
}

func (h harness) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, _, err := h.issuer.IssueSessionToken(auth.SessionClaims{UserID: userID, UserRoles: roles})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (h harness) do(t *testing.T, request *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h harness) doJSON(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return h.do(t, request, token)
}

func (h harness) doUpload(t *testing.T, target, token string, fields map[string]string, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	return h.doTypedUpload(t, target, token, fields, filename, "", content)
}

// doTypedUpload posts a multipart form whose file part declares mimeType, or the multipart
// default when mimeType is empty.
func (h harness) doTypedUpload(t *testing.T, target, token string, fields map[string]string, filename, mimeType, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	if filename != "" {
		var (
			part io.Writer
			err  error
		)
		if mimeType == "" {
			part, err = writer.CreateFormFile("file", filename)
		} else {
			partHeader := make(textproto.MIMEHeader)
			partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
			partHeader.Set("Content-Type", mimeType)
			part, err = writer.CreatePart(partHeader)
		}
		if err != nil {
			t.Fatalf("failed to create file part: %v", err)
		}
		if _, err := io.WriteString(part, content); err != nil {
			t.Fatalf("failed to write file part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, target, &buffer)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	return h.do(t, request, token)
}

// createDocument creates a document through the API and returns its payload.
func (h harness) createDocument(t *testing.T, token, title, status, content string) documentResponse {
	t.Helper()
	recorder := h.doUpload(t, "/api/documents", token, map[string]string{"title": title, "status": status}, "report.pdf", content)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Document documentResponse `json:"document"`
	}
	decode(t, recorder, &payload)
	return payload.Document
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	decode(t, recorder, &payload)
	code, _ := payload["error"].(string)
	return code
}

func (h harness) revisions(t *testing.T, documentID string) []documents.Revision {
	t.Helper()
	chain, err := h.documents.RevisionsOf(context.Background(), documentID)
	if err != nil {
		t.Fatalf("revisions lookup failed: %v", err)
	}
	return chain
}
