package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/notify"
)

func TestWriteRoutesRequireSession(t *testing.T) {
	h := newHarness(t)
	recorder := h.doUpload(t, "/api/documents", "", map[string]string{"title": "Anonymous"}, "a.pdf", "x")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}

	invalid := h.doJSON(t, http.MethodPost, "/api/documents/some-id/lock", "not-a-jwt", nil)
	if invalid.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an invalid token, got %d", invalid.Code)
	}
}

func TestCreateDocumentAndRead(t *testing.T) {
	h := newHarness(t)
	alice := h.token(t, "alice", "author")

	created := h.createDocument(t, alice, "Quarterly Report", "draft", "v1")
	if created.Slug != "quarterly-report" || created.Status != "draft" || created.OwnerID != "alice" {
		t.Fatalf("unexpected created document %+v", created)
	}
	if created.Permalink != "/documents/2025/03/quarterly-report.pdf" {
		t.Fatalf("unexpected permalink %q", created.Permalink)
	}

	anonymous := h.doJSON(t, http.MethodGet, "/api/documents/"+created.ID, "", nil)
	if anonymous.Code != http.StatusNotFound {
		t.Fatalf("expected draft hidden from anonymous, got %d", anonymous.Code)
	}
	subscriber := h.doJSON(t, http.MethodGet, "/api/documents/"+created.ID, h.token(t, "bob", "subscriber"), nil)
	if subscriber.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for an authenticated reader without access, got %d", subscriber.Code)
	}

	owner := h.doJSON(t, http.MethodGet, "/api/documents/"+created.ID, alice, nil)
	if owner.Code != http.StatusOK {
		t.Fatalf("expected owner read, got %d: %s", owner.Code, owner.Body.String())
	}
	var fetched documentResponse
	decode(t, owner, &fetched)
	if fetched.ID != created.ID || fetched.Lock != nil {
		t.Fatalf("unexpected fetched document %+v", fetched)
	}
}

func TestCreateDocumentRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t)
	recorder := h.doUpload(t, "/api/documents", h.token(t, "alice", "author"), map[string]string{"title": "Bad", "status": "archived"}, "", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestOversizedUploadRejected(t *testing.T) {
	h := newHarness(t)
	alice := h.token(t, "alice", "author")

	oversized := strings.Repeat("x", testBlobMaxBytes+1)
	recorder := h.doUpload(t, "/api/documents", alice, map[string]string{"title": "Huge"}, "huge.pdf", oversized)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 on create, got %d: %s", recorder.Code, recorder.Body.String())
	}

	created := h.createDocument(t, alice, "Small", "draft", "v1")
	revise := h.doUpload(t, "/api/documents/"+created.ID+"/revisions", alice, nil, "small.pdf", oversized)
	if revise.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 on revise, got %d: %s", revise.Code, revise.Body.String())
	}
	if chain := h.revisions(t, created.ID); len(chain) != 1 {
		t.Fatalf("oversized upload recorded a revision, chain length %d", len(chain))
	}
}

func TestListDocumentsFiltersUnreadable(t *testing.T) {
	h := newHarness(t)
	alice := h.token(t, "alice", "author")
	h.createDocument(t, alice, "Internal Memo", "draft", "memo")
	h.createDocument(t, alice, "Press Release", "publish", "press")

	testCases := []struct {
		name  string
		token string
		want  int
	}{
		{name: "anonymous", token: "", want: 1},
		{name: "subscriber", token: h.token(t, "bob", "subscriber"), want: 1},
		{name: "owner", token: alice, want: 2},
		{name: "editor", token: h.token(t, "erin", "editor"), want: 2},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := h.doJSON(t, http.MethodGet, "/api/documents", testCase.token, nil)
			if recorder.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", recorder.Code)
			}
			var payload struct {
				Documents []documentResponse `json:"documents"`
			}
			decode(t, recorder, &payload)
			if len(payload.Documents) != testCase.want {
				t.Fatalf("expected %d documents, got %+v", testCase.want, payload.Documents)
			}
		})
	}

	badLimit := h.doJSON(t, http.MethodGet, "/api/documents?limit=zero", "", nil)
	if badLimit.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed limit, got %d", badLimit.Code)
	}
}

func TestListDocumentsFillsLimitPastUnreadable(t *testing.T) {
	h := newHarness(t)
	alice := h.token(t, "alice", "author")
	h.createDocument(t, alice, "Older Notice", "publish", "older")
	h.createDocument(t, alice, "Old Notice", "publish", "old")
	for index := range 3 {
		h.createDocument(t, alice, "Hidden Draft "+strconv.Itoa(index), "draft", "draft")
	}

	recorder := h.doJSON(t, http.MethodGet, "/api/documents?limit=2", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		Documents []documentResponse `json:"documents"`
	}
	decode(t, recorder, &payload)
	if len(payload.Documents) != 2 {
		t.Fatalf("expected a full page of 2, got %+v", payload.Documents)
	}
	for _, document := range payload.Documents {
		if document.Status != "publish" {
			t.Fatalf("unreadable document leaked into the page: %+v", document)
		}
	}

	owner := h.doJSON(t, http.MethodGet, "/api/documents?limit=4", alice, nil)
	decode(t, owner, &payload)
	if len(payload.Documents) != 4 {
		t.Fatalf("expected owner page capped at 4, got %d", len(payload.Documents))
	}
}

func TestReviseHonorsExpectedSequenceAndLock(t *testing.T) {
	h := newHarness(t)
	alice := h.token(t, "alice", "author")
	erin := h.token(t, "erin", "editor")
	created := h.createDocument(t, alice, "Handbook", "draft", "v1")
	target := "/api/documents/" + created.ID + "/revisions"

	first := h.doUpload(t, target, alice, map[string]string{"expected_sequence": "1", "summary": "second pass"}, "handbook.pdf", "v2")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected revision, got %d: %s", first.Code, first.Body.String())
	}
	var revision revisionResponse
	decode(t, first, &revision)
	if revision.Sequence != 2 || revision.AuthorID != "alice" {
		t.Fatalf("unexpected revision %+v", revision)
	}
	if !strings.HasSuffix(revision.Permalink, "/handbook-revision-2.pdf") {
		t.Fatalf("unexpected revision permalink %q", revision.Permalink)
	}

	stale := h.doUpload(t, target, alice, map[string]string{"expected_sequence": "1"}, "handbook.pdf", "v3")
	if stale.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a stale sequence, got %d", stale.Code)
	}
	var conflict map[string]any
	decode(t, stale, &conflict)
	if conflict["retryable"] != true {
		t.Fatalf("expected retryable conflict, got %v", conflict)
	}

	locked := h.doUpload(t, target, erin, nil, "handbook.pdf", "v3")
	if locked.Code != http.StatusLocked {
		t.Fatalf("expected 423 while alice holds the lock, got %d", locked.Code)
	}
	var lockedBody map[string]any
	decode(t, locked, &lockedBody)
	if lockedBody["holder_id"] != "alice" {
		t.Fatalf("expected holder in locked response, got %v", lockedBody)
	}

	if chain := h.revisions(t, created.ID); len(chain) != 2 {
		t.Fatalf("expected two revisions after rejected writes, got %d", len(chain))
	}

	missingFile := h.doUpload(t, target, alice, nil, "", "")
	if missingFile.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a file, got %d", missingFile.Code)
	}
}

func TestRestoreAppendsRevision(t *testing.T) {
	h := newHarness(t)
	alice := h.token(t, "alice", "author")
	created := h.createDocument(t, alice, "Charter", "draft", "v1")
	if recorder := h.doUpload(t, "/api/documents/"+created.ID+"/revisions", alice, nil, "charter.pdf", "v2"); recorder.Code != http.StatusCreated {
		t.Fatalf("revise failed: %d", recorder.Code)
	}

	recorder := h.doJSON(t, http.MethodPost, "/api/documents/"+created.ID+"/restore", alice, map[string]any{"sequence": 1, "expected_sequence": 2})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected restore, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var restored revisionResponse
	decode(t, recorder, &restored)
	chain := h.revisions(t, created.ID)
	if restored.Sequence != 3 || restored.AttachmentID != chain[0].AttachmentID {
		t.Fatalf("expected sequence 3 reusing the first attachment, got %+v", restored)
	}

	invalid := h.doJSON(t, http.MethodPost, "/api/documents/"+created.ID+"/restore", alice, map[string]any{"sequence": 0})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for sequence 0, got %d", invalid.Code)
	}
	unknown := h.doJSON(t, http.MethodPost, "/api/documents/"+created.ID+"/restore", alice, map[string]any{"sequence": 9})
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown sequence, got %d", unknown.Code)
	}
}

func TestLockHolderHiddenFromNonReaders(t *testing.T) {
	h := newHarness(t)
	alice := h.token(t, "alice", "author")
	frank := h.token(t, "frank", "fixer")
	created := h.createDocument(t, alice, "Salary Review", "private", "v1")
	lockPath := "/api/documents/" + created.ID + "/lock"

	if acquired := h.doJSON(t, http.MethodPost, lockPath, alice, nil); acquired.Code != http.StatusOK {
		t.Fatalf("expected lock, got %d", acquired.Code)
	}

	contested := h.doJSON(t, http.MethodPost, lockPath, frank, nil)
	if contested.Code != http.StatusOK {
		t.Fatalf("expected lock state, got %d: %s", contested.Code, contested.Body.String())
	}
	var frankView lockResponse
	decode(t, contested, &frankView)
	if !frankView.Locked || frankView.HeldByMe || frankView.HolderID != "" {
		t.Fatalf("expected the holder to be hidden, got %+v", frankView)
	}

	blocked := h.doUpload(t, "/api/documents/"+created.ID+"/revisions", frank, nil, "report.pdf", "v2")
	if blocked.Code != http.StatusLocked {
		t.Fatalf("expected 423, got %d: %s", blocked.Code, blocked.Body.String())
	}
	var lockedBody map[string]any
	decode(t, blocked, &lockedBody)
	if _, present := lockedBody["holder_id"]; present {
		t.Fatalf("expected no holder in %v", lockedBody)
	}
}

func TestLockLifecycle(t *testing.T) {
	h := newHarness(t)
	alice := h.token(t, "alice", "author")
	erin := h.token(t, "erin", "editor")
	created := h.createDocument(t, alice, "Roadmap", "draft", "v1")
	lockPath := "/api/documents/" + created.ID + "/lock"

	acquired := h.doJSON(t, http.MethodPost, lockPath, alice, nil)
	if acquired.Code != http.StatusOK {
		t.Fatalf("expected lock, got %d", acquired.Code)
	}
	var aliceLock lockResponse
	decode(t, acquired, &aliceLock)
	if !aliceLock.Locked || !aliceLock.HeldByMe || aliceLock.HolderID != "alice" {
		t.Fatalf("unexpected lock %+v", aliceLock)
	}

	contested := h.doJSON(t, http.MethodPost, lockPath, erin, nil)
	var erinView lockResponse
	decode(t, contested, &erinView)
	if contested.Code != http.StatusOK || erinView.HeldByMe || erinView.HolderID != "alice" {
		t.Fatalf("expected read-only view for erin, got %d %+v", contested.Code, erinView)
	}

	if release := h.doJSON(t, http.MethodDelete, lockPath, erin, nil); release.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 releasing another holder's lock, got %d", release.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := h.dispatcher.Subscribe(ctx, "alice")
	defer cleanup()

	overridden := h.doJSON(t, http.MethodPost, lockPath+"/override", erin, nil)
	var erinLock lockResponse
	decode(t, overridden, &erinLock)
	if overridden.Code != http.StatusOK || !erinLock.HeldByMe {
		t.Fatalf("expected override, got %d %+v", overridden.Code, erinLock)
	}
	select {
	case event := <-stream:
		if event.Type != notify.EventLockOverridden || event.ActorID != "erin" || event.DocumentID != created.ID {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected lock override notification")
	}

	if denied := h.doJSON(t, http.MethodPost, lockPath+"/override", alice, nil); denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 override without capability, got %d", denied.Code)
	}

	fetched := h.doJSON(t, http.MethodGet, "/api/documents/"+created.ID, alice, nil)
	var document documentResponse
	decode(t, fetched, &document)
	if document.Lock == nil || document.Lock.HolderID != "erin" || document.Lock.HeldByMe {
		t.Fatalf("expected lock state on document, got %+v", document.Lock)
	}

	if release := h.doJSON(t, http.MethodDelete, lockPath, erin, nil); release.Code != http.StatusNoContent {
		t.Fatalf("expected release, got %d", release.Code)
	}
}

func TestSetStatusRequiresPublishCapability(t *testing.T) {
	h := newHarness(t)
	carl := h.token(t, "carl", "contributor")
	created := h.createDocument(t, carl, "Draft Notes", "draft", "v1")
	target := "/api/documents/" + created.ID + "/status"

	if recorder := h.doJSON(t, http.MethodPut, target, carl, statusRequest{Status: "publish"}); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 publishing without capability, got %d", recorder.Code)
	}
	if recorder := h.doJSON(t, http.MethodPut, target, carl, statusRequest{Status: "private"}); recorder.Code != http.StatusOK {
		t.Fatalf("expected private transition, got %d", recorder.Code)
	}
	if recorder := h.doJSON(t, http.MethodPut, target, carl, statusRequest{Status: "trash"}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected trash to be rejected as a status, got %d", recorder.Code)
	}

	erin := h.token(t, "erin", "editor")
	if recorder := h.doJSON(t, http.MethodPut, target, erin, statusRequest{Status: "publish"}); recorder.Code != http.StatusLocked {
		t.Fatalf("expected 423 while carl holds the lock, got %d", recorder.Code)
	}
	if recorder := h.doJSON(t, http.MethodDelete, "/api/documents/"+created.ID+"/lock", carl, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected carl to release, got %d", recorder.Code)
	}
	recorder := h.doJSON(t, http.MethodPut, target, erin, statusRequest{Status: "publish"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected editor publish, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var published documentResponse
	decode(t, recorder, &published)
	if published.Status != "publish" {
		t.Fatalf("unexpected status %q", published.Status)
	}
}

func TestTrashUntrashAndPurge(t *testing.T) {
	h := newHarness(t)
	alice := h.token(t, "alice", "author")
	created := h.createDocument(t, alice, "Old Policy", "draft", "v1")
	target := "/api/documents/" + created.ID

	trashed := h.doJSON(t, http.MethodDelete, target, alice, nil)
	var trashedDoc documentResponse
	decode(t, trashed, &trashedDoc)
	if trashed.Code != http.StatusOK || trashedDoc.Status != "trash" {
		t.Fatalf("expected trash, got %d %+v", trashed.Code, trashedDoc)
	}

	restored := h.doJSON(t, http.MethodPost, target+"/untrash", alice, nil)
	var restoredDoc documentResponse
	decode(t, restored, &restoredDoc)
	if restored.Code != http.StatusOK || restoredDoc.Status != "draft" {
		t.Fatalf("expected untrash back to draft, got %d %+v", restored.Code, restoredDoc)
	}

	if denied := h.doJSON(t, http.MethodDelete, target+"?force=true", h.token(t, "bob", "subscriber"), nil); denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 purge by a subscriber, got %d", denied.Code)
	}

	purged := h.doJSON(t, http.MethodDelete, target+"?force=true", alice, nil)
	if purged.Code != http.StatusOK {
		t.Fatalf("expected purge, got %d: %s", purged.Code, purged.Body.String())
	}
	if gone := h.doJSON(t, http.MethodGet, target, alice, nil); gone.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after purge, got %d", gone.Code)
	}
}

func TestRevisionsRequireCapability(t *testing.T) {
	h := newHarness(t)
	alice := h.token(t, "alice", "author")
	created := h.createDocument(t, alice, "Annual Report", "publish", "v1")
	target := "/api/documents/" + created.ID + "/revisions"

	if recorder := h.doJSON(t, http.MethodGet, target, "", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected anonymous 404, got %d", recorder.Code)
	}
	if recorder := h.doJSON(t, http.MethodGet, target, h.token(t, "bob", "subscriber"), nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected subscriber 403, got %d", recorder.Code)
	}

	recorder := h.doJSON(t, http.MethodGet, target, alice, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected revisions, got %d", recorder.Code)
	}
	var payload struct {
		Revisions []revisionResponse `json:"revisions"`
	}
	decode(t, recorder, &payload)
	if len(payload.Revisions) != 1 || payload.Revisions[0].Sequence != 1 {
		t.Fatalf("unexpected revisions %+v", payload.Revisions)
	}

	feedItems := h.doJSON(t, http.MethodGet, "/api/documents/"+created.ID+"/feed-items", alice, nil)
	if feedItems.Code != http.StatusOK || !strings.Contains(feedItems.Body.String(), `"author_id":"alice"`) {
		t.Fatalf("unexpected feed items %d: %s", feedItems.Code, feedItems.Body.String())
	}
}

func TestMalformedDocumentID(t *testing.T) {
	h := newHarness(t)
	recorder := h.doJSON(t, http.MethodGet, "/api/documents/"+strings.Repeat("x", 80), "", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestFeedKeyEndpoints(t *testing.T) {
	h := newHarness(t)
	bob := h.token(t, "bob", "subscriber")

	if recorder := h.doJSON(t, http.MethodGet, "/api/me/feed-key", bob, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before a key exists, got %d", recorder.Code)
	}
	generated := h.doJSON(t, http.MethodPost, "/api/me/feed-key", bob, nil)
	var first map[string]string
	decode(t, generated, &first)
	if generated.Code != http.StatusOK || len(first["key"]) != 32 {
		t.Fatalf("unexpected generated key %d %v", generated.Code, first)
	}
	current := h.doJSON(t, http.MethodGet, "/api/me/feed-key", bob, nil)
	var fetched map[string]string
	decode(t, current, &fetched)
	if fetched["key"] != first["key"] {
		t.Fatalf("expected current key %q, got %q", first["key"], fetched["key"])
	}
}
