package server

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/batchupdate"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/bookmarks"
	"github.com/gin-gonic/gin"
)

const (
	testSigningSecret = "router-secret"
	testIssuer        = "bookmarkd"
	testUserID        = "user-123"
)

type recordingScheduler struct {
	mu       sync.Mutex
	requests []batchupdate.UpdateRequest
	err      error
}

func (s *recordingScheduler) ScheduleUpdate(_ context.Context, request batchupdate.UpdateRequest) (batchupdate.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return batchupdate.Ack{}, s.err
	}
	s.requests = append(s.requests, request)
	return batchupdate.Ack{ResourceID: request.ResourceID, Fields: 2}, nil
}

func (s *recordingScheduler) recorded() []batchupdate.UpdateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]batchupdate.UpdateRequest(nil), s.requests...)
}

type stubBookmarkReader struct {
	records map[string]bookmarks.Bookmark
}

func (r stubBookmarkReader) GetBookmark(_ context.Context, ownerID bookmarks.OwnerID, bookmarkID bookmarks.BookmarkID) (bookmarks.Bookmark, error) {
	record, ok := r.records[bookmarkID.String()]
	if !ok || record.OwnerID != ownerID.String() {
		return bookmarks.Bookmark{}, bookmarks.ErrBookmarkNotFound
	}
	return record, nil
}

type stubSessionValidator struct {
	err error
}

func (s stubSessionValidator) ValidateToken(string) (auth.SessionClaims, error) {
	return auth.SessionClaims{}, s.err
}

func newTestSessions(t *testing.T) (*auth.SessionValidator, *auth.SessionIssuer) {
	t.Helper()
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	return validator, issuer
}

func mustIssue(t *testing.T, issuer *auth.SessionIssuer, userID string) string {
	t.Helper()
	token, _, err := issuer.Issue(userID, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func newTestHandler(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}
