package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citizen-report-coordinator/pkg/middleware"
	"citizen-report-coordinator/pkg/security"
)

func serve(h *Handler, method, path, userID string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.Routes(r)
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req = req.WithContext(middleware.WithClaims(req.Context(), &security.Claims{UserID: userID, Role: "CITIZEN"}))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_PollingFlow(t *testing.T) {
	ctx := context.Background()
	notes := NewMemoryStore()
	for i, id := range []string{"e1", "e2"} {
		_, err := notes.Create(ctx, &Notification{
			ID: NotificationID(id, "citizen-1"), UserID: "citizen-1", ReportID: "r1",
			EventID: id, EventType: "report.assigned", Title: "t", Message: "m", CreatedAt: at.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	h := NewHandler(notes)

	rec := serve(h, http.MethodGet, "/api/notifications/unread-count", "citizen-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(2), body.Data["unread"])

	rec = serve(h, http.MethodPost, "/api/notifications/"+NotificationID("e1", "citizen-1")+"/read", "citizen-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/api/notifications?unread=true", "citizen-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []Notification `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "e2", list.Data[0].EventID)

	rec = serve(h, http.MethodPost, "/api/notifications/"+NotificationID("e2", "citizen-1")+"/read", "someone-else")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, http.MethodGet, "/api/notifications", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
