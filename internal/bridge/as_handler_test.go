package bridge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestASHandler(t *testing.T) (*ASHandler, sqlmock.Sqlmock, *fakeMatrix, *Engine) {
	t.Helper()
	engine, mock, matrix := newTestEngine(t)
	h := NewASHandler(testLogger(), "hs_token", engine)
	return h, mock, matrix, engine
}

func TestTransactionRejectsBadToken(t *testing.T) {
	h, _, _, _ := newTestASHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/transactions/1?access_token=wrong", strings.NewReader(`{"events":[]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestTransactionAcceptsBearerToken(t *testing.T) {
	h, _, _, _ := newTestASHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/transactions/1", strings.NewReader(`{"events":[]}`))
	req.Header.Set("Authorization", "Bearer hs_token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestTransactionDropsGhostEvents(t *testing.T) {
	h, mock, _, _ := newTestASHandler(t)

	// A ghost-sent event must short-circuit before any portal lookup.
	body := `{"events":[{
		"event_id": "$g:x",
		"type": "m.room.message",
		"room_id": "!room:x",
		"sender": "@max_200:x",
		"content": {"msgtype": "m.text", "body": "hi"}
	}]}`
	req := httptest.NewRequest(http.MethodPut, "/transactions/2?access_token=hs_token", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("ghost event touched the database: %v", err)
	}
}

func TestTransactionRoutesRedacts(t *testing.T) {
	h, mock, _, engine := newTestASHandler(t)

	client := newFakeMaxClient()
	newTestUser(engine, "@alice:x", 100, client)
	livePortal(engine, 42, "!room:x", "Bob")

	mock.ExpectQuery("FROM reaction").WillReturnRows(
		sqlmock.NewRows([]string{"mxid", "max_chat_id", "max_msg_id", "max_sender_id", "reaction"}))
	mock.ExpectQuery("FROM message").WillReturnRows(messageRow(42, "a", "$e1", "!room:x"))

	body := `{"events":[{
		"event_id": "$r:x",
		"type": "m.room.redaction",
		"room_id": "!room:x",
		"sender": "@alice:x",
		"redacts": "$e1",
		"content": {}
	}]}`
	req := httptest.NewRequest(http.MethodPut, "/transactions/3?access_token=hs_token", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if len(client.deletions) != 1 || client.deletions[0] != "a" {
		t.Errorf("deletions = %v, want [a]", client.deletions)
	}
}

func TestEphemeralReceiptForwarded(t *testing.T) {
	h, mock, _, engine := newTestASHandler(t)

	client := newFakeMaxClient()
	newTestUser(engine, "@alice:x", 100, client)
	livePortal(engine, 42, "!room:x", "Bob")

	mock.ExpectQuery("FROM message").WillReturnRows(messageRow(42, "a", "$e1", "!room:x"))

	body := `{"events":[],"de.sorunome.msc2409.ephemeral":[{
		"type": "m.receipt",
		"room_id": "!room:x",
		"content": {"$e1": {"m.read": {"@alice:x": {"ts": 1}}}}
	}]}`
	req := httptest.NewRequest(http.MethodPut, "/transactions/4?access_token=hs_token", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if len(client.reads) != 1 || client.reads[0] != "a" {
		t.Errorf("reads = %v, want [a]", client.reads)
	}
}

func TestUserQueryRecognizesGhosts(t *testing.T) {
	h, _, _, _ := newTestASHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/users/@max_200:x?access_token=hs_token", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("ghost query status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/users/@someone:x?access_token=hs_token", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("non-ghost query status = %d, want 404", rec.Code)
	}
}
