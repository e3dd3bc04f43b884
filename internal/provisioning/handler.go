package provisioning

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// authSubprotocol is the WebSocket subprotocol spoken on the QR endpoint.
const authSubprotocol = "net.maunium.max.auth"

// loginTTL bounds how long an in-progress login flow may idle.
const loginTTL = 5 * time.Minute

// defaultQRTimeout bounds one QR scan wait.
const defaultQRTimeout = 2 * time.Minute

// Handler serves the provisioning API. Mount it with http.StripPrefix under
// the configured prefix.
type Handler struct {
	log           *slog.Logger
	secret        string
	sessions      Sessions
	newAuthClient AuthClientFactory
	mux           *http.ServeMux
	upgrader      websocket.Upgrader

	// QRTimeout is how long one QR scan may take before the flow fails.
	QRTimeout time.Duration

	// now is replaceable for tests.
	now func() time.Time

	loginMu sync.Mutex
	logins  map[string]*loginSession
}

// loginSession tracks one in-progress v3 login flow.
type loginSession struct {
	id      string
	mxid    string
	flow    string
	state   string
	client  AuthClient
	qr      *qrInfo
	touched time.Time
}

type qrInfo struct {
	link      string
	expiresAt time.Time
}

// NewHandler creates the provisioning handler.
func NewHandler(log *slog.Logger, secret string, sessions Sessions, newAuthClient AuthClientFactory) *Handler {
	h := &Handler{
		log:           log,
		secret:        secret,
		sessions:      sessions,
		newAuthClient: newAuthClient,
		mux:           http.NewServeMux(),
		QRTimeout:     defaultQRTimeout,
		now:           time.Now,
		logins:        make(map[string]*loginSession),
	}
	h.upgrader = websocket.Upgrader{
		Subprotocols:    []string{authSubprotocol},
		CheckOrigin:     func(*http.Request) bool { return true },
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /v3/login/flows", h.handleFlows)
	h.mux.HandleFunc("POST /v3/login/start/{flowID}", h.handleLoginStart)
	h.mux.HandleFunc("POST /v3/login/step/{loginID}", h.handleLoginStep)

	h.mux.HandleFunc("GET /v1/user/{userID}/login/qr", h.handleQRSocket)
	h.mux.HandleFunc("POST /v1/user/{userID}/login/send_password", h.handleSendPassword)
	h.mux.HandleFunc("POST /v1/user/{userID}/logout", h.handleLogout)
	h.mux.HandleFunc("GET /v1/user/{userID}/status", h.handleStatus)
}

// ServeHTTP implements http.Handler. Every route requires the shared secret.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(r) {
		h.jsonError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "invalid shared secret")
		return
	}
	h.mux.ServeHTTP(w, r)
}

// authenticate accepts the secret as a Bearer header, a bare Authorization
// header, or an access_token query parameter (needed for WebSocket clients).
func (h *Handler) authenticate(r *http.Request) bool {
	token := r.Header.Get("Authorization")
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}

// --- v3 login flows ---

type loginStep struct {
	Type    string                 `json:"type"`
	StepID  string                 `json:"step_id,omitempty"`
	Fields  []string               `json:"fields,omitempty"`
	Display map[string]interface{} `json:"display,omitempty"`
	Success bool                   `json:"success,omitempty"`
}

type loginStartResponse struct {
	LoginID string    `json:"login_id"`
	Step    loginStep `json:"step"`
}

func (h *Handler) handleFlows(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"flows": []map[string]string{
			{"id": "bot_token", "name": "Bot API token", "description": "Log in with a Max Bot API token"},
			{"id": "phone", "name": "Phone number", "description": "Log in with an SMS code"},
			{"id": "qr", "name": "QR code", "description": "Scan a QR code with the Max app"},
		},
	})
}

func (h *Handler) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flowID")
	mxid := r.URL.Query().Get("user_id")
	if mxid == "" {
		h.jsonError(w, http.StatusBadRequest, "M_MISSING_PARAM", "user_id query parameter is required")
		return
	}

	h.expireStale()

	ls := &loginSession{
		id:      uuid.NewString(),
		mxid:    mxid,
		flow:    flowID,
		touched: h.now(),
	}

	var step loginStep
	switch flowID {
	case "bot_token":
		ls.state = "token"
		step = loginStep{Type: "user_input", StepID: "token", Fields: []string{"access_token"}}
	case "phone":
		ls.state = "phone"
		step = loginStep{Type: "user_input", StepID: "phone", Fields: []string{"phone"}}
	case "qr":
		client := h.newAuthClient()
		qr, err := client.StartQRAuth(r.Context())
		if err != nil {
			client.Disconnect()
			h.jsonError(w, http.StatusBadGateway, "M_UNKNOWN", fmt.Sprintf("failed to generate QR code: %v", err))
			return
		}
		ls.client = client
		ls.state = "qr_wait"
		ls.qr = &qrInfo{link: qr.QRLink, expiresAt: time.UnixMilli(qr.ExpiresAt)}
		step = loginStep{
			Type:   "display_and_wait",
			StepID: "qr",
			Display: map[string]interface{}{
				"type": "qr",
				"data": qr.QRLink,
			},
		}
	default:
		h.jsonError(w, http.StatusNotFound, "M_NOT_FOUND", "unknown login flow")
		return
	}

	h.loginMu.Lock()
	h.logins[ls.id] = ls
	h.loginMu.Unlock()

	h.jsonResponse(w, http.StatusOK, loginStartResponse{LoginID: ls.id, Step: step})
}

func (h *Handler) handleLoginStep(w http.ResponseWriter, r *http.Request) {
	loginID := r.PathValue("loginID")

	h.loginMu.Lock()
	ls, ok := h.logins[loginID]
	if ok && h.now().Sub(ls.touched) > loginTTL {
		delete(h.logins, loginID)
		h.loginMu.Unlock()
		h.abandonLogin(ls)
		h.jsonError(w, http.StatusGone, "M_NOT_FOUND", "login session expired")
		return
	}
	if ok {
		ls.touched = h.now()
	}
	h.loginMu.Unlock()
	if !ok {
		h.jsonError(w, http.StatusNotFound, "M_NOT_FOUND", "unknown login session")
		return
	}

	var input map[string]string
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		input = map[string]string{}
	}

	if _, hasPassword := input["password"]; hasPassword {
		h.jsonError(w, http.StatusNotImplemented, "M_UNRECOGNIZED", "two-factor password login is not supported")
		return
	}

	switch ls.state {
	case "token":
		token := input["access_token"]
		if token == "" {
			token = input["token"]
		}
		if token == "" {
			h.jsonError(w, http.StatusBadRequest, "M_MISSING_PARAM", "access_token is required")
			return
		}
		session, err := h.sessions.Get(r.Context(), ls.mxid)
		if err == nil {
			err = session.LoginBot(r.Context(), token)
		}
		h.finishLogin(w, ls, err)

	case "phone":
		phone := input["phone"]
		if phone == "" {
			h.jsonError(w, http.StatusBadRequest, "M_MISSING_PARAM", "phone is required")
			return
		}
		client := h.newAuthClient()
		if _, err := client.StartPhoneAuth(r.Context(), phone); err != nil {
			client.Disconnect()
			h.jsonError(w, http.StatusBadGateway, "M_UNKNOWN", fmt.Sprintf("failed to request SMS code: %v", err))
			return
		}
		ls.client = client
		ls.state = "code"
		h.jsonResponse(w, http.StatusOK, loginStartResponse{
			LoginID: ls.id,
			Step:    loginStep{Type: "user_input", StepID: "code", Fields: []string{"code"}},
		})

	case "code":
		code := input["code"]
		if code == "" {
			h.jsonError(w, http.StatusBadRequest, "M_MISSING_PARAM", "code is required")
			return
		}
		me, err := ls.client.CheckAuthCode(r.Context(), code)
		if err != nil {
			h.jsonError(w, http.StatusForbidden, "M_FORBIDDEN", fmt.Sprintf("code rejected: %v", err))
			return
		}
		h.completeUserLogin(w, r, ls, me.ID)

	case "qr_wait":
		timeout := time.Until(ls.qr.expiresAt)
		if timeout <= 0 || timeout > h.QRTimeout {
			timeout = h.QRTimeout
		}
		me, err := ls.client.PollQRAuth(r.Context(), timeout)
		if err != nil {
			h.jsonError(w, http.StatusForbidden, "M_FORBIDDEN", fmt.Sprintf("QR login failed: %v", err))
			return
		}
		h.completeUserLogin(w, r, ls, me.ID)

	default:
		h.jsonError(w, http.StatusBadRequest, "M_BAD_STATE", "login session is in an unexpected state")
	}
}

// completeUserLogin hands the freshly obtained token to the bridge session
// and finishes the flow.
func (h *Handler) completeUserLogin(w http.ResponseWriter, r *http.Request, ls *loginSession, maxUserID int64) {
	token := ls.client.AuthToken()
	ls.client.Disconnect()
	ls.client = nil

	session, err := h.sessions.Get(r.Context(), ls.mxid)
	if err == nil {
		err = session.LoginUser(r.Context(), token, maxUserID)
	}
	h.finishLogin(w, ls, err)
}

func (h *Handler) finishLogin(w http.ResponseWriter, ls *loginSession, err error) {
	h.loginMu.Lock()
	delete(h.logins, ls.id)
	h.loginMu.Unlock()

	if err != nil {
		h.log.Warn("login flow failed", "mxid", ls.mxid, "flow", ls.flow, "error", err)
		h.jsonError(w, http.StatusForbidden, "M_FORBIDDEN", fmt.Sprintf("login failed: %v", err))
		return
	}
	h.log.Info("login flow complete", "mxid", ls.mxid, "flow", ls.flow)
	h.jsonResponse(w, http.StatusOK, loginStep{Type: "complete", Success: true})
}

// expireStale drops login sessions past their TTL.
func (h *Handler) expireStale() {
	h.loginMu.Lock()
	var stale []*loginSession
	for id, ls := range h.logins {
		if h.now().Sub(ls.touched) > loginTTL {
			stale = append(stale, ls)
			delete(h.logins, id)
		}
	}
	h.loginMu.Unlock()
	for _, ls := range stale {
		h.abandonLogin(ls)
	}
}

func (h *Handler) abandonLogin(ls *loginSession) {
	if ls.client != nil {
		ls.client.Disconnect()
	}
}

// --- v1 QR WebSocket ---

type qrSocketMessage struct {
	Code    string `json:"code,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleQRSocket drives a QR login over a WebSocket: it emits the code to
// display, waits for the scan, and reports the outcome.
func (h *Handler) handleQRSocket(w http.ResponseWriter, r *http.Request) {
	mxid := r.PathValue("userID")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	fail := func(msg string) {
		success := false
		conn.WriteJSON(qrSocketMessage{Success: &success, Error: msg})
	}

	client := h.newAuthClient()
	defer client.Disconnect()

	qr, err := client.StartQRAuth(r.Context())
	if err != nil {
		fail(fmt.Sprintf("failed to generate QR code: %v", err))
		return
	}

	timeout := time.Until(time.UnixMilli(qr.ExpiresAt))
	if timeout <= 0 || timeout > h.QRTimeout {
		timeout = h.QRTimeout
	}
	err = conn.WriteJSON(qrSocketMessage{Code: qr.QRLink, Timeout: int(timeout.Seconds())})
	if err != nil {
		return
	}

	me, err := client.PollQRAuth(r.Context(), timeout)
	if err != nil {
		fail(fmt.Sprintf("QR login failed: %v", err))
		return
	}

	session, err := h.sessions.Get(r.Context(), mxid)
	if err == nil {
		err = session.LoginUser(r.Context(), client.AuthToken(), me.ID)
	}
	if err != nil {
		fail(fmt.Sprintf("login failed: %v", err))
		return
	}

	success := true
	conn.WriteJSON(qrSocketMessage{Success: &success})
}

// --- v1 user management ---

// handleSendPassword exists for clients that expect the two-factor password
// endpoint; Max password auth is not supported.
func (h *Handler) handleSendPassword(w http.ResponseWriter, r *http.Request) {
	h.jsonError(w, http.StatusNotImplemented, "M_UNRECOGNIZED", "two-factor password login is not supported")
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	mxid := r.PathValue("userID")
	session, err := h.sessions.Get(r.Context(), mxid)
	if err != nil {
		h.jsonError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
		return
	}
	if !session.IsLoggedIn() {
		h.jsonError(w, http.StatusNotFound, "M_NOT_FOUND", "user is not logged in")
		return
	}
	if err := session.Logout(r.Context()); err != nil {
		h.jsonError(w, http.StatusInternalServerError, "M_UNKNOWN", fmt.Sprintf("logout failed: %v", err))
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	mxid := r.PathValue("userID")
	session, err := h.sessions.Get(r.Context(), mxid)
	if err != nil {
		h.jsonError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
		return
	}

	status := "logged_out"
	if session.IsLoggedIn() {
		if session.IsConnected() {
			status = "connected"
		} else {
			status = "disconnected"
		}
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"mode":        session.ConnectionMode(),
		"max_user_id": session.MaxUserID(),
	})
}

// --- helpers ---

func (h *Handler) jsonResponse(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) jsonError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp, _ := json.Marshal(map[string]string{
		"errcode": errCode,
		"error":   message,
	})
	w.Write(resp)
}
