package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// bindRequest is the JSON body of POST /bind.
type bindRequest struct {
	UserID        string `json:"user_id"`
	UserName      string `json:"user_name"`
	RequestType   int    `json:"request_type"`
	DomainID      string `json:"domain_id,omitempty"`
	NodeID        string `json:"node_id,omitempty"`
	ChannelID     string `json:"channel_id,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	Account       string `json:"account,omitempty"`
	Password      string `json:"password,omitempty"`
	SessionCookie string `json:"session_cookie,omitempty"`
	NSNUserID     string `json:"nsn_user_id,omitempty"`
	NSNUsername   string `json:"nsn_username,omitempty"`
}

// bindResponse is the JSON body returned by POST /bind.
type bindResponse struct {
	Success             bool        `json:"success"`
	CompleteSessionData interface{} `json:"complete_session_data,omitempty"`
	Message             string      `json:"message"`
	Error               string      `json:"error,omitempty"`
}

// Router builds the core-facing HTTP surface: POST /bind, GET /metrics,
// and the /ws upgrade endpoint, with CORS and combined access logging
// wrapped around the whole router.
func (c *Coordinator) Router() http.Handler {
	r := chi.NewRouter()

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}))

	r.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(os.Stdout, cors(next))
	})

	r.Post("/bind", c.handleBind)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) { c.HandleWS(w, req) })

	return r
}

func (c *Coordinator) handleBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBindResponse(w, bindResponse{Success: false, Error: "malformed request body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	switch BindRequestType(req.RequestType) {
	case BindLogout:
		var err error
		if req.ClientID != "" {
			err = c.Logout.LogoutClient(ctx, req.UserID, req.ClientID, c.logoutURL())
		} else {
			err = c.Logout.LogoutUser(ctx, req.UserID, c.logoutURL())
		}
		if err != nil {
			writeBindResponse(w, bindResponse{Success: false, Error: err.Error()})
			return
		}
		writeBindResponse(w, bindResponse{Success: true, Message: "logged out"})

	default: // BindSignup, BindLogin
		outcome := c.Broker.Bind(ctx, c.resolveBindSession(req), req.UserID, req.UserName, req.Account, req.Password, c.cfg.ActiveAPI().NSNUrl, "", TypeCookieUpdate)
		if !outcome.Success {
			writeBindResponse(w, bindResponse{Success: false, Error: outcome.Message})
			return
		}
		msg := outcome.Message
		if !outcome.Delivered {
			msg = "ok (no session acked cookie delivery)"
		}
		writeBindResponse(w, bindResponse{Success: true, Message: msg, CompleteSessionData: outcome.SessionData})
	}
}

// resolveBindSession finds the session a /bind request originates from:
// the named node if given, else the named client install. A node binds a
// single agent, so its bucket identifies the requesting session; with
// neither field set there is no originating session and the broker skips
// the attestation gate.
func (c *Coordinator) resolveBindSession(req bindRequest) *AgentSession {
	if req.NodeID != "" {
		if ss := c.Registry.LookupByNode(req.NodeID); len(ss) > 0 {
			return ss[0]
		}
	}
	if req.ClientID != "" {
		if ss := c.Registry.LookupByClient(req.ClientID); len(ss) > 0 {
			return ss[0]
		}
	}
	return nil
}

func (c *Coordinator) logoutURL() string {
	return c.cfg.ActiveAPI().NSNUrl + "/logout"
}

func writeBindResponse(w http.ResponseWriter, resp bindResponse) {
	w.Header().Set("Content-Type", "application/json")
	if !resp.Success {
		w.WriteHeader(http.StatusBadRequest)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
