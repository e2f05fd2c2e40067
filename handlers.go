package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"github.com/knadh/parley/internal/archive"
	"github.com/knadh/parley/internal/hub"
	"github.com/knadh/parley/internal/identity"
	"github.com/knadh/parley/internal/match"
	"github.com/knadh/parley/internal/notify"
	"github.com/knadh/parley/store"
)

const (
	hasIdentity = 1 << iota
	hasWS
)

// statsWindow is the period closed rooms are counted over.
const statsWindow = 24 * time.Hour

type ctxKey struct{}

// reqCtx is the context injected into every request.
type reqCtx struct {
	app *App
	id  identity.Identity
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

// wsMsg is the envelope for presence and match result streams.
type wsMsg struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type reqMatch struct {
	Topic    string `json:"topic"`
	Language string `json:"language"`
	Region   string `json:"region"`
	Role     string `json:"role"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	return true
}}

// initHTTP registers the HTTP routes.
func initHTTP(app *App) http.Handler {
	r := chi.NewRouter()

	origins := app.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API.
	r.Get("/api/health", wrap(handleHealth, app, 0))
	r.Get("/api/stats", wrap(handleStats, app, 0))
	r.Get("/api/catalog", wrap(handleCatalog, app, 0))
	r.Get("/api/catalog/topics/{topic}/starters", wrap(handleStarters, app, 0))
	r.Post("/api/session", wrap(handleSession, app, 0))
	r.Post("/api/match", wrap(handleSubmitMatch, app, hasIdentity))
	r.Get("/api/match/{requestID}", wrap(handleGetMatch, app, hasIdentity))
	r.Delete("/api/match/{requestID}", wrap(handleCancelMatch, app, hasIdentity))
	r.Get("/api/rooms/{roomID}", wrap(handleGetRoom, app, hasIdentity))
	r.Post("/api/rooms/{roomID}/leave", wrap(handleLeaveRoom, app, hasIdentity))

	// Streams.
	r.Get("/ws/presence", wrap(handlePresenceWS, app, hasIdentity|hasWS))
	r.Get("/ws/match/{requestID}", wrap(handleMatchWS, app, hasIdentity|hasWS))
	r.Get("/ws/signal/{roomID}", wrap(handleSignalWS, app, hasIdentity|hasWS))

	return r
}

// handleHealth reports liveness and a few gauges.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app
	respondJSON(w, r, struct {
		Seeking   int `json:"seeking"`
		Relays    int `json:"relays"`
		Listeners int `json:"presence_listeners"`
	}{app.engine.Seeking(), app.hub.Rooms(), app.presence.Subscribers()}, nil, http.StatusOK)
}

// handleStats reports live gauges and, with the archive enabled, the rooms
// closed over the last day per close reason.
func handleStats(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	out := struct {
		Seeking  int                       `json:"seeking"`
		Relays   int                       `json:"relays"`
		Archived *int                      `json:"archived,omitempty"`
		Closed   map[store.CloseReason]int `json:"closed_24h,omitempty"`
	}{Seeking: app.engine.Seeking(), Relays: app.hub.Rooms()}

	if app.archive != nil {
		n, err := app.archive.Count(r.Context())
		if err != nil {
			respondErr(w, r, app, err)
			return
		}
		out.Archived = &n

		if out.Closed, err = app.archive.CountSince(r.Context(), time.Now().Add(-statsWindow)); err != nil {
			respondErr(w, r, app, err)
			return
		}
	}
	respondJSON(w, r, out, nil, http.StatusOK)
}

// handleCatalog returns the catalog. ?q= filters topics by name.
func handleCatalog(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	out := *app.cat
	if q := r.URL.Query().Get("q"); q != "" {
		out.Topics = app.cat.Search(q)
	}
	respondJSON(w, r, out, nil, http.StatusOK)
}

// handleStarters returns the conversation starters of a topic.
func handleStarters(w http.ResponseWriter, r *http.Request) {
	var (
		app   = r.Context().Value(ctxKey{}).(*reqCtx).app
		topic = chi.URLParam(r, "topic")
	)
	if _, ok := app.cat.Topic(topic); !ok {
		respondJSON(w, r, nil, errors.New("unknown topic"), http.StatusNotFound)
		return
	}
	respondJSON(w, r, app.cat.StartersFor(topic), nil, http.StatusOK)
}

// handleSession returns the caller's identity, issuing an anonymous one if
// there is none.
func handleSession(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	if id, err := app.ids.Identify(r); err == nil {
		respondJSON(w, r, id, nil, http.StatusOK)
		return
	}

	id, err := app.ids.Issue(w)
	if err != nil {
		app.log.Error().Err(err).Msg("error issuing identity")
		respondJSON(w, r, nil, errors.New("error creating session"), http.StatusInternalServerError)
		return
	}
	respondJSON(w, r, id, nil, http.StatusCreated)
}

// handleSubmitMatch starts a match request.
func handleSubmitMatch(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	var req reqMatch
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, r, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = string(store.RoleParticipant)
	}

	out, err := app.engine.Submit(r.Context(), ctx.id.ID, req.Topic,
		store.Filters{Language: req.Language, Region: req.Region}, store.Role(req.Role))
	if err != nil {
		// A rolled back request is still returned.
		if errors.Is(err, match.ErrTransportUnavailable) {
			respondJSON(w, r, out, err, http.StatusServiceUnavailable)
			return
		}
		respondErr(w, r, app, err)
		return
	}
	respondJSON(w, r, out, nil, http.StatusOK)
}

// handleGetMatch returns one of the caller's match requests.
func handleGetMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context().Value(ctxKey{}).(*reqCtx)

	out, err := ctx.app.engine.Get(ctx.id.ID, chi.URLParam(r, "requestID"))
	if err != nil {
		respondErr(w, r, ctx.app, err)
		return
	}
	respondJSON(w, r, out, nil, http.StatusOK)
}

// handleCancelMatch cancels one of the caller's seeking requests.
func handleCancelMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context().Value(ctxKey{}).(*reqCtx)

	if err := ctx.app.engine.Cancel(r.Context(), ctx.id.ID, chi.URLParam(r, "requestID")); err != nil {
		respondErr(w, r, ctx.app, err)
		return
	}
	respondJSON(w, r, true, nil, http.StatusOK)
}

// handleGetRoom returns a room the caller is or was in. Rooms pruned from
// the store are looked up in the archive.
func handleGetRoom(w http.ResponseWriter, r *http.Request) {
	var (
		ctx    = r.Context().Value(ctxKey{}).(*reqCtx)
		app    = ctx.app
		roomID = chi.URLParam(r, "roomID")
	)

	room, err := app.store.GetRoom(r.Context(), roomID)
	if errors.Is(err, store.ErrRoomNotFound) && app.archive != nil {
		room, err = app.archive.Get(r.Context(), roomID)
		if errors.Is(err, archive.ErrNotFound) {
			err = store.ErrRoomNotFound
		}
	}
	if err != nil {
		respondErr(w, r, app, err)
		return
	}

	if _, ok := room.Occupant(ctx.id.ID); !ok && room.CreatedBy != ctx.id.ID {
		respondErr(w, r, app, store.ErrRoomNotFound)
		return
	}
	respondJSON(w, r, room, nil, http.StatusOK)
}

// handleLeaveRoom ends the caller's session in a room.
func handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context().Value(ctxKey{}).(*reqCtx)

	if err := ctx.app.engine.Leave(r.Context(), ctx.id.ID, chi.URLParam(r, "roomID")); err != nil {
		respondErr(w, r, ctx.app, err)
		return
	}
	respondJSON(w, r, true, nil, http.StatusOK)
}

// handlePresenceWS streams per-topic presence counts to the caller.
func handlePresenceWS(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	c, cancel := context.WithCancel(r.Context())
	defer cancel()
	go discardReads(ws, cancel)

	for snap := range app.presence.Subscribe(c, ctx.id.ID) {
		ws.SetWriteDeadline(time.Now().Add(app.hub.WSTimeout()))
		if err := ws.WriteJSON(wsMsg{Type: "presence", Data: snap}); err != nil {
			return
		}
	}
}

// handleMatchWS delivers the terminal result of a match request. A client
// that goes away before the result arrives cancels the request.
func handleMatchWS(w http.ResponseWriter, r *http.Request) {
	var (
		ctx   = r.Context().Value(ctxKey{}).(*reqCtx)
		app   = ctx.app
		reqID = chi.URLParam(r, "requestID")
	)

	if _, err := app.engine.Get(ctx.id.ID, reqID); err != nil {
		respondErr(w, r, app, err)
		return
	}

	c, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, err := app.results.Subscribe(c, reqID)
	if err != nil {
		respondErr(w, r, app, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()
	go discardReads(ws, cancel)

	res, ok := <-ch
	if !ok {
		err := app.engine.Cancel(context.Background(), ctx.id.ID, reqID)
		if err != nil && !errors.Is(err, match.ErrAlreadyMatched) && !errors.Is(err, match.ErrNotFound) {
			app.log.Error().Err(err).Str("request", reqID).Msg("error cancelling abandoned request")
		}
		return
	}

	ws.SetWriteDeadline(time.Now().Add(app.hub.WSTimeout()))
	if err := ws.WriteJSON(wsMsg{Type: "result", Data: res}); err != nil {
		return
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(res.State)),
		time.Now().Add(time.Second))
}

// handleSignalWS connects a room member to the room's signaling relay.
func handleSignalWS(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	room, o, err := app.hub.Admit(r.Context(), chi.URLParam(r, "roomID"), ctx.id.ID)
	if err != nil {
		respondErr(w, r, app, err)
		return
	}

	// Create the WS connection.
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	// Create a new peer instance and add to the room.
	room.AddPeer(o, ws)
}

// discardReads reads until the peer goes away and then calls done.
func discardReads(ws *websocket.Conn, done func()) {
	defer done()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// errStatus maps errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, match.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, match.ErrConflict),
		errors.Is(err, match.ErrAlreadyMatched),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, match.ErrNotFound),
		errors.Is(err, store.ErrRoomNotFound),
		errors.Is(err, store.ErrNotOccupant),
		errors.Is(err, hub.ErrNoRoom):
		return http.StatusNotFound
	case errors.Is(err, hub.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, notify.ErrDelivered):
		return http.StatusGone
	case errors.Is(err, match.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondErr responds with the status mapped from err. Unexpected errors
// are logged and hidden.
func respondErr(w http.ResponseWriter, r *http.Request, app *App, err error) {
	code := errStatus(err)
	if code == http.StatusInternalServerError {
		app.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		err = errors.New("internal error")
	}
	respondJSON(w, r, nil, err, code)
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, r *http.Request, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	render.Status(r, statusCode)
	render.JSON(w, r, out)
}

// wrap is a middleware that resolves the caller's identity and attaches the
// app context to handlers.
func wrap(next http.HandlerFunc, app *App, opts uint8) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{app: app}

		// Browsers can't set headers on WebSocket requests.
		if opts&hasWS != 0 && r.Header.Get("Authorization") == "" {
			if tok := r.URL.Query().Get("token"); tok != "" {
				r.Header.Set("Authorization", "Bearer "+tok)
			}
		}

		if opts&hasIdentity != 0 {
			id, err := app.ids.Identify(r)
			if err != nil {
				respondJSON(w, r, nil, errors.New("no session, create one first"), http.StatusUnauthorized)
				return
			}
			req.id = id
		}

		// Attach the request context.
		ctx := context.WithValue(r.Context(), ctxKey{}, req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// readJSONReq reads the JSON body from a request and unmarshals it to the given target.
func readJSONReq(r *http.Request, o interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, o)
}
