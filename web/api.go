// Package web is the HTTP front end web visitors poll. Each route maps onto
// one operation of the remote client.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// IdentityHeader carries the visitor identity set by whatever sits in
// front of the broker. Requests without it act as DefaultIdentity.
const (
	IdentityHeader  = "X-Remote-User"
	DefaultIdentity = "Anonymous"
)

// Remote is the set of visitor operations the front end exposes.
type Remote interface {
	StartSession(ctx context.Context, remoteUser, message string) (int64, error)
	PollMessage(ctx context.Context, id int64, remoteUser string) (string, bool, error)
	SendMessage(ctx context.Context, id int64, remoteUser, text string) (bool, error)
	EndSession(ctx context.Context, id int64, remoteUser string) (bool, error)
	IsAnyoneAvailable(ctx context.Context) (bool, error)
}

type Response struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type StartResponse struct {
	ChatID int64 `json:"chat_id"`
}

type SendResponse struct {
	Delivered bool `json:"delivered"`
}

type EndResponse struct {
	Ended bool `json:"ended"`
}

type AvailableResponse struct {
	Available bool `json:"available"`
}

type API struct {
	remote   Remote
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewAPI(remote Remote, gatherer prometheus.Gatherer, logger *zap.Logger) *API {
	return &API{
		remote:   remote,
		gatherer: gatherer,
		logger:   logger.Named("web"),
	}
}

func (api *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(api.logRequests)

	r.Post("/chats", api.handleStartChat)
	r.Route("/chats/{id}", func(r chi.Router) {
		r.Get("/message", api.handlePollMessage)
		r.Post("/message", api.handleSendMessage)
		r.Post("/end", api.handleEndChat)
	})
	r.Get("/available", api.handleAvailable)
	if api.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Serve listens on addr until ctx is done.
func (api *API) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		api.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return xerrors.Errorf("serve http on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return xerrors.Errorf("shutdown http: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (api *API) handleStartChat(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	message := r.FormValue("message")
	if message == "" && r.Referer() != "" {
		message = fmt.Sprintf("Coming from page %s", r.Referer())
	}

	id, err := api.remote.StartSession(ctx, identity(r), message)
	if err != nil {
		api.internalError(rw, r, "Failed to start chat.", err)
		return
	}
	write(rw, http.StatusCreated, StartResponse{ChatID: id})
}

func (api *API) handlePollMessage(rw http.ResponseWriter, r *http.Request) {
	id, ok := chatID(rw, r)
	if !ok {
		return
	}

	text, found, err := api.remote.PollMessage(r.Context(), id, identity(r))
	if err != nil {
		api.internalError(rw, r, "Failed to read message.", err)
		return
	}
	if !found {
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(text))
}

func (api *API) handleSendMessage(rw http.ResponseWriter, r *http.Request) {
	id, ok := chatID(rw, r)
	if !ok {
		return
	}

	text := r.FormValue("text")
	if text == "" {
		write(rw, http.StatusBadRequest, Response{Message: "Text is required."})
		return
	}

	delivered, err := api.remote.SendMessage(r.Context(), id, identity(r), text)
	if err != nil {
		api.internalError(rw, r, "Failed to send message.", err)
		return
	}
	write(rw, http.StatusOK, SendResponse{Delivered: delivered})
}

func (api *API) handleEndChat(rw http.ResponseWriter, r *http.Request) {
	id, ok := chatID(rw, r)
	if !ok {
		return
	}

	ended, err := api.remote.EndSession(r.Context(), id, identity(r))
	if err != nil {
		api.internalError(rw, r, "Failed to end chat.", err)
		return
	}
	write(rw, http.StatusOK, EndResponse{Ended: ended})
}

func (api *API) handleAvailable(rw http.ResponseWriter, r *http.Request) {
	available, err := api.remote.IsAnyoneAvailable(r.Context())
	if err != nil {
		api.internalError(rw, r, "Failed to check availability.", err)
		return
	}
	write(rw, http.StatusOK, AvailableResponse{Available: available})
}

func identity(r *http.Request) string {
	if user := r.Header.Get(IdentityHeader); user != "" {
		return user
	}
	return DefaultIdentity
}

func chatID(rw http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		write(rw, http.StatusBadRequest, Response{
			Message: fmt.Sprintf("Chat id %q is not a number.", raw),
		})
		return 0, false
	}
	return id, true
}

func (api *API) internalError(rw http.ResponseWriter, r *http.Request, message string, err error) {
	api.logger.Error(message, zap.String("path", r.URL.Path), zap.Error(err))
	write(rw, http.StatusInternalServerError, Response{Message: message, Detail: err.Error()})
}

func write(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (api *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		api.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}
