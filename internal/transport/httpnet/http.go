// Package httpnet implements the HTTP collaborator surface described
// in spec section 6: /api, /ping, static web UI file serving, and a
// /metrics route for the Prometheus collector. Grounded on
// original_source/litter.py's HTTPHandler/HTTPThread, generalized onto
// github.com/gorilla/mux instead of manual path switching.
package httpnet

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pstjuste/litter/internal/logging"
	"github.com/pstjuste/litter/internal/router"
	"github.com/pstjuste/litter/internal/transport"
	"github.com/pstjuste/litter/web"
)

// Transport runs the HTTP acceptor, enqueuing each /api request's
// payload onto Ingress and blocking until the worker replies or
// ReplyTimeout elapses, at which point it answers 500.
type Transport struct {
	server       *http.Server
	Ingress      chan<- transport.Inbound
	ReplyTimeout time.Duration
	log          logging.Logger
}

// New builds the HTTP server bound to addr, wiring requests into
// ingress. Call ListenAndServe in a goroutine and Shutdown to stop.
func New(addr string, ingress chan<- transport.Inbound, replyTimeout time.Duration, log logging.Logger) *Transport {
	t := &Transport{Ingress: ingress, ReplyTimeout: replyTimeout, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/api", t.handleAPI).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/ping", t.handlePing).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/", t.handleIndex).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(http.FileServer(http.FS(web.FS)))

	t.server = &http.Server{Addr: addr, Handler: r}
	return t
}

// ListenAndServe blocks serving HTTP requests until Shutdown is called.
func (t *Transport) ListenAndServe() error {
	err := t.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server, unblocking ListenAndServe.
func (t *Transport) Shutdown(ctx context.Context) error {
	return t.server.Shutdown(ctx)
}

func (t *Transport) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := web.FS.ReadFile("litter.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(data)
}

func (t *Transport) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("pong"))
}

func (t *Transport) handleAPI(w http.ResponseWriter, r *http.Request) {
	payload, err := extractJSON(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	clientAddr := clientAddr(r.RemoteAddr)
	reply := make(chan httpReply, 1)
	sender := &httpSender{addr: clientAddr, reply: reply}

	select {
	case t.Ingress <- transport.Inbound{Payload: payload, Sender: sender}:
	case <-time.After(t.ReplyTimeout):
		http.Error(w, "engine busy", http.StatusInternalServerError)
		return
	}

	select {
	case res := <-reply:
		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/x-json; charset=utf-8")
		w.Write(res.data)
	case <-time.After(t.ReplyTimeout):
		http.Error(w, "timed out waiting for response", http.StatusInternalServerError)
	}
}

func extractJSON(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet {
		v := r.URL.Query().Get("json")
		return []byte(v), nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	if v := r.FormValue("json"); v != "" {
		return []byte(v), nil
	}
	return io.ReadAll(r.Body)
}

func clientAddr(remoteAddr string) router.Addr {
	host, portStr, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return router.Addr{}
	}
	port, _ := strconv.Atoi(portStr)
	return router.Addr{IP: host, Port: port}
}

type httpReply struct {
	data []byte
	err  error
}

type httpSender struct {
	addr  router.Addr
	reply chan httpReply
}

func (s *httpSender) Addr() (router.Addr, bool) { return s.addr, !s.addr.Zero() }
func (s *httpSender) IsHTTP() bool              { return true }

func (s *httpSender) ReplyDirect(ctx context.Context, data []byte) error {
	select {
	case s.reply <- httpReply{data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReplyError reports an engine/decode error to the waiting HTTP
// handler, producing the 500 response spec section 7 requires for
// HTTP-origin failures.
func (s *httpSender) ReplyError(err error) {
	select {
	case s.reply <- httpReply{err: err}:
	default:
	}
}
