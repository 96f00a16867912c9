// Package adminserver implements the illustrative HTTP transport over the
// §6 RPC table, delegating every handler straight to an engine.Supervisor
// method, for every RPC this repository itself owns the state behind.
// rm_channel is intentionally unrouted: §6 marks it "internal use",
// reached only through stop_channel/kill_channel. print_product,
// print_products, and query_tool are not routed either: they read the
// data space by product name with column/predicate/time-range filtering,
// and dataspace.Client (§1's intentionally minimal external-collaborator
// interface) only exposes Persist/Load/Latest keyed by channel, with no
// per-product or query surface to serve them from. Grounded on the
// teacher's own webserver/metrics routing, which reaches for gorilla/mux
// rather than stdlib's bare http.ServeMux.
package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/hepcloud/decisionengine/engine"
	"github.com/hepcloud/decisionengine/internal/logging"
	"github.com/hepcloud/decisionengine/internal/table"
	"github.com/hepcloud/decisionengine/statecell"
)

// Server is the admin HTTP transport; it owns no lifecycle state beyond
// the supervisor it wraps.
type Server struct {
	sup    *engine.Supervisor
	router *mux.Router
	http   *http.Server
	log    zerolog.Logger
}

// New builds a Server listening on addr (e.g. ":8888", per config.
// DefaultPort) that dispatches every route to sup.
func New(addr string, sup *engine.Supervisor, log zerolog.Logger) *Server {
	s := &Server{sup: sup, log: log}
	r := mux.NewRouter()

	r.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/block_while", s.handleBlockWhile).Methods(http.MethodGet)
	r.HandleFunc("/channels/{name}/start", s.handleStartChannel).Methods(http.MethodPost)
	r.HandleFunc("/channels/start", s.handleStartChannels).Methods(http.MethodPost)
	r.HandleFunc("/channels/{name}/stop", s.handleStopChannel).Methods(http.MethodPost)
	r.HandleFunc("/channels/{name}/kill", s.handleKillChannel).Methods(http.MethodPost)
	r.HandleFunc("/channels/stop", s.handleStopChannels).Methods(http.MethodPost)
	r.HandleFunc("/channels/{name}/log_level", s.handleGetChannelLogLevel).Methods(http.MethodGet)
	r.HandleFunc("/channels/{name}/log_level", s.handleSetChannelLogLevel).Methods(http.MethodPut)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/queue_status", s.handleQueueStatus).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handleShowConfig).Methods(http.MethodGet)
	r.HandleFunc("/de_config", s.handleShowDeConfig).Methods(http.MethodGet)
	r.HandleFunc("/product_dependencies", s.handleProductDependencies).Methods(http.MethodGet)
	r.HandleFunc("/log_level", s.handleLogLevel).Methods(http.MethodGet)
	r.HandleFunc("/reaper/start", s.handleReaperStart).Methods(http.MethodPost)
	r.HandleFunc("/reaper/stop", s.handleReaperStop).Methods(http.MethodPost)
	r.HandleFunc("/reaper/status", s.handleReaperStatus).Methods(http.MethodGet)
	r.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)

	s.router = r
	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// ListenAndServe runs the HTTP server until it errors or is shut down.
func (s *Server) ListenAndServe() error { return s.http.ListenAndServe() }

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeText(w, s.sup.Ping(r.Context()))
}

func (s *Server) handleBlockWhile(w http.ResponseWriter, r *http.Request) {
	state, err := parseState(r.URL.Query().Get("state"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout := parseTimeout(r.URL.Query().Get("timeout"))
	writeText(w, s.sup.BlockWhile(state, timeout))
}

func (s *Server) handleStartChannel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	writeText(w, s.sup.StartChannel(r.Context(), name))
}

func (s *Server) handleStartChannels(w http.ResponseWriter, r *http.Request) {
	writeText(w, s.sup.StartChannels(r.Context()))
}

func (s *Server) handleStopChannel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	writeText(w, s.sup.StopChannel(name))
}

func (s *Server) handleKillChannel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	timeout := parseTimeout(r.URL.Query().Get("timeout"))
	writeText(w, s.sup.KillChannel(name, timeout))
}

func (s *Server) handleStopChannels(w http.ResponseWriter, r *http.Request) {
	writeText(w, s.sup.StopChannels())
}

func (s *Server) handleGetChannelLogLevel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	level, err := s.sup.GetChannelLogLevel(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeText(w, level.String())
}

func (s *Server) handleSetChannelLogLevel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	level, err := logging.ParseLevel(r.URL.Query().Get("level"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sup.SetChannelLogLevel(name, level); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeText(w, "OK")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.sup.Status()
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	f := table.Frame{Columns: []string{"channel", "state"}}
	for _, name := range names {
		f.Rows = append(f.Rows, []string{name, status[name]})
	}
	renderTable(w, r, f)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	report := s.sup.QueueStatusReport()
	f := table.Frame{Columns: []string{"class_id", "queue_name", "routing_key", "refcount"}}
	for _, q := range report {
		f.Rows = append(f.Rows, []string{q.ClassID, q.QueueName, q.RoutingKey, strconv.Itoa(q.RefCount)})
	}
	renderTable(w, r, f)
}

func (s *Server) handleShowConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.sup.ShowConfig(r.URL.Query().Get("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, cfg)
}

func (s *Server) handleShowDeConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sup.ShowDeConfig())
}

func (s *Server) handleProductDependencies(w http.ResponseWriter, r *http.Request) {
	deps := s.sup.ProductDependencies()
	f := table.Frame{Columns: []string{"product", "producers", "consumers"}}
	for _, d := range deps {
		f.Rows = append(f.Rows, []string{d.Product, joinOrDash(d.Producers), joinOrDash(d.Consumers)})
	}
	renderTable(w, r, f)
}

func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	writeText(w, s.sup.LogLevel().String())
}

func (s *Server) handleReaperStart(w http.ResponseWriter, r *http.Request) {
	delay := parseTimeout(r.URL.Query().Get("delay"))
	d := time.Duration(0)
	if delay != nil {
		d = *delay
	}
	writeText(w, s.sup.StartReaper(d, func(context.Context) {}))
}

func (s *Server) handleReaperStop(w http.ResponseWriter, r *http.Request) {
	writeText(w, s.sup.StopReaper())
}

func (s *Server) handleReaperStatus(w http.ResponseWriter, r *http.Request) {
	writeText(w, s.sup.ReaperStatus())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeText(w, s.sup.Stop(r.Context()))
}

func renderTable(w http.ResponseWriter, r *http.Request, f table.Frame) {
	format := table.Format(r.URL.Query().Get("format"))
	if format == "table" {
		format = table.FormatPSQL
	}
	body, err := table.Render(f, format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeText(w, body)
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func joinOrDash(in []string) string {
	if len(in) == 0 {
		return "-"
	}
	out := in[0]
	for _, s := range in[1:] {
		out += "," + s
	}
	return out
}

func parseState(raw string) (statecell.State, error) {
	switch raw {
	case "BOOT":
		return statecell.Boot, nil
	case "ACTIVE":
		return statecell.Active, nil
	case "STEADY":
		return statecell.Steady, nil
	case "OFFLINE":
		return statecell.Offline, nil
	case "SHUTTINGDOWN":
		return statecell.ShuttingDown, nil
	case "SHUTDOWN":
		return statecell.Shutdown, nil
	case "ERROR":
		return statecell.Error, nil
	default:
		return 0, errUnknownState(raw)
	}
}

type errUnknownState string

func (e errUnknownState) Error() string { return "adminserver: unknown state " + string(e) }

func parseTimeout(raw string) *time.Duration {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil
	}
	return &d
}
