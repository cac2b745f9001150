package workorder

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	werrors "github.com/opsmesh/workorderd/infrastructure/errors"
)

// Server wires the §6 callable operations onto a chi router, grounded
// on applications/jam/http.go's handler shape (one method per
// operation, writeJSON/writeError helpers) but ported to
// go-chi/chi/v5 for routing, as every other HTTP surface added to this
// repo is.
type Server struct {
	allocator *Allocator
	executor  *Executor
	lease     LeaseOperator
	guard     *IdempotencyGuard
	query     *QuerySurface
	registry  *Registry

	router chi.Router
}

// NewServer builds the HTTP binding over the domain components.
func NewServer(allocator *Allocator, executor *Executor, lease LeaseOperator, guard *IdempotencyGuard, query *QuerySurface, registry *Registry) *Server {
	s := &Server{allocator: allocator, executor: executor, lease: lease, guard: guard, query: query, registry: registry}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", s.propose)
		r.Get("/", s.listOrders)
		r.Get("/{orderID}", s.getOrder)
		r.Post("/{orderID}/plan", s.plan)
		r.Post("/{orderID}/approve", s.approve)
		r.Post("/{orderID}/reject", s.reject)
		r.Post("/{orderID}/apply", s.apply)
	})

	r.Route("/items", func(r chi.Router) {
		r.Post("/checkout", s.checkoutNext)
		r.Post("/{itemID}/checkout", s.checkoutItem)
		r.Post("/{itemID}/heartbeat", s.heartbeat)
		r.Post("/{itemID}/release", s.release)
		r.Post("/{itemID}/submit", s.submit)
		r.Post("/{itemID}/fail", s.fail)
		r.Post("/{itemID}/parts", s.submitPart)
		r.Get("/{itemID}/parts", s.listParts)
		r.Post("/{itemID}/finalize", s.finalize)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func idempotencyKey(r *http.Request) string { return r.Header.Get("Idempotency-Key") }

func actorFrom(r *http.Request) Actor {
	kind := ActorKind(r.Header.Get("X-Actor-Kind"))
	if kind == "" {
		kind = ActorUser
	}
	return Actor{Kind: kind, ID: r.Header.Get("X-Actor-ID")}
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type            string `json:"type"`
		Payload         JSON   `json:"payload"`
		Meta            JSON   `json:"meta"`
		Priority        int    `json:"priority"`
		RequestedByKind string `json:"requested_by_kind"`
		RequestedByID   string `json:"requested_by_id"`
		AgentName       string `json:"agent_name"`
		AgentVersion    string `json:"agent_version"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	key := idempotencyKey(r)
	if err := s.guard.RequireKey("propose", key); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.guard.Guard(r.Context(), "propose", key, func(ctx context.Context) (any, error) {
		return s.allocator.Propose(ctx, ProposeInput{
			Type:            body.Type,
			Payload:         body.Payload,
			Meta:            body.Meta,
			Priority:        body.Priority,
			RequestedByKind: ActorKind(body.RequestedByKind),
			RequestedByID:   body.RequestedByID,
			AgentName:       body.AgentName,
			AgentVersion:    body.AgentVersion,
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) plan(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	items, err := s.allocator.Plan(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := QueryFilter{
		State:           q.Get("state"),
		Type:            q.Get("type"),
		RequestedByKind: q.Get("requested_by_kind"),
		RequestedByID:   q.Get("requested_by_id"),
		SortField:       q.Get("sort"),
		SortDesc:        q.Get("desc") == "true",
		Limit:           atoiOr(q.Get("limit"), 0),
		Offset:          atoiOr(q.Get("offset"), 0),
	}
	page, err := s.query.ListOrders(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	order, items, events, err := s.query.Get(r.Context(), orderID, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order, "items": items, "events": events})
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	key := idempotencyKey(r)
	if err := s.guard.RequireKey("approve", key); err != nil {
		writeError(w, err)
		return
	}
	actor := actorFrom(r)
	result, err := s.guard.Guard(r.Context(), "approve", key, func(ctx context.Context) (any, error) {
		order, diff, err := s.executor.Approve(ctx, orderID, actor)
		if err != nil {
			return nil, err
		}
		return map[string]any{"order": order, "diff": diff}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	order, diff, err := s.executor.Apply(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order, "diff": diff})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	var body struct {
		Errors      []FieldError `json:"errors"`
		AllowRework bool         `json:"allow_rework"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	key := idempotencyKey(r)
	if err := s.guard.RequireKey("reject", key); err != nil {
		writeError(w, err)
		return
	}
	actor := actorFrom(r)
	result, err := s.guard.Guard(r.Context(), "reject", key, func(ctx context.Context) (any, error) {
		return s.executor.Reject(ctx, orderID, body.Errors, actor, body.AllowRework)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) checkoutNext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrderID     string `json:"order_id"`
		Type        string `json:"type"`
		MinPriority *int   `json:"min_priority"`
		AgentID     string `json:"agent_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	item, err := s.lease.AcquireNext(r.Context(), LeaseFilters{OrderID: body.OrderID, Type: body.Type, MinPriority: body.MinPriority}, body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) checkoutItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	item, err := s.lease.Acquire(r.Context(), itemID, body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	item, err := s.lease.Extend(r.Context(), itemID, body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	item, err := s.lease.Release(r.Context(), itemID, body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	var body struct {
		AgentID  string `json:"agent_id"`
		Result   JSON   `json:"result"`
		Evidence JSON   `json:"evidence"`
		Notes    string `json:"notes"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	key := idempotencyKey(r)
	if err := s.guard.RequireKey("submit", key); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.guard.Guard(r.Context(), "submit", key, func(ctx context.Context) (any, error) {
		return s.executor.Submit(ctx, itemID, body.AgentID, body.Result, body.Evidence, body.Notes)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	var body struct {
		Error JSON `json:"error"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	item, err := s.executor.Fail(r.Context(), itemID, body.Error)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) submitPart(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	var body struct {
		PartKey  string `json:"part_key"`
		Seq      *int64 `json:"seq"`
		Payload  JSON   `json:"payload"`
		AgentID  string `json:"agent_id"`
		Evidence JSON   `json:"evidence"`
		Notes    string `json:"notes"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	key := idempotencyKey(r)
	if err := s.guard.RequireKey("submit-part", key); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.guard.Guard(r.Context(), "submit-part", key, func(ctx context.Context) (any, error) {
		return s.executor.SubmitPart(ctx, itemID, body.PartKey, body.Seq, body.Payload, body.AgentID, body.Evidence, body.Notes)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listParts(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	parts, partsState, err := s.query.ListParts(r.Context(), itemID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parts": parts, "parts_state": partsState})
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	var body struct {
		Mode string `json:"mode"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	mode := FinalizeMode(body.Mode)
	if mode == "" {
		mode = FinalizeBestEffort
	}
	key := idempotencyKey(r)
	if err := s.guard.RequireKey("finalize", key); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.guard.Guard(r.Context(), "finalize", key, func(ctx context.Context) (any, error) {
		return s.executor.FinalizeItem(ctx, itemID, mode)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeError(w, werrors.InvalidInput("body", err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := werrors.GetHTTPStatus(err)
	body := map[string]any{"error": err.Error()}
	if se := werrors.GetServiceError(err); se != nil {
		body["code"] = se.Code
		if len(se.Details) > 0 {
			body["details"] = se.Details
		}
	}
	writeJSON(w, status, body)
}
