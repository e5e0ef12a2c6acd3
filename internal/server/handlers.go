package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/tkingovr/isnad/api"
	"github.com/tkingovr/isnad/internal/audit"
	"github.com/tkingovr/isnad/internal/lifecycle"
	"github.com/tkingovr/isnad/internal/policy"
)

const (
	msgCreated      = "Audit request created successfully."
	msgPaid         = "Payment verified. Auditing process started."
	msgDemo         = "Payment confirmed (DEMO). Auditing process started."
	msgMissing      = "Missing required fields: component_name, code"
	msgNotFound     = "Audit not found."
	msgNotVerified  = "Payment could not be verified. Retry once the transaction is confirmed."
	msgInvalidBody  = "invalid request body"
	msgBodyTooLarge = "request body too large"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ComponentName == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, msgMissing, "")
		return
	}

	if !s.admit(w, r, &policy.EvalInput{
		Action:    policy.ActionSubmit,
		Component: req.ComponentName,
		Version:   req.Version,
		Code:      req.Code,
		CodeSize:  len(req.Code),
	}) {
		return
	}

	rec, err := s.svc.Submit(r.Context(), lifecycle.SubmitInput{
		ComponentName: req.ComponentName,
		Code:          req.Code,
		Version:       req.Version,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, api.SubmitResponse{
		Message:         msgCreated,
		AuditID:         rec.ID,
		PaymentRequired: paymentInfo(rec.Payment),
	})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("audit_id")

	var req api.PayRequest
	if !s.decode(w, r, &req) {
		return
	}

	cur, err := s.svc.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !s.admit(w, r, &policy.EvalInput{
		Action:    policy.ActionPay,
		AuditID:   id,
		Component: cur.ComponentName,
		Version:   cur.Version,
	}) {
		return
	}

	rec, err := s.svc.Pay(r.Context(), id, req.TxHash)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, api.AcceptedResponse{
		Message: msgPaid,
		AuditID: rec.ID,
		Status:  rec.Status,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("audit_id")

	rec, err := s.svc.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	// The legacy fast path only exists when demo mode was enabled at startup.
	if s.svc.DemoMode() && demoRequested(r) && rec.Status == api.StatusPendingPayment {
		rec, err = s.svc.DemoProcess(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if rec.Status == api.StatusProcessing {
			writeJSON(w, http.StatusAccepted, api.AcceptedResponse{
				Message: msgDemo,
				AuditID: rec.ID,
				Status:  rec.Status,
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, api.StatusResponse{
		AuditID: rec.ID,
		Status:  rec.Status,
		Result:  rec.Result,
		Error:   rec.Error,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Status(r.Context(), r.PathValue("audit_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	events, err := s.journal.History(r.Context(), rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history", "")
		return
	}
	if events == nil {
		events = []*api.Event{}
	}
	writeJSON(w, http.StatusOK, api.HistoryResponse{AuditID: rec.ID, Status: rec.Status, Events: events})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	ch, cancel := s.journal.Subscribe(r.Context(), api.QueryFilter{
		AuditID: q.Get("audit_id"),
		Kind:    api.EventKind(q.Get("kind")),
	})
	defer cancel()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("encoding event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.journal.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats", "")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "demo_mode": s.svc.DemoMode()})
}

// limit wraps h with the rate limit for action.
func (s *Server) limit(action string, h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.limiter.Check(r.Context(), action, clientKey(r))
		if err != nil {
			// Limiter backend outages should not take the gateway down.
			s.logger.Error("checking rate limit", "action", action, "error", err)
			h(w, r)
			return
		}
		if !d.Allowed {
			s.logger.Info("rate limited", "action", action, "client", clientKey(r), "rule", d.Rule)
			w.Header().Set("Retry-After", strconv.Itoa(int(d.Window.Seconds())))
			writeError(w, http.StatusTooManyRequests, d.Message, "")
			return
		}
		h(w, r)
	}
}

func (s *Server) admit(w http.ResponseWriter, r *http.Request, input *policy.EvalInput) bool {
	res, err := s.admission.Evaluate(r.Context(), input)
	if err != nil {
		s.logger.Error("evaluating admission policy", "action", input.Action, "error", err)
		writeError(w, http.StatusInternalServerError, "policy evaluation failed", "")
		return false
	}
	if !res.Allowed() {
		s.logger.Info("request denied by policy", "action", input.Action, "component", input.Component, "rule", res.Rule)
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("denied by policy rule %q", res.Rule)
		}
		writeError(w, http.StatusForbidden, msg, "")
		return false
	}
	return true
}

// decode reads a JSON body into v. An empty body leaves v zero.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge, "")
		return false
	}
	writeError(w, http.StatusBadRequest, msgInvalidBody, "")
	return false
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *lifecycle.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error(), "")
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, msgNotFound, "")
	case errors.Is(err, lifecycle.ErrPaymentNotVerified):
		writeError(w, http.StatusBadRequest, msgNotVerified, "")
	case errors.Is(err, audit.ErrPaymentReused):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, lifecycle.ErrDemoDisabled):
		writeError(w, http.StatusForbidden, err.Error(), "")
	default:
		if ce, ok := audit.IsConflict(err); ok {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("Audit is not awaiting payment. Current status: %s", ce.Current), ce.Current)
			return
		}
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func paymentInfo(p audit.PaymentInfo) api.PaymentInfo {
	return api.PaymentInfo{
		Amount:          p.Amount,
		AmountUSDC:      json.Number(p.Amount),
		WalletAddress:   p.WalletAddress,
		Network:         p.Network,
		ContractAddress: p.ContractAddress,
	}
}

func demoRequested(r *http.Request) bool {
	on, _ := strconv.ParseBool(r.URL.Query().Get("process_demo"))
	return on
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, current api.Status) {
	writeJSON(w, status, api.ErrorResponse{Error: msg, Status: current})
}
