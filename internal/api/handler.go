package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"leasebox/internal/files"
	"leasebox/internal/identity"
	"leasebox/internal/ledger"
	"leasebox/internal/logging"
	"leasebox/internal/payments"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to a temp file.
const multipartMemory = 32 << 20

// multipartOverhead allows for boundaries and part headers on top of the file itself.
const multipartOverhead = 1 << 20

// HandlerConfig holds the collaborators a Handler sequences.
type HandlerConfig struct {
	Files          *files.Service
	Verifier       identity.Verifier
	Issuer         *payments.Issuer
	Payments       *payments.Service
	MaxUploadBytes int64
}

// Handler handles HTTP requests.
type Handler struct {
	files          *files.Service
	verifier       identity.Verifier
	issuer         *payments.Issuer
	payments       *payments.Service
	maxUploadBytes int64
	mux            *http.ServeMux
}

// NewHandler creates a new HTTP handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		files:          cfg.Files,
		verifier:       cfg.Verifier,
		issuer:         cfg.Issuer,
		payments:       cfg.Payments,
		maxUploadBytes: cfg.MaxUploadBytes,
		mux:            http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// call carries what the guards established about a request.
type call struct {
	op       Operation
	identity string
	key      string
	record   *ledger.Record
}

type opHandler func(w http.ResponseWriter, r *http.Request, c *call)

func (h *Handler) registerRoutes() {
	handlers := map[string]opHandler{
		opUpload.Name: h.handleUpload,
		opRead.Name:   h.handleRead,
		opList.Name:   h.handleList,
		opInfo.Name:   h.handleInfo,
		opDelete.Name: h.handleDelete,
		opRenew.Name:  h.handleRenew,
	}
	for _, op := range Operations() {
		h.mux.Handle(op.Pattern, h.guard(op, handlers[op.Name]))
	}
	h.mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// guard enforces the signature and ownership requirements of op before
// calling next.
func (h *Handler) guard(op Operation, next opHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := &call{op: op, key: r.PathValue("key")}

		if op.Signed {
			id := r.Header.Get(HeaderIdentity)
			sig := r.Header.Get(HeaderSignature)
			if id == "" || sig == "" {
				writeError(w, http.StatusBadRequest, "missing "+HeaderIdentity+" or "+HeaderSignature+" header")
				return
			}
			if op.Owned && files.ValidateKey(c.key) != nil {
				writeError(w, http.StatusBadRequest, "invalid file key")
				return
			}
			if !h.verifier.Verify(id, op.Message(c.key), sig) {
				logging.HTTP.Debug("signature rejected", "op", op.Name, "identity", id)
				writeError(w, http.StatusUnauthorized, "signature verification failed")
				return
			}
			c.identity = id
		}

		if op.Owned {
			rec, err := h.files.Get(r.Context(), c.key)
			if errors.Is(err, ledger.ErrNotFound) {
				writeError(w, http.StatusNotFound, "file not found")
				return
			}
			if err != nil {
				logging.Ledger.Errorf("failed to load %s: %v", c.key, err)
				writeError(w, http.StatusInternalServerError, "failed to load file record")
				return
			}
			if !rec.OwnedBy(c.identity) {
				writeError(w, http.StatusForbidden, "not the owner of this file")
				return
			}
			c.record = rec
		}

		next(w, r, c)
	})
}

// collectPayment answers with a challenge unless the request carries a proof
// that settles for c.op's product at size bytes. It reports whether the
// handler may proceed.
func (h *Handler) collectPayment(w http.ResponseWriter, r *http.Request, c *call, size int64) bool {
	req, err := h.issuer.Requirements(c.op.Product, resourceURL(r), size)
	if err != nil {
		logging.Payments.Errorf("failed to price %s: %v", c.op.Name, err)
		writeError(w, http.StatusInternalServerError, "failed to price request")
		return false
	}

	header := r.Header.Get(payments.HeaderPayment)
	if header == "" {
		writeChallenge(w, payments.HeaderPayment+" header is required", req)
		return false
	}

	settlement, err := h.payments.Settle(r.Context(), header, req)
	if errors.Is(err, payments.ErrPaymentInvalid) {
		writeChallenge(w, err.Error(), req)
		return false
	}
	if err != nil {
		logging.Payments.Errorf("settlement for %s failed: %v", c.op.Name, err)
		writeError(w, http.StatusBadGateway, "payment settlement unavailable, retry with a fresh payment")
		return false
	}

	logging.Payments.Info("payment settled", "op", c.op.Name, "payer", settlement.Payer, "tx", settlement.Transaction, "amount", req.MaxAmountRequired)
	if encoded, err := payments.EncodeSettlement(settlement.Response()); err == nil {
		w.Header().Set(payments.HeaderPaymentResponse, encoded)
	}
	return true
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request, c *call) {
	owner := r.Header.Get(HeaderIdentity)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing "+HeaderIdentity+" header")
		return
	}
	if !h.verifier.ValidIdentity(owner) {
		writeError(w, http.StatusBadRequest, "invalid owner identity")
		return
	}
	c.identity = owner

	limit := h.maxUploadBytes + multipartOverhead
	if r.ContentLength > limit {
		writeError(w, http.StatusBadRequest, tooLargeMessage(h.maxUploadBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusBadRequest, tooLargeMessage(h.maxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	if header.Size > h.maxUploadBytes {
		writeError(w, http.StatusBadRequest, tooLargeMessage(h.maxUploadBytes))
		return
	}

	if !h.collectPayment(w, r, c, header.Size) {
		return
	}

	rec, err := h.files.Upload(r.Context(), files.UploadRequest{
		Owner:       owner,
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if errors.Is(err, ledger.ErrConflict) {
		writeError(w, http.StatusConflict, "file key already exists, retry the upload")
		return
	}
	if err != nil {
		logging.Internal.Errorf("upload for %s failed: %v", owner, err)
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		Key:        rec.Key,
		Size:       rec.Size,
		UploadedAt: rec.UploadedAt,
		ExpiresAt:  rec.ExpiresAt,
	})
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, c *call) {
	rec := c.record
	if rec.Expired(h.files.Now()) {
		h.files.Purge(r.Context(), rec.Key)
		writeError(w, http.StatusGone, "file lease has expired")
		return
	}

	rc, err := h.files.Open(r.Context(), rec.Key)
	if errors.Is(err, files.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file content not found")
		return
	}
	if err != nil {
		logging.Storage.Errorf("failed to open %s: %v", rec.Key, err)
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	defer rc.Close()

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": rec.OriginalName})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set(HeaderExpiresAt, rec.ExpiresAt.Format(time.RFC3339))

	// ServeContent handles Range and HEAD when the backend can seek.
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", rec.UploadedAt, rs)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		logging.Storage.Warnf("streaming %s aborted: %v", rec.Key, err)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, c *call) {
	records, err := h.files.List(r.Context(), c.identity)
	if err != nil {
		logging.Ledger.Errorf("failed to list files for %s: %v", c.identity, err)
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}

	resp := ListResponse{Files: make([]FileRecord, 0, len(records)), Total: len(records)}
	for _, rec := range records {
		resp.Files = append(resp.Files, newFileRecord(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request, c *call) {
	writeJSON(w, http.StatusOK, InfoResponse{
		FileRecord: newFileRecord(c.record),
		IsExpired:  c.record.Expired(h.files.Now()),
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, c *call) {
	if err := h.files.Delete(r.Context(), c.key); err != nil {
		logging.Internal.Errorf("failed to delete %s: %v", c.key, err)
		writeError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}
	logging.Internal.Info("file deleted", "key", c.key)
	writeJSON(w, http.StatusOK, DeleteResponse{Success: true, FileKey: c.key})
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request, c *call) {
	if !h.collectPayment(w, r, c, c.record.Size) {
		return
	}

	oldExpires, newExpires, err := h.files.Renew(r.Context(), c.key)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
		return
	case errors.Is(err, ledger.ErrContention):
		writeError(w, http.StatusConflict, "lease is being renewed concurrently, retry")
		return
	case err != nil:
		logging.Ledger.Errorf("failed to renew %s: %v", c.key, err)
		writeError(w, http.StatusInternalServerError, "failed to renew lease")
		return
	}

	writeJSON(w, http.StatusOK, RenewResponse{OldExpires: oldExpires, NewExpires: newExpires})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resourceURL is the absolute URL a payment is bound to.
func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func tooLargeMessage(limit int64) string {
	return "file too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.HTTP.Errorf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeChallenge(w http.ResponseWriter, reason string, req payments.PaymentRequirements) {
	writeJSON(w, http.StatusPaymentRequired, payments.NewChallenge(reason, req))
}
