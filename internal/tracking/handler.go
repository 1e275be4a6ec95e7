package tracking

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailcast/internal/campaign"
)

// Recorder stores tracking events
type Recorder interface {
	RecordEvent(ctx context.Context, campaignID uint64, index int, kind campaign.EventKind) (*campaign.EmailStatus, error)
}

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00,
	0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x01,
	0x44, 0x00, 0x3b,
}

// Routes returns the unauthenticated pixel and redirect endpoints:
// GET /o/{token} and GET /c/{token}?u=<url>
func (t *Tracker) Routes(rec Recorder, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{tracker: t, rec: rec, logger: logger.With("component", "tracking")}

	r := chi.NewRouter()
	r.Get("/o/{token}", h.handleOpen)
	r.Get("/c/{token}", h.handleClick)
	return r
}

type handler struct {
	tracker *Tracker
	rec     Recorder
	logger  *slog.Logger
}

// handleOpen always answers with the pixel; mail clients ignore errors
func (h *handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	campaignID, index, err := h.tracker.VerifyOpen(chi.URLParam(r, "token"))
	if err == nil {
		h.record(r.Context(), campaignID, index, campaign.EventOpened)
	} else {
		h.logger.Debug("rejected open token", "error", err)
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

func (h *handler) handleClick(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("u")
	campaignID, index, err := h.tracker.VerifyClick(chi.URLParam(r, "token"), target)
	if err != nil || !isHTTP(target) {
		h.logger.Debug("rejected click token", "error", err)
		http.Error(w, "Invalid link", http.StatusBadRequest)
		return
	}

	h.record(r.Context(), campaignID, index, campaign.EventClicked)
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *handler) record(ctx context.Context, campaignID uint64, index int, kind campaign.EventKind) {
	_, err := h.rec.RecordEvent(ctx, campaignID, index, kind)
	switch {
	case err == nil:
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, campaign.ErrExpired),
		errors.Is(err, campaign.ErrRecipientFailed):
		h.logger.Debug("tracking event ignored", "campaign_id", campaignID, "recipient_index", index, "event", kind, "error", err)
	default:
		h.logger.Error("failed to record tracking event", "campaign_id", campaignID, "recipient_index", index, "event", kind, "error", err)
	}
}
