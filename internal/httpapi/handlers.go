package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/boomNDS/soop-discoard-bot/internal/metrics"
	"github.com/boomNDS/soop-discoard-bot/internal/poller"
	rtsup "github.com/boomNDS/soop-discoard-bot/internal/runtime/supervisor"
	"github.com/boomNDS/soop-discoard-bot/internal/storage"
	"github.com/boomNDS/soop-discoard-bot/internal/task/scheduler"
	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

type Store interface {
	Ping(ctx context.Context) error
	GetLinks(ctx context.Context, guildID string) ([]storage.Link, error)
}

type Tester interface {
	SendTest(ctx context.Context, guildID, channelID string) error
}

type QueueDepth interface {
	Len() int
	Cap() int
}

// Deps feed the handlers. Queue, Schedules and Loops may be nil.
type Deps struct {
	Store     Store
	Tester    Tester
	Metrics   *metrics.Metrics
	Queue     QueueDepth
	Schedules func() []scheduler.ScheduleInfo
	Loops     func() []rtsup.LoopStats
	// Profiling gates the /debug profiler routes. nil leaves them unmounted.
	Profiling func() bool
}

type handlers struct {
	d   Deps
	log logx.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.d.Store.Ping(ctx); err != nil {
		h.log.Warn("health check failed", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queueView struct {
	Len int `json:"len"`
	Cap int `json:"cap"`
}

type metricsView struct {
	Counters  metrics.Snapshot         `json:"counters"`
	Queue     *queueView               `json:"queue,omitempty"`
	Schedules []scheduler.ScheduleInfo `json:"schedules,omitempty"`
	Loops     []rtsup.LoopStats        `json:"loops,omitempty"`
}

func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	v := metricsView{Counters: h.d.Metrics.Snapshot()}
	if h.d.Queue != nil {
		v.Queue = &queueView{Len: h.d.Queue.Len(), Cap: h.d.Queue.Cap()}
	}
	if h.d.Schedules != nil {
		v.Schedules = h.d.Schedules()
	}
	if h.d.Loops != nil {
		v.Loops = h.d.Loops()
	}
	writeJSON(w, http.StatusOK, v)
}

type linkView struct {
	GuildID         string    `json:"guild_id"`
	ChannelID       string    `json:"soop_channel_id"`
	NotifyChannelID string    `json:"notify_channel_id"`
	MessageTemplate *string   `json:"message_template,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func (h *handlers) links(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	links, err := h.d.Store.GetLinks(r.Context(), guildID)
	if err != nil {
		h.log.Error("list links failed", logx.String("guild_id", guildID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "list links failed")
		return
	}
	out := make([]linkView, 0, len(links))
	for _, l := range links {
		out = append(out, linkView{
			GuildID:         l.GuildID,
			ChannelID:       l.ExternalChannelID,
			NotifyChannelID: l.NotifyChannelID,
			MessageTemplate: l.MessageTemplate,
			CreatedAt:       l.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) sendTest(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	channelID := r.URL.Query().Get("channel")
	err := h.d.Tester.SendTest(r.Context(), guildID, channelID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case errors.Is(err, poller.ErrNoLinks), errors.Is(err, poller.ErrNotLinked):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, poller.ErrRejected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error("send test failed", logx.String("guild_id", guildID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "send test failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
