package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/boardsched/internal/api/response"
	"github.com/kiranshivaraju/boardsched/internal/scheduler"
	"github.com/kiranshivaraju/boardsched/internal/workpool"
)

const markPolledTimeout = 2 * time.Second

// PollRecorder stamps the last time a board contacted the scheduler.
type PollRecorder interface {
	MarkPolled(ctx context.Context, hostname string, at time.Time) error
}

// Boards serves the agent-facing poll endpoints on top of a JobSource.
type Boards struct {
	src   scheduler.JobSource
	polls PollRecorder
	now   func() time.Time
}

// NewBoards creates the board handlers. polls may be nil.
func NewBoards(src scheduler.JobSource, polls PollRecorder) *Boards {
	return &Boards{src: src, polls: polls, now: time.Now}
}

// touch records the poll without holding up the response. Redis being
// down must never fail a poll.
func (b *Boards) touch(hostname string) {
	if b.polls == nil {
		return
	}
	at := b.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), markPolledTimeout)
		defer cancel()
		if err := b.polls.MarkPolled(ctx, hostname, at); err != nil {
			slog.Warn("failed to record board poll", "board", hostname, "error", err)
		}
	}()
}

// List handles GET /api/v1/boards.
func (b *Boards) List(w http.ResponseWriter, r *http.Request) {
	hostnames, err := b.src.GetBoardList(r.Context()).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hostnames == nil {
		hostnames = []string{}
	}
	response.JSON(w, hostnames)
}

// Claim handles POST /api/v1/boards/{hostname}/job. It answers 204 when
// there is nothing for the board to run.
func (b *Boards) Claim(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	b.touch(hostname)

	definition, err := b.src.GetJobForBoard(r.Context(), hostname).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if definition == nil {
		response.NoContent(w)
		return
	}
	response.JSON(w, definition)
}

// UploadLog handles PUT /api/v1/boards/{hostname}/log. Each upload replaces
// whatever was written before.
func (b *Boards) UploadLog(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	b.touch(hostname)

	f := b.src.GetLogFileForJobOnBoard(r.Context(), hostname)
	sink, err := f.Wait(r.Context())
	if err != nil {
		closeAbandoned(f, hostname)
		writeError(w, r, err)
		return
	}
	n, copyErr := io.Copy(sink, r.Body)
	closeErr := sink.Close()
	if copyErr != nil {
		writeError(w, r, copyErr)
		return
	}
	if closeErr != nil {
		writeError(w, r, closeErr)
		return
	}
	response.JSON(w, map[string]int64{"bytes_written": n})
}

// closeAbandoned closes a sink that is opened after the request stopped
// waiting for it.
func closeAbandoned(f *workpool.Future[io.WriteCloser], hostname string) {
	go func() {
		<-f.Done()
		sink, err := f.Wait(context.Background())
		if err != nil || sink == nil {
			return
		}
		if err := sink.Close(); err != nil {
			slog.Warn("failed to close abandoned log sink", "board", hostname, "error", err)
		}
	}()
}

// Complete handles POST /api/v1/boards/{hostname}/complete.
func (b *Boards) Complete(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	b.touch(hostname)

	var req struct {
		ExitCode *int `json:"exit_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if req.ExitCode == nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "exit_code is required", nil)
		return
	}

	if _, err := b.src.JobCompleted(r.Context(), hostname, *req.ExitCode).Wait(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// OOB handles POST /api/v1/boards/{hostname}/oob.
func (b *Boards) OOB(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	b.touch(hostname)

	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if req.Key == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "key is required", nil)
		return
	}

	if _, err := b.src.JobOobData(r.Context(), hostname, req.Key, req.Value).Wait(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// Cancellation handles GET /api/v1/boards/{hostname}/cancellation.
func (b *Boards) Cancellation(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	b.touch(hostname)

	cancel, err := b.src.JobCheckForCancellation(r.Context(), hostname).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, map[string]bool{"cancel": cancel})
}
