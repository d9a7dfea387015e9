package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/robot-bridge/internal/journal"
)

// HistoryResponse is the /api/v1/history response.
type HistoryResponse struct {
	Links    []journal.LinkEvent `json:"links"`
	Commands journal.CommandList `json:"commands"`
}

// handleHistory returns recent link transitions and a page of commands.
//
// Query parameters: limit, offset, cmd (move, face or say).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "journal is disabled")
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}

	ctx := r.Context()
	links, err := s.journal.ListLinkEvents(ctx, limit)
	if err != nil {
		s.logger.Error("listing link events failed", "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	commands, err := s.journal.ListCommands(ctx, journal.Filter{
		Cmd:    q.Get("cmd"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("listing commands failed", "error", err)
		writeInternalError(w, "failed to read history")
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{Links: links, Commands: *commands})
}

// intParam parses an optional non-negative integer; "" yields 0.
func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
