package server

import (
	"context"
	"errors"

	"github.com/djdanielsson/mosaicterm-sub001/internal/storage"
	"github.com/djdanielsson/mosaicterm-sub001/internal/suggest"
	"github.com/djdanielsson/mosaicterm-sub001/internal/validators"
)

// handleHistory serves history queries. Runs off the read loop so a
// slow disk cannot stall input processing.
func (c *client) handleHistory(msg clientMessage) {
	var req historyRequest
	if !c.decode(msg, &req) {
		return
	}
	if c.srv.history == nil {
		c.sendError(msg.ID, "", "history-disabled", errors.New("history is disabled"))
		return
	}

	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var results []*storage.Command
	var err error
	switch {
	case req.SessionID != "":
		results, err = c.srv.history.GetBySession(ctx, req.SessionID, limit)
	case req.Query != "":
		results, err = c.srv.history.Search(ctx, req.Query, limit)
	default:
		results, err = c.srv.history.GetRecent(ctx, limit)
	}
	if err != nil {
		c.logger.Warn("history query failed", "error", err)
		c.sendError(msg.ID, "", "internal", errors.New("history query failed"))
		return
	}

	entries := make([]historyEntry, 0, len(results))
	for _, cmd := range results {
		entries = append(entries, historyEntry{
			Timestamp: cmd.Timestamp,
			SessionID: cmd.SessionID,
			Shell:     cmd.Shell,
			Cwd:       cmd.Cwd,
			Command:   cmd.CommandText,
			ExitCode:  cmd.ExitCode,
		})
	}
	c.send(serverMessage{Type: "history_result", ID: msg.ID, Payload: historyResult{Entries: entries}})
}

// handleSuggest serves completion queries off the read loop.
func (c *client) handleSuggest(msg clientMessage) {
	var req suggestRequest
	if !c.decode(msg, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	results, err := c.srv.suggest.Suggest(ctx, req.SessionID, req.Input, req.CursorPos)
	if err != nil {
		var verr *validators.ValidationError
		if errors.As(err, &verr) {
			c.sendError(msg.ID, "", verr.Reason(), err)
			return
		}
		c.logger.Warn("suggest query failed", "error", err)
		c.sendError(msg.ID, "", "internal", errors.New("suggest query failed"))
		return
	}
	if results == nil {
		results = []suggest.Suggestion{}
	}
	c.send(serverMessage{Type: "suggest_result", ID: msg.ID,
		Payload: suggestResult{Input: req.Input, CursorPos: req.CursorPos, Suggestions: results}})
}
