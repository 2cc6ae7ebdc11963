package handlers

import (
	"errors"
	"net/http"

	"github.com/jason-s-yu/bingo/internal/auth"
	"github.com/jason-s-yu/bingo/internal/game"
	"github.com/jason-s-yu/bingo/internal/models"
)

// handleGetGame returns the room and its game state. A room that has never had a game
// returns a null game.
func (s *BingoServer) handleGetGame(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	var (
		room  *models.Room
		state *models.GameState
	)
	err := s.retry(r.Context(), func() (err error) {
		room, err = s.Rooms.GetRoom(r.Context(), roomID)
		if err != nil {
			return err
		}
		state, err = s.Games.GetGame(r.Context(), roomID)
		if errors.Is(err, models.ErrNotFound) {
			state, err = nil, nil
		}
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"room": room, "game": state})
}

// seated authenticates the request and checks the bearer sits in the room.
func (s *BingoServer) seated(r *http.Request, roomID string) (auth.Identity, error) {
	id, err := identify(r)
	if err != nil {
		return id, err
	}
	var room *models.Room
	err = s.retry(r.Context(), func() (err error) {
		room, err = s.Rooms.GetRoom(r.Context(), roomID)
		return err
	})
	if err != nil {
		return id, err
	}
	if !room.HasPlayer(id.PlayerID) {
		return id, models.ErrNotInRoom
	}
	return id, nil
}

func (s *BingoServer) handleStartGame(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if _, err := s.seated(r, roomID); err != nil {
		writeError(w, err)
		return
	}
	var (
		state *models.GameState
		room  *models.Room
	)
	err := s.retry(r.Context(), func() (err error) {
		state, room, err = s.Games.StartGame(r.Context(), roomID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"room": room, "game": state})
}

func (s *BingoServer) handleResetGame(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if _, err := s.seated(r, roomID); err != nil {
		writeError(w, err)
		return
	}
	var (
		state *models.GameState
		room  *models.Room
	)
	err := s.retry(r.Context(), func() (err error) {
		state, room, err = s.Games.ResetGame(r.Context(), roomID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"room": room, "game": state})
}

type claimRequest struct {
	BoardNumber int    `json:"boardNumber"`
	Pattern     string `json:"pattern"`
}

// handleClaimBingo records the bearer's claim. Card validation happens on the client.
func (s *BingoServer) handleClaimBingo(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	winner := models.Winner{
		PlayerID:    id.PlayerID,
		PlayerName:  id.Name,
		TelegramID:  id.TelegramID,
		BoardNumber: req.BoardNumber,
		Pattern:     req.Pattern,
	}
	var state *models.GameState
	err = s.retry(r.Context(), func() (err error) {
		state, err = s.Games.ClaimBingo(r.Context(), r.PathValue("id"), winner)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"game": state})
}

// handleCallNumber calls one number on demand. It is a cron endpoint for deployments that
// drive games externally.
func (s *BingoServer) handleCallNumber(w http.ResponseWriter, r *http.Request) {
	if !cronAllowed(r, s.Cfg.CronSecret) {
		writeError(w, errForbidden)
		return
	}
	var res *game.CallResult
	err := s.retry(r.Context(), func() (err error) {
		res, err = s.Games.CallNextNumber(r.Context(), r.PathValue("id"))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"number":   res.Number,
		"called":   res.Called,
		"finished": res.Finished,
		"game":     res.State,
	})
}

func (s *BingoServer) handleTick(w http.ResponseWriter, r *http.Request) {
	if !cronAllowed(r, s.Cfg.CronSecret) {
		writeError(w, errForbidden)
		return
	}
	report := s.Games.Tick(r.Context())
	writeOK(w, map[string]interface{}{"report": report})
}
