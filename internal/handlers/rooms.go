package handlers

import (
	"net/http"
	"strconv"

	"github.com/jason-s-yu/bingo/internal/lobby"
	"github.com/jason-s-yu/bingo/internal/models"
)

// handleListRooms runs a reconciliation pass that protects the caller, then returns every
// room's summary. The pass is gentle unless AGGRESSIVE_ON_LIST is set.
func (s *BingoServer) handleListRooms(w http.ResponseWriter, r *http.Request) {
	var protected []string
	if id, err := identify(r); err == nil {
		protected = append(protected, id.PlayerID)
	}
	if s.Reconciler != nil {
		strategy := lobby.Gentle
		if s.Cfg.Cleanup.AggressiveOnList {
			strategy = lobby.Aggressive
		}
		s.Reconciler.Run(r.Context(), strategy, protected...)
	}

	var rooms []models.RoomSummary
	err := s.retry(r.Context(), func() (err error) {
		rooms, err = s.Rooms.ListRoomSummaries(r.Context())
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"rooms": rooms})
}

func (s *BingoServer) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	var room *models.Room
	err := s.retry(r.Context(), func() (err error) {
		room, err = s.Rooms.GetRoom(r.Context(), r.PathValue("id"))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"room": room})
}

func (s *BingoServer) handleStakeRoom(w http.ResponseWriter, r *http.Request) {
	stake, err := strconv.Atoi(r.PathValue("stake"))
	if err != nil {
		writeError(w, models.ErrInvalid)
		return
	}
	var room *models.Room
	err = s.retry(r.Context(), func() (err error) {
		room, err = s.Rooms.CreateOrGetRoom(r.Context(), stake)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"room": room})
}

type createRoomRequest struct {
	Stake      int `json:"stake"`
	MaxPlayers int `json:"maxPlayers"`
}

func (s *BingoServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if _, err := identify(r); err != nil {
		writeError(w, err)
		return
	}
	var req createRoomRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var room *models.Room
	err := s.retry(r.Context(), func() (err error) {
		room, err = s.Rooms.CreateRoom(r.Context(), req.Stake, req.MaxPlayers)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"room": room})
}

func (s *BingoServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var room *models.Room
	err = s.retry(r.Context(), func() (err error) {
		room, err = s.Rooms.Join(r.Context(), r.PathValue("id"), id.Player())
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"room": room})
}

func (s *BingoServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var room *models.Room
	err = s.retry(r.Context(), func() (err error) {
		room, err = s.Rooms.Leave(r.Context(), id.PlayerID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"room": room})
}

func (s *BingoServer) handleListBoards(w http.ResponseWriter, r *http.Request) {
	var boards []models.BoardSelection
	err := s.retry(r.Context(), func() (err error) {
		boards, err = s.Boards.List(r.Context(), r.PathValue("id"))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"boards": boards})
}

type selectBoardRequest struct {
	BoardNumber int `json:"boardNumber"`
}

func (s *BingoServer) handleSelectBoard(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req selectBoardRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var (
		sel    *models.BoardSelection
		boards []models.BoardSelection
	)
	err = s.retry(r.Context(), func() (err error) {
		sel, boards, err = s.Boards.Select(r.Context(), r.PathValue("id"), id.PlayerID, req.BoardNumber)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"selection": sel, "boards": boards})
}

func (s *BingoServer) handleDeselectBoard(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var boards []models.BoardSelection
	err = s.retry(r.Context(), func() (err error) {
		boards, err = s.Boards.Deselect(r.Context(), r.PathValue("id"), id.PlayerID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"boards": boards})
}

// handleReconcile runs a reconciliation pass on demand; ?strategy=aggressive selects
// the aggressive strategy.
func (s *BingoServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if !cronAllowed(r, s.Cfg.CronSecret) {
		writeError(w, errForbidden)
		return
	}
	strategy := lobby.Gentle
	if r.URL.Query().Get("strategy") == string(lobby.Aggressive) {
		strategy = lobby.Aggressive
	}
	report := s.Reconciler.Run(r.Context(), strategy, r.URL.Query()["protect"]...)
	writeOK(w, map[string]interface{}{"report": report})
}
