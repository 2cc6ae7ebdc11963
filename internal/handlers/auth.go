package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/bingo/internal/auth"
	"github.com/jason-s-yu/bingo/internal/models"
)

type guestAuthRequest struct {
	Name string `json:"name"`
}

// handleGuestAuth issues a token for a new guest session.
func (s *BingoServer) handleGuestAuth(w http.ResponseWriter, r *http.Request) {
	var req guestAuthRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := auth.Identity{PlayerID: uuid.NewString(), Name: strings.TrimSpace(req.Name)}
	if id.Name == "" {
		id.Name = "Guest-" + id.PlayerID[:6]
	}
	s.issueToken(w, id)
}

type telegramAuthRequest struct {
	InitData string `json:"initData"`
}

// handleTelegramAuth verifies Telegram WebApp init data and issues a token bound to the
// Telegram user. Every call mints a fresh session handle; the Telegram id stays canonical.
func (s *BingoServer) handleTelegramAuth(w http.ResponseWriter, r *http.Request) {
	var req telegramAuthRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := auth.VerifyInitData(req.InitData, s.Cfg.Auth.TelegramBotToken, s.Cfg.Auth.InitDataMaxAge)
	if err != nil {
		s.Logger.Debugf("telegram auth rejected: %v", err)
		writeError(w, err)
		return
	}
	tgID := user.ID
	s.issueToken(w, auth.Identity{
		PlayerID:   uuid.NewString(),
		Name:       user.DisplayName(),
		TelegramID: &tgID,
	})
}

func (s *BingoServer) issueToken(w http.ResponseWriter, id auth.Identity) {
	token, err := auth.CreateJWT(id)
	if err != nil {
		s.Logger.Errorf("failed to sign token: %v", err)
		writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeOK(w, map[string]interface{}{
		"token":  token,
		"player": models.Player{ID: id.PlayerID, Name: id.Name, TelegramID: id.TelegramID},
	})
}
