package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	initdata "github.com/telegram-mini-apps/init-data-golang"
)

// ErrInitData is returned when Telegram WebApp init data fails verification.
var ErrInitData = errors.New("invalid telegram init data")

// TelegramUser is the part of the init data user we keep.
type TelegramUser struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
}

// DisplayName prefers the full name, then the username.
func (u TelegramUser) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.Username != "" {
		return u.Username
	}
	return "Player " + strconv.FormatInt(u.ID, 10)
}

// VerifyInitData checks the signature of a WebApp init data query string against the bot
// token and returns the user it describes. Data older than maxAge is rejected (0 disables
// the check).
func VerifyInitData(initData, botToken string, maxAge time.Duration) (*TelegramUser, error) {
	if botToken == "" {
		return nil, fmt.Errorf("%w: bot token not configured", ErrInitData)
	}
	if err := initdata.Validate(initData, botToken, maxAge); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitData, err)
	}
	data, err := initdata.Parse(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitData, err)
	}
	if data.User.ID == 0 {
		return nil, fmt.Errorf("%w: missing user", ErrInitData)
	}
	return &TelegramUser{
		ID:        data.User.ID,
		FirstName: data.User.FirstName,
		LastName:  data.User.LastName,
		Username:  data.User.Username,
	}, nil
}
