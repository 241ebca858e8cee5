package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

const sessionCookieName = "mafia_session"

var errNoSession = errors.New("not joined to this game")

// sessionPath scopes the cookie to one game so a browser can sit in
// several games at once.
func sessionPath(gameID string) string {
	return "/games/" + gameID
}

// createSession stores a fresh session token for playerID.
func createSession(ctx context.Context, x sqlx.ExecerContext, playerID int64) (int64, error) {
	tokenBig, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return 0, fmt.Errorf("session token: %w", err)
	}
	token := tokenBig.Int64()
	if _, err := x.ExecContext(ctx, "INSERT INTO session (token, player_id) VALUES (?, ?)", token, playerID); err != nil {
		return 0, fmt.Errorf("store session: %w", err)
	}
	return token, nil
}

func setSessionCookie(w http.ResponseWriter, gameID string, token int64) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    strconv.FormatInt(token, 10),
		Path:     sessionPath(gameID),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// getPlayerIdFromSession resolves the request's session to a player of gameID.
func getPlayerIdFromSession(r *http.Request, db sqlx.QueryerContext, gameID string) (int64, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return 0, errNoSession
	}

	token, err := strconv.ParseInt(cookie.Value, 10, 64)
	if err != nil {
		return 0, errNoSession
	}

	var playerID int64
	err = sqlx.GetContext(r.Context(), db, &playerID, `
		SELECT s.player_id FROM session s
		JOIN player p ON p.id = s.player_id
		WHERE s.token = ? AND p.game_id = ?`, token, gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errNoSession
	}
	if err != nil {
		return 0, fmt.Errorf("look up session: %w", err)
	}
	return playerID, nil
}

// handleLogout forgets the caller's session for this game.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	gameID := chiParam(r, "id")
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		token, _ := strconv.ParseInt(cookie.Value, 10, 64)
		if _, err := s.db.ExecContext(r.Context(), "DELETE FROM session WHERE token = ?", token); err != nil {
			logError("handleLogout: delete session", err)
		}
	}
	log.Info().Str("game", gameID).Msg("Player logged out")

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     sessionPath(gameID),
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}
