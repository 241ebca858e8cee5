package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

const maxNameLength = 12

// CreateGame opens an empty lobby with the default options.
func (e *Engine) CreateGame(ctx context.Context) (string, error) {
	raw, err := json.Marshal(DefaultOptions())
	if err != nil {
		return "", fmt.Errorf("encode default options: %w", err)
	}
	gameID := uuid.NewString()
	if _, err := e.db.ExecContext(ctx, `INSERT INTO game (id, options) VALUES (?, ?)`, gameID, string(raw)); err != nil {
		return "", fmt.Errorf("create game: %w", err)
	}
	log.Info().Str("game", gameID).Msg("Created new game")
	return gameID, nil
}

// Join adds a player to a lobby. The first player to join leads the game.
// Each onJoin hook runs in the same transaction as the insert; if one fails,
// the player is not added.
func (e *Engine) Join(ctx context.Context, gameID, name string, onJoin ...func(tx *sqlx.Tx, playerID int64) error) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return 0, ErrInvalidName
	}

	var playerID int64
	err := e.withGame(ctx, gameID, func(tx *sqlx.Tx) error {
		game, err := getGame(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if game.Started() {
			return ErrAlreadyStarted
		}

		var taken int
		if err := sqlx.GetContext(ctx, tx, &taken, `SELECT COUNT(*) FROM player WHERE game_id = ? AND name = ?`, gameID, name); err != nil {
			return fmt.Errorf("check name: %w", err)
		}
		if taken > 0 {
			return ErrDuplicateName
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO player (game_id, name) VALUES (?, ?)`, gameID, name)
		if err != nil {
			return fmt.Errorf("insert player: %w", err)
		}
		if playerID, err = res.LastInsertId(); err != nil {
			return err
		}
		for _, hook := range onJoin {
			if err := hook(tx, playerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Info().Msgf("Player %d (%s) joined game %s", playerID, name, gameID)
	return playerID, nil
}

// Configure replaces the lobby's options.
func (e *Engine) Configure(ctx context.Context, gameID string, actor int64, opts GameOptions) error {
	opts = opts.normalized()
	if err := opts.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}

	return e.withGame(ctx, gameID, func(tx *sqlx.Tx) error {
		game, err := getGame(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if game.Started() {
			return ErrAlreadyStarted
		}
		players, err := getPlayersByGameId(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if err := requireLeader(players, actor); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE game SET options = ? WHERE id = ?`, string(raw), gameID); err != nil {
			return fmt.Errorf("update options: %w", err)
		}
		DebugLog("Configure", "Game %s options set to %s", gameID, raw)
		return nil
	})
}

// Start deals the roles and takes the game out of the lobby.
func (e *Engine) Start(ctx context.Context, gameID string, actor int64) error {
	err := e.withGame(ctx, gameID, func(tx *sqlx.Tx) error {
		game, err := getGame(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if game.Started() {
			return ErrAlreadyStarted
		}
		players, err := getPlayersByGameId(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if len(players) == 0 {
			return ErrEmptyRoster
		}
		if err := requireLeader(players, actor); err != nil {
			return err
		}

		assigned := assignRoles(players, game.Options(), e.rng)
		for _, p := range players {
			role := assigned[p.ID]
			if _, err := tx.ExecContext(ctx, `UPDATE player SET role = ?, died_in_round = NULL WHERE id = ?`, string(role), p.ID); err != nil {
				return fmt.Errorf("assign role to %d: %w", p.ID, err)
			}
			DebugLog("Start", "Player %d (%s) is %s", p.ID, p.Name, role)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE game SET started_at = ? WHERE id = ?`, e.now().UTC(), gameID); err != nil {
			return fmt.Errorf("start game: %w", err)
		}
		log.Info().Msgf("Game %s started with %d players", gameID, len(players))
		return nil
	})
	if err == nil {
		e.metrics.gamesStarted.Inc()
	}
	return err
}

// RemovePlayer takes a player out of a lobby along with their sessions.
func (e *Engine) RemovePlayer(ctx context.Context, gameID string, actor, playerID int64) error {
	return e.withGame(ctx, gameID, func(tx *sqlx.Tx) error {
		game, err := getGame(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if game.Started() {
			return ErrAlreadyStarted
		}
		players, err := getPlayersByGameId(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if err := requireLeader(players, actor); err != nil {
			return err
		}
		if _, ok := findPlayer(players, playerID); !ok {
			if _, err := getPlayer(ctx, tx, playerID); err != nil {
				return err
			}
			return ErrForeignPlayer
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM session WHERE player_id = ?`, playerID); err != nil {
			return fmt.Errorf("delete sessions of %d: %w", playerID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM player WHERE id = ?`, playerID); err != nil {
			return fmt.Errorf("delete player %d: %w", playerID, err)
		}
		log.Info().Msgf("Player %d removed from game %s by %d", playerID, gameID, actor)
		return nil
	})
}
