package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// resolveClosedRound runs the day or night rule over a round that just
// closed, stores the outcome and marks the victim dead.
func (e *Engine) resolveClosedRound(ctx context.Context, tx *sqlx.Tx, game *Game, players []Player, round int) (*RoundOutcome, error) {
	actions, err := getActionsForRound(ctx, tx, game.ID, round)
	if err != nil {
		return nil, err
	}

	var outcome RoundOutcome
	if phaseOf(round) == PhaseDay {
		outcome = resolveDay(round, players, actions)
	} else {
		outcome = resolveNight(round, players, actions, e.rng)
	}
	outcome.GameID = game.ID

	if err := insertOutcome(ctx, tx, outcome); err != nil {
		return nil, err
	}

	after := players
	if outcome.Victim != nil {
		if err := killPlayer(ctx, tx, *outcome.Victim, round); err != nil {
			return nil, err
		}
		after = withDeath(players, *outcome.Victim, round)
		log.Info().Msgf("Game %s %s %d ended: player %d eliminated (%s)", game.ID, outcome.Phase, round, *outcome.Victim, outcome.Reason)
	} else {
		log.Info().Msgf("Game %s %s %d ended without elimination (%s)", game.ID, outcome.Phase, round, outcome.Reason)
	}
	e.metrics.resolved(outcome)

	if end := endgameType(game, after); end != EndgameNone {
		log.Info().Msgf("Game %s is over: %s", game.ID, end)
		e.metrics.finished(end)
	}
	return &outcome, nil
}

// killPlayer sets died_in_round. A player who is already dead keeps the
// round they died in.
func killPlayer(ctx context.Context, x sqlx.ExecerContext, playerID int64, round int) error {
	_, err := x.ExecContext(ctx, `UPDATE player SET died_in_round = ? WHERE id = ? AND died_in_round IS NULL`, round, playerID)
	if err != nil {
		return fmt.Errorf("kill player %d: %w", playerID, err)
	}
	return nil
}

func withDeath(players []Player, victim int64, round int) []Player {
	out := make([]Player, len(players))
	copy(out, players)
	for i := range out {
		if out[i].ID == victim && out[i].DiedInRound == nil {
			r := round
			out[i].DiedInRound = &r
		}
	}
	return out
}

// Restart puts a game back in the lobby with the same roster and options.
func (e *Engine) Restart(ctx context.Context, gameID string, actor int64) error {
	return e.withGame(ctx, gameID, func(tx *sqlx.Tx) error {
		if _, err := getGame(ctx, tx, gameID); err != nil {
			return err
		}
		players, err := getPlayersByGameId(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if err := requireLeader(players, actor); err != nil {
			return err
		}

		stmts := []string{
			`DELETE FROM action WHERE game_id = ?`,
			`DELETE FROM round_outcome WHERE game_id = ?`,
			`DELETE FROM death_notice WHERE game_id = ?`,
			`UPDATE player SET role = NULL, died_in_round = NULL WHERE game_id = ?`,
			`UPDATE game SET started_at = NULL WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, gameID); err != nil {
				return fmt.Errorf("restart %s: %w", gameID, err)
			}
		}
		log.Info().Msgf("Game %s restarted by player %d", gameID, actor)
		return nil
	})
}

// RestartFromRound rewinds a running game to the start of round, undoing
// every action and death from that round on.
func (e *Engine) RestartFromRound(ctx context.Context, gameID string, actor int64, round int) error {
	return e.withGame(ctx, gameID, func(tx *sqlx.Tx) error {
		_, players, err := loadStartedGame(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if err := requireLeader(players, actor); err != nil {
			return err
		}
		total, err := countActions(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if round < 0 || round > currentRound(total, len(players)) {
			return fmt.Errorf("%w: %d", ErrInvalidRound, round)
		}

		stmts := []string{
			`DELETE FROM action WHERE game_id = ? AND round >= ?`,
			`DELETE FROM round_outcome WHERE game_id = ? AND round >= ?`,
			`DELETE FROM death_notice WHERE game_id = ? AND round >= ?`,
			`UPDATE player SET died_in_round = NULL WHERE game_id = ? AND died_in_round >= ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, gameID, round); err != nil {
				return fmt.Errorf("restart %s from round %d: %w", gameID, round, err)
			}
		}
		log.Info().Msgf("Game %s rewound to round %d by player %d", gameID, round, actor)
		return nil
	})
}

// NextGame links a fresh lobby with the same options as gameID. Calling it
// again returns the lobby created the first time.
func (e *Engine) NextGame(ctx context.Context, gameID string, actor int64) (string, error) {
	var next string
	err := e.withGame(ctx, gameID, func(tx *sqlx.Tx) error {
		game, err := getGame(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if _, err := getPlayerInGame(ctx, tx, gameID, actor); err != nil {
			return err
		}
		if game.NextGame != nil {
			next = *game.NextGame
			return nil
		}

		next = uuid.NewString()
		if _, err := tx.ExecContext(ctx, `INSERT INTO game (id, options) VALUES (?, ?)`, next, game.OptionsRaw); err != nil {
			return fmt.Errorf("create next game: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE game SET next_game = ? WHERE id = ?`, next, gameID); err != nil {
			return fmt.Errorf("link next game: %w", err)
		}
		log.Info().Msgf("Game %s continues as %s", gameID, next)
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// RecordDeathNotice stores the announcement text for a death. Notices for
// deaths a restart has since undone are dropped.
func (e *Engine) RecordDeathNotice(ctx context.Context, gameID string, playerID int64, round int, text string) error {
	return e.withGame(ctx, gameID, func(tx *sqlx.Tx) error {
		p, err := getPlayerInGame(ctx, tx, gameID, playerID)
		if err != nil {
			return err
		}
		if p.DiedInRound == nil || *p.DiedInRound != round {
			DebugLog("RecordDeathNotice", "Player %d no longer died in round %d, dropping notice", playerID, round)
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO death_notice (game_id, player_id, round, text) VALUES (?, ?, ?, ?)
			ON CONFLICT(game_id, player_id, round) DO UPDATE SET text = excluded.text`,
			gameID, playerID, round, text)
		if err != nil {
			return fmt.Errorf("record death notice: %w", err)
		}
		return nil
	})
}
