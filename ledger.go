package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// SubmitAction records actor's choice for round; a nil target abstains.
// When the submission completes the round, the closed round is resolved in
// the same transaction and its outcome is returned. Submissions from dead
// players are ignored without error.
func (e *Engine) SubmitAction(ctx context.Context, gameID string, actor int64, round int, target *int64) (*RoundOutcome, error) {
	var outcome *RoundOutcome
	result := "recorded"
	err := e.withGame(ctx, gameID, func(tx *sqlx.Tx) error {
		var err error
		outcome, result, err = e.submit(ctx, tx, gameID, actor, round, target)
		return err
	})
	switch {
	case errors.Is(err, ErrStaleRound):
		result = "stale"
	case err != nil:
		result = "rejected"
	}
	e.metrics.submission(result)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (e *Engine) submit(ctx context.Context, tx *sqlx.Tx, gameID string, actor int64, round int, target *int64) (*RoundOutcome, string, error) {
	game, players, err := loadStartedGame(ctx, tx, gameID)
	if err != nil {
		return nil, "", err
	}
	p, ok := findPlayer(players, actor)
	if !ok {
		return nil, "", ErrUnknownPlayer
	}
	if !p.IsAlive() {
		DebugLog("submit", "Ignoring action of dead player %d in game %s", actor, gameID)
		return nil, "ignored", nil
	}
	if endgameType(game, players) != EndgameNone {
		return nil, "", ErrGameOver
	}

	total, err := countActions(ctx, tx, gameID)
	if err != nil {
		return nil, "", err
	}
	if open := currentRound(total, len(players)); round != open {
		DebugLog("submit", "Player %d submitted for round %d but round %d is open", actor, round, open)
		return nil, "", ErrStaleRound
	}

	if target != nil {
		if err := checkTarget(ctx, tx, gameID, players, *target); err != nil {
			return nil, "", err
		}
	}

	existing, err := getAction(ctx, tx, gameID, round, actor)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		if sameTarget(existing.DoneTo, target) {
			return nil, "unchanged", nil
		}
		// Replace rather than update so the latest action always has the newest id.
		if _, err := tx.ExecContext(ctx, `DELETE FROM action WHERE id = ?`, existing.ID); err != nil {
			return nil, "", fmt.Errorf("replace action: %w", err)
		}
	}
	if err := insertAction(ctx, tx, gameID, round, actor, target); err != nil {
		return nil, "", err
	}
	log.Info().Msgf("Game %s round %d: player %d -> %s", gameID, round, actor, describeTarget(target))

	if err := ghostFill(ctx, tx, gameID, players, round); err != nil {
		return nil, "", err
	}

	total, err = countActions(ctx, tx, gameID)
	if err != nil {
		return nil, "", err
	}
	if currentRound(total, len(players)) <= round {
		return nil, "recorded", nil
	}

	outcome, err := e.resolveClosedRound(ctx, tx, game, players, round)
	if err != nil {
		return nil, "", err
	}
	return outcome, "recorded", nil
}

// CancelAction withdraws actor's action for the open round. Closed rounds
// are never touched.
func (e *Engine) CancelAction(ctx context.Context, gameID string, actor int64, round int) error {
	err := e.withGame(ctx, gameID, func(tx *sqlx.Tx) error {
		_, players, err := loadStartedGame(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if _, ok := findPlayer(players, actor); !ok {
			return ErrUnknownPlayer
		}
		total, err := countActions(ctx, tx, gameID)
		if err != nil {
			return err
		}
		if round != currentRound(total, len(players)) {
			DebugLog("cancel", "Player %d tried to cancel closed round %d", actor, round)
			return nil
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM action WHERE game_id = ? AND round = ? AND done_by = ?`, gameID, round, actor)
		if err != nil {
			return fmt.Errorf("cancel action: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Info().Msgf("Game %s round %d: player %d cancelled their action", gameID, round, actor)
		}
		return nil
	})
	if err == nil {
		e.metrics.submission("cancelled")
	}
	return err
}

// ghostFill records an abstention for every dead player once all living
// players have acted in round.
func ghostFill(ctx context.Context, tx *sqlx.Tx, gameID string, players []Player, round int) error {
	actions, err := getActionsForRound(ctx, tx, gameID, round)
	if err != nil {
		return err
	}
	acted := make(map[int64]bool, len(actions))
	for _, a := range actions {
		acted[a.DoneBy] = true
	}
	for _, p := range players {
		if p.IsAlive() && !acted[p.ID] {
			return nil
		}
	}
	for _, p := range players {
		if p.IsAlive() || acted[p.ID] {
			continue
		}
		if err := insertAction(ctx, tx, gameID, round, p.ID, nil); err != nil {
			return err
		}
		DebugLog("ghostFill", "Recorded ghost action for dead player %d in round %d", p.ID, round)
	}
	return nil
}

func insertAction(ctx context.Context, x sqlx.ExecerContext, gameID string, round int, actor int64, target *int64) error {
	_, err := x.ExecContext(ctx, `INSERT INTO action (game_id, round, done_by, done_to) VALUES (?, ?, ?, ?)`,
		gameID, round, actor, target)
	if err != nil {
		return fmt.Errorf("insert action of %d in round %d: %w", actor, round, err)
	}
	return nil
}

// checkTarget requires target to be a living player of this game.
func checkTarget(ctx context.Context, q sqlx.QueryerContext, gameID string, players []Player, target int64) error {
	if p, ok := findPlayer(players, target); ok {
		if !p.IsAlive() {
			return ErrTargetDead
		}
		return nil
	}
	if _, err := getPlayer(ctx, q, target); err != nil {
		return err
	}
	return ErrForeignPlayer
}

// loadStartedGame loads a game that has left the lobby along with its roster.
func loadStartedGame(ctx context.Context, q sqlx.QueryerContext, gameID string) (*Game, []Player, error) {
	game, err := getGame(ctx, q, gameID)
	if err != nil {
		return nil, nil, err
	}
	if !game.Started() {
		return nil, nil, ErrNotStarted
	}
	players, err := getPlayersByGameId(ctx, q, gameID)
	if err != nil {
		return nil, nil, err
	}
	return game, players, nil
}

func sameTarget(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func describeTarget(target *int64) string {
	if target == nil {
		return "abstain"
	}
	return fmt.Sprintf("player %d", *target)
}
