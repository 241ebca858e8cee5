package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/jmoiron/sqlx"
)

// Fingerprint returns a token that changes whenever anything a player can
// see about the game changes. Clients poll it and reload the full state
// only when it moves.
func (e *Engine) Fingerprint(ctx context.Context, gameID string) (string, error) {
	var fp string
	err := e.readGame(ctx, func(q sqlx.QueryerContext) error {
		game, err := getGame(ctx, q, gameID)
		if err != nil {
			return err
		}
		players, err := getPlayersByGameId(ctx, q, gameID)
		if err != nil {
			return err
		}
		fp, err = fingerprint(ctx, q, game, players)
		return err
	})
	return fp, err
}

type ledgerMark struct {
	Count  int   `db:"n"`
	LastID int64 `db:"last_id"`
}

func fingerprint(ctx context.Context, q sqlx.QueryerContext, game *Game, players []Player) (string, error) {
	h := xxhash.New()
	var next string
	if game.NextGame != nil {
		next = *game.NextGame
	}

	if !game.Started() {
		var living int
		var newest int64
		for _, p := range players {
			if p.IsAlive() {
				living++
			}
			newest = max(newest, p.ID)
		}
		fmt.Fprintf(h, "lobby|%d|%d|%d|%s", living, newest, xxhash.Sum64String(game.OptionsRaw), next)
		return strconv.FormatUint(h.Sum64(), 16), nil
	}

	var mark ledgerMark
	if err := sqlx.GetContext(ctx, q, &mark, `SELECT COUNT(*) AS n, COALESCE(MAX(id), 0) AS last_id FROM action WHERE game_id = ?`, game.ID); err != nil {
		return "", fmt.Errorf("fingerprint actions: %w", err)
	}
	var notices int
	if err := sqlx.GetContext(ctx, q, &notices, `SELECT COUNT(*) FROM death_notice WHERE game_id = ?`, game.ID); err != nil {
		return "", fmt.Errorf("fingerprint notices: %w", err)
	}
	var dead int
	for _, p := range players {
		if !p.IsAlive() {
			dead++
		}
	}

	fmt.Fprintf(h, "game|%d|%d|%d|%d|%d|%s",
		game.StartedAt.Time.UnixNano(), mark.Count, mark.LastID, dead, notices, next)
	return strconv.FormatUint(h.Sum64(), 16), nil
}
