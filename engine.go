package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Engine runs the game rules on top of the database. Every mutating
// operation for a game runs under that game's lock and inside a single
// transaction, so a failed call never leaves a partial write behind and
// two submissions can never both close the same round.
type Engine struct {
	db      *sqlx.DB
	rng     Rand
	metrics *Metrics
	now     func() time.Time

	// game id -> *sync.Mutex. Entries live as long as the engine; one small
	// mutex per game ever touched.
	locks sync.Map
}

// NewEngine wraps rng so concurrent games can share it.
func NewEngine(db *sqlx.DB, rng Rand, metrics *Metrics) *Engine {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Engine{
		db:      db,
		rng:     &lockedRand{r: rng},
		metrics: metrics,
		now:     time.Now,
	}
}

func (e *Engine) gameLock(gameID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(gameID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// withGame runs fn in a transaction while holding the game's lock. The
// transaction commits only if fn returns nil.
func (e *Engine) withGame(ctx context.Context, gameID string, fn func(tx *sqlx.Tx) error) error {
	mu := e.gameLock(gameID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logError("withGame: rollback", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	LogDBState("after change to game " + gameID)
	return nil
}

// readGame runs fn against a consistent snapshot without taking the game
// lock. Readers see the last committed state. The snapshot is a deferred
// transaction opened by hand, because connections begin their own
// transactions as immediate writers.
func (e *Engine) readGame(ctx context.Context, fn func(q sqlx.QueryerContext) error) error {
	conn, err := e.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN DEFERRED`); err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `ROLLBACK`); err != nil {
			logError("readGame: rollback", err)
		}
	}()
	return fn(conn)
}

// requireLeader checks that actor is the earliest-joined player of the roster.
func requireLeader(players []Player, actor int64) error {
	if len(players) == 0 || players[0].ID != actor {
		return ErrNotLeader
	}
	return nil
}

func leaderOf(players []Player) (int64, bool) {
	if len(players) == 0 {
		return 0, false
	}
	return players[0].ID, true
}

func findPlayer(players []Player, id int64) (Player, bool) {
	for _, p := range players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}
