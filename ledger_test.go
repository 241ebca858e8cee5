package main

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"testing/quick"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := newTestContext(t)
	gameID, ids := ctx.startWithRoles(RoleMafia, RoleCivilian, RoleCivilian, RoleCivilian)

	ctx.submit(gameID, ids[0], 0, ptr(ids[1]))
	first, _ := getAction(ctx, ctx.db, gameID, 0, ids[0])
	ctx.submit(gameID, ids[0], 0, ptr(ids[1]))
	second, _ := getAction(ctx, ctx.db, gameID, 0, ids[0])

	total, _ := countActions(ctx, ctx.db, gameID)
	if total != 1 {
		ctx.logger.LogDB("FAIL: idempotent submit")
		t.Fatalf("ledger holds %d actions, want 1", total)
	}
	if first.ID != second.ID {
		t.Errorf("repeat submission replaced action %d with %d", first.ID, second.ID)
	}
	if got := testutil.ToFloat64(ctx.metrics.submissions.WithLabelValues("unchanged")); got != 1 {
		t.Errorf("unchanged submissions = %v, want 1", got)
	}
}

func TestSubmitReplacesTarget(t *testing.T) {
	ctx := newTestContext(t)
	gameID, ids := ctx.startWithRoles(RoleMafia, RoleCivilian, RoleCivilian, RoleCivilian)

	ctx.submit(gameID, ids[1], 0, ptr(ids[0]))
	first, _ := getAction(ctx, ctx.db, gameID, 0, ids[1])
	ctx.submit(gameID, ids[1], 0, nil)
	second, _ := getAction(ctx, ctx.db, gameID, 0, ids[1])

	if second.DoneTo != nil {
		t.Errorf("action still names %d after abstaining", *second.DoneTo)
	}
	if second.ID <= first.ID {
		t.Errorf("replacement action id %d is not newer than %d", second.ID, first.ID)
	}
	if total, _ := countActions(ctx, ctx.db, gameID); total != 1 {
		t.Errorf("ledger holds %d actions, want 1", total)
	}
}

func TestCancelRemovesAction(t *testing.T) {
	ctx := newTestContext(t)
	gameID, ids := ctx.startWithRoles(RoleMafia, RoleCivilian, RoleCivilian, RoleCivilian)

	ctx.submit(gameID, ids[2], 0, ptr(ids[0]))
	if err := ctx.engine.CancelAction(ctx, gameID, ids[2], 0); err != nil {
		t.Fatalf("CancelAction: %v", err)
	}
	if a, _ := getAction(ctx, ctx.db, gameID, 0, ids[2]); a != nil {
		t.Errorf("action %d survived cancel", a.ID)
	}
	if err := ctx.engine.CancelAction(ctx, gameID, ids[2], 0); err != nil {
		t.Errorf("second CancelAction: %v", err)
	}
}

func TestCancelLeavesClosedRoundsAlone(t *testing.T) {
	ctx := newTestContext(t)
	gameID, ids := ctx.startWithRoles(RoleMafia, RoleCivilian, RoleCivilian, RoleCivilian)
	ctx.playRound(gameID, 0, ids, []*int64{nil, nil, nil, nil})

	if err := ctx.engine.CancelAction(ctx, gameID, ids[0], 0); err != nil {
		t.Fatalf("CancelAction on closed round: %v", err)
	}
	if total, _ := countActions(ctx, ctx.db, gameID); total != 4 {
		ctx.logger.LogDB("FAIL: cancel closed round")
		t.Errorf("ledger holds %d actions, want 4", total)
	}
	if r := ctx.round(gameID); r != 1 {
		t.Errorf("round = %d, want 1", r)
	}
}

func TestStaleRoundIsRejected(t *testing.T) {
	ctx := newTestContext(t)
	gameID, ids := ctx.startWithRoles(RoleMafia, RoleCivilian, RoleCivilian, RoleCivilian)
	ctx.playRound(gameID, 0, ids, []*int64{nil, nil, nil, nil})

	for _, round := range []int{0, 2, -1} {
		_, err := ctx.engine.SubmitAction(ctx, gameID, ids[1], round, nil)
		if !errors.Is(err, ErrStaleRound) {
			t.Errorf("submit for round %d: %v, want ErrStaleRound", round, err)
		}
	}
	if total, _ := countActions(ctx, ctx.db, gameID); total != 4 {
		t.Errorf("ledger holds %d actions, want 4", total)
	}
	if got := testutil.ToFloat64(ctx.metrics.submissions.WithLabelValues("stale")); got != 3 {
		t.Errorf("stale submissions = %v, want 3", got)
	}
}

func TestSubmitErrors(t *testing.T) {
	ctx := newTestContext(t)
	gameID, ids := ctx.startWithRoles(RoleMafia, RoleCivilian, RoleCivilian, RoleCivilian)
	otherID, others := ctx.newGame("Zed")
	ctx.kill(ids[3], 0)

	tests := []struct {
		name   string
		game   string
		actor  int64
		target *int64
		want   error
	}{
		{"unknown game", "no-such-game", ids[0], nil, ErrUnknownGame},
		{"lobby", otherID, others[0], nil, ErrNotStarted},
		{"actor from another game", gameID, others[0], nil, ErrUnknownPlayer},
		{"dead target", gameID, ids[0], ptr(ids[3]), ErrTargetDead},
		{"foreign target", gameID, ids[0], ptr(others[0]), ErrForeignPlayer},
		{"missing target", gameID, ids[0], ptr(999999), ErrUnknownPlayer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ctx.engine.SubmitAction(ctx, tt.game, tt.actor, 0, tt.target)
			if !errors.Is(err, tt.want) {
				t.Errorf("SubmitAction = %v, want %v", err, tt.want)
			}
		})
	}
	if total, _ := countActions(ctx, ctx.db, gameID); total != 0 {
		ctx.logger.LogDB("FAIL: rejected submissions left actions")
		t.Errorf("ledger holds %d actions after rejected submissions", total)
	}
}

func TestDeadPlayersAreIgnoredAndGhostFilled(t *testing.T) {
	ctx := newTestContext(t)
	gameID, ids := ctx.startWithRoles(RoleMafia, RoleCivilian, RoleCivilian, RoleCivilian, RoleCivilian)

	// Day 0: three votes against player 5 is a majority of five.
	o := ctx.playRound(gameID, 0, ids, []*int64{ptr(ids[4]), ptr(ids[4]), ptr(ids[4]), ptr(ids[0]), ptr(ids[0])})
	if o == nil || o.Victim == nil || *o.Victim != ids[4] || o.Reason != ReasonMajority {
		t.Fatalf("day 0 outcome = %+v, want majority against %d", o, ids[4])
	}
	if p := ctx.player(ids[4]); p.DiedInRound == nil || *p.DiedInRound != 0 {
		t.Fatalf("player %d died in %v, want round 0", ids[4], p.DiedInRound)
	}

	if out, err := ctx.engine.SubmitAction(ctx, gameID, ids[4], 1, ptr(ids[1])); err != nil || out != nil {
		t.Fatalf("dead player's submit = %v, %v, want ignored", out, err)
	}
	if a, _ := getAction(ctx, ctx.db, gameID, 1, ids[4]); a != nil {
		t.Fatalf("dead player's action was recorded")
	}
	if _, err := ctx.engine.SubmitAction(ctx, gameID, ids[4], 0, nil); err != nil {
		t.Errorf("dead player's stale submit = %v, want silently ignored", err)
	}

	// Night 1: once the four living have acted, the corpse is filled in and the round closes.
	o = ctx.playRound(gameID, 1, ids[:4], []*int64{ptr(ids[1]), nil, nil, nil})
	if o == nil || o.Reason != ReasonNightKill || *o.Victim != ids[1] {
		t.Fatalf("night 1 outcome = %+v, want night kill of %d", o, ids[1])
	}
	ghost, _ := getAction(ctx, ctx.db, gameID, 1, ids[4])
	if ghost == nil || ghost.DoneTo != nil {
		ctx.logger.LogDB("FAIL: ghost fill")
		t.Fatalf("ghost action = %+v, want a target-less action", ghost)
	}
	if r := ctx.round(gameID); r != 2 {
		t.Errorf("round = %d, want 2", r)
	}
	if got := testutil.ToFloat64(ctx.metrics.submissions.WithLabelValues("ignored")); got != 2 {
		t.Errorf("ignored submissions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(ctx.metrics.eliminations.WithLabelValues("night", ReasonNightKill)); got != 1 {
		t.Errorf("night kills = %v, want 1", got)
	}
}

func TestGhostFillWaitsForTheLiving(t *testing.T) {
	ctx := newTestContext(t)
	gameID, ids := ctx.startWithRoles(RoleMafia, RoleCivilian, RoleCivilian, RoleCivilian, RoleCivilian)
	ctx.kill(ids[4], 0)

	ctx.submit(gameID, ids[0], 0, nil)
	ctx.submit(gameID, ids[1], 0, nil)
	if a, _ := getAction(ctx, ctx.db, gameID, 0, ids[4]); a != nil {
		t.Fatal("ghost action recorded before every living player acted")
	}
}

func TestSubmitAfterGameOver(t *testing.T) {
	ctx := newTestContext(t)
	gameID, ids := ctx.startWithRoles(RoleMafia, RoleCivilian, RoleCivilian)

	o := ctx.playRound(gameID, 0, ids, []*int64{ptr(ids[1]), ptr(ids[0]), ptr(ids[0])})
	if o == nil || o.Victim == nil || *o.Victim != ids[0] {
		t.Fatalf("day 0 outcome = %+v, want %d eliminated", o, ids[0])
	}
	_, err := ctx.engine.SubmitAction(ctx, gameID, ids[1], 1, nil)
	if !errors.Is(err, ErrGameOver) {
		t.Errorf("submit after the Mafia fell = %v, want ErrGameOver", err)
	}
	// The dead stay silent even once the game is decided.
	if o, err := ctx.engine.SubmitAction(ctx, gameID, ids[0], 1, nil); o != nil || err != nil {
		t.Errorf("dead player's submit after game over = %+v, %v, want it ignored", o, err)
	}
	if got := testutil.ToFloat64(ctx.metrics.submissions.WithLabelValues("ignored")); got != 1 {
		t.Errorf("ignored submissions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ctx.metrics.gamesFinished.WithLabelValues(string(EndgameProtagonistWin))); got != 1 {
		t.Errorf("protagonist wins = %v, want 1", got)
	}
}

func TestConcurrentSubmissionsResolveOnce(t *testing.T) {
	ctx := newTestContext(t)
	gameID, ids := ctx.startWithRoles(RoleMafia, RoleMafia, RoleCivilian, RoleCivilian,
		RoleCivilian, RoleCivilian, RoleDoctor, RoleDetective)

	var wg sync.WaitGroup
	outcomes := make([]*RoundOutcome, len(ids))
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = ctx.engine.SubmitAction(ctx, gameID, id, 0, ptr(ids[7]))
		}()
	}
	wg.Wait()

	resolved := 0
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("player %d: %v", ids[i], errs[i])
		}
		if outcomes[i] != nil {
			resolved++
		}
	}
	if resolved != 1 {
		t.Errorf("%d submissions resolved the round, want exactly 1", resolved)
	}
	stored, _ := getOutcomes(ctx, ctx.db, gameID)
	if len(stored) != 1 {
		t.Errorf("%d outcomes stored, want 1", len(stored))
	}
	if got := testutil.ToFloat64(ctx.metrics.rounds.WithLabelValues("day")); got != 1 {
		t.Errorf("resolved day rounds = %v, want 1", got)
	}
}

func TestGamesResolveInParallel(t *testing.T) {
	ctx := newTestContext(t)
	const games = 8

	type seat struct {
		gameID string
		player int64
	}
	var seats []seat
	gameIDs := make([]string, games)
	for g := range gameIDs {
		gameID, ids := ctx.startWithRoles(RoleMafia, RoleCivilian, RoleCivilian, RoleCivilian, RoleCivilian)
		gameIDs[g] = gameID
		for _, id := range ids {
			seats = append(seats, seat{gameID, id})
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(seats))
	for i, s := range seats {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = ctx.engine.SubmitAction(ctx, s.gameID, s.player, 0, nil)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("player %d of game %s: %v", seats[i].player, seats[i].gameID, err)
		}
	}
	for _, gameID := range gameIDs {
		stored, err := getOutcomes(ctx, ctx.db, gameID)
		if err != nil || len(stored) != 1 {
			t.Errorf("game %s stored %d outcomes (%v), want 1", gameID, len(stored), err)
		}
		if r := ctx.round(gameID); r != 1 {
			t.Errorf("game %s is in round %d, want 1", gameID, r)
		}
	}
	if got := testutil.ToFloat64(ctx.metrics.rounds.WithLabelValues("day")); got != games {
		t.Errorf("resolved day rounds = %v, want %d", got, games)
	}
}

func TestRoundOnlyMovesForward(t *testing.T) {
	f := func(seed uint64) bool {
		ctx := newTestContext(t)
		gameID, ids := ctx.startWithRoles(RoleMafia, RoleMafia, RoleCivilian, RoleCivilian, RoleCivilian, RoleDoctor)
		rng := rand.New(rand.NewPCG(seed, 3))

		last := 0
		for step := 0; step < 30; step++ {
			round := ctx.round(gameID)
			actor := ids[rng.IntN(len(ids))]
			var target *int64
			if rng.IntN(2) == 0 {
				target = ptr(ids[rng.IntN(len(ids))])
			}
			_, err := ctx.engine.SubmitAction(ctx, gameID, actor, round, target)
			if errors.Is(err, ErrGameOver) {
				break
			}
			if err != nil && !errors.Is(err, ErrTargetDead) {
				ctx.logger.Debug("step %d: %v", step, err)
				return false
			}

			total, _ := countActions(ctx, ctx.db, gameID)
			now := ctx.round(gameID)
			if now < last || now != total/len(ids) {
				ctx.logger.LogDB("FAIL: round went backwards")
				return false
			}
			last = now
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 5}); err != nil {
		t.Error(err)
	}
}
