package redisstore

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"

	redistest "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
)

var testRedisURL string

// TestMain prefers a real Redis container and falls back to an in-process
// miniredis when no container runtime is reachable or -short is set.
func TestMain(m *testing.M) {
	flag.Parse()
	ctx := context.Background()

	var stop func()
	if !testing.Short() {
		testRedisURL, stop = startContainer(ctx)
	}
	if testRedisURL == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		testRedisURL = "redis://" + mr.Addr()
		stop = mr.Close
	}

	code := m.Run()
	stop()
	os.Exit(code)
}

// startContainer returns an empty URL when the container cannot be started.
// testcontainers panics instead of erroring when it finds no Docker host.
func startContainer(ctx context.Context) (endpointURL string, stop func()) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "redis container unavailable, using miniredis: %v\n", r)
			endpointURL, stop = "", nil
		}
	}()

	container, err := redistest.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis container unavailable, using miniredis: %v\n", err)
		return "", nil
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		_ = container.Terminate(ctx)
		return "", nil
	}
	return "redis://" + endpoint, func() { _ = container.Terminate(ctx) }
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	s, err := Connect(ctx, testRedisURL, Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.rdb.FlushAll(ctx).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func newLedger(t *testing.T, s *Store, dims ...domain.DimensionConfig) *ledger.Ledger {
	t.Helper()
	if len(dims) == 0 {
		dims = []domain.DimensionConfig{{
			Name:            "overall",
			Range:           domain.Range{Min: -5, Max: 5},
			AllowRerate:     true,
			AllowFractional: true,
		}}
	}
	l, err := ledger.New(s, dims)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return l
}

func user(id string) domain.Rater {
	return domain.Rater{Kind: "user", ID: id}
}

func wantAggregate(t *testing.T, agg domain.Aggregate, count int64, sum float64, avg *float64) {
	t.Helper()
	if agg.Count != count || agg.Sum != sum {
		t.Fatalf("aggregate = {count:%d sum:%v}, want {count:%d sum:%v}", agg.Count, agg.Sum, count, sum)
	}
	if (avg == nil) != (agg.Average == nil) || (avg != nil && *avg != *agg.Average) {
		t.Fatalf("average = %v, want %v", agg.Average, avg)
	}
}

func f64(v float64) *float64 { return &v }

func TestStore_Scenario(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	l := newLedger(t, s)

	e, err := l.CreateEntity(ctx)
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}

	if _, err := l.Cast(ctx, e.ID, "overall", user("a"), 8); !errors.Is(err, ledger.ErrOutOfRange) {
		t.Fatalf("cast 8: err = %v, want ErrOutOfRange", err)
	}
	if _, err := l.Cast(ctx, e.ID, "overall", user("a"), 3); err != nil {
		t.Fatalf("cast a: %v", err)
	}
	agg, err := l.Cast(ctx, e.ID, "overall", user("b"), -5)
	if err != nil {
		t.Fatalf("cast b: %v", err)
	}
	wantAggregate(t, agg, 2, -2, f64(-1))

	agg, err = l.Cast(ctx, e.ID, "overall", user("a"), 1)
	if err != nil {
		t.Fatalf("recast a: %v", err)
	}
	wantAggregate(t, agg, 2, -4, f64(-2))

	votes, err := s.ListVotes(ctx, e.ID, "overall")
	if err != nil {
		t.Fatalf("list votes: %v", err)
	}
	if len(votes) != 2 || votes[0].Rater != user("b") || votes[1].Rater != user("a") || votes[1].Value != 1 {
		t.Fatalf("votes = %+v, want b then a", votes)
	}

	agg, err = l.Retract(ctx, e.ID, "overall", user("a"))
	if err != nil {
		t.Fatalf("retract a: %v", err)
	}
	wantAggregate(t, agg, 1, -5, f64(-5))

	agg, err = l.Retract(ctx, e.ID, "overall", user("b"))
	if err != nil {
		t.Fatalf("retract b: %v", err)
	}
	wantAggregate(t, agg, 0, 0, nil)
	stored, err := s.GetAggregate(ctx, e.ID, "overall")
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	wantAggregate(t, stored, 0, 0, nil)
}

func TestStore_RerateForbidden(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	dim := domain.DefaultDimension("quality")
	dim.AllowRerate = false
	l := newLedger(t, s, dim)

	e, err := l.CreateEntity(ctx)
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	if _, err := l.Cast(ctx, e.ID, "quality", user("a"), 4); err != nil {
		t.Fatalf("cast: %v", err)
	}
	if _, err := l.Cast(ctx, e.ID, "quality", user("a"), 1); !errors.Is(err, ledger.ErrRerateForbidden) {
		t.Fatalf("recast: err = %v, want ErrRerateForbidden", err)
	}
	vote, err := s.FindVote(ctx, e.ID, "quality", user("a"))
	if err != nil {
		t.Fatalf("find vote: %v", err)
	}
	if vote == nil || vote.Value != 4 {
		t.Fatalf("vote = %+v, want untouched 4", vote)
	}
}

func TestStore_ConcurrentCasts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	s.attempts = 100
	l := newLedger(t, s)

	e, err := l.CreateEntity(ctx)
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(r domain.Rater) {
			defer wg.Done()
			if _, err := l.Cast(ctx, e.ID, "overall", r, 2); err != nil {
				t.Errorf("cast %s: %v", r, err)
			}
		}(user(fmt.Sprintf("u%d", i)))
	}
	wg.Wait()

	agg, err := s.GetAggregate(ctx, e.ID, "overall")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	wantAggregate(t, agg, workers, 2*workers, f64(2))
}

func TestStore_RankingsAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	l := newLedger(t, s)
	q := ledger.NewQuery(l, s)

	ids := make([]string, 3)
	for i := range ids {
		e, err := l.CreateEntity(ctx)
		if err != nil {
			t.Fatalf("create entity: %v", err)
		}
		ids[i] = e.ID
	}
	hi, low, empty := ids[0], ids[1], ids[2]
	if _, err := l.Cast(ctx, hi, "overall", user("a"), 5); err != nil {
		t.Fatalf("cast: %v", err)
	}
	if _, err := l.Cast(ctx, hi, "overall", user("b"), 3); err != nil {
		t.Fatalf("cast: %v", err)
	}
	if _, err := l.Cast(ctx, low, "overall", user("a"), -2); err != nil {
		t.Fatalf("cast: %v", err)
	}

	ranked, err := q.Ranked(ctx, "overall", 0)
	if err != nil {
		t.Fatalf("ranked: %v", err)
	}
	if len(ranked) != 2 || ranked[0].EntityID != hi || *ranked[0].Average != 4 || ranked[0].Count != 2 || ranked[1].EntityID != low {
		t.Fatalf("ranked = %+v", ranked)
	}

	inRange, err := q.InRange(ctx, "overall", -3, 0)
	if err != nil {
		t.Fatalf("in range: %v", err)
	}
	if len(inRange) != 1 || inRange[0].EntityID != low || *inRange[0].Average != -2 {
		t.Fatalf("in range = %+v", inRange)
	}

	all, err := q.AllRanked(ctx, "overall", true)
	if err != nil {
		t.Fatalf("all ranked: %v", err)
	}
	if len(all) != 3 || all[0].EntityID != empty {
		t.Fatalf("all ranked nulls first = %+v", all)
	}

	byRater, err := q.ByRater(ctx, "overall", user("a"))
	if err != nil {
		t.Fatalf("by rater: %v", err)
	}
	if len(byRater) != 2 {
		t.Fatalf("by rater = %v", byRater)
	}

	if err := l.DeleteEntity(ctx, hi); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := l.GetEntity(ctx, hi); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("get deleted entity: err = %v, want ErrNotFound", err)
	}
	byRater, err = q.ByRater(ctx, "overall", user("a"))
	if err != nil {
		t.Fatalf("by rater: %v", err)
	}
	if len(byRater) != 1 || byRater[0] != low {
		t.Fatalf("by rater after delete = %v", byRater)
	}
	ranked, err = q.Ranked(ctx, "overall", 0)
	if err != nil {
		t.Fatalf("ranked: %v", err)
	}
	if len(ranked) != 1 || ranked[0].EntityID != low {
		t.Fatalf("ranked after delete = %+v", ranked)
	}
	if _, err := l.Cast(ctx, hi, "overall", user("c"), 1); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("cast on deleted entity: err = %v, want ErrNotFound", err)
	}
}

func TestStore_EntityIDsDoNotAliasKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	l := newLedger(t, s)
	q := ledger.NewQuery(l, s)

	e, err := l.CreateEntity(ctx)
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	if _, err := l.Cast(ctx, e.ID, "overall", user("a"), 4); err != nil {
		t.Fatalf("cast: %v", err)
	}

	for _, phantom := range []string{e.ID + ":dims", e.ID + ":overall:agg", "x:" + e.ID} {
		if _, err := l.Cast(ctx, phantom, "overall", user("b"), 1); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("cast on %q: err = %v, want ErrNotFound", phantom, err)
		}
		if _, err := l.GetEntity(ctx, phantom); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("get %q: err = %v, want ErrNotFound", phantom, err)
		}
		if _, err := s.GetAggregate(ctx, phantom, "overall"); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("aggregate %q: err = %v, want ErrNotFound", phantom, err)
		}
	}

	ranked, err := q.Ranked(ctx, "overall", 0)
	if err != nil {
		t.Fatalf("ranked: %v", err)
	}
	if len(ranked) != 1 || ranked[0].EntityID != e.ID {
		t.Fatalf("ranked = %+v, want only %s", ranked, e.ID)
	}
}

func TestEntityKeysEscapeSeparators(t *testing.T) {
	if entityKey("a:dims") == dimsKey("a") {
		t.Fatalf("entityKey(%q) collides with dimsKey(%q)", "a:dims", "a")
	}
	if aggKey("a:b", "c") == aggKey("a", "b:c") {
		t.Fatalf("aggKey collides across entity and dimension")
	}
	if got, want := entityKey("a:b"), "rateable:a%3Ab"; got != want {
		t.Fatalf("entityKey = %q, want %q", got, want)
	}
}

func TestStore_CASExhaustion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	s.attempts = 2

	e, err := s.CreateEntity(ctx)
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	err = s.Update(ctx, e.ID, "overall", func(tx ledger.Tx) error {
		// touch a watched key from outside the transaction on every attempt
		if err := s.rdb.HSet(ctx, aggKey(e.ID, "overall"), "poke", 1).Err(); err != nil {
			return err
		}
		return tx.UpdateAggregate(domain.Aggregate{Count: 0})
	})
	if !errors.Is(err, ledger.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
}

func TestStore_ClockStampsEntitiesAndVotes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	s.clock = clock
	l := newLedger(t, s)

	e, err := l.CreateEntity(ctx)
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	if !e.CreatedAt.Equal(start) {
		t.Fatalf("created at = %v, want %v", e.CreatedAt, start)
	}
	got, err := s.GetEntity(ctx, e.ID)
	if err != nil || !got.CreatedAt.Equal(start) {
		t.Fatalf("stored entity = %+v, %v", got, err)
	}

	clock.Advance(time.Minute)
	if _, err := l.Cast(ctx, e.ID, "overall", user("a"), 2); err != nil {
		t.Fatalf("cast: %v", err)
	}
	vote, err := s.FindVote(ctx, e.ID, "overall", user("a"))
	if err != nil || vote == nil {
		t.Fatalf("find vote: %+v, %v", vote, err)
	}
	if want := start.Add(time.Minute); !vote.CreatedAt.Equal(want) {
		t.Fatalf("vote created at = %v, want %v", vote.CreatedAt, want)
	}
}

func TestReadAggregate(t *testing.T) {
	agg, seq, err := readAggregate(map[string]string{"count": "2", "sum": "-4", "average": "-2", "seq": "7"})
	if err != nil {
		t.Fatalf("readAggregate: %v", err)
	}
	if agg.Count != 2 || agg.Sum != -4 || agg.Average == nil || *agg.Average != -2 || seq != 7 {
		t.Fatalf("readAggregate = %+v seq=%d", agg, seq)
	}
	empty, _, err := readAggregate(map[string]string{})
	if err != nil || empty.Count != 0 || empty.Average != nil {
		t.Fatalf("readAggregate(empty) = %+v, %v", empty, err)
	}
	if _, _, err := readAggregate(map[string]string{"count": "x"}); err == nil {
		t.Fatalf("expected parse error")
	}
}
