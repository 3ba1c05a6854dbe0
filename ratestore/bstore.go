package ratestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/bstore"

	"github.com/policyd-ratelimit/policyd/mlog"
)

// Ratelimit is a window of a sender as stored in a bstore database.
type Ratelimit struct {
	ID       int64
	Username string `bstore:"nonzero,unique Username+Rate"`
	Rate     uint32
	Quota    uint32
	Used     uint32
	RDate    time.Time
}

// DBTypes are the types stored in the bstore database.
var DBTypes = []any{Ratelimit{}}

type bstoreStore struct {
	db  *bstore.DB
	log mlog.Log
}

// A write transaction in bstore is exclusive, updates are serialized.
func openBstore(ctx context.Context, log mlog.Log, path string) (*bstoreStore, error) {
	if path == "" {
		return nil, fmt.Errorf("missing path for bstore database")
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: log.Logger}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open bstore database: %w", err)
	}
	log.Debug("opened bstore database", slog.String("path", path))
	return &bstoreStore{db, log}, nil
}

func (r Ratelimit) state() State {
	return State{Username: r.Username, Period: r.Rate, Quota: r.Quota, Used: r.Used, WindowStart: r.RDate.UTC()}
}

func (b *bstoreStore) Update(ctx context.Context, username string, windows []Window, now time.Time, fn UpdateFunc) error {
	return b.db.Write(ctx, func(tx *bstore.Tx) error {
		rows, err := bstore.QueryTx[Ratelimit](tx).FilterNonzero(Ratelimit{Username: username}).List()
		if err != nil {
			return fmt.Errorf("listing windows: %w", err)
		}
		ids := map[uint32]int64{}
		stored := make([]State, len(rows))
		for i, r := range rows {
			ids[r.Rate] = r.ID
			stored[i] = r.state()
		}
		states, missing := load(username, windows, stored, now)
		nstates, err := apply(windows, states, now, fn)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			b.log.Debug("creating windows", slog.String("username", username), slog.Int("count", len(missing)))
		}
		for _, s := range nstates {
			r := Ratelimit{ID: ids[s.Period], Username: s.Username, Rate: s.Period, Quota: s.Quota, Used: s.Used, RDate: s.WindowStart}
			if r.ID == 0 {
				err = tx.Insert(&r)
			} else {
				err = tx.Update(&r)
			}
			if err != nil {
				return fmt.Errorf("storing window: %w", err)
			}
		}
		return nil
	})
}

func (b *bstoreStore) List(ctx context.Context, username string) ([]State, error) {
	var l []State
	err := b.db.Read(ctx, func(tx *bstore.Tx) error {
		rows, err := bstore.QueryTx[Ratelimit](tx).FilterNonzero(Ratelimit{Username: username}).SortAsc("Rate").List()
		for _, r := range rows {
			l = append(l, r.state())
		}
		return err
	})
	return l, err
}

func (b *bstoreStore) Reset(ctx context.Context, username string, now time.Time) (n int, rerr error) {
	rerr = b.db.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		n, err = bstore.QueryTx[Ratelimit](tx).FilterNonzero(Ratelimit{Username: username}).UpdateFields(map[string]any{"Used": uint32(0), "RDate": now})
		return err
	})
	return n, rerr
}

func (b *bstoreStore) Close() error {
	return b.db.Close()
}
