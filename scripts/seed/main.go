// Command seed fills the users table with synthetic accounts whose activity is
// spread over several years, for trying the deactivation job locally.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/retention/internal/app"
	"github.com/odyssey-erp/retention/internal/platform/db"
	"github.com/odyssey-erp/retention/internal/users"
	"github.com/odyssey-erp/retention/internal/users/sqlstore"
)

func main() {
	var (
		count int
		years int
		seed  int64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert synthetic users for local runs of the deactivation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			list := generate(count, years, seed, time.Now().UTC())
			if err := insert(cmd.Context(), cfg, list); err != nil {
				return err
			}
			cutoff := users.Cutoff(time.Now(), cfg.RetentionWindow)
			inactive := 0
			for _, u := range list {
				if users.Inactive(u, cutoff) {
					inactive++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "→ seeded %d users into %s, %d inactive before %s\n",
				len(list), cfg.DBDriver, inactive, cutoff.Format(time.DateOnly))
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1000, "Number of users to insert")
	cmd.Flags().IntVar(&years, "years", 8, "Spread of creation and login times, in years")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Printf("seed: %v", err)
		os.Exit(1)
	}
}

func generate(count, years int, seed int64, now time.Time) []users.User {
	rng := rand.New(rand.NewSource(seed))
	span := int64(years) * 365 * 24
	if span <= 0 {
		span = 24
	}
	out := make([]users.User, 0, count)
	for i := 1; i <= count; i++ {
		created := now.Add(-time.Duration(rng.Int63n(span)+1) * time.Hour)
		u := users.User{
			Email:     fmt.Sprintf("seed-%d-%05d@odyssey.local", seed, i),
			Name:      fmt.Sprintf("Seed User %d", i),
			IsActive:  rng.Intn(10) != 0,
			CreatedAt: created,
			UpdatedAt: created,
		}
		if rng.Intn(4) != 0 {
			login := created.Add(time.Duration(rng.Int63n(int64(now.Sub(created)/time.Hour)+1)) * time.Hour)
			u.LastLoginAt = &login
		}
		out = append(out, u)
	}
	return out
}

func insert(ctx context.Context, cfg *app.Config, list []users.User) error {
	if cfg.DBDriver == app.DriverPostgres {
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		rows := make([][]any, 0, len(list))
		for _, u := range list {
			rows = append(rows, []any{u.Email, u.Name, u.IsActive, u.LastLoginAt, u.CreatedAt, u.UpdatedAt})
		}
		_, err = pool.CopyFrom(ctx, pgx.Identifier{"users"},
			[]string{"email", "name", "is_active", "last_login_at", "created_at", "updated_at"},
			pgx.CopyFromRows(rows))
		return err
	}

	bunDB, err := sqlstore.Open(cfg.DBDriver, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer bunDB.Close()
	if err := sqlstore.CreateSchema(ctx, bunDB); err != nil {
		return err
	}
	store := sqlstore.New(bunDB)
	for start := 0; start < len(list); start += 500 {
		end := min(start+500, len(list))
		if err := store.Insert(ctx, list[start:end]...); err != nil {
			return err
		}
	}
	return nil
}
