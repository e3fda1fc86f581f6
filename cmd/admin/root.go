// Package main is the operator CLI: schema migrations, seeding events and users, and the admin-only
// removals that have no public caller.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/iconic-events/backend/config"
	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/models"
	"github.com/iconic-events/backend/internal/store"
	"github.com/iconic-events/backend/pkg/database"
)

// operatorID is the principal the CLI acts as when --as is not given.
var operatorID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("iconic-events:admin-cli"))

// cli carries the dependencies shared by every command.
type cli struct {
	v      *viper.Viper
	out    io.Writer
	logger *zap.Logger

	// openStore connects to the configured store. Tests replace it.
	openStore func(ctx context.Context, dsn string) (store.Store, func(), error)
	migrateUp func(dsn string, logger *zap.Logger) error
	migrateDn func(dsn string, steps int, logger *zap.Logger) error
}

func newCLI(out io.Writer, logger *zap.Logger) *cli {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cli{
		v:         viper.New(),
		out:       out,
		logger:    logger,
		openStore: openPostgres,
		migrateUp: database.Migrate,
		migrateDn: database.MigrateDown,
	}
}

func openPostgres(ctx context.Context, dsn string) (store.Store, func(), error) {
	pool, err := database.NewPostgresPool(ctx, dsn, nil)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool, nil), pool.Close, nil
}

// dsn resolves the connection string: --dsn, then DATABASE_URL, then the DB_* settings.
func (c *cli) dsn() (string, error) {
	if dsn := c.v.GetString("dsn"); dsn != "" {
		return dsn, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return cfg.Database.DSN(), nil
}

func (c *cli) principal() (access.Principal, error) {
	id := operatorID
	if raw := c.v.GetString("as"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return access.Principal{}, fmt.Errorf("--as: %w", err)
		}
		id = parsed
	}
	return access.Principal{UserID: id, Role: models.RoleAdmin}, nil
}

func (c *cli) withStore(ctx context.Context, fn func(st store.Store) error) error {
	dsn, err := c.dsn()
	if err != nil {
		return err
	}
	st, closeFn, err := c.openStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeFn()
	return fn(st)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "iconic-admin",
		Short:         "Operator commands for the event registration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("dsn", "", "postgres connection string (default: DATABASE_URL or DB_* settings)")
	root.PersistentFlags().String("as", "", "admin user id recorded as the actor")
	_ = c.v.BindPFlag("dsn", root.PersistentFlags().Lookup("dsn"))
	_ = c.v.BindPFlag("as", root.PersistentFlags().Lookup("as"))
	_ = c.v.BindEnv("dsn", "DATABASE_URL")
	c.v.SetEnvPrefix("ICONIC_ADMIN")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.AddCommand(c.migrateCmd(), c.eventCmd(), c.userCmd(), c.participationCmd(), c.checkinCmd())
	return root
}
