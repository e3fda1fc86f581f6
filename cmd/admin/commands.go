package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/checkins"
	"github.com/iconic-events/backend/internal/models"
	"github.com/iconic-events/backend/internal/registrations"
	"github.com/iconic-events/backend/internal/store"
)

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Apply or roll back schema migrations"}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := c.dsn()
			if err != nil {
				return err
			}
			return c.migrateUp(dsn, c.logger)
		},
	})

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			if steps < 1 {
				return errors.New("--steps must be at least 1")
			}
			dsn, err := c.dsn()
			if err != nil {
				return err
			}
			return c.migrateDn(dsn, steps, c.logger)
		},
	}
	down.Flags().Int("steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)
	return cmd
}

func (c *cli) eventCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "event", Short: "Manage events"}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a seat-limited event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			title, _ := cmd.Flags().GetString("title")
			capacity, _ := cmd.Flags().GetInt("capacity")
			exclusive, _ := cmd.Flags().GetBool("exclusive")
			startsAt, _ := cmd.Flags().GetString("starts-at")

			if strings.TrimSpace(title) == "" {
				return errors.New("--title is required")
			}
			if capacity < 1 {
				return errors.New("--capacity must be at least 1")
			}
			e := &models.Event{Title: title, Capacity: capacity, IsExclusive: exclusive}
			if startsAt != "" {
				t, err := time.Parse(time.RFC3339, startsAt)
				if err != nil {
					return fmt.Errorf("--starts-at: %w", err)
				}
				e.StartsAt = t
			}
			return c.withStore(cmd.Context(), func(st store.Store) error {
				if err := st.CreateEvent(cmd.Context(), e); err != nil {
					return fmt.Errorf("create event: %w", err)
				}
				return c.print(e)
			})
		},
	}
	create.Flags().String("title", "", "event title")
	create.Flags().Int("capacity", 0, "number of seats")
	create.Flags().Bool("exclusive", false, "restrict joining to iconic members")
	create.Flags().String("starts-at", "", "start time, RFC 3339")
	cmd.AddCommand(create)
	return cmd
}

func (c *cli) userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage user profiles mirrored from the identity provider"}

	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a user profile by email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			email, _ := f.GetString("email")
			if strings.TrimSpace(email) == "" {
				return errors.New("--email is required")
			}
			u := &models.User{Email: strings.TrimSpace(email)}
			u.FullName, _ = f.GetString("name")
			u.Nickname, _ = f.GetString("nickname")
			role, _ := f.GetString("role")
			u.Role = models.ParseRole(role)
			u.IsIconic, _ = f.GetBool("iconic")
			u.ShowPublicProfile, _ = f.GetBool("public-profile")
			u.ShowProfileToIconics, _ = f.GetBool("visible-to-iconics")
			if raw, _ := f.GetString("iconic-expires-at"); raw != "" {
				t, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return fmt.Errorf("--iconic-expires-at: %w", err)
				}
				u.IconicExpiresAt = &t
			}
			return c.withStore(cmd.Context(), func(st store.Store) error {
				if err := st.UpsertUser(cmd.Context(), u); err != nil {
					return fmt.Errorf("upsert user: %w", err)
				}
				return c.print(u)
			})
		},
	}
	upsert.Flags().String("email", "", "email address (unique, case-insensitive)")
	upsert.Flags().String("name", "", "full name")
	upsert.Flags().String("nickname", "", "nickname shown to other attendees")
	upsert.Flags().String("role", string(models.RoleUser), "admin, scanner, iconic or user")
	upsert.Flags().Bool("iconic", false, "iconic membership")
	upsert.Flags().String("iconic-expires-at", "", "membership expiry, RFC 3339")
	upsert.Flags().Bool("public-profile", false, "show the full profile to every attendee")
	upsert.Flags().Bool("visible-to-iconics", false, "show the full profile to iconic members")
	cmd.AddCommand(upsert)
	return cmd
}

func parseID(kind, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", kind, raw, err)
	}
	return id, nil
}

func (c *cli) participationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "participation", Short: "Manage participations"}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge <participation-id>",
		Short: "Hard-delete a participation, releasing its seat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("participation", args[0])
			if err != nil {
				return err
			}
			p, err := c.principal()
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(st store.Store) error {
				svc := registrations.NewService(st, access.NewPolicy(access.MembershipFlag), c.logger)
				if err := svc.Purge(cmd.Context(), p, id); err != nil {
					return err
				}
				_, err := fmt.Fprintf(c.out, "purged participation %s\n", id)
				return err
			})
		},
	})
	return cmd
}

func (c *cli) checkinCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checkin", Short: "Manage check-ins"}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <checkin-id>",
		Short: "Delete a check-in so the participant can check in again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("checkin", args[0])
			if err != nil {
				return err
			}
			p, err := c.principal()
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(st store.Store) error {
				svc := checkins.NewService(st, access.NewPolicy(access.MembershipFlag), checkins.Config{}, nil, c.logger)
				if err := svc.Delete(cmd.Context(), p, id); err != nil {
					return err
				}
				_, err := fmt.Fprintf(c.out, "deleted checkin %s\n", id)
				return err
			})
		},
	})
	return cmd
}
