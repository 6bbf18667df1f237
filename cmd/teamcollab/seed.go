package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/innova-app/teamcollab/internal/auth"
	"github.com/innova-app/teamcollab/internal/config"
	"github.com/innova-app/teamcollab/internal/team"
	"github.com/innova-app/teamcollab/internal/user"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create demo users and a demo team",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

var demoUsers = []user.CreateUserInput{
	{Email: "alice@example.com", Password: "alice-password", Name: "Alice"},
	{Email: "bob@example.com", Password: "bob-password", Name: "Bob"},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	userStore := user.NewStore(pool)
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)

	users := make([]*user.User, 0, len(demoUsers))
	for _, in := range demoUsers {
		u, err := userStore.Create(ctx, in)
		if errors.Is(err, user.ErrEmailTaken) {
			u, err = userStore.GetByEmail(ctx, in.Email)
		}
		if err != nil {
			return fmt.Errorf("seeding user %s: %w", in.Email, err)
		}
		users = append(users, u)
	}
	owner, member := users[0], users[1]

	teams := team.NewService(team.ServiceDeps{
		Repo:      team.NewStore(pool),
		Users:     userStore,
		ClientURL: cfg.Mail.ClientURL,
	})

	existing, err := teams.ListTeamsForUser(ctx, owner.ID)
	if err != nil {
		return err
	}
	var demo *team.Team
	for _, t := range existing {
		if t.Name == "Acme" {
			demo = t
			break
		}
	}
	if demo == nil {
		demo, err = teams.CreateTeam(ctx, owner.ID, team.CreateTeamInput{
			Name:        "Acme",
			Description: "Demo team created by seed",
		})
		if err != nil {
			return err
		}
		slog.Info("created demo team", "team_id", demo.ID)
	}

	if demo.RoleOf(member.ID) == "" {
		inv, err := teams.InviteMember(ctx, demo.ID, owner.ID, member.Email)
		if err != nil && !errors.Is(err, team.ErrAlreadyInvited) {
			return err
		}
		if inv != nil {
			if _, err := teams.AcceptInvite(ctx, inv.Token, member.ID); err != nil {
				return err
			}
			slog.Info("added demo member", "team_id", demo.ID, "user_id", member.ID)
		}
	}

	fmt.Println()
	fmt.Printf("  Demo team: %s (%s)\n", demo.Name, demo.ID)
	for i, u := range users {
		tok, err := tokens.Issue(user.ToAuthUser(u))
		if err != nil {
			return err
		}
		fmt.Printf("  %s <%s>  password: %s\n", u.Name, u.Email, demoUsers[i].Password)
		fmt.Printf("    token: %s\n", tok)
	}
	fmt.Println()
	return nil
}
