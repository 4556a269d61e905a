package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/dealerdesk/dealerdesk/internal/app"
	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/backend/pgauth"
	"github.com/dealerdesk/dealerdesk/internal/backend/pgtables"
	"github.com/dealerdesk/dealerdesk/jobs"
)

// NewUser describes an account created from the command line.
type NewUser struct {
	Email    string
	Password string
	Name     string
	Role     auth.Role
}

// ProfileWriter creates the profile row synchronously.
type ProfileWriter interface {
	Provision(ctx context.Context, req pgauth.ProvisionRequest) error
}

// CreateUser stores the identity and writes its profile without going through
// the queue, so the account is usable immediately.
func CreateUser(ctx context.Context, store pgauth.UserStore, profiles ProfileWriter, in NewUser) (*pgauth.User, error) {
	in.Email = strings.TrimSpace(in.Email)
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return nil, fmt.Errorf("invalid email %q", in.Email)
	}
	if len(in.Password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}
	if in.Role == "" {
		in.Role = auth.RoleEmployee
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", in.Role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user, err := store.Create(ctx, in.Email, string(hash))
	if err != nil {
		return nil, err
	}
	req := pgauth.ProvisionRequest{IdentityID: user.ID, Email: user.Email, Name: in.Name, Role: string(in.Role)}
	if err := profiles.Provision(ctx, req); err != nil {
		return user, fmt.Errorf("write profile: %w", err)
	}
	return user, nil
}

func newUsersCommand(opts *globalOptions) *cobra.Command {
	users := &cobra.Command{Use: "users", Short: "Manage user accounts"}

	var in NewUser
	var role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user with a profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Role = auth.Role(role)
			pool, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := opts.logger()
			repos := app.NewRepositories(pgtables.New(pool), logger, nil)
			user, err := CreateUser(cmd.Context(), pgauth.NewUserStore(pool), jobs.NewProvisionJob(repos.Profiles, logger, nil), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) as %s\n", user.Email, user.ID, in.Role)
			return nil
		},
	}
	create.Flags().StringVar(&in.Email, "email", "", "login email")
	create.Flags().StringVar(&in.Password, "password", "", "initial password")
	create.Flags().StringVar(&in.Name, "name", "", "display name")
	create.Flags().StringVar(&role, "role", string(auth.RoleEmployee), "admin, manager or employee")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("password")

	users.AddCommand(create)
	return users
}
