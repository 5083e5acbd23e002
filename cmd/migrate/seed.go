package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ledgerline/reconauth/internal/auth"
	"github.com/ledgerline/reconauth/internal/model"
	"github.com/ledgerline/reconauth/internal/permission"
	"github.com/ledgerline/reconauth/internal/repository"
)

// seedPasswordEnv supplies the account password so it never appears in
// shell history or process listings.
const seedPasswordEnv = "RECONAUTH_SEED_PASSWORD"

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create tenants, roles and accounts",
}

var (
	seedTenantID   string
	seedTenantName string
	seedEmail      string
	seedRole       string
	seedRoleName   string
	seedPerms      []string
)

var seedTenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Create a tenant if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := connect()
		if err != nil {
			return err
		}
		defer db.Close()

		name := seedTenantName
		if name == "" {
			name = seedTenantID
		}
		if err := repository.NewTenantRepository(db).Ensure(cmd.Context(), seedTenantID, name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tenant %s ready\n", seedTenantID)
		return nil
	},
}

var seedRoleCmd = &cobra.Command{
	Use:   "role",
	Short: "Create or replace a tenant role",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := normalizePermissions(seedPerms)
		if err != nil {
			return err
		}
		_, db, err := connect()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := repository.NewRoleRepository(db).Upsert(cmd.Context(), seedTenantID, seedRoleName, names); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "role %s/%s grants %s\n", seedTenantID, seedRoleName, strings.Join(names, ", "))
		return nil
	},
}

var seedAccountCmd = &cobra.Command{
	Use:   "account",
	Short: "Create an account; the password is read from " + seedPasswordEnv,
	RunE: func(cmd *cobra.Command, args []string) error {
		password := os.Getenv(seedPasswordEnv)
		if password == "" {
			return fmt.Errorf("%s is not set", seedPasswordEnv)
		}
		cfg, db, err := connect()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		pw := cfg.Security.Password
		hasher, err := auth.NewHasher(auth.NewParams(pw.Argon2Memory, pw.Argon2Iterations, pw.Argon2Parallelism), 1)
		if err != nil {
			return err
		}
		result, err := auth.PolicyFromConfig(pw).Check(ctx, hasher, password, nil)
		if err != nil {
			return err
		}
		if !result.OK() {
			return fmt.Errorf("password rejected by policy: %s", strings.Join(result.Codes(), ", "))
		}

		acct, err := newAccount(ctx, hasher, seedTenantID, seedEmail, seedRole, password)
		if err != nil {
			return err
		}
		if err := repository.NewTenantRepository(db).Ensure(ctx, seedTenantID, seedTenantID); err != nil {
			return err
		}
		err = repository.NewAccountRepository(db).Create(ctx, acct)
		if errors.Is(err, repository.ErrDuplicate) {
			return fmt.Errorf("account %s already exists in tenant %s", seedEmail, seedTenantID)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "account %s created with role %s\n", acct.ID, acct.Role)
		return nil
	},
}

func init() {
	seedCmd.PersistentFlags().StringVar(&seedTenantID, "tenant", "", "tenant id")
	_ = seedCmd.MarkPersistentFlagRequired("tenant")

	seedTenantCmd.Flags().StringVar(&seedTenantName, "name", "", "display name (defaults to the id)")

	seedRoleCmd.Flags().StringVar(&seedRoleName, "name", "", "role name")
	seedRoleCmd.Flags().StringSliceVar(&seedPerms, "permissions", nil, "resource:action permissions")
	_ = seedRoleCmd.MarkFlagRequired("name")

	seedAccountCmd.Flags().StringVar(&seedEmail, "email", "", "account email")
	seedAccountCmd.Flags().StringVar(&seedRole, "role", permission.RoleViewer, "role name")
	_ = seedAccountCmd.MarkFlagRequired("email")

	seedCmd.AddCommand(seedTenantCmd, seedRoleCmd, seedAccountCmd)
}

// normalizePermissions validates names and returns them in canonical order.
func normalizePermissions(names []string) ([]string, error) {
	set, err := permission.ParseNames(names)
	if err != nil {
		return nil, err
	}
	return set.Names(), nil
}

func newAccount(ctx context.Context, hasher *auth.Hasher, tenantID, email, role, password string) (*model.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if tenantID == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("a tenant and a valid email are required")
	}
	hash, err := hasher.Hash(ctx, password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	now := time.Now().UTC()
	return &model.Account{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Status:       model.AccountStatusActive,

		PasswordChangedAt: &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}
