package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

// Raw keys look like sl_<40 hex>; the first models.KeyPrefixLen characters
// are stored as the lookup prefix.
const (
	apiKeyPrefix    = "sl_"
	apiKeyRandBytes = 20
)

func newAPIKeyCommand(ctx *commandContext) *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage admin API keys",
	}

	var (
		name   string
		scopes []string
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return errors.New("--name is required")
			}
			if err := validateScopes(scopes); err != nil {
				return err
			}
			raw, key, err := newAPIKey(name, scopes, time.Now().UTC())
			if err != nil {
				return err
			}
			err = ctx.withStore(cmd.Context(), func(st *store.PostgresStore) error {
				return st.CreateAPIKey(cmd.Context(), key)
			})
			if errors.Is(err, store.ErrDuplicateKey) {
				return fmt.Errorf("an API key named %q already exists", name)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Name", "Prefix", "Scopes"},
				[][]string{{key.ID.String(), key.Name, key.KeyPrefix, strings.Join(key.Scopes, ",")}},
				nil,
			))
			fmt.Fprintf(out, "key: %s\n(store it now; it cannot be shown again)\n", raw)
			return nil
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "Key name (unique)")
	createCmd.Flags().StringSliceVar(&scopes, "scope", []string{models.ScopeAdmin},
		"Scopes granted to the key (admin, dispatch)")

	keyCmd.AddCommand(createCmd)
	return keyCmd
}

func validateScopes(scopes []string) error {
	if len(scopes) == 0 {
		return errors.New("at least one --scope is required")
	}
	for _, s := range scopes {
		if !models.ValidScope(s) {
			return fmt.Errorf("unknown scope %q (want %s or %s)", s, models.ScopeAdmin, models.ScopeDispatch)
		}
	}
	return nil
}

// newAPIKey generates a raw key and the record that stores its bcrypt hash.
func newAPIKey(name string, scopes []string, now time.Time) (string, *models.APIKey, error) {
	buf := make([]byte, apiKeyRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := apiKeyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	return raw, &models.APIKey{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(name),
		KeyHash:   string(hash),
		KeyPrefix: raw[:models.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
