package commands

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"palaver/internal/auth"
	"palaver/internal/config"
	"palaver/internal/storage"
)

// AddAdmin bootstraps an administrator account directly in the database,
// printing the generated credentials. Regular accounts self-register
// through the API; this exists so a fresh install has an admin.
func AddAdmin(ctx context.Context, username string, cfg *config.Config) error {
	store, err := storage.NewBboltStorage(cfg.DBFile, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	// Token signing is unused here, so a throwaway secret is fine when
	// AUTH_SECRET is not set in CLI mode.
	secret := cfg.AuthSecret
	if secret == "" {
		secret = randomString(32)
	}

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      secret,
		TokenExpiry: cfg.TokenExpiry,
	}, store)
	if err != nil {
		return err
	}

	password := randomString(18)
	profile, err := authService.CreateAdmin(username, password)
	if err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}

	fmt.Printf("\nAdmin Created Successfully!\n")
	fmt.Printf("Username:  %s\n", profile.Username)
	fmt.Printf("Password:  %s\n", password)
	fmt.Printf("Login at:  %s/login\n\n", strings.TrimSuffix(cfg.BaseURL, "/"))
	fmt.Println("Please change the password after the first login.")
	return nil
}

func randomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:n]
}
