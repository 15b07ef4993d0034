package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/protection"
	"relaymail/backend/internal/storage/postgres"
)

// create-admin 将登录邮箱对应的用户设为管理员，用户不存在时直接创建
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: create-admin <email>")
		os.Exit(1)
	}

	email, err := domain.ValidateEmail(os.Args[1])
	if err != nil {
		fmt.Println("Invalid email format")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" {
		fmt.Println("A database must be configured (RELAYMAIL_DATABASE_TYPE / RELAYMAIL_DATABASE_DSN)")
		os.Exit(1)
	}

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	cipher, err := protection.New(cfg.Encryption.Key)
	if err != nil {
		fmt.Printf("Failed to initialize encryption: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hash := protection.Hash(email)
	user, err := store.GetUserByUsernameHash(ctx, hash)
	switch {
	case err == nil:
		user.Role = domain.RoleAdmin
		user.UpdatedAt = time.Now()
		if err := store.UpdateUser(ctx, user); err != nil {
			fmt.Printf("Failed to update user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("User %s promoted to ADMIN\n", user.ID)

	case errors.Is(err, domain.ErrUserNotFound):
		ciphertext, err := cipher.Encrypt(email)
		if err != nil {
			fmt.Printf("Failed to encrypt email: %v\n", err)
			os.Exit(1)
		}
		now := time.Now()
		user = &domain.User{
			ID:           uuid.NewString(),
			Username:     ciphertext,
			UsernameHash: hash,
			Role:         domain.RoleAdmin,
			Status:       domain.StatusActive,
			Tier:         domain.TierPremium,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := store.CreateUser(ctx, user); err != nil {
			fmt.Printf("Failed to create user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Admin user %s created\n", user.ID)

	default:
		fmt.Printf("Failed to look up user: %v\n", err)
		os.Exit(1)
	}
}
