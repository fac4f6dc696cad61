package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lichen-social/lichen/internal/model"
)

func TestUserService_Register_Success(t *testing.T) {
	mockRepo := &mockUserRepository{
		createFn: func(ctx context.Context, user *model.User) error {
			user.ID = 1
			user.CreatedAt = time.Now()
			return nil
		},
	}
	svc := NewUserService(mockRepo, &mockFollowRepository{})

	req := &model.RegisterRequest{
		Username: "testuser",
		Email:    "testuser@example.com",
		Password: "securepassword123",
	}

	user, err := svc.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if user == nil {
		t.Fatal("expected user, got nil")
	}
	if user.Username != req.Username {
		t.Errorf("username = %q, want %q", user.Username, req.Username)
	}
	if user.PasswordHashed == req.Password {
		t.Error("password should be hashed, not stored in plain text")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHashed), []byte(req.Password)); err != nil {
		t.Error("password hash should be valid bcrypt hash")
	}
	if mockRepo.createCalls != 1 {
		t.Errorf("Create called %d times, want 1", mockRepo.createCalls)
	}
}

func TestUserService_Register_Duplicates(t *testing.T) {
	tests := []struct {
		name           string
		usernameExists bool
		emailExists    bool
		wantErr        error
	}{
		{"username taken", true, false, model.ErrUsernameExists},
		{"email taken", false, true, model.ErrEmailExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := &mockUserRepository{
				existsByUsernameFn: func(ctx context.Context, username string) (bool, error) {
					return tt.usernameExists, nil
				},
				existsByEmailFn: func(ctx context.Context, email string) (bool, error) {
					return tt.emailExists, nil
				},
			}
			svc := NewUserService(mockRepo, &mockFollowRepository{})

			user, err := svc.Register(context.Background(), &model.RegisterRequest{
				Username: "someone",
				Email:    "someone@example.com",
				Password: "password123",
			})

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if user != nil {
				t.Error("user should be nil when registration fails")
			}
			if mockRepo.createCalls != 0 {
				t.Error("Create should not be called on duplicate")
			}
		})
	}
}

func TestUserService_Register_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		req  *model.RegisterRequest
	}{
		{"empty username", &model.RegisterRequest{Email: "a@example.com", Password: "password123"}},
		{"whitespace username", &model.RegisterRequest{Username: "  ", Email: "a@example.com", Password: "password123"}},
		{"empty email", &model.RegisterRequest{Username: "someone", Password: "password123"}},
		{"empty password", &model.RegisterRequest{Username: "someone", Email: "a@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := &mockUserRepository{}
			svc := NewUserService(mockRepo, &mockFollowRepository{})

			if _, err := svc.Register(context.Background(), tt.req); err == nil {
				t.Error("expected validation error, got nil")
			}
			if mockRepo.createCalls != 0 {
				t.Error("Create should not be called on invalid input")
			}
		})
	}
}

func TestUserService_Login(t *testing.T) {
	validPassword := "correctpassword"
	validHash, _ := bcrypt.GenerateFromPassword([]byte(validPassword), bcrypt.MinCost)

	testUser := &model.User{
		ID:             1,
		Username:       "testuser",
		PasswordHashed: string(validHash),
	}

	tests := []struct {
		name          string
		username      string
		password      string
		mockGetByUser func(ctx context.Context, username string) (*model.User, error)
		wantErr       error
		wantUser      bool
	}{
		{
			name:     "successful login",
			username: "testuser",
			password: validPassword,
			mockGetByUser: func(ctx context.Context, username string) (*model.User, error) {
				return testUser, nil
			},
			wantErr:  nil,
			wantUser: true,
		},
		{
			name:     "user not found",
			username: "nonexistent",
			password: "anypassword",
			mockGetByUser: func(ctx context.Context, username string) (*model.User, error) {
				return nil, model.ErrUserNotFound
			},
			wantErr:  model.ErrInvalidCredentials, // Don't reveal user doesn't exist
			wantUser: false,
		},
		{
			name:     "wrong password",
			username: "testuser",
			password: "wrongpassword",
			mockGetByUser: func(ctx context.Context, username string) (*model.User, error) {
				return testUser, nil
			},
			wantErr:  model.ErrInvalidCredentials,
			wantUser: false,
		},
		{
			name:     "database error",
			username: "testuser",
			password: validPassword,
			mockGetByUser: func(ctx context.Context, username string) (*model.User, error) {
				return nil, errors.New("database error")
			},
			wantErr:  model.ErrInvalidCredentials, // Don't reveal internal errors
			wantUser: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := &mockUserRepository{
				getByUsernameFn: tt.mockGetByUser,
			}
			svc := NewUserService(mockRepo, &mockFollowRepository{})

			user, err := svc.Login(context.Background(), &model.LoginRequest{
				Username: tt.username,
				Password: tt.password,
			})

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if tt.wantUser && user == nil {
				t.Error("expected user, got nil")
			}
			if !tt.wantUser && user != nil {
				t.Error("expected nil user")
			}
		})
	}
}

func TestUserService_GetProfile(t *testing.T) {
	viewer := int64(2)

	tests := []struct {
		name          string
		viewerID      *int64
		followsExists bool
		followsErr    error
		wantFollowing bool
	}{
		{"anonymous viewer", nil, true, nil, false},
		{"viewer follows", &viewer, true, nil, true},
		{"viewer does not follow", &viewer, false, nil, false},
		{"follow check fails degrades gracefully", &viewer, true, errors.New("redis down"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			followRepo := &mockFollowRepository{
				existsFn: func(ctx context.Context, followerID, followeeID int64) (bool, error) {
					return tt.followsExists, tt.followsErr
				},
			}
			svc := NewUserService(&mockUserRepository{}, followRepo)

			profile, err := svc.GetProfile(context.Background(), 1, tt.viewerID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if profile.IsFollowing != tt.wantFollowing {
				t.Errorf("is_following = %v, want %v", profile.IsFollowing, tt.wantFollowing)
			}
		})
	}
}

func TestUserService_GetProfile_SelfViewSkipsFollowCheck(t *testing.T) {
	self := int64(1)
	followRepo := &mockFollowRepository{
		existsFn: func(ctx context.Context, followerID, followeeID int64) (bool, error) {
			t.Error("Exists should not be called for self view")
			return false, nil
		},
	}
	svc := NewUserService(&mockUserRepository{}, followRepo)

	profile, err := svc.GetProfile(context.Background(), 1, &self)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.IsFollowing {
		t.Error("self profile should never report is_following")
	}
}
