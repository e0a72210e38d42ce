package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/tilebet/backend/internal/middleware"
	"github.com/tilebet/backend/internal/models"
)

const (
	loginRateLimitKey = "login_attempts:%s"
	loginRateLimitMax = 10
	loginRateLimitTTL = 5 * time.Minute
)

type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *validator.Validate
}

// RegisterRequest represents the registration request payload
// @Description Registration request structure
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email" example:"player@example.com"`
	Username string `json:"username" validate:"required,min=3,max=32,alphanum" example:"player1"`
	Password string `json:"password" validate:"required,min=6" example:"password123"`
}

// LoginRequest represents the login request payload
// @Description Login request structure
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email" example:"player@example.com"`
	Password string `json:"password" validate:"required,min=6" example:"password123"`
}

// AuthResponse represents the authentication response
// @Description Authentication response structure
type AuthResponse struct {
	Token string      `json:"token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."`
	User  AccountView `json:"user"`
}

// AccountView is the user profile returned by auth endpoints.
// @Description User account structure
type AccountView struct {
	ID       int64  `json:"id" example:"1"`
	Email    string `json:"email" example:"player@example.com"`
	Username string `json:"username" example:"player1"`
	Role     string `json:"role" example:"USER"`
	Balance  int64  `json:"balance" example:"10000"` // cents
}

func NewAuthService(db *sql.DB, redisClient *redis.Client) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		validator: validator.New(),
	}
}

// Register handles user registration
// @Summary Register a new user
// @Description Register a new user with email, username and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 201 {object} AuthResponse "Registration successful"
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Info().Str("ip", r.RemoteAddr).Msg("registration attempt")

	var req RegisterRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Error().Err(err).Msg("password hashing failed")
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		SendDomainError(w, "auth", storageErr(err))
		return
	}
	defer tx.Rollback()

	var user AccountView
	user.Email = strings.ToLower(req.Email)
	user.Username = req.Username
	user.Role = models.RoleUser
	err = tx.QueryRow(`
		INSERT INTO users (email, username, password, role, balance, version)
		VALUES ($1, $2, $3, $4, 0, 1)
		RETURNING id`,
		user.Email, user.Username, hashedPassword, user.Role).Scan(&user.ID)
	if err != nil {
		mapped := storageErr(err)
		if errors.Is(mapped, models.ErrConflict) {
			SendDomainError(w, "auth", fmt.Errorf("%w: email or username already registered", models.ErrConflict))
			return
		}
		SendDomainError(w, "auth", mapped)
		return
	}

	if err = tx.Commit(); err != nil {
		SendDomainError(w, "auth", storageErr(err))
		return
	}

	token, err := generateJWT(user.ID, user.Role)
	if err != nil {
		log.Error().Err(err).Int64("userId", user.ID).Msg("jwt generation failed")
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Info().Int64("userId", user.ID).Str("email", user.Email).Msg("user registered")
	SendJSON(w, http.StatusCreated, AuthResponse{Token: token, User: user})
}

// Login handles user authentication
// @Summary Login user
// @Description Authenticate user with email and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Info().Str("ip", r.RemoteAddr).Msg("login attempt")

	var req LoginRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	email := strings.ToLower(req.Email)
	if !s.allowLoginAttempt(r.Context(), email) {
		SendErrorResponse(w, "Too many login attempts, try again later", http.StatusTooManyRequests, nil)
		return
	}

	var user AccountView
	var hashedPassword string
	err := s.db.QueryRow(`
		SELECT id, email, username, role, balance, password
		FROM users
		WHERE email = $1`, email).
		Scan(&user.ID, &user.Email, &user.Username, &user.Role, &user.Balance, &hashedPassword)
	if err != nil {
		log.Warn().Str("email", email).Msg("login failed, user not found")
		SendDomainError(w, "auth", fmt.Errorf("%w: invalid credentials", models.ErrUnauthenticated))
		return
	}

	if !verifyPassword(req.Password, hashedPassword) {
		log.Warn().Int64("userId", user.ID).Msg("login failed, bad password")
		SendDomainError(w, "auth", fmt.Errorf("%w: invalid credentials", models.ErrUnauthenticated))
		return
	}

	token, err := generateJWT(user.ID, user.Role)
	if err != nil {
		log.Error().Err(err).Int64("userId", user.ID).Msg("jwt generation failed")
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	s.clearLoginAttempts(r.Context(), email)
	log.Info().Int64("userId", user.ID).Msg("login successful")
	SendJSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

// Logout handles user logout
// @Summary Logout user
// @Description Logout user and blacklist token
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token != "" && len(token) > 7 {
		token = token[7:] // strip "Bearer "

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("blacklist:%s", token)
			// Blacklist token until its expiration
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				log.Warn().Err(err).Msg("failed to blacklist token")
			}
		}
	}

	SendJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// GetUserAccount retrieves the authenticated user's profile and balance
// @Summary Get user account details
// @Description Get authenticated user's profile and current balance
// @Tags auth
// @Produce json
// @Success 200 {object} AccountView "User account details"
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /auth/account [get]
func (s *AuthService) GetUserAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendDomainError(w, "auth", models.ErrUnauthenticated)
		return
	}

	var user AccountView
	err := s.db.QueryRow(`
		SELECT id, email, username, role, balance
		FROM users
		WHERE id = $1`, userID).
		Scan(&user.ID, &user.Email, &user.Username, &user.Role, &user.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		SendDomainError(w, "auth", fmt.Errorf("%w: user %d", models.ErrNotFound, userID))
		return
	}
	if err != nil {
		SendDomainError(w, "auth", storageErr(err))
		return
	}

	SendJSON(w, http.StatusOK, user)
}

// allowLoginAttempt applies a per-email sliding counter. Open when redis
// is down, login still requires the password.
func (s *AuthService) allowLoginAttempt(ctx context.Context, email string) bool {
	if s.redis == nil {
		return true
	}
	key := fmt.Sprintf(loginRateLimitKey, email)
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Msg("login rate limit check failed")
		return true
	}
	if count == 1 {
		s.redis.Expire(ctx, key, loginRateLimitTTL)
	}
	return count <= loginRateLimitMax
}

func (s *AuthService) clearLoginAttempts(ctx context.Context, email string) {
	if s.redis == nil {
		return
	}
	s.redis.Del(ctx, fmt.Sprintf(loginRateLimitKey, email))
}

func generateJWT(userID int64, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}
