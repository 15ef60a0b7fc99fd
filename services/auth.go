package services

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"sync"
	"time"

	"github.com/CrowderSoup/daily-todo/config"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for unknown, used or expired login tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

const magicLinkTTL = 15 * time.Minute

type magicToken struct {
	email   string
	expires time.Time
}

type AuthService struct {
	mu         sync.Mutex
	tokens     map[string]magicToken
	jwtSecret  []byte
	tokenTTL   time.Duration
	smtpConfig config.SMTPConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewAuthService(auth config.AuthConfig, smtpConfig config.SMTPConfig, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	secret := auth.JWTSecret
	if secret == "" {
		secret = config.DefaultJWTSecret
	}
	ttl := auth.TokenTTL
	if ttl <= 0 {
		ttl = config.DefaultTokenTTL
	}

	return &AuthService{
		tokens:     make(map[string]magicToken),
		jwtSecret:  []byte(secret),
		tokenTTL:   ttl,
		smtpConfig: smtpConfig,
		logger:     logger,
		now:        time.Now,
	}
}

// GenerateMagicLink creates a one-time token and emails the magic link
// when SMTP is configured. The link is returned for development use.
func (s *AuthService) GenerateMagicLink(email string, baseURL string) (string, error) {
	token, err := generateSecureToken(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	s.mu.Lock()
	s.tokens[token] = magicToken{email: email, expires: s.now().Add(magicLinkTTL)}
	s.mu.Unlock()

	magicLink := fmt.Sprintf("%s/api/auth/magic-link?token=%s", baseURL, token)

	if s.smtpConfig.Host != "" {
		if err := s.sendMagicLinkEmail(email, magicLink); err != nil {
			s.logger.Warn("Failed to send email", "to", email, "error", err)
		}
	}

	return magicLink, nil
}

// VerifyMagicLinkToken consumes a one-time token and returns its email.
func (s *AuthService) VerifyMagicLinkToken(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, exists := s.tokens[token]
	if !exists {
		return "", ErrInvalidToken
	}
	delete(s.tokens, token)

	if s.now().After(mt.expires) {
		return "", ErrInvalidToken
	}
	return mt.email, nil
}

// CreateJWT generates a session token for a user.
func (s *AuthService) CreateJWT(email string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": email,
		"exp":   s.now().Add(s.tokenTTL).Unix(),
	})

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyJWT verifies a session token and returns the email it was issued to.
func (s *AuthService) VerifyJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	email, ok := claims["email"].(string)
	if !ok || email == "" {
		return "", errors.New("email claim missing")
	}
	return email, nil
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (s *AuthService) sendMagicLinkEmail(to, magicLink string) error {
	if s.smtpConfig.Host == "" || s.smtpConfig.Port == "" ||
		s.smtpConfig.Username == "" || s.smtpConfig.Password == "" {
		return errors.New("SMTP not fully configured")
	}

	auth := smtp.PlainAuth("", s.smtpConfig.Username, s.smtpConfig.Password, s.smtpConfig.Host)

	from := s.smtpConfig.From
	if from == "" {
		from = s.smtpConfig.Username
	}

	subject := "Your login link for Daily"
	body := fmt.Sprintf("Click the link below to open your daily list:\n\n%s\n\nIf you didn't request this link, you can safely ignore this email.", magicLink)
	message := fmt.Sprintf("From: %s\nTo: %s\nSubject: %s\n\n%s", from, to, subject, body)

	addr := fmt.Sprintf("%s:%s", s.smtpConfig.Host, s.smtpConfig.Port)
	if err := smtp.SendMail(addr, auth, from, []string{to}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
