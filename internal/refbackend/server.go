// Package refbackend is a reference implementation of the identity exchange
// endpoints. It verifies proof tokens issued by package jwt, enforces single
// use of each token id in Redis and keeps accounts keyed by the verified
// contact. It backs the http-minimal example and the load test.
package refbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/mimora/authflow/exchange"
	"github.com/mimora/authflow/jwt"
)

const (
	detailInvalidToken = "Invalid or expired token"
	detailNoAccount    = "No account found for this email"
	detailBadRequest   = "Invalid request body"
)

var errNoAccount = errors.New("refbackend: no account")

// Server serves POST endpoints for the OTP, OAuth and email-login
// exchanges.
type Server struct {
	tokens *jwt.Manager
	redis  redis.UniversalClient
	prefix string
	logger log.FieldLogger
	now    func() time.Time
}

// New returns a Server verifying with tokens and storing state under prefix.
func New(tokens *jwt.Manager, rdb redis.UniversalClient, prefix string, logger log.FieldLogger) *Server {
	if prefix == "" {
		prefix = "rb"
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Server{tokens: tokens, redis: rdb, prefix: prefix, logger: logger, now: time.Now}
}

// Handler routes the three exchange endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+exchange.DefaultOTPPath, s.handleOTP)
	mux.HandleFunc("POST "+exchange.DefaultOAuthPath, s.handleOAuth)
	mux.HandleFunc("POST "+exchange.DefaultEmailPath, s.handleEmailLogin)
	return mux
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, detailBadRequest)
		return
	}
	s.upsert(w, r.Context(), claims, strings.TrimSpace(body.Name))
}

func (s *Server) handleOAuth(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	s.upsert(w, r.Context(), claims, claims.Name)
}

func (s *Server) handleEmailLogin(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	user, err := s.load(r.Context(), claims.Contact())
	if errors.Is(err, errNoAccount) {
		writeDetail(w, http.StatusNotFound, detailNoAccount)
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// authenticate verifies the bearer proof token and claims its id. A token
// is accepted at most once.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*jwt.ProofClaims, bool) {
	raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || raw == "" {
		writeDetail(w, http.StatusUnauthorized, detailInvalidToken)
		return nil, false
	}
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		s.logger.WithError(err).Debug("proof token rejected")
		writeDetail(w, http.StatusUnauthorized, detailInvalidToken)
		return nil, false
	}

	ttl := time.Minute
	if claims.ExpiresAt != nil {
		if d := claims.ExpiresAt.Time.Sub(s.now()); d > 0 {
			ttl = d
		}
	}
	fresh, err := s.redis.SetNX(r.Context(), s.prefix+":jti:"+claims.ID, 1, ttl).Result()
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	if !fresh {
		s.logger.WithField("jti", claims.ID).Info("proof token replay rejected")
		writeDetail(w, http.StatusUnauthorized, detailInvalidToken)
		return nil, false
	}
	return claims, true
}

func (s *Server) upsert(w http.ResponseWriter, ctx context.Context, claims *jwt.ProofClaims, name string) {
	user, err := s.load(ctx, claims.Contact())
	switch {
	case errors.Is(err, errNoAccount):
		user, err = s.create(ctx, claims, name)
	case err == nil && user.Name == nil && name != "":
		user.Name = &name
		err = s.save(ctx, claims.Contact(), user)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) create(ctx context.Context, claims *jwt.ProofClaims, name string) (*exchange.User, error) {
	id, err := s.redis.Incr(ctx, s.prefix+":user:seq").Result()
	if err != nil {
		return nil, err
	}
	user := &exchange.User{
		ID:          id,
		Email:       claims.Email,
		Provider:    claims.Source,
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
		PhoneNumber: claims.Phone,
	}
	if name != "" {
		user.Name = &name
	}
	if err := s.save(ctx, claims.Contact(), user); err != nil {
		return nil, err
	}
	s.logger.WithFields(log.Fields{"user_id": id, "provider": claims.Source}).Info("account created")
	return user, nil
}

func (s *Server) load(ctx context.Context, contact string) (*exchange.User, error) {
	data, err := s.redis.Get(ctx, s.userKey(contact)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errNoAccount
	}
	if err != nil {
		return nil, err
	}
	var user exchange.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &user, nil
}

func (s *Server) save(ctx context.Context, contact string, user *exchange.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, s.userKey(contact), data, 0).Err()
}

func (s *Server) userKey(contact string) string {
	return s.prefix + ":user:" + strings.ToLower(contact)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.WithError(err).Error("exchange request failed")
	writeDetail(w, http.StatusInternalServerError, "Internal server error")
}

// Count reports how many accounts were created.
func (s *Server) Count(ctx context.Context) (int64, error) {
	v, err := s.redis.Get(ctx, s.prefix+":user:seq").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
