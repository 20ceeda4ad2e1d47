package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"threatdash/internal/auth"
	"threatdash/internal/backend"
	"threatdash/internal/captcha"
	"threatdash/internal/config"
	"threatdash/internal/logging"
	"threatdash/internal/metrics"
	"threatdash/internal/models"
	"threatdash/internal/store"
	"threatdash/internal/util"
)

var (
	ErrInvalidSession   = errors.New("invalid session")
	ErrSessionExpired   = errors.New("session expired")
	ErrPasswordMismatch = errors.New("Passwords do not match")
	ErrNoChanges        = errors.New("no changes to save")
	ErrForbidden        = errors.New("forbidden")
	ErrMissingInput     = errors.New("missing required input")
)

// Backend is the subset of the backend client the service drives.
type Backend interface {
	Login(ctx context.Context, email, password string) (backend.LoginResult, error)
	Register(ctx context.Context, in backend.RegisterRequest) (backend.Messages, error)
	VerifyOTP(ctx context.Context, email, otp string) (backend.Messages, error)
	ResendOTP(ctx context.Context, email string) (backend.Messages, error)
	ResetPassword(ctx context.Context, email, otp, newPassword string) (backend.Messages, error)
	CheckAuth(ctx context.Context, token string) (backend.User, error)
	GetUser(ctx context.Context, token, username string) (backend.User, error)
	Logout(ctx context.Context, token string) error

	SearchIOCs(ctx context.Context, token string, in backend.SearchRequest) (backend.SearchResult, error)
	FetchIOC(ctx context.Context, token string, id int64) (backend.IOC, error)
	Correlate(ctx context.Context, token string, id int64, lookbackDays int) (backend.Correlation, error)
	ReportSummary(ctx context.Context, token, timeRange string) (backend.Report, error)
	Statistics(ctx context.Context, token string) (backend.Statistics, error)
	TriggerIngest(ctx context.Context, token string) (backend.Report, error)
	FeedStatus(ctx context.Context, token string) (backend.FetchStatus, error)

	UpdateUser(ctx context.Context, token string, fields map[string]string) (backend.Messages, error)
	UpdateUserImage(ctx context.Context, token, username, filename, contentType string, image io.Reader) (backend.Messages, error)
	DeleteUser(ctx context.Context, token, username string) (backend.Messages, error)
}

// Session is a live local session together with its decrypted bearer.
type Session struct {
	models.Session
	Bearer string
}

// Actor names the session owner in audit entries.
func (s Session) Actor() string {
	if s.Username != "" {
		return s.Username
	}
	return s.Email
}

type Service struct {
	cfg        config.Config
	st         *store.Store
	api        Backend
	captcha    captcha.Verifier
	log        *zap.Logger
	encryptKey []byte

	profiles *expirable.LRU[string, backend.User]
	views    *expirable.LRU[string, *views]
	viewsMu  sync.Mutex
	loads    singleflight.Group

	// profileEpoch advances on every profile invalidation.
	profileEpoch atomic.Uint64

	now func() time.Time
}

func New(cfg config.Config, st *store.Store, api Backend, cv captcha.Verifier, log *zap.Logger) (*Service, error) {
	key, err := util.DeriveKey(cfg.SessionEncryptKey, "backend-bearer")
	if err != nil {
		return nil, err
	}
	if cv == nil {
		cv = captcha.NoopVerifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	size := cfg.ProfileCacheSize
	if size <= 0 {
		size = 1024
	}
	ttl := cfg.ProfileCacheTTL()
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{
		cfg:        cfg,
		st:         st,
		api:        api,
		captcha:    cv,
		log:        log,
		encryptKey: key,
		profiles:   expirable.NewLRU[string, backend.User](size, nil, ttl),
		views:      expirable.NewLRU[string, *views](size, nil, 30*time.Minute),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) Captcha() captcha.Widget { return s.captcha.Widget() }

func (s *Service) Ping(ctx context.Context) error { return s.st.Ping(ctx) }

// Login authenticates against the backend and opens a local session. The
// returned raw token goes into the session cookie.
func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (rawToken string, sess Session, err error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return "", Session{}, ErrMissingInput
	}
	res, err := s.api.Login(ctx, email, password)
	if err != nil {
		metrics.Logins.WithLabelValues("rejected").Inc()
		return "", Session{}, err
	}

	raw, tokenHash, err := auth.NewOpaqueToken()
	if err != nil {
		return "", Session{}, err
	}
	secret, err := util.EncryptString(s.encryptKey, res.Token)
	if err != nil {
		return "", Session{}, err
	}

	now := s.now()
	expires := auth.SessionExpiry(now, s.cfg.SessionTTL(), res.Token)
	idle := now.Add(s.cfg.SessionIdle())
	if idle.After(expires) {
		idle = expires
	}
	userEmail := res.User.Email
	if userEmail == "" {
		userEmail = email
	}
	role := res.User.Role
	if role == "" {
		role = "user"
	}
	m := models.Session{
		ID:            uuid.NewString(),
		TokenHash:     tokenHash,
		BackendToken:  secret,
		Username:      res.User.Username,
		Email:         userEmail,
		Role:          role,
		IPHint:        ip,
		UserAgentHash: auth.HashUserAgent(userAgent),
		ExpiresAt:     expires,
		IdleExpiresAt: idle,
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	if err := s.st.CreateSession(ctx, m); err != nil {
		return "", Session{}, fmt.Errorf("create session: %w", err)
	}
	sess = Session{Session: m, Bearer: res.Token}
	if res.User.Username != "" || res.User.Email != "" {
		s.profiles.Add(m.ID, res.User)
	}
	metrics.Logins.WithLabelValues("ok").Inc()
	s.audit(ctx, sess.Actor(), models.AuditLogin, "", map[string]string{"ip": ip})
	return raw, sess, nil
}

// Resolve maps a session cookie value to a live session.
func (s *Service) Resolve(ctx context.Context, rawToken string) (Session, error) {
	if strings.TrimSpace(rawToken) == "" {
		return Session{}, ErrInvalidSession
	}
	m, err := s.st.GetSessionByTokenHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("session lookup failed", zap.Error(err))
		}
		return Session{}, ErrInvalidSession
	}
	now := s.now()
	if m.RevokedAt != nil || now.After(m.ExpiresAt) || now.After(m.IdleExpiresAt) {
		return Session{}, ErrInvalidSession
	}
	bearer, err := util.DecryptString(s.encryptKey, m.BackendToken)
	if err != nil {
		// Undecryptable after a key change; the session cannot be used.
		return Session{}, ErrInvalidSession
	}
	if now.Sub(m.LastSeenAt) > time.Minute {
		idle := now.Add(s.cfg.SessionIdle())
		if idle.After(m.ExpiresAt) {
			idle = m.ExpiresAt
		}
		if err := s.st.TouchSession(ctx, m.ID, idle); err == nil {
			m.LastSeenAt, m.IdleExpiresAt = now, idle
		}
	}
	return Session{Session: m, Bearer: bearer}, nil
}

// Logout revokes the session locally. The backend logout call is best
// effort and its failure is ignored.
func (s *Service) Logout(ctx context.Context, sess Session) error {
	if err := s.api.Logout(ctx, sess.Bearer); err != nil {
		s.log.Debug("backend logout failed", zap.Error(err))
	}
	s.dropCaches(sess.ID)
	s.audit(ctx, sess.Actor(), models.AuditLogout, "", nil)
	return s.st.RevokeSession(ctx, sess.ID)
}

// expire handles a 401 from the backend: the local session is revoked and
// every cache keyed by it dropped.
func (s *Service) expire(ctx context.Context, sess Session) {
	metrics.ForcedLogouts.Inc()
	s.log.Info("backend rejected session bearer", logging.SessionID(sess.ID))
	s.dropCaches(sess.ID)
	// The request context may already be done; revocation must still land.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.st.RevokeSession(rctx, sess.ID); err != nil {
		s.log.Warn("revoke expired session failed", logging.SessionID(sess.ID), zap.Error(err))
	}
	s.audit(rctx, sess.Actor(), models.AuditForcedLogout, "", nil)
}

// guard turns a backend 401 into ErrSessionExpired after revoking sess.
func (s *Service) guard(ctx context.Context, sess Session, err error) error {
	if err == nil {
		return nil
	}
	if backend.IsUnauthorized(err) {
		s.expire(ctx, sess)
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return err
}

func (s *Service) dropCaches(sessionID string) {
	s.invalidateProfile(sessionID)
	s.views.Remove(sessionID)
}

type RegisterInput struct {
	backend.RegisterRequest
	ConfirmPassword string
	CaptchaToken    string
	RemoteIP        string
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (string, error) {
	if in.Password != in.ConfirmPassword {
		return "", ErrPasswordMismatch
	}
	if strings.TrimSpace(in.Email) == "" || in.Password == "" {
		return "", ErrMissingInput
	}
	if err := s.captcha.Verify(ctx, in.CaptchaToken, in.RemoteIP); err != nil {
		return "", err
	}
	in.Email = strings.TrimSpace(in.Email)
	msg, err := s.api.Register(ctx, in.RegisterRequest)
	if err != nil {
		return "", err
	}
	return msg.Text("Registration successful. Check your email for the verification code."), nil
}

func (s *Service) VerifyOTP(ctx context.Context, email, otp string) (string, error) {
	if strings.TrimSpace(email) == "" || strings.TrimSpace(otp) == "" {
		return "", ErrMissingInput
	}
	msg, err := s.api.VerifyOTP(ctx, strings.TrimSpace(email), strings.TrimSpace(otp))
	if err != nil {
		return "", err
	}
	return msg.Text("Email verified. You can now sign in."), nil
}

func (s *Service) ResendOTP(ctx context.Context, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", ErrMissingInput
	}
	msg, err := s.api.ResendOTP(ctx, strings.TrimSpace(email))
	if err != nil {
		return "", err
	}
	return msg.Text("A new code has been sent to your email."), nil
}

func (s *Service) ResetPassword(ctx context.Context, email, otp, newPassword string) (string, error) {
	if strings.TrimSpace(email) == "" || strings.TrimSpace(otp) == "" || newPassword == "" {
		return "", ErrMissingInput
	}
	msg, err := s.api.ResetPassword(ctx, strings.TrimSpace(email), strings.TrimSpace(otp), newPassword)
	if err != nil {
		return "", err
	}
	return msg.Text("Password reset successfully. You can now sign in."), nil
}

const loginFailedRoute = "login_failed"

func loginKey(ip, email string) string {
	return ip + "|" + strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) loginWindow() time.Time {
	return s.now().Truncate(15 * time.Minute)
}

// RecordLoginFailure counts a failed login for ip and email in the current
// 15 minute window and returns the new count.
func (s *Service) RecordLoginFailure(ctx context.Context, ip, email string) (int, error) {
	return s.st.IncrementRateEvent(ctx, loginKey(ip, email), loginFailedRoute, s.loginWindow())
}

func (s *Service) LoginFailures(ctx context.Context, ip, email string) (int, error) {
	return s.st.CountRateEvents(ctx, loginKey(ip, email), loginFailedRoute, s.loginWindow())
}

func (s *Service) ClearLoginFailures(ctx context.Context, ip, email string) error {
	return s.st.DeleteRateEvents(ctx, loginKey(ip, email), loginFailedRoute)
}

func (s *Service) ListAudit(ctx context.Context, q models.AuditQuery) ([]models.AuditEntry, error) {
	return s.st.ListAudit(ctx, q)
}

type PruneResult struct {
	Sessions   int64
	RateEvents int64
}

// Prune deletes sessions that ended before now and rate events older than a
// day.
func (s *Service) Prune(ctx context.Context) (PruneResult, error) {
	now := s.now()
	var out PruneResult
	n, err := s.st.DeleteSessionsBefore(ctx, now)
	if err != nil {
		return out, fmt.Errorf("prune sessions: %w", err)
	}
	out.Sessions = n
	metrics.SessionsPruned.Add(float64(n))
	n, err = s.st.CleanupRateEventsBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return out, fmt.Errorf("prune rate events: %w", err)
	}
	out.RateEvents = n
	return out, nil
}

func (s *Service) audit(ctx context.Context, actor, action, target string, meta map[string]string) {
	raw := "{}"
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			raw = string(b)
		}
	}
	if err := s.st.InsertAudit(ctx, actor, action, target, raw); err != nil {
		s.log.Warn("audit insert failed", zap.String("action", action), zap.Error(err))
	}
}
