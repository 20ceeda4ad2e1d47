package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"threatdash/internal/backend"
	"threatdash/internal/logging"
	"threatdash/internal/metrics"
	"threatdash/internal/models"
)

// CurrentUser returns the profile for sess, served from the profile cache
// when fresh. Concurrent misses for one session share a single backend call.
func (s *Service) CurrentUser(ctx context.Context, sess Session) (backend.User, error) {
	if u, ok := s.profiles.Get(sess.ID); ok {
		metrics.CacheLookups.WithLabelValues("profile", "hit").Inc()
		return u, nil
	}
	metrics.CacheLookups.WithLabelValues("profile", "miss").Inc()
	return s.loadProfile(ctx, sess, "profile", func(ctx context.Context) (backend.User, error) {
		return s.api.CheckAuth(ctx, sess.Bearer)
	})
}

// Profile loads the full stored profile through the user lookup endpoint and
// refreshes the profile cache with it. When the lookup fails for any reason
// but an ended session, the auth-check profile is returned instead.
func (s *Service) Profile(ctx context.Context, sess Session) (backend.User, error) {
	current, err := s.CurrentUser(ctx, sess)
	if err != nil {
		return backend.User{}, err
	}
	username := current.Username
	if username == "" {
		username = sess.Username
	}
	u, err := s.loadProfile(ctx, sess, "user", func(ctx context.Context) (backend.User, error) {
		u, err := s.api.GetUser(ctx, sess.Bearer, username)
		if err != nil {
			return backend.User{}, err
		}
		return fillIdentity(u, current), nil
	})
	switch {
	case err == nil:
		return u, nil
	case errors.Is(err, ErrSessionExpired), ctx.Err() != nil:
		return backend.User{}, err
	default:
		s.log.Warn("user lookup failed, using auth profile", zap.Error(err))
		return current, nil
	}
}

// fillIdentity copies identity fields the user lookup left empty from the
// auth-check profile.
func fillIdentity(u, from backend.User) backend.User {
	if u.Username == "" {
		u.Username = from.Username
	}
	if u.Email == "" {
		u.Email = from.Email
	}
	if u.Role == "" {
		u.Role = from.Role
	}
	return u
}

// loadProfile runs load once per session and kind, detached from the
// cancellation of whichever caller started it. The result is cached only
// when no invalidation happened while it was in flight.
func (s *Service) loadProfile(ctx context.Context, sess Session, kind string, load func(context.Context) (backend.User, error)) (backend.User, error) {
	epoch := s.profileEpoch.Load()
	ch := s.loads.DoChan(kind+":"+sess.ID, func() (any, error) {
		timeout := s.cfg.BackendTimeout()
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		u, err := load(lctx)
		if err != nil {
			return backend.User{}, err
		}
		if s.profileEpoch.Load() == epoch {
			s.profiles.Add(sess.ID, u)
		}
		s.syncIdentity(lctx, sess, u)
		return u, nil
	})
	select {
	case <-ctx.Done():
		return backend.User{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return backend.User{}, s.guard(ctx, sess, res.Err)
		}
		return res.Val.(backend.User), nil
	}
}

// syncIdentity records a username or role change reported by the backend on
// the stored session.
func (s *Service) syncIdentity(ctx context.Context, sess Session, u backend.User) {
	if u.Username == sess.Username && (u.Role == "" || u.Role == sess.Role) {
		return
	}
	role := u.Role
	if role == "" {
		role = sess.Role
	}
	email := u.Email
	if email == "" {
		email = sess.Email
	}
	if err := s.st.UpdateSessionIdentity(ctx, sess.ID, u.Username, email, role); err != nil {
		s.log.Warn("update session identity failed", logging.SessionID(sess.ID), zap.Error(err))
	}
}

// invalidateProfile drops the cached profile for sessionID and detaches any
// load in flight so it cannot repopulate the cache.
func (s *Service) invalidateProfile(sessionID string) {
	s.profileEpoch.Add(1)
	s.profiles.Remove(sessionID)
	s.loads.Forget("profile:" + sessionID)
	s.loads.Forget("user:" + sessionID)
}

// RequireAdmin returns the current user when their role is admin and
// ErrForbidden otherwise.
func (s *Service) RequireAdmin(ctx context.Context, sess Session) (backend.User, error) {
	u, err := s.CurrentUser(ctx, sess)
	if err != nil {
		return backend.User{}, err
	}
	if !u.IsAdmin() {
		return u, ErrForbidden
	}
	return u, nil
}

// ProfileChanges returns the fields of form worth sending: trimmed, non-empty
// and different from current.
func ProfileChanges(current backend.User, form map[string]string) map[string]string {
	have := current.ProfileValues()
	out := make(map[string]string)
	for _, field := range backend.ProfileFields {
		v := strings.TrimSpace(form[field])
		if v == "" || v == have[field] {
			continue
		}
		out[field] = v
	}
	return out
}

// UpdateProfile sends the sparse change set between form and the stored
// profile. It returns ErrNoChanges without calling the backend when nothing
// differs.
func (s *Service) UpdateProfile(ctx context.Context, sess Session, form map[string]string) (string, error) {
	current, err := s.Profile(ctx, sess)
	if err != nil {
		return "", err
	}
	changes := ProfileChanges(current, form)
	if len(changes) == 0 {
		return "", ErrNoChanges
	}
	msg, err := s.api.UpdateUser(ctx, sess.Bearer, changes)
	if err != nil {
		return "", s.guard(ctx, sess, err)
	}
	s.invalidateProfile(sess.ID)

	fields := make([]string, 0, len(changes))
	for _, f := range backend.ProfileFields {
		if _, ok := changes[f]; ok {
			fields = append(fields, f)
		}
	}
	s.audit(ctx, sess.Actor(), models.AuditProfileUpdate, current.Username, map[string]string{"fields": strings.Join(fields, ",")})
	return msg.Text("Profile updated successfully."), nil
}

func (s *Service) UpdateAvatar(ctx context.Context, sess Session, filename, contentType string, image io.Reader) (string, error) {
	if image == nil || filename == "" {
		return "", ErrMissingInput
	}
	current, err := s.CurrentUser(ctx, sess)
	if err != nil {
		return "", err
	}
	msg, err := s.api.UpdateUserImage(ctx, sess.Bearer, current.Username, filename, contentType, image)
	if err != nil {
		return "", s.guard(ctx, sess, err)
	}
	s.invalidateProfile(sess.ID)
	s.audit(ctx, sess.Actor(), models.AuditAvatarUpload, current.Username, map[string]string{"file": filename})
	return msg.Text("Profile image updated successfully."), nil
}

// DeleteAccount removes the backend account and then revokes the local
// session.
func (s *Service) DeleteAccount(ctx context.Context, sess Session) (string, error) {
	current, err := s.CurrentUser(ctx, sess)
	if err != nil {
		return "", err
	}
	msg, err := s.api.DeleteUser(ctx, sess.Bearer, current.Username)
	if err != nil {
		return "", s.guard(ctx, sess, err)
	}
	s.audit(ctx, sess.Actor(), models.AuditAccountDelete, current.Username, nil)
	s.dropCaches(sess.ID)
	if err := s.st.RevokeSession(ctx, sess.ID); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("revoke deleted account session failed", logging.SessionID(sess.ID), zap.Error(err))
	}
	return msg.Text("Account deleted."), nil
}
