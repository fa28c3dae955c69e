package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/haipio/haip/auth"
	"github.com/redis/go-redis/v9"
)

// ticketRotateGrace keeps a rotated ticket valid long enough for an in-flight
// resume racing the rotation.
const ticketRotateGrace = 30 * time.Second

// newTicketStore keeps tickets in Redis when an address is configured so
// resumes survive a server restart, in memory otherwise. The sliding TTL
// follows the detached-session retention; a ticket for a reaped session is
// useless anyway.
func newTicketStore(cfg *Config) auth.TicketStore {
	maxTTL := cfg.TokenLifetime
	if maxTTL <= 0 {
		maxTTL = time.Hour
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return auth.NewRedisStore(rdb, "haip:", cfg.ReplayWindowTime, maxTTL, ticketRotateGrace)
	}
	return auth.NewMemoryStore(cfg.ReplayWindowTime, maxTTL, ticketRotateGrace)
}

// ticketValidator accepts opaque resume tickets alongside signed tokens, so a
// reconnecting client does not need to hold its original credential.
type ticketValidator struct {
	signed  auth.Validator
	tickets auth.TicketStore
}

func (v *ticketValidator) Validate(ctx context.Context, token string) (*auth.Claims, error) {
	claims, err := v.signed.Validate(ctx, token)
	if err == nil {
		return claims, nil
	}
	t, terr := v.tickets.Get(ctx, token)
	if terr != nil {
		return nil, errors.New("unrecognized credential")
	}
	_ = v.tickets.Touch(ctx, t.ID, time.Now())
	claims = &auth.Claims{SessionID: t.SessionID, Scopes: t.Scopes}
	claims.Subject = t.Subject
	return claims, nil
}

// handleTicket serves {base}/ticket. POST issues a resume ticket for the
// session, rotating when the presented credential is itself a ticket; DELETE
// revokes every ticket of the session.
func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" && claims != nil {
		sessionID = claims.SessionID
	}
	if sessionID == "" {
		http.Error(w, "session required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		subject := ""
		if claims != nil {
			subject = claims.Subject
		}
		fresh := auth.NewTicket(sessionID, subject)
		if claims != nil {
			fresh.Scopes = claims.Scopes
		}
		id := fresh.ID
		presented, _ := auth.TokenFromRequest(r)
		rotated := false
		if presented != "" {
			if _, err := s.tickets.Get(r.Context(), presented); err == nil {
				next, err := s.tickets.Rotate(r.Context(), presented, fresh)
				if err != nil {
					http.Error(w, "ticket rotation failed", http.StatusInternalServerError)
					return
				}
				id = next
				rotated = true
			}
		}
		if !rotated {
			if err := s.tickets.Put(r.Context(), fresh); err != nil {
				http.Error(w, "ticket store unavailable", http.StatusInternalServerError)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ticket":  id,
			"session": sessionID,
		})
	case http.MethodDelete:
		if err := s.tickets.RevokeSession(r.Context(), sessionID); err != nil {
			http.Error(w, "ticket store unavailable", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
