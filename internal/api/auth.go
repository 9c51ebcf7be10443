package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/kirillonishuk/majestic-rent-bot/internal/domain"
	"github.com/kirillonishuk/majestic-rent-bot/internal/store"
)

type ctxKey int

const userKey ctxKey = 0

// userFrom returns the authenticated user injected by the auth middleware.
func userFrom(ctx context.Context) *domain.User {
	u, _ := ctx.Value(userKey).(*domain.User)
	return u
}

// telegramAuth validates the Telegram WebApp init data passed in the
// Authorization header ("tma <initData>") and resolves the calling user.
// The check follows the documented scheme: HMAC-SHA256 over the sorted
// key=value pairs, keyed with HMAC-SHA256("WebAppData", botToken).
func (s *Server) telegramAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "tma ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing init data")
			return
		}

		telegramID, ok := validateInitData(raw, s.botToken)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid init data")
			return
		}

		user, err := s.repo.GetUserByTelegramID(r.Context(), telegramID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "user not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// validateInitData checks the signature and extracts the Telegram user id.
func validateInitData(raw, botToken string) (int64, bool) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return 0, false
	}
	gotHash := values.Get("hash")
	if gotHash == "" {
		return 0, false
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}
	checkString := strings.Join(pairs, "\n")

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(checkString))
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(gotHash)) {
		return 0, false
	}

	var user struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID == 0 {
		return 0, false
	}
	return user.ID, true
}
