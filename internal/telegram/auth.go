package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"tapminer/internal/mining"
)

var (
	ErrEmptyInitData = errors.New("initData is empty")
	ErrBadSignature  = errors.New("initData signature mismatch")
	ErrExpired       = errors.New("initData is too old")
	ErrNoUser        = errors.New("initData has no user")
	ErrMalformed     = errors.New("initData is malformed")
)

type AuthUser struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	AuthDate  time.Time `json:"-"`
}

func (u AuthUser) Profile() mining.Profile {
	return mining.Profile{UserID: u.ID, Username: u.Username, FirstName: u.FirstName}
}

// Verifier checks Telegram WebApp initData against a bot token.
type Verifier struct {
	BotToken string
	// MaxAge rejects initData whose auth_date is older. Zero disables the check.
	MaxAge time.Duration
	Now    func() time.Time
}

func NewVerifier(botToken string, maxAge time.Duration) *Verifier {
	return &Verifier{BotToken: botToken, MaxAge: maxAge, Now: time.Now}
}

func (v *Verifier) Verify(initData string) (AuthUser, error) {
	initData = strings.TrimSpace(initData)
	if initData == "" {
		return AuthUser{}, ErrEmptyInitData
	}

	vals, err := url.ParseQuery(initData)
	if err != nil {
		return AuthUser{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	providedHash := vals.Get("hash")
	if providedHash == "" {
		return AuthUser{}, ErrBadSignature
	}
	vals.Del("hash")

	expected := signature(vals, v.BotToken)
	if !hmac.Equal([]byte(expected), []byte(providedHash)) {
		return AuthUser{}, ErrBadSignature
	}

	var authDate time.Time
	if raw := vals.Get("auth_date"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return AuthUser{}, fmt.Errorf("%w: bad auth_date %q", ErrMalformed, raw)
		}
		authDate = time.Unix(sec, 0).UTC()
	}
	if v.MaxAge > 0 {
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		if authDate.IsZero() || now().Sub(authDate) > v.MaxAge {
			return AuthUser{}, ErrExpired
		}
	}

	userRaw := vals.Get("user")
	if userRaw == "" {
		return AuthUser{}, ErrNoUser
	}
	var user AuthUser
	if err := json.Unmarshal([]byte(userRaw), &user); err != nil {
		return AuthUser{}, fmt.Errorf("%w: user: %v", ErrMalformed, err)
	}
	if user.ID == 0 {
		return AuthUser{}, ErrNoUser
	}
	if strings.TrimSpace(user.FirstName) == "" {
		user.FirstName = "User"
	}
	user.AuthDate = authDate
	return user, nil
}

// SignInitData returns vals encoded with a valid hash, the way Telegram does.
// Useful for local clients and tests.
func SignInitData(vals url.Values, botToken string) string {
	out := url.Values{}
	for k, v := range vals {
		if k != "hash" {
			out[k] = v
		}
	}
	out.Set("hash", signature(out, botToken))
	return out.Encode()
}

// signature is hex(HMAC(HMAC("WebAppData", token), data_check_string)).
// The data check string is key=value pairs sorted by key, joined with \n.
func signature(vals url.Values, botToken string) string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+vals.Get(k))
	}
	dataCheck := strings.Join(parts, "\n")

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	secretKey := secret.Sum(nil)

	mac := hmac.New(sha256.New, secretKey)
	mac.Write([]byte(dataCheck))
	return hex.EncodeToString(mac.Sum(nil))
}
