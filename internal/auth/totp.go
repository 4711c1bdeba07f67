package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// minWindowRemaining is how much of the 30 s TOTP period must be left for
// a freshly generated code to be worth typing. With less than this the
// code could expire between generation and submit, so we wait out the
// current window and generate in the next one.
const minWindowRemaining = 5 * time.Second

// totpCode derives the 6-digit code for the stored secret. now and sleep
// are injected so tests can pin the window.
func totpCode(secret string, now func() time.Time, sleep func(time.Duration)) (string, error) {
	secret = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	if secret == "" {
		return "", fmt.Errorf("auth: empty totp secret")
	}

	t := now()
	const period = 30 * time.Second
	remaining := period - (time.Duration(t.Unix()%30) * time.Second)
	if remaining < minWindowRemaining {
		sleep(remaining)
		t = now()
	}

	code, err := totp.GenerateCode(secret, t)
	if err != nil {
		return "", fmt.Errorf("auth: totp: %w", err)
	}
	return code, nil
}
