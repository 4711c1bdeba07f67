package auth

import (
	"context"
	"strings"

	"github.com/lullworks/lull/internal/browser"
)

// urlRule maps a URL substring to a page type. URL patterns are
// authoritative: rules are checked in order and the first hit wins, before
// any DOM or body-text inspection happens. Body text is full of false
// positives (a signed-in page can render "Something went wrong" as UI
// copy), so it is only consulted last.
type urlRule struct {
	needle string
	page   PageType
}

var urlRules = []urlRule{
	{"chrome-error://", PageBrowserError},
	{"/signin/rejected", PageAccountDisabled},
	{"/disabled/explanation", PageAccountDisabled},
	{"/challenge/recaptcha", PageRecaptcha},
	{"/challenge/ipp", PagePhoneVerification},
	{"/challenge/iap", PagePhoneVerification},
	{"/challenge/totp", PageTwoFactor},
	{"/challenge/pwd", PagePasswordInput},
	{"/challenge/selection", PageRecoverySelection},
	{"/challenge/kpe", PageRecoverySelection},
	{"/speedbump", PageIdentityConfirmation},
	{"/confirmidentity", PageIdentityConfirmation},
	{"/passkeyenrollment", PagePasskeyEnrollment},
	{"/signin/v2/passkey", PagePasskeyEnrollment},
	{"/accountchooser", PageAccountChooser},
	{"/signin/identifier", PageEmailInput},
	{"/signin/v2/identifier", PageEmailInput},
	{"myaccount.google.com", PageProfileHome},
	{"/paid_memberships", PageLoggedInPremium},
	{"youtube.com", PageLoggedIn},
}

// domMarker is a CSS probe evaluated in the page; first match wins after
// URL rules have failed to decide.
type domMarker struct {
	selector string
	page     PageType
}

var domMarkers = []domMarker{
	{`img#captchaimg`, PageImageCaptcha},
	{`iframe[src*="recaptcha"]`, PageRecaptcha},
	{`input[type="email"]`, PageEmailInput},
	{`input[type="password"]`, PagePasswordInput},
	{`input[name="totpPin"]`, PageTwoFactor},
	{`[data-authuser]`, PageLoggedIn},
}

// textRule matches lowercased body text; the least trustworthy signal and
// therefore the last resort.
type textRule struct {
	needle string
	page   PageType
}

var textRules = []textRule{
	{"unusual traffic", PageRecaptcha},
	{"verify it's you", PageIdentityConfirmation},
	{"account was disabled", PageAccountDisabled},
	{"verify your phone", PagePhoneVerification},
	{"simplify your sign-in", PagePasskeyEnrollment},
	{"choose an account", PageAccountChooser},
	{"this site can't be reached", PageBrowserError},
	{"err_connection", PageBrowserError},
	{"err_network_changed", PageBrowserError},
	{"proxy", PageProviderError},
}

// Classify names the current page. Precedence: URL, then DOM markers,
// then body text. An empty page with no signal is unknown.
func Classify(ctx context.Context, drv browser.Driver) (PageType, error) {
	url, err := drv.CurrentURL(ctx)
	if err != nil {
		return PageUnknown, err
	}
	lowURL := strings.ToLower(url)
	for _, r := range urlRules {
		if strings.Contains(lowURL, r.needle) {
			return r.page, nil
		}
	}

	for _, m := range domMarkers {
		out, err := drv.Evaluate(ctx, "document.querySelector("+jsQuote(m.selector)+") !== null")
		if err != nil {
			return PageUnknown, err
		}
		if out == "true" {
			return m.page, nil
		}
	}

	body, err := drv.Evaluate(ctx, "document.body ? document.body.innerText : ''")
	if err != nil {
		return PageUnknown, err
	}
	lowBody := strings.ToLower(body)
	for _, r := range textRules {
		if strings.Contains(lowBody, r.needle) {
			return r.page, nil
		}
	}
	return PageUnknown, nil
}

func jsQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
