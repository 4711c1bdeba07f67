// Package auth drives a fresh browser session to a signed-in state or to a
// typed failure. It is a classifier that names the current page plus a
// dispatcher that routes each page type to its handler, looped under a
// wall-clock and step budget.
package auth

// PageType names what the classifier decided the current page is. The
// classifier returns exactly one.
type PageType string

const (
	PageProfileHome          PageType = "profile_home"
	PageBrowserError         PageType = "browser_error"
	PageProviderError        PageType = "provider_error"
	PageAccountDisabled      PageType = "account_disabled"
	PagePasskeyEnrollment    PageType = "passkey_enrollment"
	PageImageCaptcha         PageType = "image_captcha"
	PageRecaptcha            PageType = "recaptcha"
	PagePhoneVerification    PageType = "phone_verification"
	PageIdentityConfirmation PageType = "identity_confirmation"
	PageAccountChooser       PageType = "account_chooser"
	PageEmailInput           PageType = "email_input"
	PagePasswordInput        PageType = "password_input"
	PageTwoFactor            PageType = "two_factor"
	PageRecoverySelection    PageType = "recovery_selection"
	PageLoggedIn             PageType = "logged_in"
	PageLoggedInPremium      PageType = "logged_in_premium"
	PageUnknown              PageType = "unknown"
)

// signedIn reports whether the page type means authentication is done.
func signedIn(p PageType) bool {
	return p == PageLoggedIn || p == PageLoggedInPremium || p == PageProfileHome
}
