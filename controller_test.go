package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mimora/authflow/oauth"
	"github.com/mimora/authflow/storage"
	"github.com/mimora/authflow/verification"
)

func TestNewFlowStartsAtProfileSelection(t *testing.T) {
	env := newFlowEnv(t)

	st := env.flow.State()
	if st.Step != StepProfileSelection {
		t.Fatalf("expected profile selection, got %s", st.Step)
	}
	if st.Form.CountryCode != "+91" {
		t.Fatalf("expected default country code +91, got %q", st.Form.CountryCode)
	}
	entries, idx := env.history.Entries()
	if len(entries) != 1 || idx != 0 {
		t.Fatalf("expected one replaced history entry, got %d at %d", len(entries), idx)
	}
	if entries[0] != (HistoryEntry{Step: StepProfileSelection, Path: "/auth"}) {
		t.Fatalf("unexpected initial entry %+v", entries[0])
	}
}

func TestGetStartedRoutesByProfile(t *testing.T) {
	env := newFlowEnv(t)
	if err := env.flow.GetStarted(); !errors.Is(err, ErrProfileRequired) {
		t.Fatalf("expected ErrProfileRequired, got %v", err)
	}

	mustOK(t, env.flow.SelectProfile(ProfileCustomer))
	mustOK(t, env.flow.GetStarted())
	st := env.flow.State()
	if st.Step != StepLoginPhone || st.AuthMethod != MethodPhone {
		t.Fatalf("customer should land on phone login, got %s/%s", st.Step, st.AuthMethod)
	}

	env = newFlowEnv(t)
	mustOK(t, env.flow.SelectProfile(ProfileProvider))
	mustOK(t, env.flow.Submit(context.Background()))
	if got := env.flow.State().Step; got != StepCreateAccount {
		t.Fatalf("provider should land on create account, got %s", got)
	}
}

func TestCustomerPhoneLoginRoundTrip(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.sendChallenge(t)

	if got := env.provider.issuedTargets(); !reflect.DeepEqual(got, []string{"+919876543210"}) {
		t.Fatalf("unexpected issued targets %v", got)
	}
	cd := env.flow.Cooldown()
	if cd.State != verification.CooldownCounting || cd.Display != "00:30" || cd.CanResend {
		t.Fatalf("expected fresh 30 unit cool-down, got %+v", cd)
	}

	env.submitCode(t, goodCode)

	st := env.flow.State()
	if st.Step != StepSuccess {
		t.Fatalf("expected success, got %s (err %q)", st.Step, env.flow.Err())
	}
	if !st.PhoneVerified || st.EmailVerified {
		t.Fatalf("expected only phone verified, got %+v", st)
	}
	user := env.flow.User()
	if user == nil || user.ID != 42 {
		t.Fatalf("expected user 42, got %+v", user)
	}

	calls := env.backend.recorded()
	if len(calls) != 1 {
		t.Fatalf("expected one exchange call, got %d", len(calls))
	}
	if calls[0].Path != "/auth/customer/otp" || calls[0].Auth != "Bearer proof-h-1" {
		t.Fatalf("unexpected exchange call %+v", calls[0])
	}
	if strings.TrimSpace(calls[0].Body) != `{"name":""}` {
		t.Fatalf("unexpected exchange body %q", calls[0].Body)
	}

	raw, err := env.store.Get(context.Background(), storage.DefaultUserKey)
	if err != nil {
		t.Fatalf("expected user persisted under %q: %v", storage.DefaultUserKey, err)
	}
	var stored struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil || stored.ID != 42 {
		t.Fatalf("unexpected stored user %s (%v)", raw, err)
	}
	storedUser, token, err := env.engine.StoredSession(context.Background())
	if err != nil || storedUser.ID != 42 || token != "proof-h-1" {
		t.Fatalf("unexpected stored session %+v %q %v", storedUser, token, err)
	}

	want := []Step{StepProfileSelection, StepLoginPhone, StepSuccess}
	if got := historySteps(env.history); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected history %v, got %v", want, got)
	}
	if env.metric(MetricFlowSuccess) != 1 || env.metric(MetricChallengeSent) != 1 {
		t.Fatalf("unexpected metrics %+v", env.engine.MetricsSnapshot().Counters)
	}
	if env.flow.Busy() {
		t.Fatal("expected no operation in flight")
	}
}

func TestInvalidPhoneBlocksSubmit(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	mustOK(t, env.flow.SetPhone("1234567890"))

	if errs := env.flow.FieldErrors(); len(errs) != 0 {
		t.Fatalf("untouched fields must not show errors, got %v", errs)
	}
	mustOK(t, env.flow.Submit(context.Background()))

	if n := len(env.provider.issuedTargets()); n != 0 {
		t.Fatalf("expected no challenge, got %d", n)
	}
	if got := env.flow.FieldErrors()[FieldPhone]; got != "Please enter a valid phone number" {
		t.Fatalf("unexpected phone error %q", got)
	}
	if env.flow.State().Step != StepLoginPhone || env.flow.Err() != "" {
		t.Fatal("validation failure must not change step or set a flow error")
	}
	if env.metric(MetricValidationRejected) != 1 {
		t.Fatal("expected rejected validation to be counted")
	}
}

func TestBlurRevealsFieldError(t *testing.T) {
	env := newFlowEnv(t)
	mustOK(t, env.flow.SelectProfile(ProfileProvider))
	mustOK(t, env.flow.GetStarted())
	mustOK(t, env.flow.SetFullName("A"))

	if _, ok := env.flow.FieldErrors()[FieldFullName]; ok {
		t.Fatal("expected no error before blur")
	}
	mustOK(t, env.flow.Blur(FieldFullName))
	errs := env.flow.FieldErrors()
	if errs[FieldFullName] != "Name must be at least 2 characters" {
		t.Fatalf("unexpected name error %q", errs[FieldFullName])
	}
	if _, ok := errs[FieldPhone]; ok {
		t.Fatal("phone was not touched")
	}
}

func TestBackFromOTPKeepsFormAndDoesNotReissue(t *testing.T) {
	env := newFlowEnv(t)
	mustOK(t, env.flow.SelectProfile(ProfileProvider))
	mustOK(t, env.flow.GetStarted())
	mustOK(t, env.flow.SetFullName("Asha Rao"))
	mustOK(t, env.flow.SetPhone(validPhone))
	env.sendChallenge(t)

	if got := env.flow.State().Step; got != StepOTPVerification {
		t.Fatalf("expected otp verification, got %s", got)
	}
	before := env.flow.State().Form

	if !env.history.Back() {
		t.Fatal("expected a history entry to go back to")
	}
	st := env.flow.State()
	if st.Step != StepCreateAccount {
		t.Fatalf("expected create account after back, got %s", st.Step)
	}
	if st.Form != before {
		t.Fatalf("form changed across back navigation: %+v vs %+v", st.Form, before)
	}
	if n := len(env.provider.issuedTargets()); n != 1 {
		t.Fatalf("back navigation must not issue a challenge, got %d", n)
	}
	if env.history.Len() != 3 {
		t.Fatalf("pop must not push, history has %d entries", env.history.Len())
	}

	if !env.history.Forward() {
		t.Fatal("expected a forward entry")
	}
	if env.flow.State().Step != StepOTPVerification || !env.flow.CodeSent() {
		t.Fatal("forward navigation should restore the pending code entry")
	}
	env.submitCode(t, goodCode)
	if env.flow.State().Step != StepSuccess {
		t.Fatalf("expected success, got %s (%q)", env.flow.State().Step, env.flow.Err())
	}
	if calls := env.backend.recorded(); !strings.Contains(calls[0].Body, "Asha Rao") {
		t.Fatalf("expected full name in exchange body, got %q", calls[0].Body)
	}
}

func TestSubmitCodeValidationLayers(t *testing.T) {
	env := newFlowEnv(t, func(_ *Builder, cfg *Config) {
		cfg.Validation.CodeBlocklist = []string{"300759"}
	})
	env.toPhoneLogin(t)
	env.sendChallenge(t)

	mustOK(t, env.flow.SetCode([]string{"1", "2", "3"}))
	mustOK(t, env.flow.Submit(context.Background()))
	if got := env.flow.FieldErrors()[FieldCode]; got != "Please enter all 6 digits" {
		t.Fatalf("unexpected incomplete-code error %q", got)
	}

	env.submitCode(t, "300759")
	if got := env.flow.FieldErrors()[FieldCode]; got != "Please enter a valid OTP number" {
		t.Fatalf("blocklisted code must be rejected at submit, got %q", got)
	}
	if env.provider.consumeCalls() != 0 {
		t.Fatal("rejected codes must not reach the provider")
	}
	if env.flow.State().Step != StepLoginPhone {
		t.Fatal("step must not change on validation failure")
	}
}

func TestResendGuardedByCooldown(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.sendChallenge(t)

	mustOK(t, env.flow.Resend(context.Background()))
	if n := len(env.provider.issuedTargets()); n != 1 {
		t.Fatalf("resend before cool-down must be a no-op, got %d issues", n)
	}

	env.clock.Advance(29 * time.Second)
	if env.flow.Cooldown().CanResend {
		t.Fatal("resend permitted too early")
	}
	env.clock.Advance(time.Second)
	if !env.flow.Cooldown().CanResend {
		t.Fatal("expected resend permitted after 30 units")
	}

	mustOK(t, env.flow.SetCode(codeOf("12")))
	mustOK(t, env.flow.Resend(context.Background()))
	if n := len(env.provider.issuedTargets()); n != 2 {
		t.Fatalf("expected second challenge, got %d", n)
	}
	if code := env.flow.State().Form.CodeString(); code != "" {
		t.Fatalf("resend must clear the code, got %q", code)
	}
	if _, ok := env.flow.FieldErrors()[FieldCode]; ok {
		t.Fatal("resend must clear the code's touched state")
	}

	mustOK(t, env.flow.Resend(context.Background()))
	if n := len(env.provider.issuedTargets()); n != 2 {
		t.Fatalf("resend permitted only once per cool-down, got %d", n)
	}
	if env.metric(MetricResend) != 1 || env.metric(MetricResendSuppressed) != 2 {
		t.Fatalf("unexpected resend metrics %+v", env.engine.MetricsSnapshot().Counters)
	}

	env.submitCode(t, goodCode)
	if calls := env.backend.recorded(); len(calls) != 1 || calls[0].Auth != "Bearer proof-h-2" {
		t.Fatalf("expected exchange with the resent challenge's proof, got %+v", calls)
	}
}

func TestInvalidCodeAllowsReentry(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.sendChallenge(t)

	env.submitCode(t, "111111")
	if env.flow.Err() != "Invalid OTP. Please check and try again" {
		t.Fatalf("unexpected flow error %q", env.flow.Err())
	}
	if !env.flow.CodeSent() || env.flow.State().Step != StepLoginPhone {
		t.Fatal("invalid code must keep the challenge and the step")
	}

	env.submitCode(t, goodCode)
	if env.flow.State().Step != StepSuccess {
		t.Fatalf("expected success after re-entry, got %q", env.flow.Err())
	}
	if env.flow.Err() != "" {
		t.Fatal("flow error must be cleared by the next attempt")
	}
}

func TestExpiredCodeRequiresNewChallenge(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.sendChallenge(t)
	env.provider.mu.Lock()
	env.provider.consumeErr = &verification.ProviderError{Code: verification.CodeCodeExpired}
	env.provider.mu.Unlock()

	env.submitCode(t, goodCode)
	if env.flow.Err() != "OTP has expired. Please request a new one" {
		t.Fatalf("unexpected flow error %q", env.flow.Err())
	}
	if env.flow.CodeSent() {
		t.Fatal("expired challenge must be dropped")
	}
	if env.flow.State().Form.CodeString() != "" {
		t.Fatal("expected code cleared")
	}
	if env.metric(MetricVerificationFailure) != 1 {
		t.Fatal("expected verification failure counted")
	}
}

func TestChallengeErrorSurfacesAndClears(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.provider.mu.Lock()
	env.provider.issueErr = &verification.ProviderError{Code: verification.CodeTooManyRequests}
	env.provider.mu.Unlock()

	mustOK(t, env.flow.Submit(context.Background()))
	if env.flow.Err() != "Too many attempts. Please try again later" {
		t.Fatalf("unexpected flow error %q", env.flow.Err())
	}
	if env.flow.CodeSent() || env.flow.State().Step != StepLoginPhone {
		t.Fatal("failed issuance must leave the step unchanged without a challenge")
	}

	env.provider.mu.Lock()
	env.provider.issueErr = nil
	env.provider.mu.Unlock()
	env.sendChallenge(t)
	if env.flow.Err() != "" {
		t.Fatalf("expected error cleared on retry, got %q", env.flow.Err())
	}
	if env.metric(MetricChallengeFailed) != 1 {
		t.Fatal("expected challenge failure counted")
	}
}

func TestUnauthorizedExchangeForcesFreshChallenge(t *testing.T) {
	env := newFlowEnv(t)
	env.backend.respond = func(n int, _ string) (int, any) {
		if n == 0 {
			return http.StatusUnauthorized, map[string]string{"detail": "Invalid or expired token"}
		}
		return http.StatusOK, nil
	}
	env.toPhoneLogin(t)
	env.sendChallenge(t)
	env.submitCode(t, goodCode)

	if env.flow.Err() != "Invalid or expired token" {
		t.Fatalf("expected backend detail verbatim, got %q", env.flow.Err())
	}
	st := env.flow.State()
	if st.Step != StepLoginPhone || env.flow.CodeSent() || st.Form.CodeString() != "" {
		t.Fatalf("unauthorized must drop the challenge and code, got %+v sent=%v", st, env.flow.CodeSent())
	}
	if env.metric(MetricExchangeUnauthorized) != 1 {
		t.Fatal("expected unauthorized exchange counted")
	}

	env.sendChallenge(t)
	if n := len(env.provider.issuedTargets()); n != 2 {
		t.Fatalf("expected a fresh challenge, got %d", n)
	}
	env.submitCode(t, goodCode)
	if env.flow.State().Step != StepSuccess {
		t.Fatalf("expected success with fresh proof, got %q", env.flow.Err())
	}
	calls := env.backend.recorded()
	if calls[1].Auth != "Bearer proof-h-2" {
		t.Fatalf("spent proof must not be replayed, got %q", calls[1].Auth)
	}
}

func TestRetryableExchangeFailureReusesProof(t *testing.T) {
	env := newFlowEnv(t)
	env.backend.respond = func(n int, _ string) (int, any) {
		if n == 0 {
			return http.StatusConflict, map[string]string{"detail": "Phone number already registered"}
		}
		return http.StatusOK, nil
	}
	env.toPhoneLogin(t)
	env.sendChallenge(t)
	env.submitCode(t, goodCode)

	if env.flow.Err() != "Phone number already registered" {
		t.Fatalf("unexpected flow error %q", env.flow.Err())
	}
	if !env.flow.CodeSent() {
		t.Fatal("conflict must leave the step ready to retry")
	}

	mustOK(t, env.flow.Submit(context.Background()))
	if env.flow.State().Step != StepSuccess {
		t.Fatalf("expected success on retry, got %q", env.flow.Err())
	}
	if env.provider.consumeCalls() != 1 {
		t.Fatalf("retry must reuse the proof token, provider consumed %d times", env.provider.consumeCalls())
	}
	calls := env.backend.recorded()
	if len(calls) != 2 || calls[0].Auth != calls[1].Auth {
		t.Fatalf("expected the same proof presented twice, got %+v", calls)
	}
}

func TestServerErrorWithoutDetailUsesDefaultMessage(t *testing.T) {
	env := newFlowEnv(t)
	env.backend.respond = func(int, string) (int, any) {
		return http.StatusBadGateway, map[string]string{}
	}
	env.toPhoneLogin(t)
	env.sendChallenge(t)
	env.submitCode(t, goodCode)

	if env.flow.Err() != "Request failed" {
		t.Fatalf("expected default message, got %q", env.flow.Err())
	}
}

func TestSwitchLoginMethodPreservesValues(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	mustOK(t, env.flow.SetPhone("123"))
	mustOK(t, env.flow.SetEmail("asha@example.com"))
	mustOK(t, env.flow.Blur(FieldPhone))
	if _, ok := env.flow.FieldErrors()[FieldPhone]; !ok {
		t.Fatal("expected phone error after blur")
	}

	mustOK(t, env.flow.SwitchLoginMethod())
	st := env.flow.State()
	if st.Step != StepLoginEmail || st.AuthMethod != MethodEmail {
		t.Fatalf("expected email login, got %s/%s", st.Step, st.AuthMethod)
	}

	mustOK(t, env.flow.SwitchLoginMethod())
	st = env.flow.State()
	if st.Step != StepLoginPhone || st.Form.Phone != "123" || st.Form.Email != "asha@example.com" {
		t.Fatalf("values must survive switching, got %+v", st)
	}
	if _, ok := env.flow.FieldErrors()[FieldPhone]; ok {
		t.Fatal("switching must clear the touched state of the channel left")
	}

	want := []Step{StepProfileSelection, StepLoginPhone, StepLoginEmail, StepLoginPhone}
	if got := historySteps(env.history); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected history %v, got %v", want, got)
	}
	if err := env.flow.SwitchVerificationMethod(); !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep, got %v", err)
	}
}

func TestSwitchLoginMethodDiscardsPendingChallenge(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.sendChallenge(t)

	mustOK(t, env.flow.SwitchLoginMethod())
	if env.flow.CodeSent() {
		t.Fatal("switching must discard the pending challenge")
	}
	if env.flow.Cooldown().State != verification.CooldownIdle {
		t.Fatal("switching must stop the cool-down")
	}
	if env.clock.Pending() != 0 {
		t.Fatalf("expected no scheduled ticks, got %d", env.clock.Pending())
	}

	mustOK(t, env.flow.SetEmail("Asha@Example.com"))
	env.sendChallenge(t)
	targets := env.provider.issuedTargets()
	if targets[len(targets)-1] != "asha@example.com" {
		t.Fatalf("expected normalized email target, got %q", targets[len(targets)-1])
	}
	env.submitCode(t, goodCode)
	if st := env.flow.State(); st.Step != StepSuccess || !st.EmailVerified {
		t.Fatalf("expected verified email login, got %+v (%q)", st, env.flow.Err())
	}
}

func TestSwitchVerificationMethodOnOTPStep(t *testing.T) {
	env := newFlowEnv(t)
	mustOK(t, env.flow.SelectProfile(ProfileProvider))
	mustOK(t, env.flow.GetStarted())
	mustOK(t, env.flow.SetFullName("Asha Rao"))
	mustOK(t, env.flow.SetPhone(validPhone))
	env.sendChallenge(t)

	mustOK(t, env.flow.SwitchVerificationMethod())
	if env.flow.State().AuthMethod != MethodEmail || env.flow.CodeSent() {
		t.Fatal("expected email method without a pending challenge")
	}
	if env.flow.State().Step != StepOTPVerification {
		t.Fatal("switching verification method must not change step")
	}

	mustOK(t, env.flow.Submit(context.Background()))
	if got := env.flow.FieldErrors()[FieldEmail]; got != "Email is required" {
		t.Fatalf("expected email required, got %q", got)
	}

	mustOK(t, env.flow.SetEmail("asha@example.com"))
	env.sendChallenge(t)
	v, ok := env.flow.View().(OTPVerificationView)
	if !ok || v.Method != MethodEmail || !v.Sent || v.Verified {
		t.Fatalf("unexpected otp view %+v", env.flow.View())
	}

	env.submitCode(t, goodCode)
	st := env.flow.State()
	if st.Step != StepSuccess || !st.EmailVerified || st.PhoneVerified {
		t.Fatalf("expected email verified success, got %+v (%q)", st, env.flow.Err())
	}
}

func TestCustomerEmailSignupRequiresName(t *testing.T) {
	env := newFlowEnv(t)
	mustOK(t, env.flow.GoToCustomerEmailSignup())
	mustOK(t, env.flow.SetEmail("asha@example.com"))
	mustOK(t, env.flow.Submit(context.Background()))

	if got := env.flow.FieldErrors()[FieldFullName]; got != "Full name is required" {
		t.Fatalf("expected name required, got %q", got)
	}
	mustOK(t, env.flow.SetFullName("Asha Rao"))
	env.sendChallenge(t)
	env.submitCode(t, goodCode)
	if env.flow.State().Step != StepSuccess {
		t.Fatalf("expected success, got %q", env.flow.Err())
	}
	if calls := env.backend.recorded(); strings.TrimSpace(calls[0].Body) != `{"name":"Asha Rao"}` {
		t.Fatalf("unexpected body %q", calls[0].Body)
	}
}

func TestEmailLoginEndpointWhenEnabled(t *testing.T) {
	env := newFlowEnv(t, func(_ *Builder, cfg *Config) {
		cfg.Exchange.EmailLogin = true
	})
	mustOK(t, env.flow.GoToLogin(MethodEmail))
	mustOK(t, env.flow.SetEmail("asha@example.com"))
	env.sendChallenge(t)
	env.submitCode(t, goodCode)

	calls := env.backend.recorded()
	if len(calls) != 1 || calls[0].Path != "/auth/customer/login" || calls[0].Body != "" {
		t.Fatalf("expected bodiless email login exchange, got %+v", calls)
	}
}

func TestSignInWithProvider(t *testing.T) {
	var signIns int
	env := newFlowEnv(t, func(b *Builder, _ *Config) {
		b.WithOAuthProvider(oauth.ProviderFunc(func(context.Context) (oauth.Result, error) {
			signIns++
			return oauth.Result{ProofToken: "idp-token", Email: "asha@example.com", DisplayName: "Asha Rao"}, nil
		}))
	})
	env.toPhoneLogin(t)
	env.sendChallenge(t)

	mustOK(t, env.flow.SignInWithProvider(context.Background()))
	st := env.flow.State()
	if st.Step != StepSuccess {
		t.Fatalf("expected success, got %s (%q)", st.Step, env.flow.Err())
	}
	if st.Form.Email != "asha@example.com" || st.Form.FullName != "Asha Rao" {
		t.Fatalf("expected profile info copied into form, got %+v", st.Form)
	}
	if st.PhoneVerified || st.EmailVerified {
		t.Fatal("provider sign-in must not set verification affordances")
	}

	calls := env.backend.recorded()
	if len(calls) != 1 || calls[0].Path != "/auth/customer/oauth" || calls[0].Auth != "Bearer idp-token" || calls[0].Body != "" {
		t.Fatalf("unexpected oauth exchange %+v", calls)
	}
	_, token, err := env.engine.StoredSession(context.Background())
	if err != nil || token != "idp-token" {
		t.Fatalf("expected provider token persisted, got %q %v", token, err)
	}
	if env.clock.Pending() != 0 {
		t.Fatal("success must stop the pending challenge's cool-down")
	}
	if err := env.flow.SignInWithProvider(context.Background()); !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep on success step, got %v", err)
	}
	if signIns != 1 {
		t.Fatalf("expected one sign-in, got %d", signIns)
	}
}

func TestSignInWithProviderFailures(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		want   string
		metric MetricID
	}{
		{"cancelled", oauth.ErrCancelled, "Sign-in cancelled", MetricOAuthCancelled},
		{"popup blocked", oauth.ErrPopupBlocked, "Popup blocked. Please allow popups for this site", MetricOAuthFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newFlowEnv(t, func(b *Builder, _ *Config) {
				b.WithOAuthProvider(oauth.ProviderFunc(func(context.Context) (oauth.Result, error) {
					return oauth.Result{}, tc.err
				}))
			})
			mustOK(t, env.flow.GoToCreateAccount())
			mustOK(t, env.flow.SignInWithProvider(context.Background()))

			if env.flow.Err() != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, env.flow.Err())
			}
			if env.flow.State().Step != StepCreateAccount {
				t.Fatal("failed sign-in must not change step")
			}
			if env.metric(tc.metric) != 1 {
				t.Fatalf("expected metric %d counted", tc.metric)
			}
			if len(env.backend.recorded()) != 0 {
				t.Fatal("failed sign-in must not reach the backend")
			}
		})
	}
}

func TestSignInWithProviderNotConfigured(t *testing.T) {
	env := newFlowEnv(t)
	if err := env.flow.SignInWithProvider(context.Background()); !errors.Is(err, ErrOAuthNotConfigured) {
		t.Fatalf("expected ErrOAuthNotConfigured, got %v", err)
	}
}

func TestPersistFailureStillCompletes(t *testing.T) {
	env := newFlowEnv(t, func(b *Builder, _ *Config) {
		b.WithStore(failingStore{})
	})
	env.toPhoneLogin(t)
	env.sendChallenge(t)
	env.submitCode(t, goodCode)

	if env.flow.State().Step != StepSuccess {
		t.Fatalf("expected success despite persistence failure, got %q", env.flow.Err())
	}
	if env.metric(MetricPersistFailure) != 1 {
		t.Fatal("expected persistence failure counted")
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, storage.ErrUnavailable }
func (failingStore) SetMany(context.Context, map[string][]byte) error {
	return storage.ErrUnavailable
}
func (failingStore) Delete(context.Context, ...string) error { return storage.ErrUnavailable }

func TestCloseDiscardsLateChallenge(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.provider.gate = make(chan struct{})
	env.provider.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- env.flow.Submit(context.Background()) }()
	<-env.provider.entered

	env.flow.Close()
	close(env.provider.gate)
	if err := <-done; err != nil {
		t.Fatalf("late result should be dropped silently, got %v", err)
	}

	if env.flow.CodeSent() || env.flow.State().Step != StepLoginPhone {
		t.Fatal("late result must not be applied after close")
	}
	if env.clock.Pending() != 0 {
		t.Fatalf("close must leave no scheduled work, got %d", env.clock.Pending())
	}
	if env.metric(MetricStaleResultDiscarded) != 1 {
		t.Fatal("expected discarded result counted")
	}
	if err := env.flow.Submit(context.Background()); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("expected ErrControllerClosed, got %v", err)
	}
	if err := env.flow.SetPhone(validPhone); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("expected ErrControllerClosed, got %v", err)
	}
	env.flow.Close()
}

func TestCloseUnsubscribesFromHistory(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.flow.Close()

	env.history.Back()
	if env.flow.State().Step != StepLoginPhone {
		t.Fatal("closed controller must ignore history pops")
	}
}

func TestResetDiscardsInFlightResult(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.provider.gate = make(chan struct{})
	env.provider.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- env.flow.Submit(context.Background()) }()
	<-env.provider.entered

	mustOK(t, env.flow.Reset())
	close(env.provider.gate)
	mustOK(t, <-done)

	st := env.flow.State()
	if st.Step != StepProfileSelection || st.Form.Phone != "" || st.ProfileType != ProfileNone {
		t.Fatalf("expected full reset, got %+v", st)
	}
	if env.flow.CodeSent() || env.flow.Busy() {
		t.Fatal("superseded challenge must not be applied")
	}
}

func TestConcurrentSubmitIssuesOnce(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.provider.gate = make(chan struct{})
	env.provider.entered = make(chan struct{}, 4)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = env.flow.Submit(context.Background())
	}()
	<-env.provider.entered

	for i := 0; i < 3; i++ {
		mustOK(t, env.flow.Submit(context.Background()))
	}
	if !env.flow.Busy() {
		t.Fatal("expected operation in flight")
	}
	close(env.provider.gate)
	wg.Wait()

	if n := len(env.provider.issuedTargets()); n != 1 {
		t.Fatalf("expected a single challenge, got %d", n)
	}
}

func TestCodeDigitBounds(t *testing.T) {
	env := newFlowEnv(t)
	if err := env.flow.SetCodeDigit(CodeLength, "1"); !errors.Is(err, ErrInvalidCodeIndex) {
		t.Fatalf("expected ErrInvalidCodeIndex, got %v", err)
	}
	mustOK(t, env.flow.SetCodeDigit(0, "9"))
	if env.flow.State().Form.Code[0] != "9" {
		t.Fatal("expected digit stored")
	}
}

func TestOnChangeFollowsCooldownTicks(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)

	var mu sync.Mutex
	var displays []string
	env.flow.OnChange(func() {
		mu.Lock()
		displays = append(displays, env.flow.Cooldown().Display)
		mu.Unlock()
	})
	env.sendChallenge(t)
	env.clock.Advance(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(displays) == 0 || displays[len(displays)-1] != "00:28" {
		t.Fatalf("expected listener to observe ticks, got %v", displays)
	}
}

// holdBackend makes the next exchange request wait until release is
// closed. entered receives once the request reaches the backend.
func holdBackend(env *flowEnv) (entered chan struct{}, release chan struct{}) {
	entered = make(chan struct{}, 1)
	release = make(chan struct{})
	env.backend.respond = func(int, string) (int, any) {
		entered <- struct{}{}
		<-release
		return http.StatusOK, nil
	}
	return entered, release
}

func TestBackDuringExchangeDiscardsResult(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.sendChallenge(t)
	entered, release := holdBackend(env)

	mustOK(t, env.flow.SetCode(codeOf(goodCode)))
	done := make(chan error, 1)
	go func() { done <- env.flow.Submit(context.Background()) }()
	<-entered

	if !env.history.Back() {
		t.Fatal("expected a back entry")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("late exchange result should be dropped silently, got %v", err)
	}

	if st := env.flow.State(); st.Step != StepProfileSelection {
		t.Fatalf("late exchange moved the flow to %s", st.Step)
	}
	if env.flow.User() != nil {
		t.Fatal("late exchange must not set the user")
	}
	entries, idx := env.history.Entries()
	if idx != 0 || len(entries) != 2 || entries[1].Step != StepLoginPhone {
		t.Fatalf("forward history must survive, got %v at %d", historySteps(env.history), idx)
	}
	if _, _, err := env.engine.StoredSession(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("late exchange must not persist, got %v", err)
	}
	if env.metric(MetricStaleResultDiscarded) != 1 || env.metric(MetricFlowSuccess) != 0 {
		t.Fatal("expected the exchange result counted as stale")
	}

	// Forward returns to the login step, which accepts a fresh attempt.
	env.backend.respond = nil
	env.history.Forward()
	if env.flow.State().Step != StepLoginPhone {
		t.Fatalf("expected login step after forward, got %s", env.flow.State().Step)
	}
}

func TestBackDuringProviderExchangeDiscardsResult(t *testing.T) {
	env := newFlowEnv(t, func(b *Builder, _ *Config) {
		b.WithOAuthProvider(oauth.ProviderFunc(func(context.Context) (oauth.Result, error) {
			return oauth.Result{ProofToken: "oauth-token", Email: "asha@example.com", DisplayName: "Asha Rao"}, nil
		}))
	})
	mustOK(t, env.flow.GoToCreateAccount())
	entered, release := holdBackend(env)

	done := make(chan error, 1)
	go func() { done <- env.flow.SignInWithProvider(context.Background()) }()
	<-entered

	env.history.Back()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("late result should be dropped silently, got %v", err)
	}

	if st := env.flow.State(); st.Step != StepProfileSelection || env.flow.User() != nil {
		t.Fatalf("late provider exchange was applied: step %s", st.Step)
	}
	if got := historySteps(env.history); !reflect.DeepEqual(got, []Step{StepProfileSelection, StepCreateAccount}) {
		t.Fatalf("unexpected history %v", got)
	}
}

func TestSwitchLoginMethodDuringConsumeDiscardsResult(t *testing.T) {
	env := newFlowEnv(t)
	env.toPhoneLogin(t)
	env.sendChallenge(t)
	env.provider.consumeGate = make(chan struct{})
	env.provider.consumeEntered = make(chan struct{}, 1)

	mustOK(t, env.flow.SetCode(codeOf(goodCode)))
	done := make(chan error, 1)
	go func() { done <- env.flow.Submit(context.Background()) }()
	<-env.provider.consumeEntered

	mustOK(t, env.flow.SwitchLoginMethod())
	close(env.provider.consumeGate)
	if err := <-done; err != nil {
		t.Fatalf("late consume should be dropped silently, got %v", err)
	}

	if st := env.flow.State(); st.Step != StepLoginEmail || st.PhoneVerified {
		t.Fatalf("late consume was applied: %+v", st)
	}
	if msg := env.flow.Err(); msg != "" {
		t.Fatalf("late consume must not set a flow error on the new step, got %q", msg)
	}
	if len(env.backend.recorded()) != 0 {
		t.Fatal("no exchange expected after the switch")
	}
}
