package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/arklim/twofactor-service/internal/core/domain"
	"github.com/arklim/twofactor-service/internal/infra/security"
	"github.com/arklim/twofactor-service/internal/transport/http/middleware"
	"github.com/arklim/twofactor-service/internal/usecase"
)

type stubLoginFlow struct {
	guardErr  error
	outcome   *usecase.LoginOutcome
	err       error
	lastBegin usecase.LoginAttempt
	lastSub   usecase.SubmitRequest
}

func (s *stubLoginFlow) GuardLogin(context.Context, string, string) error { return s.guardErr }

func (s *stubLoginFlow) BeginLogin(_ context.Context, attempt usecase.LoginAttempt) (*usecase.LoginOutcome, error) {
	s.lastBegin = attempt
	return s.outcome, s.err
}

func (s *stubLoginFlow) Submit(_ context.Context, req usecase.SubmitRequest) (*usecase.LoginOutcome, error) {
	s.lastSub = req
	return s.outcome, s.err
}

type stubSetupFlow struct {
	secret   *usecase.AppSecret
	email    *usecase.EmailSecretResult
	result   *usecase.SetupResult
	codes    []string
	status   usecase.EnrollmentStatus
	err      error
	lastUser string
	lastReq  usecase.VerifySetupRequest
}

func (s *stubSetupFlow) GenerateAppSecret(_ context.Context, userID string) (*usecase.AppSecret, error) {
	s.lastUser = userID
	return s.secret, s.err
}

func (s *stubSetupFlow) SendEmailSecret(_ context.Context, userID string) (*usecase.EmailSecretResult, error) {
	s.lastUser = userID
	return s.email, s.err
}

func (s *stubSetupFlow) Verify(_ context.Context, req usecase.VerifySetupRequest) (*usecase.SetupResult, error) {
	s.lastReq = req
	return s.result, s.err
}

func (s *stubSetupFlow) GenerateRecoveryCodes(_ context.Context, userID string) ([]string, error) {
	s.lastUser = userID
	return s.codes, s.err
}

func (s *stubSetupFlow) Status(_ context.Context, userID string) (usecase.EnrollmentStatus, error) {
	s.lastUser = userID
	return s.status, s.err
}

var testTokenSecret = []byte("handlers-test-secret-0123456789ab")

func newTestRouter(login LoginFlow, setup SetupFlow) *gin.Engine {
	gin.SetMode(gin.TestMode)
	verifier, err := security.NewAccessTokenVerifier(security.VerifierOptions{Secret: testTokenSecret})
	if err != nil {
		panic(err)
	}
	r := gin.New()
	r.Use(middleware.EnrichContext())
	api := r.Group("/api/v1/2fa")
	NewTwoFactorHandler(login).RegisterRoutes(api)
	NewSetupHandler(setup).RegisterRoutes(api, middleware.RequireAuth(verifier))
	return r
}

// bearer returns headers carrying a signed access token for subject.
func bearer(t *testing.T, subject string) map[string]string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testTokenSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestGuardReportsLockout(t *testing.T) {
	flow := &stubLoginFlow{guardErr: &usecase.LockedOutError{Minutes: 5}}
	rr := doJSON(t, newTestRouter(flow, &stubSetupFlow{}), http.MethodPost, "/api/v1/2fa/login/guard", GuardRequest{UserLogin: "alice"}, nil)

	if rr.Code != http.StatusLocked {
		t.Fatalf("expected 423, got %d", rr.Code)
	}
	var body LockedOutResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Minutes != 5 || body.TraceID == "" {
		t.Fatalf("unexpected body %+v", body)
	}

	flow.guardErr = nil
	rr = doJSON(t, newTestRouter(flow, &stubSetupFlow{}), http.MethodPost, "/api/v1/2fa/login/guard", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 without body, got %d", rr.Code)
	}
}

func TestStartReturnsChallenge(t *testing.T) {
	flow := &stubLoginFlow{outcome: &usecase.LoginOutcome{
		Decision:  usecase.DecisionChallenge,
		UserID:    "u-1",
		UserLogin: "alice",
		Challenge: &usecase.Challenge{LoginToken: "tok", Method: domain.AuthMethodEmail, MaskedEmail: "al*****@ex*****.com", RemainingSeconds: 30},
	}}
	rr := doJSON(t, newTestRouter(flow, &stubSetupFlow{}), http.MethodPost, "/api/v1/2fa/login/start",
		StartLoginRequest{UserID: "u-1", UserLogin: "alice"}, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body LoginResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "challenge" || body.Challenge == nil || body.Challenge.Method != "email" || body.Challenge.RemainingSeconds != 30 {
		t.Fatalf("unexpected body %+v", body)
	}
	if flow.lastBegin.ClientIP == "" {
		t.Fatalf("client ip should be forwarded")
	}
}

func TestStartRequiresUserID(t *testing.T) {
	rr := doJSON(t, newTestRouter(&stubLoginFlow{}, &stubSetupFlow{}), http.MethodPost, "/api/v1/2fa/login/start", map[string]string{}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestVerifyMapsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{usecase.ErrSessionExpired, http.StatusUnauthorized},
		{&usecase.LockedOutError{Minutes: 1}, http.StatusLocked},
		{fmt.Errorf("wrap: %w", usecase.ErrPersistence), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		flow := &stubLoginFlow{err: tc.err}
		rr := doJSON(t, newTestRouter(flow, &stubSetupFlow{}), http.MethodPost, "/api/v1/2fa/login/verify",
			VerifyLoginRequest{LoginToken: "tok", Code: "123456"}, nil)
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
	}
}

func TestVerifyForwardsFormFlags(t *testing.T) {
	flow := &stubLoginFlow{outcome: &usecase.LoginOutcome{Decision: usecase.DecisionProceed, UserID: "u-1"}}
	rr := doJSON(t, newTestRouter(flow, &stubSetupFlow{}), http.MethodPost, "/api/v1/2fa/login/verify",
		VerifyLoginRequest{LoginToken: "tok", Code: "ABCD-EFGH-JKLM", Recovery: true}, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !flow.lastSub.Recovery || flow.lastSub.Token != "tok" || flow.lastSub.Code != "ABCD-EFGH-JKLM" {
		t.Fatalf("unexpected submit %+v", flow.lastSub)
	}
	var body LoginResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body.Status != "proceed" || body.Challenge != nil {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestSetupRequiresBearerToken(t *testing.T) {
	rr := doJSON(t, newTestRouter(&stubLoginFlow{}, &stubSetupFlow{}), http.MethodGet, "/api/v1/2fa/setup/status", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestSetupRecoveryCodesRejectsClaimedIdentityHeader(t *testing.T) {
	flow := &stubSetupFlow{codes: []string{"ABCD-EFGH-JKLM"}}
	router := newTestRouter(&stubLoginFlow{}, flow)

	for _, header := range []string{"X-User-ID", "X-Account-ID"} {
		rr := doJSON(t, router, http.MethodPost, "/api/v1/2fa/setup/recovery-codes", nil, map[string]string{header: "victim"})
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", header, rr.Code)
		}
	}
	if flow.lastUser != "" {
		t.Fatalf("setup flow must not run without a verified token, ran for %q", flow.lastUser)
	}

	headers := bearer(t, "u-7")
	headers["X-User-ID"] = "victim"
	rr := doJSON(t, router, http.MethodPost, "/api/v1/2fa/setup/recovery-codes", nil, headers)
	if rr.Code != http.StatusOK || flow.lastUser != "u-7" {
		t.Fatalf("expected token subject u-7, got %d %q", rr.Code, flow.lastUser)
	}
}

func TestSetupAppSecret(t *testing.T) {
	flow := &stubSetupFlow{secret: &usecase.AppSecret{Hex: "00", Base32: "AA", URI: "otpauth://totp/x", QRCodePNG: "data:image/png;base64,"}}
	rr := doJSON(t, newTestRouter(&stubLoginFlow{}, flow), http.MethodPost, "/api/v1/2fa/setup/app-secret", nil, bearer(t, "u-7"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if flow.lastUser != "u-7" {
		t.Fatalf("subject not forwarded, got %q", flow.lastUser)
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("secrets must not be cached")
	}
}

func TestSetupEmailSecretThrottled(t *testing.T) {
	flow := &stubSetupFlow{email: &usecase.EmailSecretResult{Sent: false, RemainingSeconds: 12}}
	rr := doJSON(t, newTestRouter(&stubLoginFlow{}, flow), http.MethodPost, "/api/v1/2fa/setup/email-secret", nil, bearer(t, "u-7"))

	if rr.Code != http.StatusOK || rr.Header().Get("Retry-After") != "12" {
		t.Fatalf("expected throttled response, got %d %q", rr.Code, rr.Header().Get("Retry-After"))
	}
}

func TestSetupVerify(t *testing.T) {
	flow := &stubSetupFlow{result: &usecase.SetupResult{Method: domain.AuthMethodApp}}
	router := newTestRouter(&stubLoginFlow{}, flow)
	headers := bearer(t, "u-7")

	rr := doJSON(t, router, http.MethodPost, "/api/v1/2fa/setup/verify", VerifySetupRequest{Method: "recovery", Code: "123456"}, headers)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("recovery is not an enrollable method, got %d", rr.Code)
	}

	rr = doJSON(t, router, http.MethodPost, "/api/v1/2fa/setup/verify", VerifySetupRequest{Method: "app", Code: "123456", Secret: "abcd"}, headers)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if flow.lastReq.UserID != "u-7" || flow.lastReq.Method != domain.AuthMethodApp || flow.lastReq.SecretHex != "abcd" {
		t.Fatalf("unexpected request %+v", flow.lastReq)
	}

	for err, status := range map[error]int{
		usecase.ErrInvalidCode:  http.StatusUnprocessableEntity,
		usecase.ErrSetupExpired: http.StatusGone,
		usecase.ErrDecode:       http.StatusBadRequest,
	} {
		flow.err = err
		rr = doJSON(t, router, http.MethodPost, "/api/v1/2fa/setup/verify", VerifySetupRequest{Method: "email", Code: "123456"}, headers)
		if rr.Code != status {
			t.Fatalf("%v: expected %d, got %d", err, status, rr.Code)
		}
	}
}

func TestSetupRecoveryCodesNotEnrolled(t *testing.T) {
	flow := &stubSetupFlow{err: usecase.ErrNotEnrolled}
	rr := doJSON(t, newTestRouter(&stubLoginFlow{}, flow), http.MethodPost, "/api/v1/2fa/setup/recovery-codes", nil, bearer(t, "u-7"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestSetupStatus(t *testing.T) {
	flow := &stubSetupFlow{status: usecase.EnrollmentStatus{Enrolled: true, Method: domain.AuthMethodEmail, HasRecovery: true, RemainingCodes: 4}}
	rr := doJSON(t, newTestRouter(&stubLoginFlow{}, flow), http.MethodGet, "/api/v1/2fa/setup/status", nil, bearer(t, "u-7"))

	var body StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Enrolled || body.Method != "email" || body.RemainingCodes != 4 {
		t.Fatalf("unexpected status %+v", body)
	}
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHealthHandler(
		WithReadinessCheck("database", func(context.Context) error { return nil }),
		WithReadinessCheck("redis", func(context.Context) error { return errors.New("down") }),
	)
	r := gin.New()
	r.GET("/readyz", h.Readiness)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var body ReadinessResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body.Checks["database"] != "ok" || body.Checks["redis"] != "unavailable" {
		t.Fatalf("unexpected checks %+v", body.Checks)
	}
}
