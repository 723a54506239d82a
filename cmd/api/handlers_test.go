package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PaulBabatuyi/anonymous-messages/internal/account"
	"github.com/PaulBabatuyi/anonymous-messages/internal/apperr"
	"github.com/PaulBabatuyi/anonymous-messages/internal/auth"
	"github.com/PaulBabatuyi/anonymous-messages/internal/data"
	"github.com/PaulBabatuyi/anonymous-messages/internal/data/datatest"
	"github.com/PaulBabatuyi/anonymous-messages/internal/inbox"
	"github.com/PaulBabatuyi/anonymous-messages/internal/logging"
	"github.com/PaulBabatuyi/anonymous-messages/internal/mailer"
	"github.com/PaulBabatuyi/anonymous-messages/internal/verify"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct{ codes map[string]string }

func (s *captureSender) SendVerification(ctx context.Context, v mailer.Verification) error {
	s.codes[v.Username] = v.Code
	return nil
}

type fakeSuggestions struct {
	chunks []string
	err    error
	ctx    context.Context
}

func (f *fakeSuggestions) StreamSuggestions(ctx context.Context) iter.Seq2[string, error] {
	f.ctx = ctx
	return func(yield func(string, error) bool) {
		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

type testEnv struct {
	app         *fiber.App
	store       *datatest.Store
	tokens      *auth.JWTManager
	mail        *captureSender
	suggestions *fakeSuggestions
	db          *fakePinger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := datatest.NewStore()
	tokens := auth.NewJWTManager("test-secret", time.Hour)
	mail := &captureSender{codes: map[string]string{}}
	sugg := &fakeSuggestions{}
	db := &fakePinger{}
	log := logging.Discard()

	srv := newServer(
		inbox.NewService(store, log),
		account.NewService(store, tokens, verify.NewIssuer(time.Hour), mail, time.Second, log),
		sugg,
		tokens,
		db,
		log,
	)
	return &testEnv{app: newApp(srv), store: store, tokens: tokens, mail: mail, suggestions: sugg, db: db}
}

// addUser stores a verified user and returns a bearer token for them.
func (e *testEnv) addUser(t *testing.T, username string) string {
	t.Helper()
	u := &data.User{Username: username, Email: username + "@example.com", IsVerified: true, IsAcceptingMessages: true}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	token, _, err := e.tokens.GenerateToken(auth.Identity{UserID: u.ID, Username: u.Username, Email: u.Email, IsVerified: true})
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func TestSendAndListMessages(t *testing.T) {
	e := newTestEnv(t)
	token := e.addUser(t, "alice")

	resp, body := e.do(t, "POST", "/messages/alice", `{"content":"first"}`, "")
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	time.Sleep(2 * time.Millisecond)
	e.do(t, "POST", "/messages/alice", `{"content":"second"}`, "")

	resp, body = e.do(t, "GET", "/messages", "", token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].(map[string]any)["content"])
	assert.Equal(t, "first", msgs[1].(map[string]any)["content"])

	resp, body = e.do(t, "GET", "/messages?offset=1&limit=1", "", token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Len(t, body["messages"].([]any), 1)

	resp, _ = e.do(t, "GET", "/messages?offset=9999999999", "", token)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestListMessagesEmptyIsArray(t *testing.T) {
	e := newTestEnv(t)
	token := e.addUser(t, "alice")

	resp, body := e.do(t, "GET", "/messages", "", token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, body["messages"])
}

func TestSendMessageErrors(t *testing.T) {
	e := newTestEnv(t)
	token := e.addUser(t, "alice")

	resp, _ := e.do(t, "POST", "/messages/nobody", `{"content":"hi"}`, "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, body := e.do(t, "POST", "/messages/alice", `{"content":"   "}`, "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, _ = e.do(t, "POST", "/messages/alice", `{"content":"`+strings.Repeat("x", 2001)+`"}`, "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, "POST", "/accept-status", `{"acceptMessages":false}`, token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["isAcceptingMessages"])

	resp, body = e.do(t, "POST", "/messages/alice", `{"content":"hi"}`, "")
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "user is not accepting messages", body["message"])

	resp, body = e.do(t, "GET", "/messages", "", token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, body["messages"])
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	for _, route := range []struct{ method, path string }{
		{"GET", "/messages"},
		{"DELETE", "/messages/0123456789abcdef01234567"},
		{"GET", "/accept-status"},
		{"POST", "/accept-status"},
		{"GET", "/session"},
	} {
		resp, _ := e.do(t, route.method, route.path, "", "")
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, route.path)

		resp, _ = e.do(t, route.method, route.path, "", "garbage")
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, route.path)
	}
}

func TestDeleteMessage(t *testing.T) {
	e := newTestEnv(t)
	token := e.addUser(t, "alice")
	other := e.addUser(t, "bob")

	e.do(t, "POST", "/messages/alice", `{"content":"bye"}`, "")
	_, body := e.do(t, "GET", "/messages", "", token)
	id := body["messages"].([]any)[0].(map[string]any)["_id"].(string)

	resp, _ := e.do(t, "DELETE", "/messages/"+id, "", other)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, "DELETE", "/messages/"+id, "", token)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, "DELETE", "/messages/"+id, "", token)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, "DELETE", "/messages/not-an-id", "", token)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestAcceptStatus(t *testing.T) {
	e := newTestEnv(t)
	token := e.addUser(t, "alice")

	resp, body := e.do(t, "GET", "/accept-status", "", token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["isAcceptingMessages"])

	resp, _ = e.do(t, "POST", "/accept-status", `{}`, token)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	e.do(t, "POST", "/accept-status", `{"acceptMessages":false}`, token)
	_, body = e.do(t, "GET", "/accept-status", "", token)
	assert.Equal(t, false, body["isAcceptingMessages"])
}

func TestSignupVerifyLoginFlow(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, "POST", "/signup", `{"username":"carol","email":"carol@example.com","password":"secret1"}`, "")
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, body := e.do(t, "POST", "/login", `{"identifier":"carol","password":"secret1"}`, "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "please verify your account before login", body["message"])

	resp, _ = e.do(t, "POST", "/verify", `{"username":"carol","code":"`+e.mail.codes["carol"]+`"}`, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, body = e.do(t, "POST", "/login", `{"identifier":"carol@example.com","password":"secret1"}`, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	token := body["data"].(map[string]any)["token"].(string)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, token, cookie.Value)
	assert.True(t, cookie.HttpOnly)

	// the cookie alone authenticates
	req := httptest.NewRequest("GET", "/session", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: cookie.Value})
	sessResp, err := e.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, sessResp.StatusCode)

	resp, _ = e.do(t, "POST", "/signup", `{"username":"carol","email":"new@example.com","password":"secret1"}`, "")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, "POST", "/logout", "", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestSignupValidationErrors(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, "POST", "/signup", `{"username":"carol"}`, "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["errors"], "email")

	resp, _ = e.do(t, "POST", "/signup", `{not json`, "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCheckUsername(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "taken")

	resp, _ := e.do(t, "GET", "/check-username?username=taken", "", "")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	resp, _ = e.do(t, "GET", "/check-username?username=free_name", "", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, "GET", "/check-username?username=x", "", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestSuggestionsStream(t *testing.T) {
	e := newTestEnv(t)
	e.suggestions.chunks = []string{"What's new?||", "Favourite song?||", "Best trip?"}

	resp, err := e.app.Test(httptest.NewRequest("POST", "/suggestions", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "What's new?||Favourite song?||Best trip?", string(raw))
	assert.Empty(t, resp.Trailer.Get(streamErrorTrailer))

	// the upstream call is released once the stream is done
	require.NotNil(t, e.suggestions.ctx)
	assert.ErrorIs(t, e.suggestions.ctx.Err(), context.Canceled)
}

func TestSuggestionsUpstreamFailure(t *testing.T) {
	e := newTestEnv(t)
	e.suggestions.err = apperr.Wrap(apperr.ErrUpstream, "error generating suggestions", errors.New("quota"))

	resp, body := e.do(t, "POST", "/suggestions", "", "")
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "error generating suggestions", body["message"])

	assert.ErrorIs(t, e.suggestions.ctx.Err(), context.Canceled)
}

func TestSuggestionsFailureAfterFirstChunk(t *testing.T) {
	e := newTestEnv(t)
	e.suggestions.chunks = []string{"partial"}
	e.suggestions.err = apperr.Wrap(apperr.ErrUpstream, "error generating suggestions", errors.New("connection reset"))

	resp, err := e.app.Test(httptest.NewRequest("POST", "/suggestions", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	_, declared := resp.Trailer[streamErrorTrailer]
	assert.True(t, declared, "stream error trailer must be declared up front")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(raw))
	// trailers are only available once the body has been read
	assert.Equal(t, "error generating suggestions", resp.Trailer.Get(streamErrorTrailer))
}

func TestSuggestionsUseServerContext(t *testing.T) {
	e := newTestEnv(t)
	e.suggestions.err = apperr.E(apperr.ErrUpstream, "error generating suggestions")

	srv := newServer(nil, nil, e.suggestions, e.tokens, e.db, logging.Discard())
	base, cancel := context.WithCancel(context.Background())
	srv.baseCtx = base
	app := newApp(srv)

	cancel()
	resp, err := app.Test(httptest.NewRequest("POST", "/suggestions", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	require.NotNil(t, e.suggestions.ctx)
	assert.ErrorIs(t, e.suggestions.ctx.Err(), context.Canceled)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, "GET", "/health", "", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	e.db.err = errors.New("no reachable servers")
	resp, _ = e.do(t, "GET", "/health", "", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, "GET", "/nope", "", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		apperr.E(apperr.ErrUnauthorized, ""): 401,
		apperr.E(apperr.ErrNotFound, ""):     404,
		apperr.E(apperr.ErrRejected, ""):     403,
		apperr.E(apperr.ErrValidation, ""):   400,
		apperr.E(apperr.ErrConflict, ""):     409,
		apperr.E(apperr.ErrUpstream, ""):     502,
		errors.New("other"):                  500,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
