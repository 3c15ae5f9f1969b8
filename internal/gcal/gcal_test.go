package gcal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
	calendarapi "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	appLog "shotcal/internal/log"
)

func init() {
	appLog.SetOutput(io.Discard)
}

var cest = time.FixedZone("CEST", 2*60*60)

const eventsPage1 = `{
  "items": [
    {"id": "a1", "summary": "Zoom Call", "status": "confirmed",
     "start": {"dateTime": "2022-04-14T15:05:00+02:00"},
     "end":   {"dateTime": "2022-04-14T15:20:00+02:00"}},
    {"id": "a2", "summary": "Cancelled thing", "status": "cancelled",
     "start": {"dateTime": "2022-04-14T16:00:00+02:00"},
     "end":   {"dateTime": "2022-04-14T16:30:00+02:00"}}
  ],
  "nextPageToken": "p2"
}`

const eventsPage2 = `{
  "items": [
    {"id": "b1", "summary": "Offsite", "status": "confirmed",
     "start": {"date": "2022-04-14"},
     "end":   {"date": "2022-04-15"}},
    {"id": "b2", "summary": "No end", "status": "confirmed",
     "start": {"dateTime": "2022-04-14T18:00:00+02:00"}}
  ]
}`

func TestFetchEvents(t *testing.T) {
	var gotQuery []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/primary/events" {
			http.NotFound(w, r)
			return
		}
		gotQuery = append(gotQuery, r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "p2" {
			fmt.Fprint(w, eventsPage2)
			return
		}
		fmt.Fprint(w, eventsPage1)
	}))
	defer srv.Close()

	ctx := context.Background()
	api, err := calendarapi.NewService(ctx, option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	g := NewWithService(api, "", cest)

	from := time.Date(2022, 4, 14, 8, 0, 0, 0, cest)
	to := time.Date(2022, 4, 14, 23, 59, 59, 0, cest)
	events, err := g.FetchEvents(ctx, from, to)
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}

	if len(gotQuery) != 2 {
		t.Fatalf("expected 2 page requests, got %d", len(gotQuery))
	}
	q := gotQuery[0]
	for _, want := range []string{"singleEvents=true", "orderBy=startTime", "timeMin=", "timeMax="} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events (cancelled dropped), got %d", len(events))
	}

	zoom := events[0]
	if zoom.Name != "Zoom_Call" || zoom.UID != "a1" || zoom.SourceID != "primary" {
		t.Errorf("unexpected first event: %+v", zoom)
	}
	if !zoom.Start.Equal(time.Date(2022, 4, 14, 15, 5, 0, 0, cest)) {
		t.Errorf("zoom start = %s", zoom.Start)
	}

	offsite := events[1]
	if !offsite.AllDay {
		t.Error("date-only event should be all-day")
	}
	if !offsite.Start.Equal(time.Date(2022, 4, 14, 0, 0, 0, 0, cest)) || !offsite.End.Equal(time.Date(2022, 4, 15, 0, 0, 0, 0, cest)) {
		t.Errorf("all-day bounds = %s .. %s", offsite.Start, offsite.End)
	}

	noEnd := events[2]
	if !noEnd.End.IsZero() {
		t.Errorf("missing end should stay zero, got %s", noEnd.End)
	}
	if noEnd.Validate() == nil {
		t.Error("record without end should not validate")
	}
}

func TestFetchEventsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":503,"message":"backend"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx := context.Background()
	api, err := calendarapi.NewService(ctx, option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewWithService(api, "primary", cest).FetchEvents(ctx, time.Now(), time.Now().Add(time.Hour)); err == nil {
		t.Error("expected error on 503")
	}
}

func TestFileTokenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens", "token.json")
	s := FileTokenStore{Path: path}

	if _, err := s.Load(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}

	tok := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer"}
	if err := s.Save(tok); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token perms = %o, want 600", perm)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RefreshToken != "refresh" {
		t.Errorf("refresh token = %q", got.RefreshToken)
	}
}

func TestKeyringTokenStore(t *testing.T) {
	keyring.MockInit()
	s := NewKeyringTokenStore()

	if _, err := s.Load(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if err := s.Save(&oauth2.Token{AccessToken: "access", RefreshToken: "refresh"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != "access" {
		t.Errorf("access token = %q", got.AccessToken)
	}
}

func TestKeyringTokenStoreBackendError(t *testing.T) {
	orig := keyringGet
	keyringGet = func(string, string) (string, error) { return "", errors.New("keychain locked") }
	defer func() { keyringGet = orig }()

	if _, err := NewKeyringTokenStore().Load(); err == nil || errors.Is(err, ErrNoToken) {
		t.Errorf("expected backend error, got %v", err)
	}
}

func TestNewWithoutToken(t *testing.T) {
	store := FileTokenStore{Path: filepath.Join(t.TempDir(), "token.json")}
	_, err := New(context.Background(), &oauth2.Config{}, store, "primary", cest)
	if !errors.Is(err, ErrAuth) {
		t.Errorf("expected ErrAuth, got %v", err)
	}
}

func TestNewWithValidToken(t *testing.T) {
	store := FileTokenStore{Path: filepath.Join(t.TempDir(), "token.json")}
	_ = store.Save(&oauth2.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)})

	g, err := New(context.Background(), &oauth2.Config{}, store, "work", cest)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.calendarID != "work" {
		t.Errorf("calendarID = %q", g.calendarID)
	}
}

func TestNewRefreshFailure(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer tokenSrv.Close()

	conf := &oauth2.Config{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{TokenURL: tokenSrv.URL},
	}
	store := FileTokenStore{Path: filepath.Join(t.TempDir(), "token.json")}
	_ = store.Save(&oauth2.Token{AccessToken: "stale", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Hour)})

	if _, err := New(context.Background(), conf, store, "primary", cest); !errors.Is(err, ErrAuth) {
		t.Errorf("expected ErrAuth, got %v", err)
	}
}

func TestSavingTokenSourcePersistsRefresh(t *testing.T) {
	store := FileTokenStore{Path: filepath.Join(t.TempDir(), "token.json")}
	ts := &savingTokenSource{
		base:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "new"}),
		store: store,
		last:  "old",
	}
	if _, err := ts.Token(); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load()
	if err != nil || got.AccessToken != "new" {
		t.Errorf("refreshed token not persisted: %v, %v", got, err)
	}
}

func TestLoadOAuthConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	secret := `{"installed":{"client_id":"cid","client_secret":"sec","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost"]}}`
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		t.Fatal(err)
	}

	conf, err := LoadOAuthConfig(path)
	if err != nil {
		t.Fatalf("LoadOAuthConfig: %v", err)
	}
	if conf.ClientID != "cid" || len(conf.Scopes) != 1 || conf.Scopes[0] != calendarapi.CalendarReadonlyScope {
		t.Errorf("unexpected config: %+v", conf)
	}

	if _, err := LoadOAuthConfig(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, ErrAuth) {
		t.Errorf("expected ErrAuth for missing file, got %v", err)
	}
}

type chanWriter chan string

func (c chanWriter) Write(p []byte) (int, error) {
	c <- string(p)
	return len(p), nil
}

func TestAuthorize(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("code") != "the-code" {
			http.Error(w, "bad code", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"access","refresh_token":"refresh","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	conf := &oauth2.Config{
		ClientID: "cid",
		Endpoint: oauth2.Endpoint{AuthURL: "https://accounts.example.com/auth", TokenURL: tokenSrv.URL},
	}
	store := FileTokenStore{Path: filepath.Join(t.TempDir(), "token.json")}

	out := make(chanWriter, 1)
	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() {
		tok, err := Authorize(ctx, conf, store, out)
		done <- result{tok, err}
	}()

	var printed string
	select {
	case printed = <-out:
	case <-ctx.Done():
		t.Fatal("consent URL was never printed")
	}

	var authURL *url.URL
	for _, field := range strings.Fields(printed) {
		if strings.HasPrefix(field, "https://accounts.example.com/auth") {
			u, err := url.Parse(field)
			if err != nil {
				t.Fatal(err)
			}
			authURL = u
		}
	}
	if authURL == nil {
		t.Fatalf("no consent URL in output: %q", printed)
	}
	q := authURL.Query()
	if q.Get("access_type") != "offline" {
		t.Errorf("access_type = %q", q.Get("access_type"))
	}

	redirect := q.Get("redirect_uri") + "?code=the-code&state=" + url.QueryEscape(q.Get("state"))
	resp, err := http.Get(redirect)
	if err != nil {
		t.Fatalf("redirect: %v", err)
	}
	resp.Body.Close()

	res := <-done
	if res.err != nil {
		t.Fatalf("Authorize: %v", res.err)
	}
	if res.tok.RefreshToken != "refresh" {
		t.Errorf("refresh token = %q", res.tok.RefreshToken)
	}
	if saved, err := store.Load(); err != nil || saved.AccessToken != "access" {
		t.Errorf("token not saved: %v, %v", saved, err)
	}
}

func TestAuthorizeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Authorize(ctx, &oauth2.Config{}, FileTokenStore{Path: filepath.Join(t.TempDir(), "t.json")}, io.Discard)
	if !errors.Is(err, ErrAuth) {
		t.Errorf("expected ErrAuth, got %v", err)
	}
}
