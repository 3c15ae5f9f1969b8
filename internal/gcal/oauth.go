package gcal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendarapi "google.golang.org/api/calendar/v3"

	appLog "shotcal/internal/log"
)

// ErrAuth marks failures to obtain or refresh calendar credentials. It is
// fatal at startup; the fix is re-running the consent flow.
var ErrAuth = errors.New("calendar authentication failed")

// LoadOAuthConfig reads an "installed application" client secret file.
func LoadOAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read credentials %s: %w", ErrAuth, credentialsFile, err)
	}
	conf, err := google.ConfigFromJSON(data, calendarapi.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("%w: parse credentials %s: %w", ErrAuth, credentialsFile, err)
	}
	return conf, nil
}

// Authorize runs the loopback consent flow: it listens on an ephemeral
// 127.0.0.1 port, prints the consent URL to out, waits for Google to
// redirect back with a code, exchanges it and saves the token.
func Authorize(ctx context.Context, conf *oauth2.Config, store TokenStore, out io.Writer) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("%w: listen for oauth redirect: %w", ErrAuth, err)
	}
	defer ln.Close()

	c := *conf
	c.RedirectURL = "http://" + ln.Addr().String() + "/"

	state, err := randomState()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)

	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			var res result
			switch {
			case q.Get("error") != "":
				res.err = fmt.Errorf("consent denied: %s", q.Get("error"))
			case q.Get("state") != state:
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			case q.Get("code") == "":
				http.Error(w, "missing code", http.StatusBadRequest)
				return
			default:
				res.code = q.Get("code")
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, "shotcal: authorization received, you can close this tab.\n")
			select {
			case results <- res:
			default:
			}
		}),
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("oauth redirect server failed", err)
		}
	}()
	defer srv.Close()

	authURL := c.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "Open the following URL in your browser to authorize calendar access:\n\n%s\n\n", authURL)

	var res result
	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAuth, ctx.Err())
	}
	if res.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, res.err)
	}

	tok, err := c.Exchange(ctx, res.code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange code: %w", ErrAuth, err)
	}
	if err := store.Save(tok); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}
	appLog.Info("calendar authorization stored", "expiry", tok.Expiry)
	return tok, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
