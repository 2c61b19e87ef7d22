package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"

	"renderd/internal/pkg/errors"
	"renderd/internal/pkg/logger"
	"renderd/internal/worker/util"
)

// gdrive-auth runs the OAuth consent flow once and prints the refresh token
// renderd needs for STORAGE_PROVIDER=gdrive.
func main() {
	log := logger.New(logger.DefaultConfig()).WithComponent("gdrive-auth")
	ctx := context.Background()

	clientID := util.MustEnv("GDRIVE_CLIENT_ID")
	clientSecret := util.MustEnv("GDRIVE_CLIENT_SECRET")
	timeout := util.DurationEnv("GDRIVE_AUTH_TIMEOUT", 3*time.Minute)

	// 1) Local callback on a free port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.LogFatal("failed to open callback listener", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		RedirectURL:  redirectURL,
	}

	state := randomState()

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			errCh <- errors.Validation("invalid state")
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "auth error: "+e, http.StatusBadRequest)
			errCh <- errors.Newf(errors.CodeValidation, "auth error: %s", e)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- errors.Validation("missing code")
			return
		}

		fmt.Fprintln(w, "Done. You can close this window and return to the terminal.")
		codeCh <- code
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()

	// 2) Offline access so a refresh token is issued
	authURL := conf.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	fmt.Printf("\nOpen this URL in your browser:\n\n%s\n\n", authURL)
	log.Info("waiting for authorization", "redirect_url", redirectURL, "timeout", timeout.String())

	// 3) Wait for the code
	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		_ = srv.Close()
		log.LogFatal("authorization failed", err)
	case <-time.After(timeout):
		_ = srv.Close()
		log.LogFatal("authorization timed out", errors.Unavailable("google consent"))
	}

	_ = srv.Close()

	// 4) Exchange the code for tokens
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		log.LogFatal("token exchange failed", err)
	}

	// Google omits the refresh token when the app was already authorized
	// without prompt=consent.
	if strings.TrimSpace(tok.RefreshToken) == "" {
		log.Warn("no refresh_token returned; revoke the app at https://myaccount.google.com/permissions and retry")
		return
	}

	fmt.Printf("\nGDRIVE_REFRESH_TOKEN=%s\n", tok.RefreshToken)
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
