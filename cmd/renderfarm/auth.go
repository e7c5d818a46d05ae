package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"renderfarm/internal/storage"
	"renderfarm/internal/util"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Obtain artifact store credentials",
	}
	cmd.AddCommand(newAuthGDriveCmd())
	return cmd
}

func newAuthGDriveCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "gdrive",
		Short: "Run the Google OAuth flow and print a refresh token",
		Long:  "Opens a local callback server, prints the consent URL, and prints the refresh token to set as GDRIVE_REFRESH_TOKEN. Reads GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID := util.Env("GDRIVE_CLIENT_ID", "")
			clientSecret := util.Env("GDRIVE_CLIENT_SECRET", "")
			if clientID == "" || clientSecret == "" {
				return fmt.Errorf("GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET must be set")
			}
			return runGDriveAuth(cmd.Context(), cmd.OutOrStdout(), clientID, clientSecret, timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "how long to wait for the browser callback")
	return cmd
}

func runGDriveAuth(ctx context.Context, out io.Writer, clientID, clientSecret string, timeout time.Duration) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", port)
	conf := storage.GDriveOAuthConfig(clientID, clientSecret, redirectURL)

	state := randomState()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	srv := &http.Server{
		Handler:      oauthCallback(state, codeCh, errCh),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	defer srv.Close()

	// Offline access with forced consent so a refresh token is issued.
	authURL := conf.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	fmt.Fprintf(out, "Open this URL in your browser:\n\n%s\n\nWaiting for authorization on %s\n", authURL, redirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for authorization")
	case <-ctx.Done():
		return ctx.Err()
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if strings.TrimSpace(tok.RefreshToken) == "" {
		return fmt.Errorf("no refresh token returned; revoke the app's access at https://myaccount.google.com/permissions and retry")
	}

	fmt.Fprintf(out, "\nGDRIVE_REFRESH_TOKEN=%s\n", tok.RefreshToken)
	return nil
}

func oauthCallback(state string, codeCh chan<- string, errCh chan<- error) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			send(errCh, fmt.Errorf("invalid state"))
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "auth error: "+e, http.StatusBadRequest)
			send(errCh, fmt.Errorf("auth error: %s", e))
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			send(errCh, fmt.Errorf("missing code"))
			return
		}

		fmt.Fprintln(w, "Authorized. You can close this window and return to the terminal.")
		send(codeCh, code)
	})
	return mux
}

// send drops v when the receiver already has a result.
func send[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
