package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/cretz/bine/torutil"
	tued25519 "github.com/cretz/bine/torutil/ed25519"
	"github.com/rs/zerolog"
)

// getOrCreatePK loads the onion service key from path, generating and
// saving a new one if the file doesn't exist.
func getOrCreatePK(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		path = "onion.key"
	}

	d, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		_, pk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		x509Encoded, err := x509.MarshalPKCS8PrivateKey(pk)
		if err != nil {
			return nil, err
		}
		pemEncoded := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: x509Encoded})
		if err := os.WriteFile(path, pemEncoded, 0600); err != nil {
			return nil, err
		}
		return pk, nil
	}

	block, _ := pem.Decode(d)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", path)
	}
	tPk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pk, ok := tPk.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid key type %T wanted ed25519.PrivateKey", tPk)
	}
	return pk, nil
}

type torServer struct {
	Handler http.Handler

	// PrivateKey is the onion service's ed25519 key.
	PrivateKey ed25519.PrivateKey

	// ExePath is the tor binary. Empty looks up "tor" in PATH.
	ExePath string

	log zerolog.Logger
}

func onionAddr(pk ed25519.PrivateKey) string {
	return torutil.OnionServiceIDFromV3PublicKey(tued25519.PublicKey([]byte(pk.Public().(ed25519.PublicKey))))
}

// Serve publishes ln as a v3 onion service and serves Handler on it until
// ctx is cancelled.
func (ts *torServer) Serve(ctx context.Context, ln net.Listener) error {
	d, err := os.MkdirTemp("", "parley-tor")
	if err != nil {
		return err
	}
	defer os.RemoveAll(d)

	ts.log.Info().Str("address", onionAddr(ts.PrivateKey)+".onion").Msg("starting tor, this may take a few minutes")
	t, err := tor.Start(ctx, &tor.StartConf{ExePath: ts.ExePath, TempDataDirBase: d, NoHush: true})
	if err != nil {
		return fmt.Errorf("unable to start Tor: %v", err)
	}
	defer t.Close()

	// Wait at most a few minutes to publish the service.
	listenCtx, listenCancel := context.WithTimeout(ctx, 3*time.Minute)
	defer listenCancel()

	// Create a v3 onion service to listen on any port but show as 80.
	onion, err := t.Listen(listenCtx, &tor.ListenConf{LocalListener: ln, Key: ts.PrivateKey, Version3: true, RemotePorts: []int{80}})
	if err != nil {
		return fmt.Errorf("unable to create onion service: %v", err)
	}
	defer onion.Close()

	ts.log.Info().Str("address", "http://"+onion.ID+".onion").Msg("onion service published")

	srv := &http.Server{Handler: ts.Handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Serve(onion); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
