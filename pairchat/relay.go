package main

import (
	"encoding/base64"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"
)

// relay publishes the local view through one or more Portal relays.
type relay struct {
	clients   []*sdk.RDClient
	listeners []net.Listener
}

// openRelay registers name on every relay in urls with a shared
// credential. Relays that cannot be reached are skipped.
func openRelay(urls []string, name, credKey string) (*relay, error) {
	r := &relay{}
	if len(urls) == 0 {
		return r, nil
	}
	cred := sdk.NewCredential()
	if credKey != "" {
		key, err := base64.StdEncoding.DecodeString(credKey)
		if err != nil {
			return nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("new credential from private key: %w", err)
		}
		cred = cred2
	}
	for _, u := range urls {
		client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
		if err != nil {
			log.Error().Err(err).Str("url", u).Msg("[relay] new client failed")
			continue
		}
		r.clients = append(r.clients, client)
		ln, err := client.Listen(cred, name, []string{"http/1.1"})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("listen (%s): %w", u, err)
		}
		r.listeners = append(r.listeners, ln)
		log.Info().Str("url", u).Str("name", name).Msg("[relay] listening")
	}
	return r, nil
}

func (r *relay) Close() {
	for _, ln := range r.listeners {
		_ = ln.Close()
	}
	for _, c := range r.clients {
		_ = c.Close()
	}
}
