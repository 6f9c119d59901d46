package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/pithecene-io/jpoly/iox"
	"github.com/pithecene-io/jpoly/types"
)

// Register is the backend side of the handshake: it presents token and the
// backend's channel port to the host listening on port. A 403 maps to
// types.ErrHandshakeTokenMismatch.
func Register(ctx context.Context, client *http.Client, port int, token string, channelPort int) error {
	if client == nil {
		client = http.DefaultClient
	}
	url := "http://" + net.JoinHostPort(loopbackHost, strconv.Itoa(port)) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set(HeaderToken, token)
	req.Header.Set(HeaderChannelPort, strconv.Itoa(channelPort))
	req.Header.Set(HeaderProtocol, types.ProtocolVersion)
	req.Close = true

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("registration request: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusForbidden:
		return types.NewError(types.ErrHandshakeTokenMismatch, "register", url, nil)
	case http.StatusGone:
		return types.NewError(types.ErrHandshakeTimeout, "register", url, errors.New("handshake already ended"))
	default:
		return fmt.Errorf("registration rejected: status %d", resp.StatusCode)
	}
}
