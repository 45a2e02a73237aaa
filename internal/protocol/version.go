// ABOUTME: Protocol version negotiation between clients and the broker
// ABOUTME: Sessions run at the lower of the two versions, above a supported floor

package protocol

import (
	"errors"
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

const (
	// Version is the protocol version this broker speaks.
	Version = "1.2.0"
	// MinVersion is the oldest client version the broker accepts.
	MinVersion = "1.0.0"
)

// ErrUnsupportedVersion is returned for clients below MinVersion or with an
// unparseable version.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

var (
	brokerVersion = goversion.Must(goversion.NewVersion(Version))
	minVersion    = goversion.Must(goversion.NewVersion(MinVersion))
)

// Negotiate returns the version a session with the given client runs at.
func Negotiate(client string) (string, error) {
	if client == "" {
		return "", fmt.Errorf("%w: client sent no version", ErrUnsupportedVersion)
	}
	v, err := goversion.NewVersion(client)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, client, err)
	}
	if v.LessThan(minVersion) {
		return "", fmt.Errorf("%w: %s is older than %s", ErrUnsupportedVersion, v, minVersion)
	}
	if v.GreaterThan(brokerVersion) {
		return brokerVersion.String(), nil
	}
	return v.String(), nil
}
