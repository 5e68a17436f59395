package registry

import (
	"errors"
	"fmt"

	"sip-router/internal/sip"
)

// Provider is the narrow view of the SIP stack the registration subsystem
// consumes.
type Provider interface {
	ListeningPoint(transport string) (sip.ListeningPoint, error)
	NewClientTx(req *sip.SIPRequest, destAddr, transport string) (sip.ClientTransaction, error)
}

// ErrTransportUnavailable means no listening point is bound for a gateway's
// transport. The registration attempt for that gateway is skipped this tick.
var ErrTransportUnavailable = errors.New("transport unavailable")

// AddressResolver resolves the local contact address for a transport,
// honoring the configured external address and any NAT-discovered
// received/rport overrides.
type AddressResolver struct {
	provider   Provider
	externAddr string
}

// NewAddressResolver creates a resolver. externAddr may be empty.
func NewAddressResolver(provider Provider, externAddr string) *AddressResolver {
	return &AddressResolver{
		provider:   provider,
		externAddr: externAddr,
	}
}

// Resolve returns the (host, port) to advertise in Contact and Via for the
// given transport. Host precedence: NAT-discovered received address, then the
// external address override, then the listening point's bound IP. Port
// precedence: NAT-discovered rport, then the bound port.
func (r *AddressResolver) Resolve(transport, received string, rport int) (string, int, error) {
	lp, err := r.provider.ListeningPoint(transport)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrTransportUnavailable, transport)
	}

	host := lp.IP
	if r.externAddr != "" {
		host = r.externAddr
	}
	if received != "" {
		host = received
	}

	port := lp.Port
	if rport > 0 {
		port = rport
	}

	return host, port, nil
}
