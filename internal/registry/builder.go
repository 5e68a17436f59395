package registry

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"sip-router/internal/sip"
)

// allowedMethods are advertised in the REGISTER, one Allow header each.
var allowedMethods = []string{"INVITE", "ACK", "BYE", "CANCEL", "REGISTER", "OPTIONS"}

// RegisterParams carries everything needed to construct one REGISTER.
type RegisterParams struct {
	Username    string
	GatewayRef  string
	GatewayHost string
	Transport   string
	Received    string // NAT-discovered public address, "" when unknown
	RPort       int    // NAT-discovered source port, 0 when unknown
	Expires     int
}

// RequestBuilder constructs bulk-registration REGISTER requests per RFC 6140
// (GIN): the Contact carries a valueless bnc parameter and the request
// requires the gin extension, so a single REGISTER covers the whole number
// range the gateway routes to us.
type RequestBuilder struct {
	resolver  *AddressResolver
	userAgent string
	cseq      atomic.Uint64
}

// NewRequestBuilder creates a builder. The CSeq counter is monotonic across
// all gateways.
func NewRequestBuilder(resolver *AddressResolver, userAgent string) *RequestBuilder {
	return &RequestBuilder{
		resolver:  resolver,
		userAgent: userAgent,
	}
}

// BuildRegister constructs a GIN REGISTER for the given gateway target.
func (b *RequestBuilder) BuildRegister(p RegisterParams) (*sip.SIPRequest, error) {
	contactHost, contactPort, err := b.resolver.Resolve(p.Transport, p.Received, p.RPort)
	if err != nil {
		return nil, err
	}

	transport := strings.ToUpper(p.Transport)
	aor := fmt.Sprintf("sip:%s@%s", p.Username, p.GatewayHost)

	req := &sip.SIPRequest{
		Method: "REGISTER",
		URI:    "sip:" + p.GatewayHost,
		Proto:  "SIP/2.0",
	}

	via := &sip.Via{
		Proto: "SIP/2.0/" + transport,
		Host:  contactHost,
		Port:  strconv.Itoa(contactPort),
		Params: []sip.Header{
			{Name: "rport"}, // empty value: ask the peer to report our source port
			{Name: "branch", Value: sip.GenerateBranchID()},
		},
	}
	req.AppendHeader("Via", via.String())
	req.AppendHeader("Max-Forwards", "70")
	req.AppendHeader("From", fmt.Sprintf("<%s>;tag=%s", aor, uuid.NewString()))
	req.AppendHeader("To", fmt.Sprintf("<%s>", aor))
	req.AppendHeader("Call-ID", uuid.NewString())
	req.AppendHeader("CSeq", fmt.Sprintf("%d REGISTER", b.cseq.Add(1)))
	req.AppendHeader("Contact", fmt.Sprintf("<sip:%s@%s:%d>;bnc", p.Username, contactHost, contactPort))
	req.AppendHeader("Expires", strconv.Itoa(p.Expires))
	req.AppendHeader("Proxy-Require", "gin")
	req.AppendHeader("Require", "gin")
	req.AppendHeader("Supported", "path")
	for _, m := range allowedMethods {
		req.AppendHeader("Allow", m)
	}
	req.AppendHeader("User-Agent", b.userAgent)
	req.AppendHeader("X-Gateway-Ref", p.GatewayRef)

	return req, nil
}
