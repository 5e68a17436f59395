package registry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"sip-router/internal/logger"
	"sip-router/internal/sip"
	"sip-router/internal/storage"
)

const (
	// defaultExpires is the requested registration lifetime when the gateway
	// record does not specify one.
	defaultExpires = 3600
	// sipPort is the destination port for outbound REGISTERs.
	sipPort = "5060"
)

// GatewayStore is the narrow read interface onto the gateway data store.
type GatewayStore interface {
	GetGateways() ([]*storage.Gateway, error)
}

// target identifies one registration: a gateway and the registrar host this
// REGISTER goes to. A gateway with extra registries yields one target per
// host, each tracked under its own URI.
type target struct {
	gw   *storage.Gateway
	host string
}

func (t target) uri() string {
	return fmt.Sprintf("sip:%s@%s", t.gw.Username, t.host)
}

func (t target) expires() int {
	if t.gw.Expires > 0 {
		return t.gw.Expires
	}
	return defaultExpires
}

// natView is the received/rport pair a peer reported in a Via, per transport.
type natView struct {
	received string
	rport    int
}

// Options configures a Registrar.
type Options struct {
	Store               GatewayStore
	Provider            Provider
	ExternAddr          string
	UserAgent           string
	CheckExpiresMinutes int           // tick period and cache write-expiry; default 1
	InitialDelay        time.Duration // delay before the first sweep; default 10s
	Log                 logger.Logger
}

// Registrar keeps this server registered with its upstream gateways: it runs
// the periodic control loop, constructs and dispatches GIN REGISTERs, applies
// responses to the registration cache, and answers digest challenges.
type Registrar struct {
	store    GatewayStore
	provider Provider
	builder  *RequestBuilder
	cache    *Cache
	log      logger.Logger

	checkExpiresMinutes int
	tickPeriod          time.Duration
	initialDelay        time.Duration

	mu       sync.Mutex
	natViews map[string]natView // keyed by upper-case transport
	stopCh   chan struct{}
	started  bool

	lookupIP func(host string) string
}

// New creates a Registrar. Call Start to begin registering.
func New(opts Options) *Registrar {
	if opts.CheckExpiresMinutes <= 0 {
		opts.CheckExpiresMinutes = 1
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 10 * time.Second
	}
	interval := time.Duration(opts.CheckExpiresMinutes) * time.Minute
	resolver := NewAddressResolver(opts.Provider, opts.ExternAddr)

	return &Registrar{
		store:               opts.Store,
		provider:            opts.Provider,
		builder:             NewRequestBuilder(resolver, opts.UserAgent),
		cache:               NewCache(interval),
		log:                 opts.Log,
		checkExpiresMinutes: opts.CheckExpiresMinutes,
		tickPeriod:          interval,
		initialDelay:        opts.InitialDelay,
		natViews:            make(map[string]natView),
		lookupIP:            lookupHostIP,
	}
}

// Start launches the periodic registration loop.
func (r *Registrar) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	go r.loop(stopCh)
}

// Stop cancels future ticks. In-flight transactions are not cancelled; their
// responses, if any arrive, still update the cache.
func (r *Registrar) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	close(r.stopCh)
}

// Snapshot returns the current registration records for operator visibility.
func (r *Registrar) Snapshot() []Record {
	return r.cache.Snapshot()
}

func (r *Registrar) loop(stopCh chan struct{}) {
	initial := time.NewTimer(r.initialDelay)
	defer initial.Stop()
	select {
	case <-initial.C:
	case <-stopCh:
		return
	}
	r.tick()

	ticker := time.NewTicker(r.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-stopCh:
			return
		}
	}
}

// tick runs one registration sweep. No failure escapes the tick: a data-store
// error skips the whole sweep (cache untouched), per-gateway failures are
// contained to that gateway.
func (r *Registrar) tick() {
	gateways, err := r.store.GetGateways()
	if err != nil {
		r.log.Warn("gateway lookup failed, skipping registration sweep", logger.Error(err))
		return
	}

	for _, gw := range gateways {
		if !gw.HasCredentials() {
			continue
		}
		for _, host := range append([]string{gw.Host}, gw.Registries...) {
			t := target{gw: gw, host: host}
			if !r.cache.IsExpired(t.uri()) {
				continue
			}
			r.register(t)
		}
	}
}

// register builds and dispatches one REGISTER for the target.
func (r *Registrar) register(t target) {
	received, rport := r.natView(t.gw.Transport)
	req, err := r.builder.BuildRegister(RegisterParams{
		Username:    t.gw.Username,
		GatewayRef:  t.gw.Ref,
		GatewayHost: t.host,
		Transport:   t.gw.Transport,
		Received:    received,
		RPort:       rport,
		Expires:     t.expires(),
	})
	if err != nil {
		if errors.Is(err, ErrTransportUnavailable) {
			r.log.Error("no listening point for gateway transport",
				logger.String("gateway", t.gw.Name),
				logger.String("transport", t.gw.Transport))
		} else {
			r.log.Error("could not build REGISTER",
				logger.String("gateway", t.gw.Name), logger.Error(err))
		}
		return
	}
	r.dispatch(t, req, false)
}

// dispatch hands the request to the SIP provider as a new client transaction.
// A local send failure invalidates the target's cache entry; the next tick
// retries.
func (r *Registrar) dispatch(t target, req *sip.SIPRequest, challenged bool) {
	r.log.Debugf("sending REGISTER to %s:\n%s", t.host, req.String())

	tx, err := r.provider.NewClientTx(req, net.JoinHostPort(t.host, sipPort), t.gw.Transport)
	if err != nil {
		r.cache.Invalidate(t.uri())
		r.log.Warn("could not send REGISTER, check network connectivity to gateway",
			logger.String("gateway", t.gw.Name),
			logger.String("host", t.host),
			logger.Error(err))
		return
	}

	go r.awaitResponse(t, req, tx, challenged)
}

// awaitResponse waits for the final response on a client transaction and
// applies it. Transaction timeouts surface as a synthesized 408 and take the
// rejection path.
func (r *Registrar) awaitResponse(t target, req *sip.SIPRequest, tx sip.ClientTransaction, challenged bool) {
	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue // provisional
			}
			r.handleRegisterResponse(t, req, res, challenged)
			return
		case <-tx.Done():
			// A final response queued just before termination (synthesized
			// 408/503, or a final response on a reliable transport) is still
			// applied.
			select {
			case res := <-tx.Responses():
				if res.StatusCode >= 200 {
					r.handleRegisterResponse(t, req, res, challenged)
				}
			default:
			}
			return
		}
	}
}

// handleRegisterResponse applies a final REGISTER response to the
// registration state.
func (r *Registrar) handleRegisterResponse(t target, req *sip.SIPRequest, res *sip.SIPResponse, challenged bool) {
	r.learnNAT(t.gw.Transport, res)

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		r.storeRegistration(t, res)
	case (res.StatusCode == 401 || res.StatusCode == 407) && !challenged:
		r.answerChallenge(t, req, res)
	default:
		r.cache.Invalidate(t.uri())
		r.log.Warn("registration rejected",
			logger.String("gateway", t.gw.Name),
			logger.String("host", t.host),
			logger.Int("status", res.StatusCode))
	}
}

// storeRegistration records a successful registration. The stored lifetime is
// the granted one minus two tick intervals, so the loop re-registers before
// the server drops the binding even after one missed tick. A grant too short
// to survive that margin is still recorded for observability and re-registers
// on the next tick.
func (r *Registrar) storeRegistration(t target, res *sip.SIPResponse) {
	granted := res.Expires()
	if granted < 0 {
		granted = t.expires()
	}
	effective := granted - 2*60*r.checkExpiresMinutes

	rec := Record{
		Username:     t.gw.Username,
		Host:         t.host,
		IP:           r.lookupIP(t.host),
		Expires:      effective,
		RegisteredOn: time.Now(),
	}
	r.cache.Put(t.uri(), rec)
	r.log.Info("gateway registered",
		logger.String("gateway", t.gw.Name),
		logger.String("uri", t.uri()),
		logger.Int("expires", effective))
}

// answerChallenge re-issues the REGISTER with digest credentials. One retry
// per challenge; a repeated 401/407 means the credentials are wrong and takes
// the rejection path.
func (r *Registrar) answerChallenge(t target, req *sip.SIPRequest, res *sip.SIPResponse) {
	challengeHeader, authHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeHeader, authHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	challenge := res.GetHeader(challengeHeader)
	if challenge == "" {
		r.cache.Invalidate(t.uri())
		r.log.Warn("auth challenge carries no "+challengeHeader+" header",
			logger.String("gateway", t.gw.Name))
		return
	}

	creds, err := sip.AnswerChallenge(challenge, "REGISTER", req.URI, t.gw.Username, t.gw.Password)
	if err != nil {
		r.cache.Invalidate(t.uri())
		r.log.Warn("could not answer auth challenge",
			logger.String("gateway", t.gw.Name), logger.Error(err))
		return
	}

	received, rport := r.natView(t.gw.Transport)
	retry, err := r.builder.BuildRegister(RegisterParams{
		Username:    t.gw.Username,
		GatewayRef:  t.gw.Ref,
		GatewayHost: t.host,
		Transport:   t.gw.Transport,
		Received:    received,
		RPort:       rport,
		Expires:     t.expires(),
	})
	if err != nil {
		r.log.Error("could not rebuild REGISTER for auth retry",
			logger.String("gateway", t.gw.Name), logger.Error(err))
		return
	}

	// The retry stays in the same registration: same Call-ID and From tag,
	// fresh branch and CSeq.
	retry.SetHeader("Call-ID", req.GetHeader("Call-ID"))
	retry.SetHeader("From", req.GetHeader("From"))
	retry.AppendHeader(authHeader, creds)

	r.dispatch(t, retry, true)
}

// learnNAT remembers the received/rport pair a peer reported in the top Via,
// so later Contacts advertise the NAT-public address.
func (r *Registrar) learnNAT(transport string, res *sip.SIPResponse) {
	via, err := res.TopVia()
	if err != nil {
		return
	}
	received, okR := via.Received()
	rport, okP := via.RPort()
	if !okR && !okP {
		return
	}

	key := strings.ToUpper(transport)
	r.mu.Lock()
	view := r.natViews[key]
	if okR {
		view.received = received
	}
	if okP {
		view.rport = rport
	}
	r.natViews[key] = view
	r.mu.Unlock()
}

func (r *Registrar) natView(transport string) (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.natViews[strings.ToUpper(transport)]
	return v.received, v.rport
}

// lookupHostIP resolves the registrar host for diagnostics. Resolution
// failures leave the record's IP empty; registration does not depend on it.
func lookupHostIP(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return ""
	}
	return ips[0].String()
}
