package registry

import (
	"errors"
	"strings"
	"testing"
	"time"

	"sip-router/internal/logger"
	"sip-router/internal/sip"
	"sip-router/internal/storage"
)

func testGateway() *storage.Gateway {
	return &storage.Gateway{
		Ref:       "gw1",
		Name:      "main-trunk",
		Username:  "alice",
		Password:  "secret",
		Host:      "pbx.example.com",
		Transport: "UDP",
		Expires:   3600,
	}
}

func newTestRegistrar(store GatewayStore, fp *fakeProvider) *Registrar {
	r := New(Options{
		Store:               store,
		Provider:            fp,
		UserAgent:           "test-agent/1.0",
		CheckExpiresMinutes: 1,
		InitialDelay:        10 * time.Second,
		Log:                 logger.Nop(),
	})
	r.lookupIP = func(string) string { return "192.0.2.10" }
	return r
}

func okResponse(expires string) *sip.SIPResponse {
	res := &sip.SIPResponse{Proto: "SIP/2.0", StatusCode: 200, Reason: "OK"}
	if expires != "" {
		res.AppendHeader("Expires", expires)
	}
	return res
}

func TestTickFirstRegistration(t *testing.T) {
	fp := newFakeProvider()
	r := newTestRegistrar(&fakeStore{gateways: []*storage.Gateway{testGateway()}}, fp)

	r.tick()

	if fp.sentCount() != 1 {
		t.Fatalf("expected 1 REGISTER, got %d", fp.sentCount())
	}
	sent := fp.sentAt(0)
	if sent.destAddr != "pbx.example.com:5060" {
		t.Errorf("unexpected destination: %s", sent.destAddr)
	}
	if sent.req.URI != "sip:pbx.example.com" {
		t.Errorf("unexpected request URI: %s", sent.req.URI)
	}
	if contact := sent.req.GetHeader("Contact"); contact != "<sip:alice@10.0.0.5:5060>;bnc" {
		t.Errorf("unexpected Contact: %q", contact)
	}

	// 200 OK granting the requested lifetime populates the cache with the
	// lifetime minus the two-tick safety margin.
	sent.tx.ReceiveResponse(okResponse("3600"))

	waitFor(t, time.Second, func() bool {
		rec, ok := r.cache.GetIfPresent("sip:alice@pbx.example.com")
		return ok && rec.Expires == 3480
	}, "cache never recorded the registration with expires 3480")

	rec, _ := r.cache.GetIfPresent("sip:alice@pbx.example.com")
	if rec.Username != "alice" || rec.Host != "pbx.example.com" || rec.IP != "192.0.2.10" {
		t.Errorf("unexpected record: %+v", rec)
	}

	// A live registration suppresses the next tick's REGISTER.
	r.tick()
	if fp.sentCount() != 1 {
		t.Errorf("expected no re-registration while live, got %d sends", fp.sentCount())
	}
}

func TestTickMultiRegistrar(t *testing.T) {
	gw := testGateway()
	gw.Registries = []string{"pbx-a.example.com", "pbx-b.example.com"}
	fp := newFakeProvider()
	r := newTestRegistrar(&fakeStore{gateways: []*storage.Gateway{gw}}, fp)

	r.tick()

	if fp.sentCount() != 3 {
		t.Fatalf("expected 3 REGISTERs, got %d", fp.sentCount())
	}
	wantDests := map[string]bool{
		"pbx.example.com:5060":   true,
		"pbx-a.example.com:5060": true,
		"pbx-b.example.com:5060": true,
	}
	for i := 0; i < 3; i++ {
		sent := fp.sentAt(i)
		if !wantDests[sent.destAddr] {
			t.Errorf("unexpected destination %s", sent.destAddr)
		}
		delete(wantDests, sent.destAddr)
		sent.tx.ReceiveResponse(okResponse("3600"))
	}

	// Each registry host is tracked under its own URI.
	waitFor(t, time.Second, func() bool { return len(r.cache.Snapshot()) == 3 },
		"expected 3 cache entries after all three registrations succeed")

	r.tick()
	if fp.sentCount() != 3 {
		t.Errorf("expected no re-registration while all targets are live, got %d sends", fp.sentCount())
	}
}

func TestTickSkipsGatewaysWithoutCredentials(t *testing.T) {
	gw := testGateway()
	gw.Password = ""
	fp := newFakeProvider()
	r := newTestRegistrar(&fakeStore{gateways: []*storage.Gateway{gw}}, fp)

	r.tick()

	if fp.sentCount() != 0 {
		t.Errorf("expected no REGISTERs for a credential-less gateway, got %d", fp.sentCount())
	}
}

func TestTickDataStoreDown(t *testing.T) {
	fp := newFakeProvider()
	store := &fakeStore{err: errors.New("datastore unavailable")}
	r := newTestRegistrar(store, fp)

	// Pre-existing registrations survive a failed sweep untouched.
	r.cache.Put("sip:alice@pbx.example.com", Record{Username: "alice", Expires: 3480, RegisteredOn: time.Now()})

	r.tick()

	if fp.sentCount() != 0 {
		t.Errorf("expected no REGISTERs when the data store is down, got %d", fp.sentCount())
	}
	if _, ok := r.cache.GetIfPresent("sip:alice@pbx.example.com"); !ok {
		t.Error("existing cache entry must survive a failed sweep")
	}
}

func TestDispatchFailureInvalidates(t *testing.T) {
	fp := newFakeProvider()
	fp.dialErr = errors.New("network is unreachable")
	r := newTestRegistrar(&fakeStore{gateways: []*storage.Gateway{testGateway()}}, fp)

	// Stale but visible entry; the failed dispatch must remove it.
	r.cache.Put("sip:alice@pbx.example.com", Record{Username: "alice", Expires: 0, RegisteredOn: time.Now()})

	r.tick()

	if _, ok := r.cache.GetIfPresent("sip:alice@pbx.example.com"); ok {
		t.Error("expected the cache entry to be invalidated after a dispatch failure")
	}
	if len(r.cache.Snapshot()) != 0 {
		t.Error("snapshot must omit the failed gateway")
	}
}

func TestTransportUnavailableSkipsGateway(t *testing.T) {
	gw := testGateway()
	gw.Transport = "TLS" // not bound in the fake provider
	fp := newFakeProvider()
	r := newTestRegistrar(&fakeStore{gateways: []*storage.Gateway{gw}}, fp)

	r.tick()

	if fp.sentCount() != 0 {
		t.Errorf("expected no dispatch without a listening point, got %d", fp.sentCount())
	}
}

func TestRegistrationRejectedInvalidates(t *testing.T) {
	fp := newFakeProvider()
	r := newTestRegistrar(&fakeStore{gateways: []*storage.Gateway{testGateway()}}, fp)

	r.tick()
	if fp.sentCount() != 1 {
		t.Fatalf("expected 1 REGISTER, got %d", fp.sentCount())
	}

	r.cache.Put("sip:alice@pbx.example.com", Record{Username: "alice", Expires: 3480, RegisteredOn: time.Now()})
	fp.sentAt(0).tx.ReceiveResponse(&sip.SIPResponse{Proto: "SIP/2.0", StatusCode: 403, Reason: "Forbidden"})

	waitFor(t, time.Second, func() bool {
		_, ok := r.cache.GetIfPresent("sip:alice@pbx.example.com")
		return !ok
	}, "expected the cache entry to be invalidated after a rejection")
}

func TestTransactionTimeoutInvalidates(t *testing.T) {
	fp := newFakeProvider()
	r := newTestRegistrar(&fakeStore{gateways: []*storage.Gateway{testGateway()}}, fp)

	r.tick()

	r.cache.Put("sip:alice@pbx.example.com", Record{Username: "alice", Expires: 3480, RegisteredOn: time.Now()})
	// The transaction layer synthesizes a 408 when Timer F fires.
	fp.sentAt(0).tx.ReceiveResponse(&sip.SIPResponse{Proto: "SIP/2.0", StatusCode: 408, Reason: "Request Timeout"})

	waitFor(t, time.Second, func() bool {
		_, ok := r.cache.GetIfPresent("sip:alice@pbx.example.com")
		return !ok
	}, "expected the cache entry to be invalidated after a transaction timeout")
}

func TestAuthChallengeRetry(t *testing.T) {
	fp := newFakeProvider()
	r := newTestRegistrar(&fakeStore{gateways: []*storage.Gateway{testGateway()}}, fp)

	r.tick()
	if fp.sentCount() != 1 {
		t.Fatalf("expected 1 REGISTER, got %d", fp.sentCount())
	}
	first := fp.sentAt(0)

	challenge := &sip.SIPResponse{Proto: "SIP/2.0", StatusCode: 401, Reason: "Unauthorized"}
	challenge.AppendHeader("WWW-Authenticate", `Digest realm="pbx.example.com", nonce="f84f1cec41e6cbe5aea9c8e88d359", algorithm=MD5, qop="auth"`)
	first.tx.ReceiveResponse(challenge)

	waitFor(t, time.Second, func() bool { return fp.sentCount() == 2 },
		"expected a second REGISTER answering the challenge")

	retry := fp.sentAt(1)
	auth := retry.req.GetHeader("Authorization")
	if auth == "" {
		t.Fatal("retry carries no Authorization header")
	}
	for _, want := range []string{`username="alice"`, `realm="pbx.example.com"`, `uri="sip:pbx.example.com"`} {
		if !strings.Contains(auth, want) {
			t.Errorf("Authorization header missing %s: %q", want, auth)
		}
	}
	if retry.req.GetHeader("Call-ID") != first.req.GetHeader("Call-ID") {
		t.Error("auth retry must reuse the original Call-ID")
	}
	if retry.req.GetHeader("From") != first.req.GetHeader("From") {
		t.Error("auth retry must reuse the original From tag")
	}
	if retry.req.GetHeader("CSeq") == first.req.GetHeader("CSeq") {
		t.Error("auth retry must advance CSeq")
	}

	// A 200 on the retry completes the registration.
	retry.tx.ReceiveResponse(okResponse("3600"))
	waitFor(t, time.Second, func() bool {
		rec, ok := r.cache.GetIfPresent("sip:alice@pbx.example.com")
		return ok && rec.Expires == 3480
	}, "cache never recorded the registration after the auth retry")

	// The successful retry leads to no further dispatch.
	if fp.sentCount() != 2 {
		t.Errorf("expected exactly 2 sends, got %d", fp.sentCount())
	}
}

func TestRepeatedChallengeDoesNotLoop(t *testing.T) {
	fp := newFakeProvider()
	r := newTestRegistrar(&fakeStore{gateways: []*storage.Gateway{testGateway()}}, fp)

	r.tick()
	challenge := func() *sip.SIPResponse {
		res := &sip.SIPResponse{Proto: "SIP/2.0", StatusCode: 401, Reason: "Unauthorized"}
		res.AppendHeader("WWW-Authenticate", `Digest realm="pbx.example.com", nonce="a1b2c3", algorithm=MD5`)
		return res
	}

	fp.sentAt(0).tx.ReceiveResponse(challenge())
	waitFor(t, time.Second, func() bool { return fp.sentCount() == 2 },
		"expected a second REGISTER answering the challenge")

	fp.sentAt(1).tx.ReceiveResponse(challenge())

	// No third dispatch: wrong credentials surface as a rejection.
	time.Sleep(50 * time.Millisecond)
	if fp.sentCount() != 2 {
		t.Errorf("expected the challenge loop to stop after one retry, got %d sends", fp.sentCount())
	}
}

func TestNATLearning(t *testing.T) {
	fp := newFakeProvider()
	r := newTestRegistrar(&fakeStore{gateways: []*storage.Gateway{testGateway()}}, fp)

	r.tick()
	first := fp.sentAt(0)

	// The peer reports our public address in the echoed Via.
	via, err := first.req.TopVia()
	if err != nil {
		t.Fatalf("request has no Via: %v", err)
	}
	// Per RFC 3581 the server fills the empty rport in place and adds received.
	echoed := strings.Replace(via.String(), ";rport", ";rport=40000", 1) + ";received=203.0.113.7"
	res := &sip.SIPResponse{Proto: "SIP/2.0", StatusCode: 200, Reason: "OK"}
	res.AppendHeader("Via", echoed)
	res.AppendHeader("Expires", "3600")
	first.tx.ReceiveResponse(res)

	waitFor(t, time.Second, func() bool {
		received, rport := r.natView("UDP")
		return received == "203.0.113.7" && rport == 40000
	}, "registrar never learned the NAT mapping from the response Via")

	// Force re-registration; the new Contact advertises the public address.
	r.cache.Invalidate("sip:alice@pbx.example.com")
	r.tick()
	waitFor(t, time.Second, func() bool { return fp.sentCount() == 2 }, "expected a re-registration")

	second := fp.sentAt(1)
	if contact := second.req.GetHeader("Contact"); contact != "<sip:alice@203.0.113.7:40000>;bnc" {
		t.Errorf("Contact not rewritten after NAT learning: %q", contact)
	}
}

func TestStartStop(t *testing.T) {
	fp := newFakeProvider()
	store := &fakeStore{gateways: []*storage.Gateway{testGateway()}}
	r := newTestRegistrar(store, fp)
	r.initialDelay = 10 * time.Millisecond
	r.tickPeriod = 20 * time.Millisecond

	r.Start()
	waitFor(t, time.Second, func() bool { return store.callCount() >= 2 },
		"expected the loop to sweep at least twice")

	r.Stop()
	calls := store.callCount()
	time.Sleep(60 * time.Millisecond)
	if store.callCount() != calls {
		t.Error("loop kept ticking after Stop")
	}

	// Stop is idempotent, Start after Stop resumes.
	r.Stop()
	r.Start()
	waitFor(t, time.Second, func() bool { return store.callCount() > calls },
		"expected the loop to resume after a restart")
	r.Stop()
}
