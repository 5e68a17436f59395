package sip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"sip-router/internal/logger"
)

// ErrNoListeningPoint is returned when no listening point is bound for the
// requested transport.
var ErrNoListeningPoint = errors.New("no listening point for transport")

// ListeningPoint is a (transport, IP, port) triple bound by the stack.
type ListeningPoint struct {
	Transport string
	IP        string
	Port      int
}

// Stack is the SIP provider: it binds listening points, routes incoming
// responses to their client transactions, and mints new client transactions.
// This server only originates non-INVITE requests; incoming requests are
// refused statelessly.
type Stack struct {
	userAgent string
	log       logger.Logger
	txManager *TransactionManager

	mu              sync.RWMutex
	listeningPoints map[string]ListeningPoint
	udpConn         net.PacketConn
}

// NewStack creates a new SIP stack.
func NewStack(userAgent string, log logger.Logger) *Stack {
	return &Stack{
		userAgent:       userAgent,
		log:             log,
		txManager:       NewTransactionManager(),
		listeningPoints: make(map[string]ListeningPoint),
	}
}

// ListeningPoint returns the listening point bound for the given transport.
func (s *Stack) ListeningPoint(transport string) (ListeningPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lp, ok := s.listeningPoints[strings.ToUpper(transport)]
	if !ok {
		return ListeningPoint{}, fmt.Errorf("%w: %s", ErrNoListeningPoint, transport)
	}
	return lp, nil
}

func (s *Stack) setListeningPoint(transport string, addr net.Addr) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		s.log.Warn("could not record listening point", logger.String("addr", addr.String()), logger.Error(err))
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		// When bound to 0.0.0.0 fall back to loopback for header construction.
		// Deployments behind NAT configure sip.extern_addr instead.
		host = "127.0.0.1"
	}
	port, _ := strconv.Atoi(portStr)

	s.mu.Lock()
	s.listeningPoints[strings.ToUpper(transport)] = ListeningPoint{
		Transport: strings.ToUpper(transport),
		IP:        host,
		Port:      port,
	}
	s.mu.Unlock()
}

// Run binds the configured transports on addr and serves until ctx is done.
func (s *Stack) Run(ctx context.Context, addr string, transports []string) error {
	g, gCtx := errgroup.WithContext(ctx)

	for _, tr := range transports {
		switch strings.ToLower(tr) {
		case "udp":
			g.Go(func() error { return s.runUDP(gCtx, addr) })
		case "tcp":
			g.Go(func() error { return s.runTCP(gCtx, addr) })
		default:
			return fmt.Errorf("unsupported transport: %s", tr)
		}
	}

	return g.Wait()
}

func (s *Stack) runUDP(ctx context.Context, addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("could not listen on UDP: %w", err)
	}
	defer pc.Close()

	s.mu.Lock()
	s.udpConn = pc
	s.mu.Unlock()
	s.setListeningPoint("UDP", pc.LocalAddr())
	s.log.Info("SIP stack listening", logger.String("transport", "UDP"), logger.String("addr", pc.LocalAddr().String()))

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, clientAddr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil // Graceful shutdown
			}
			s.log.Warn("error reading from UDP", logger.Error(err))
			continue
		}

		message := string(buf[:n])
		transport := NewUDPTransport(pc, clientAddr)
		go s.dispatchMessage(transport, message)
	}
}

func (s *Stack) runTCP(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not listen on TCP: %w", err)
	}
	defer listener.Close()

	s.setListeningPoint("TCP", listener.Addr())
	s.log.Info("SIP stack listening", logger.String("transport", "TCP"), logger.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // Graceful shutdown
			}
			s.log.Warn("error accepting TCP connection", logger.Error(err))
			continue
		}
		go s.serveTCPConn(ctx, conn)
	}
}

// serveTCPConn reads SIP messages from a TCP connection in a loop and
// dispatches them.
func (s *Stack) serveTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	transport := NewTCPTransport(conn)
	reader := bufio.NewReader(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		message, err := readFramedMessage(reader)
		if err != nil {
			if err != io.EOF {
				s.log.Debugf("error reading from TCP connection %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		go s.dispatchMessage(transport, message)
	}
}

// readFramedMessage reads one SIP message off a stream transport: headers up
// to the blank line, then exactly Content-Length body bytes.
func readFramedMessage(reader *bufio.Reader) (string, error) {
	var headers strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		headers.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	headerStr := headers.String()

	contentLength := parseContentLength(headerStr)
	body := make([]byte, contentLength)
	if contentLength > 0 {
		if _, err := io.ReadFull(reader, body); err != nil {
			return "", err
		}
	}

	return headerStr + string(body), nil
}

// parseContentLength is a helper to extract the Content-Length value from SIP headers.
func parseContentLength(headerStr string) int {
	lines := strings.Split(headerStr, "\r\n")
	for _, line := range lines {
		lowerLine := strings.ToLower(line)
		if strings.HasPrefix(lowerLine, "content-length:") || strings.HasPrefix(lowerLine, "l:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				lengthStr := strings.TrimSpace(parts[1])
				length, err := strconv.Atoi(lengthStr)
				if err == nil {
					return length
				}
			}
		}
	}
	return 0
}

// dispatchMessage determines if an incoming message is a request or a response
// and routes it to the appropriate handler.
func (s *Stack) dispatchMessage(transport Transport, rawMsg string) {
	if strings.HasPrefix(rawMsg, "SIP/2.0") {
		s.handleResponse(rawMsg)
	} else {
		s.handleRequest(transport, rawMsg)
	}
}

// handleResponse parses an incoming SIP response and passes it to the
// matching client transaction.
func (s *Stack) handleResponse(rawMsg string) {
	res, err := ParseSIPResponse(rawMsg)
	if err != nil {
		s.log.Warn("error parsing SIP response", logger.Error(err))
		return
	}

	topVia, err := res.TopVia()
	if err != nil {
		s.log.Warn("could not get Via from response", logger.Error(err))
		return
	}
	branchID := topVia.Branch()

	tx, ok := s.txManager.Get(branchID)
	if !ok {
		s.log.Debugf("no matching client transaction for response with branch %s", branchID)
		return
	}

	if clientTx, ok := tx.(ClientTransaction); ok {
		s.log.Debugf("passing response to client transaction %s", branchID)
		clientTx.ReceiveResponse(res)
	} else {
		s.log.Debugf("transaction %s is not a client transaction", branchID)
	}
}

// handleRequest refuses incoming requests statelessly. This server is a
// registration client, not a registrar.
func (s *Stack) handleRequest(transport Transport, rawMsg string) {
	req, err := ParseSIPRequest(rawMsg)
	if err != nil {
		s.log.Debugf("error parsing SIP request: %v", err)
		return
	}
	if req.Method == "ACK" {
		return // never answered
	}

	res := BuildResponse(405, "Method Not Allowed", req, []Header{{Name: "Server", Value: s.userAgent}})
	if _, err := transport.Write([]byte(res.String())); err != nil {
		s.log.Debugf("error sending 405 response: %v", err)
	}
}

// NewClientTx creates a client transaction for req addressed to destAddr
// (host:port) over the given transport, sends the request, and registers the
// transaction for response routing.
func (s *Stack) NewClientTx(req *SIPRequest, destAddr, transport string) (ClientTransaction, error) {
	var tr Transport
	switch strings.ToUpper(transport) {
	case "UDP":
		s.mu.RLock()
		pc := s.udpConn
		s.mu.RUnlock()
		if pc == nil {
			return nil, fmt.Errorf("%w: UDP", ErrNoListeningPoint)
		}
		raddr, err := net.ResolveUDPAddr("udp", destAddr)
		if err != nil {
			return nil, fmt.Errorf("could not resolve %s: %w", destAddr, err)
		}
		tr = NewUDPTransport(pc, raddr)
	case "TCP":
		conn, err := net.Dial("tcp", destAddr)
		if err != nil {
			return nil, fmt.Errorf("could not connect to %s: %w", destAddr, err)
		}
		tr = NewTCPTransport(conn)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", transport)
	}

	tx, err := NewNonInviteClientTx(req, tr, s.log)
	if err != nil {
		tr.Close()
		return nil, err
	}
	s.txManager.Add(tx)

	if strings.ToUpper(transport) == "TCP" {
		go s.readTCPResponses(tx, tr)
	}
	return tx, nil
}

// readTCPResponses feeds responses from a dialed connection back into the
// stack until the owning transaction terminates, then closes the connection.
func (s *Stack) readTCPResponses(tx ClientTransaction, tr Transport) {
	conn := tr.(*TCPTransport).conn
	defer conn.Close()

	go func() {
		<-tx.Done()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		message, err := readFramedMessage(reader)
		if err != nil {
			return
		}
		s.handleResponse(message)
	}
}
