// Package redisstub provides a minimal in-process Redis server speaking just
// enough RESP for the pub/sub room-event feed tests: AUTH, SUBSCRIBE,
// UNSUBSCRIBE and PUBLISH, optionally behind TLS with a self-signed
// certificate.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	channels map[string]map[*clientConn]struct{}
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type clientConn struct {
	conn   net.Conn
	writer *bufio.Writer
	mu     sync.Mutex
	subs   map[string]struct{}
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:     opts,
		channels: make(map[string]map[*clientConn]struct{}),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// Subscribers reports how many connections currently subscribe to a channel.
func (s *Server) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels[channel])
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	client := &clientConn{
		conn:   conn,
		writer: bufio.NewWriter(conn),
		subs:   make(map[string]struct{}),
	}
	defer func() {
		s.dropClient(client)
		conn.Close()
	}()
	reader := bufio.NewReader(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			client.writeError("ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if err := client.writeSimpleString("PONG"); err != nil {
				return
			}
		case "AUTH":
			var candidate string
			switch len(args) {
			case 2:
				candidate = args[1]
			case 3:
				candidate = args[2]
			default:
				if err := client.writeError("ERR wrong number of arguments for 'auth'"); err != nil {
					return
				}
				continue
			}
			if s.opts.Password == "" || candidate == s.opts.Password {
				authenticated = true
				if err := client.writeSimpleString("OK"); err != nil {
					return
				}
			} else if err := client.writeError("WRONGPASS invalid username-password pair"); err != nil {
				return
			}
		case "SELECT", "CLIENT":
			if err := client.writeSimpleString("OK"); err != nil {
				return
			}
		case "HELLO":
			// Answering with an error keeps go-redis on RESP2.
			if err := client.writeError("ERR unknown command 'HELLO'"); err != nil {
				return
			}
		case "QUIT":
			_ = client.writeSimpleString("OK")
			return
		default:
			if !authenticated {
				if err := client.writeError("NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(client, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(client *clientConn, args []string) bool {
	switch strings.ToUpper(args[0]) {
	case "SUBSCRIBE":
		if len(args) < 2 {
			_ = client.writeError("ERR wrong number of arguments for 'subscribe'")
			return false
		}
		for _, channel := range args[1:] {
			s.subscribe(client, channel)
			if err := client.writePush("subscribe", channel, int64(len(client.subs))); err != nil {
				return false
			}
		}
		return true
	case "UNSUBSCRIBE":
		channels := args[1:]
		if len(channels) == 0 {
			for channel := range client.subs {
				channels = append(channels, channel)
			}
		}
		for _, channel := range channels {
			s.unsubscribe(client, channel)
			if err := client.writePush("unsubscribe", channel, int64(len(client.subs))); err != nil {
				return false
			}
		}
		return true
	case "PUBLISH":
		if len(args) != 3 {
			_ = client.writeError("ERR wrong number of arguments for 'publish'")
			return false
		}
		delivered := s.publish(args[1], args[2])
		return client.writeInteger(delivered) == nil
	default:
		return client.writeError("ERR unsupported command") == nil
	}
}

func (s *Server) subscribe(client *clientConn, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.channels[channel]
	if subs == nil {
		subs = make(map[*clientConn]struct{})
		s.channels[channel] = subs
	}
	subs[client] = struct{}{}
	client.subs[channel] = struct{}{}
}

func (s *Server) unsubscribe(client *clientConn, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs := s.channels[channel]; subs != nil {
		delete(subs, client)
		if len(subs) == 0 {
			delete(s.channels, channel)
		}
	}
	delete(client.subs, channel)
}

func (s *Server) publish(channel, payload string) int64 {
	s.mu.Lock()
	recipients := make([]*clientConn, 0, len(s.channels[channel]))
	for client := range s.channels[channel] {
		recipients = append(recipients, client)
	}
	s.mu.Unlock()
	for _, client := range recipients {
		_ = client.writeMessage(channel, payload)
	}
	return int64(len(recipients))
}

func (s *Server) dropClient(client *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel := range client.subs {
		if subs := s.channels[channel]; subs != nil {
			delete(subs, client)
			if len(subs) == 0 {
				delete(s.channels, channel)
			}
		}
	}
}

func (c *clientConn) writeSimpleString(value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "+%s\r\n", value); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *clientConn) writeError(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "-%s\r\n", msg); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *clientConn) writeInteger(value int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.writer, ":%d\r\n", value); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *clientConn) writePush(kind, channel string, count int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "*3\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n:%d\r\n", len(kind), kind, len(channel), channel, count); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *clientConn) writeMessage(channel, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "*3\r\n$7\r\nmessage\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n", len(channel), channel, len(payload), payload); err != nil {
		return err
	}
	return c.writer.Flush()
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}
