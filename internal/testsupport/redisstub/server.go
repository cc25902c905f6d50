// Package redisstub serves the small subset of the Redis protocol the relay
// uses: streams with consumer groups and hashes. It exists so Redis-backed
// components can be tested without a Redis binary.
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

// Options configures a stub server.
type Options struct {
	Password  string
	EnableTLS bool
}

// Server is a running stub.
type Server struct {
	opts     Options
	listener net.Listener
	closed   chan struct{}
	certPEM  []byte

	mu      sync.Mutex
	streams map[string]*stream
	hashes  map[string]map[string]string
	lastID  int64
}

type stream struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	id     string
	fields []string
}

type group struct {
	next    int
	pending map[string]struct{}
}

// Start listens on a random loopback port.
func Start(opts Options) (*Server, error) {
	s := &Server{
		opts:    opts,
		closed:  make(chan struct{}),
		streams: make(map[string]*stream),
		hashes:  make(map[string]map[string]string),
	}
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, cert, certErr := selfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		s.certPEM = certPEM
		ln, err = tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		return nil, err
	}
	s.listener = ln
	go s.serve()
	return s, nil
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte { return s.certPEM }

// Close stops accepting connections.
func (s *Server) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	return s.listener.Close()
}

// Pending returns the number of delivered but unacknowledged entries.
func (s *Server) Pending(streamName, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.streams[streamName]; st != nil {
		if g := st.groups[groupName]; g != nil {
			return len(g.pending)
		}
	}
	return 0
}

// Len returns the number of entries appended to streamName.
func (s *Server) Len(streamName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.streams[streamName]; st != nil {
		return len(st.entries)
	}
	return 0
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				continue
			}
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := &respWriter{w: bufio.NewWriter(conn)}
	authed := s.opts.Password == ""
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch {
		case cmd == "AUTH":
			if args[len(args)-1] == s.opts.Password || s.opts.Password == "" {
				authed = true
				w.simple("OK")
			} else {
				w.err("WRONGPASS invalid username-password pair")
			}
		case cmd == "HELLO":
			// Clients fall back to RESP2.
			w.err("ERR unknown command 'HELLO'")
		case cmd == "PING":
			w.simple("PONG")
		case cmd == "SELECT" || cmd == "CLIENT":
			w.simple("OK")
		case !authed:
			w.err("NOAUTH Authentication required.")
		default:
			s.dispatch(w, cmd, args[1:])
		}
		if w.flush() != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *respWriter, cmd string, args []string) {
	switch cmd {
	case "XADD":
		s.xadd(w, args)
	case "XGROUP":
		s.xgroup(w, args)
	case "XREADGROUP":
		s.xreadgroup(w, args)
	case "XACK":
		s.xack(w, args)
	case "HSET":
		s.hset(w, args)
	case "HGET":
		s.hget(w, args)
	case "DEL":
		s.del(w, args)
	default:
		w.err("ERR unknown command '" + cmd + "'")
	}
}

func (s *Server) streamFor(name string) *stream {
	st := s.streams[name]
	if st == nil {
		st = &stream{groups: make(map[string]*group)}
		s.streams[name] = st
	}
	return st
}

func (s *Server) xadd(w *respWriter, args []string) {
	if len(args) < 4 || len(args[2:])%2 != 0 {
		w.err("ERR wrong number of arguments for 'xadd'")
		return
	}
	s.mu.Lock()
	id := args[1]
	if id == "*" {
		now := time.Now().UnixMilli()
		if now <= s.lastID {
			now = s.lastID + 1
		}
		s.lastID = now
		id = strconv.FormatInt(now, 10) + "-0"
	}
	st := s.streamFor(args[0])
	st.entries = append(st.entries, entry{id: id, fields: append([]string(nil), args[2:]...)})
	s.mu.Unlock()
	w.bulk(id)
}

func (s *Server) xgroup(w *respWriter, args []string) {
	if len(args) < 4 || strings.ToUpper(args[0]) != "CREATE" {
		w.err("ERR only XGROUP CREATE is supported")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.streams[args[1]]; !exists && !hasToken(args[4:], "MKSTREAM") {
		w.err("ERR The XGROUP subcommand requires the key to exist")
		return
	}
	st := s.streamFor(args[1])
	if _, exists := st.groups[args[2]]; exists {
		w.err("BUSYGROUP Consumer Group name already exists")
		return
	}
	g := &group{pending: make(map[string]struct{})}
	if args[3] == "$" {
		g.next = len(st.entries)
	}
	st.groups[args[2]] = g
	w.simple("OK")
}

func (s *Server) xreadgroup(w *respWriter, args []string) {
	var groupName, streamName string
	count := 1
	block := -1
	for i := 0; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 < len(args) {
				groupName = args[i+1]
				i += 2
			}
		case "COUNT":
			if i+1 < len(args) {
				count, _ = strconv.Atoi(args[i+1])
				i++
			}
		case "BLOCK":
			if i+1 < len(args) {
				block, _ = strconv.Atoi(args[i+1])
				i++
			}
		case "STREAMS":
			if i+1 < len(args) {
				streamName = args[i+1]
			}
			i = len(args)
		}
	}
	if groupName == "" || streamName == "" {
		w.err("ERR syntax error")
		return
	}
	deadline := time.Now().Add(time.Duration(block) * time.Millisecond)
	for {
		records, err := s.readGroup(streamName, groupName, count)
		if err != "" {
			w.err(err)
			return
		}
		if len(records) > 0 {
			w.array(1)
			w.array(2)
			w.bulk(streamName)
			w.array(len(records))
			for _, rec := range records {
				w.array(2)
				w.bulk(rec.id)
				w.array(len(rec.fields))
				for _, f := range rec.fields {
					w.bulk(f)
				}
			}
			return
		}
		if block < 0 || time.Now().After(deadline) {
			w.nilArray()
			return
		}
		select {
		case <-s.closed:
			w.nilArray()
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Server) readGroup(streamName, groupName string, count int) ([]entry, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[streamName]
	if st == nil || st.groups[groupName] == nil {
		return nil, "NOGROUP No such key or consumer group"
	}
	g := st.groups[groupName]
	if count <= 0 {
		count = len(st.entries)
	}
	end := g.next + count
	if end > len(st.entries) {
		end = len(st.entries)
	}
	out := append([]entry(nil), st.entries[g.next:end]...)
	for _, e := range out {
		g.pending[e.id] = struct{}{}
	}
	g.next = end
	return out, ""
}

func (s *Server) xack(w *respWriter, args []string) {
	if len(args) < 3 {
		w.err("ERR wrong number of arguments for 'xack'")
		return
	}
	s.mu.Lock()
	acked := 0
	if st := s.streams[args[0]]; st != nil {
		if g := st.groups[args[1]]; g != nil {
			for _, id := range args[2:] {
				if _, ok := g.pending[id]; ok {
					delete(g.pending, id)
					acked++
				}
			}
		}
	}
	s.mu.Unlock()
	w.integer(int64(acked))
}

func (s *Server) hset(w *respWriter, args []string) {
	if len(args) < 3 || len(args[1:])%2 != 0 {
		w.err("ERR wrong number of arguments for 'hset'")
		return
	}
	s.mu.Lock()
	h := s.hashes[args[0]]
	if h == nil {
		h = make(map[string]string)
		s.hashes[args[0]] = h
	}
	added := 0
	for i := 1; i+1 < len(args); i += 2 {
		if _, ok := h[args[i]]; !ok {
			added++
		}
		h[args[i]] = args[i+1]
	}
	s.mu.Unlock()
	w.integer(int64(added))
}

func (s *Server) hget(w *respWriter, args []string) {
	if len(args) != 2 {
		w.err("ERR wrong number of arguments for 'hget'")
		return
	}
	s.mu.Lock()
	value, ok := s.hashes[args[0]][args[1]]
	s.mu.Unlock()
	if !ok {
		w.nilBulk()
		return
	}
	w.bulk(value)
}

func (s *Server) del(w *respWriter, args []string) {
	s.mu.Lock()
	removed := 0
	for _, key := range args {
		if _, ok := s.hashes[key]; ok {
			delete(s.hashes, key)
			removed++
		}
		if _, ok := s.streams[key]; ok {
			delete(s.streams, key)
			removed++
		}
	}
	s.mu.Unlock()
	w.integer(int64(removed))
}

func hasToken(args []string, token string) bool {
	for _, arg := range args {
		if strings.EqualFold(arg, token) {
			return true
		}
	}
	return false
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return strings.Fields(line), nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, fmt.Errorf("bad array header %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(header, "$") {
			return nil, fmt.Errorf("bad bulk header %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

type respWriter struct {
	w      *bufio.Writer
	failed error
}

func (rw *respWriter) printf(format string, args ...any) {
	if rw.failed == nil {
		_, rw.failed = fmt.Fprintf(rw.w, format, args...)
	}
}

func (rw *respWriter) simple(v string) { rw.printf("+%s\r\n", v) }
func (rw *respWriter) err(msg string) { rw.printf("-%s\r\n", msg) }
func (rw *respWriter) integer(v int64) { rw.printf(":%d\r\n", v) }
func (rw *respWriter) bulk(v string) { rw.printf("$%d\r\n%s\r\n", len(v), v) }
func (rw *respWriter) nilBulk() { rw.printf("$-1\r\n") }
func (rw *respWriter) nilArray() { rw.printf("*-1\r\n") }
func (rw *respWriter) array(n int) { rw.printf("*%d\r\n", n) }

func (rw *respWriter) flush() error {
	if rw.failed != nil {
		return rw.failed
	}
	return rw.w.Flush()
}

func selfSignedCert() ([]byte, tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return certPEM, cert, nil
}
