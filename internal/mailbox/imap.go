package mailbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/textproto"

	"github.com/nhle/phish-triage/internal/model"
)

// IMAPConnector opens IMAP sessions using go-imap v2.
type IMAPConnector struct {
	host           string
	port           string
	username       string
	password       string
	tls            bool
	timeout        time.Duration
	rejectFolder   string
	stableIDHeader string
}

// NewIMAPConnector creates a connector from cfg. password overrides
// cfg.Password when non-empty.
func NewIMAPConnector(cfg model.MailboxConfig, password string) *IMAPConnector {
	if password == "" {
		password = cfg.Password
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IMAPConnector{
		host:           cfg.Host,
		port:           cfg.Port,
		username:       cfg.Username,
		password:       password,
		tls:            cfg.TLS,
		timeout:        timeout,
		rejectFolder:   cfg.RejectFolder,
		stableIDHeader: cfg.StableIDHeader,
	}
}

// Connect dials the server, authenticates and returns a session. Dial and
// protocol failures are TransportErrors; rejected credentials are an
// AuthError.
func (c *IMAPConnector) Connect(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(c.host, c.port)
	dialer := &net.Dialer{Timeout: c.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial " + addr, Err: err}
	}

	tlsConfig := &tls.Config{ServerName: c.host}

	var client *imapclient.Client
	if c.tls {
		tlsConn := tls.Client(conn, tlsConfig)
		conn.SetDeadline(deadline(ctx, c.timeout))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &TransportError{Op: "tls handshake " + addr, Err: err}
		}
		conn = tlsConn
		client = imapclient.New(conn, nil)
	} else {
		conn.SetDeadline(deadline(ctx, c.timeout))
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			conn.Close()
			return nil, &TransportError{Op: "starttls " + addr, Err: err}
		}
	}

	s := &imapSession{
		conn:           conn,
		client:         client,
		timeout:        c.timeout,
		rejectFolder:   c.rejectFolder,
		stableIDHeader: c.stableIDHeader,
	}

	reset := s.arm(ctx)
	err = client.Login(c.username, c.password).Wait()
	reset()
	if err != nil {
		_ = client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &AuthError{
				Username: c.username,
				Message:  fmt.Sprintf("authentication failed: %v", err),
			}
		}
		return nil, &TransportError{Op: "login", Err: err}
	}

	return s, nil
}

// imapSession is a logged-in IMAP connection. Provider ids are UIDs in
// the selected folder.
type imapSession struct {
	conn           net.Conn
	client         *imapclient.Client
	timeout        time.Duration
	rejectFolder   string
	stableIDHeader string

	folder      string
	uidValidity uint32
}

// deadline returns the earlier of ctx's deadline and now+timeout.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// arm bounds the next command by the session timeout and ctx. The
// returned func clears the deadline.
func (s *imapSession) arm(ctx context.Context) func() {
	_ = s.conn.SetDeadline(deadline(ctx, s.timeout))
	return func() { _ = s.conn.SetDeadline(time.Time{}) }
}

func (s *imapSession) ListCandidateIDs(ctx context.Context, folder string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.arm(ctx)()

	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		return nil, &TransportError{Op: "select " + folder, Err: err}
	}
	s.folder = folder
	s.uidValidity = data.UIDValidity

	searchData, err := s.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagDeleted},
	}, nil).Wait()
	if err != nil {
		return nil, &TransportError{Op: "search " + folder, Err: err}
	}

	uids := searchData.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

func (s *imapSession) FetchStableID(ctx context.Context, providerID string) (string, bool, error) {
	uid, err := parseUID(providerID)
	if err != nil {
		return "", false, err
	}

	if s.stableIDHeader == "" {
		if s.uidValidity == 0 {
			return "", false, nil
		}
		return DeriveStableID(s.uidValidity, uid), true, nil
	}

	section := &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: []string{s.stableIDHeader},
		Peek:         true,
	}
	raw, err := s.fetchSection(ctx, uid, section)
	if err != nil {
		return "", false, err
	}

	id, ok := StableIDFromHeader(raw, s.stableIDHeader)
	return id, ok, nil
}

func (s *imapSession) FetchFullMessage(ctx context.Context, providerID string) ([]byte, error) {
	uid, err := parseUID(providerID)
	if err != nil {
		return nil, err
	}
	return s.fetchSection(ctx, uid, &imap.FetchItemBodySection{Peek: true})
}

// fetchSection fetches one body section of a single message.
func (s *imapSession) fetchSection(
	ctx context.Context,
	uid imap.UID,
	section *imap.FetchItemBodySection,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.arm(ctx)()

	fetchCmd := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, &TransportError{Op: fmt.Sprintf("fetch UID %d", uid), Err: err}
		}
		return nil, fmt.Errorf("UID %d: %w", uid, ErrMessageNotFound)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, &TransportError{Op: fmt.Sprintf("collect UID %d", uid), Err: err}
	}

	raw := buf.FindBodySection(section)
	if err := fetchCmd.Close(); err != nil {
		return nil, &TransportError{Op: fmt.Sprintf("fetch UID %d", uid), Err: err}
	}
	if raw == nil {
		return nil, fmt.Errorf("UID %d: %w", uid, ErrMessageNotFound)
	}
	return raw, nil
}

// MoveOrDelete moves the message to the reject folder, falling back to
// flagging it \Deleted when the move is refused.
func (s *imapSession) MoveOrDelete(ctx context.Context, providerID string) error {
	uid, err := parseUID(providerID)
	if err != nil {
		return err
	}
	defer s.arm(ctx)()

	uidSet := imap.UIDSetNum(uid)

	if s.rejectFolder != "" && s.rejectFolder != s.folder {
		if _, err := s.client.Move(uidSet, s.rejectFolder).Wait(); err == nil {
			return nil
		}
	}

	storeCmd := s.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return &TransportError{Op: fmt.Sprintf("flag UID %d deleted", uid), Err: err}
	}
	return nil
}

func (s *imapSession) Close() error {
	_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	_ = s.client.Logout().Wait()
	return s.client.Close()
}

func parseUID(providerID string) (imap.UID, error) {
	n, err := strconv.ParseUint(providerID, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid provider id %q", providerID)
	}
	return imap.UID(n), nil
}

// DeriveStableID combines UIDVALIDITY and UID into a decimal identifier
// that is unique per folder generation.
func DeriveStableID(uidValidity uint32, uid imap.UID) string {
	return strconv.FormatUint(uint64(uidValidity)<<32|uint64(uid), 10)
}

// StableIDFromHeader reads the named header from a raw header block and
// returns it when it is a well-formed numeric identifier. A header that
// occurs more than once is rejected: a sender can add a copy next to the
// one the provider stamps, and either could be the one read first.
func StableIDFromHeader(raw []byte, name string) (string, bool) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil && h.Len() == 0 {
		return "", false
	}
	values := h.Values(name)
	if len(values) != 1 {
		return "", false
	}
	id := strings.Trim(strings.TrimSpace(values[0]), "<>")
	if !model.ValidExternalID(id) {
		return "", false
	}
	return id, true
}
