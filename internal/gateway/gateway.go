// Package gateway runs the inbound protocol: handshake verification, message
// delivery in plain and encrypted form, and component ticket pushes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wxgate/internal/dispatch"
	"wxgate/internal/domain"
	"wxgate/internal/envelope"
	"wxgate/internal/message"
	"wxgate/internal/metrics"
	"wxgate/internal/signature"
)

var (
	// ErrSignature rejects a request whose signature does not verify.
	ErrSignature = errors.New("signature mismatch")
	// ErrUnknownApp rejects a request for an integration with no credentials.
	ErrUnknownApp = errors.New("unknown app")
)

// InfoTypeTicket marks a component_verify_ticket push.
const InfoTypeTicket = "component_verify_ticket"

// Request is one inbound webhook call with its query parameters.
type Request struct {
	ID    string
	AppID string

	Signature    string
	Timestamp    string
	Nonce        string
	EchoStr      string
	MsgSignature string
	EncryptType  string

	Body []byte
}

// Encrypted reports whether the body is an encrypted envelope.
func (r Request) Encrypted() bool {
	return r.EncryptType == "aes" || r.MsgSignature != ""
}

// Result is the outcome of a message delivery.
type Result struct {
	// Body is the reply to write. Empty means no reply.
	Body    []byte
	Kind    message.Kind
	Replied bool
}

// Config holds the collaborators of a Gateway.
type Config struct {
	Store    domain.CredentialStore
	Registry *dispatch.Registry
	// Deliveries records dispatched events. Optional.
	Deliveries     domain.DeliveryLog
	ComponentAppID string
	Metrics        *metrics.Gateway
	Logger         *slog.Logger
	Now            func() time.Time
	Nonce          func() string
}

// Gateway verifies, decodes, dispatches, and answers inbound deliveries.
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	ciphers map[string]*envelope.Cipher // appID + key
}

// New creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("gateway: store and registry are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewGateway()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Nonce == nil {
		cfg.Nonce = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:16] }
	}
	return &Gateway{
		cfg:     cfg,
		logger:  cfg.Logger,
		ciphers: make(map[string]*envelope.Cipher),
	}, nil
}

// endpoint is the verification material of one integration. Hosted accounts
// verify and encrypt with their component's token and key.
type endpoint struct {
	appID           string
	token           string
	key             string
	cipher          string // appID carried in encrypted frames
	requireEnvelope bool
}

func (g *Gateway) endpoint(ctx context.Context, appID string) (*endpoint, error) {
	creds, err := g.cfg.Store.Load(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("load credentials %s: %w", appID, err)
	}
	if creds == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, appID)
	}
	ep := &endpoint{
		appID:           appID,
		token:           creds.Token,
		key:             creds.EncodingAESKey,
		cipher:          creds.AppID,
		requireEnvelope: creds.RequiresEnvelope(),
	}
	if creds.Hosted() {
		comp, err := g.cfg.Store.Load(ctx, creds.ComponentAppID)
		if err != nil {
			return nil, fmt.Errorf("load component %s: %w", creds.ComponentAppID, err)
		}
		if comp == nil {
			return nil, fmt.Errorf("%w: component %s", ErrUnknownApp, creds.ComponentAppID)
		}
		ep.token, ep.key, ep.cipher = comp.Token, comp.EncodingAESKey, comp.AppID
	}
	return ep, nil
}

func (g *Gateway) cipher(ep *endpoint) (*envelope.Cipher, error) {
	if ep.key == "" {
		return nil, fmt.Errorf("app %s has no encoding key", ep.appID)
	}
	k := ep.cipher + ":" + ep.key
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.ciphers[k]; ok {
		return c, nil
	}
	c, err := envelope.NewCipher(ep.key, ep.cipher)
	if err != nil {
		return nil, err
	}
	g.ciphers[k] = c
	return c, nil
}

// Handshake verifies a URL validation request and returns the echo string.
func (g *Gateway) Handshake(ctx context.Context, req Request) (string, error) {
	ep, err := g.endpoint(ctx, req.AppID)
	if err != nil {
		return "", err
	}
	if !signature.Verify(ep.token, req.Timestamp, req.Nonce, req.Signature) {
		g.rejected(req, "handshake")
		return "", ErrSignature
	}
	return req.EchoStr, nil
}

func (g *Gateway) rejected(req Request, stage string) {
	g.cfg.Metrics.SignatureFailures.Inc()
	g.logger.Warn("signature verification failed",
		"request_id", req.ID, "app_id", req.AppID, "stage", stage,
		"timestamp", req.Timestamp, "nonce", req.Nonce)
}

// open verifies the request and returns the plaintext document. Decrypt
// failures give an empty document. Accounts that require the envelope never
// take the plain path, whatever the query string says: the outer signature
// does not cover the body.
func (g *Gateway) open(ep *endpoint, req Request) ([]byte, *envelope.Cipher, error) {
	if !req.Encrypted() && ep.requireEnvelope {
		g.logger.Warn("plain delivery refused", "request_id", req.ID, "app_id", req.AppID)
		g.rejected(req, "plain")
		return nil, nil, ErrSignature
	}
	if !req.Encrypted() {
		if !signature.Verify(ep.token, req.Timestamp, req.Nonce, req.Signature) {
			g.rejected(req, "message")
			return nil, nil, ErrSignature
		}
		return req.Body, nil, nil
	}

	in, err := envelope.ParseInbound(req.Body)
	if err != nil {
		g.logger.Warn("unreadable envelope", "request_id", req.ID, "app_id", req.AppID, "error", err)
		g.rejected(req, "envelope")
		return nil, nil, ErrSignature
	}
	if !signature.VerifyEnvelope(ep.token, req.Timestamp, req.Nonce, in.Encrypt, req.Signature, req.MsgSignature) {
		g.rejected(req, "envelope")
		return nil, nil, ErrSignature
	}
	c, err := g.cipher(ep)
	if err != nil {
		return nil, nil, err
	}
	plain, sender, err := c.Decrypt(in.Encrypt)
	if err != nil {
		g.cfg.Metrics.DecryptFailures.Inc()
		g.logger.Warn("decrypt failed", "request_id", req.ID, "app_id", req.AppID, "error", err)
		return nil, c, nil
	}
	if sender != c.AppID() {
		g.logger.Debug("envelope sender differs", "request_id", req.ID, "app_id", req.AppID, "sender", sender)
	}
	return plain, c, nil
}

// HandleMessage verifies a delivery, dispatches the event, and builds the
// reply. Signature failures return ErrSignature; everything past
// verification degrades to an empty reply.
func (g *Gateway) HandleMessage(ctx context.Context, req Request) (Result, error) {
	ep, err := g.endpoint(ctx, req.AppID)
	if err != nil {
		return Result{}, err
	}
	plain, c, err := g.open(ep, req)
	if err != nil {
		return Result{}, err
	}

	ev := message.Parse(plain)
	res := Result{Kind: ev.Kind()}
	logger := g.logger.With("request_id", req.ID, "app_id", req.AppID, "kind", ev.Kind())
	logger.Debug("event received", "from", ev.Meta().From)

	reply, ok := g.cfg.Registry.Dispatch(dispatch.WithAppID(ctx, req.AppID), ev)
	defer func() { g.record(ctx, req, ev, res.Replied) }()
	if !ok {
		g.cfg.Metrics.DispatchMisses.Inc()
		return res, nil
	}

	now := g.cfg.Now()
	out, err := message.Build(reply, now)
	if err != nil {
		logger.Warn("reply not sent", "error", err)
		return res, nil
	}
	if c != nil {
		out, err = c.Seal(out, ep.token, now.Unix(), g.cfg.Nonce())
		if err != nil {
			logger.Error("seal reply", "error", err)
			return res, nil
		}
	}
	res.Body, res.Replied = out, true
	return res, nil
}

func (g *Gateway) record(ctx context.Context, req Request, ev message.Event, replied bool) {
	if g.cfg.Deliveries == nil {
		return
	}
	d := domain.Delivery{
		RequestID: req.ID,
		AppID:     req.AppID,
		Kind:      string(ev.Kind()),
		From:      ev.Meta().From,
		Replied:   replied,
		CreatedAt: g.cfg.Now(),
	}
	if err := g.cfg.Deliveries.LogDelivery(ctx, d); err != nil {
		g.logger.Warn("failed to log delivery", "request_id", req.ID, "error", err)
	}
}

// HandleTicket processes a component push. A component_verify_ticket is
// stored on the component credentials; other info types are logged.
func (g *Gateway) HandleTicket(ctx context.Context, req Request) error {
	if g.cfg.ComponentAppID == "" {
		return fmt.Errorf("%w: no component configured", ErrUnknownApp)
	}
	req.AppID = g.cfg.ComponentAppID
	if req.EncryptType == "" {
		req.EncryptType = "aes"
	}
	ep, err := g.endpoint(ctx, req.AppID)
	if err != nil {
		return err
	}
	plain, _, err := g.open(ep, req)
	if err != nil {
		return err
	}

	fields, err := message.ParseFields(plain)
	if err != nil {
		g.logger.Warn("unreadable component push", "request_id", req.ID, "error", err)
		return nil
	}
	info := fields["InfoType"]
	if info != InfoTypeTicket {
		g.logger.Info("component push", "request_id", req.ID, "info_type", info,
			"authorizer", fields["AuthorizerAppid"])
		return nil
	}

	ticket := fields["ComponentVerifyTicket"]
	if ticket == "" {
		g.logger.Warn("empty component ticket", "request_id", req.ID)
		return nil
	}
	creds, err := g.cfg.Store.Load(ctx, req.AppID)
	if err != nil {
		return fmt.Errorf("load component %s: %w", req.AppID, err)
	}
	if creds == nil {
		return fmt.Errorf("%w: %s", ErrUnknownApp, req.AppID)
	}
	creds.Ticket = ticket
	creds.UpdatedAt = g.cfg.Now()
	if err := g.cfg.Store.Save(ctx, *creds); err != nil {
		return fmt.Errorf("save component ticket: %w", err)
	}
	g.logger.Info("component ticket stored", "request_id", req.ID, "app_id", req.AppID)
	return nil
}
