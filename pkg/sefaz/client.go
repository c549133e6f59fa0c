// Package sefaz implements the typed clearinghouse client for the
// MDF-e web services: lot reception, receipt query, and event
// reception (cancellation and closure).
//
// # Wire Protocol
//
// Requests are SOAP 1.2 envelopes carrying the MDF-e payloads defined
// by the national standard (enviMDFe, consReciMDFe, eventoMDFe).
// Responses are parsed by local element name because namespace prefix
// usage varies across state autorizadores. The field names nRec,
// cStat, xMotivo, protMDFe, nProt and digVal are fixed by the external
// protocol and parsed exactly as named.
//
// # Error Taxonomy
//
//   - [TransportError]: network-level failure; the client never
//     retries.
//   - [ProtocolError]: a response missing fields the contract
//     requires; always fatal to the invocation.
//
// Domain outcomes (authorized, pending, rejected, duplicate) are
// expressed as three-digit status codes on the response types and are
// never folded into Go errors; interpreting them is the lifecycle
// engine's job.
package sefaz

import (
	"context"
	"log/slog"
	"time"

	"github.com/beevik/etree"

	"github.com/aguimaraes/bedm/pkg/manifest"
)

// EventSigner signs an eventoMDFe document before transmission. The
// clearinghouse rejects unsigned events.
type EventSigner func(ctx context.Context, eventXML []byte) ([]byte, error)

// Client exposes the four clearinghouse operations over an injectable
// transport.
type Client struct {
	transport Transport
	endpoints *EndpointSet
	signEvent EventSigner
	logger    *slog.Logger
	now       func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEndpoints overrides the default endpoint tables.
func WithEndpoints(set *EndpointSet) ClientOption {
	return func(c *Client) { c.endpoints = set }
}

// WithEventSigner installs the signer applied to outbound events.
func WithEventSigner(sign EventSigner) ClientOption {
	return func(c *Client) { c.signEvent = sign }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a clearinghouse client over the given transport.
func NewClient(transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		endpoints: DefaultEndpoints(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitLot submits a signed manifest as a single-document lot. The
// lot ID is the durable correlation token created before this call.
func (c *Client) SubmitLot(ctx context.Context, signed []byte, key manifest.Key, env manifest.Environment, lotID int64) (*LotResponse, error) {
	envelope, err := buildSubmitLotEnvelope(signed, lotID, key.UF())
	if err != nil {
		return nil, &ProtocolError{Operation: "submit lot", Reason: err.Error()}
	}

	body, err := c.post(ctx, env, ServiceReception, "submit lot", envelope)
	if err != nil {
		return nil, err
	}

	resp, err := parseLotResponse(body)
	if err != nil {
		return nil, err
	}

	c.logger.Info("lot submitted",
		"key", key.String(),
		"lot_id", lotID,
		"receipt", resp.ReceiptNumber,
		"status", resp.StatusCode,
	)
	return resp, nil
}

// QueryReceipt polls the clearinghouse for a lot's processing outcome.
func (c *Client) QueryReceipt(ctx context.Context, receipt string, key manifest.Key, env manifest.Environment) (*ReceiptResponse, error) {
	envelope, err := buildReceiptQueryEnvelope(receipt, env, key.UF())
	if err != nil {
		return nil, &ProtocolError{Operation: "query receipt", Reason: err.Error()}
	}

	body, err := c.post(ctx, env, ServiceReceiptQuery, "query receipt", envelope)
	if err != nil {
		return nil, err
	}

	resp, err := parseReceiptResponse(body)
	if err != nil {
		return nil, err
	}

	c.logger.Info("receipt queried",
		"key", key.String(),
		"receipt", receipt,
		"status", resp.StatusCode,
	)
	return resp, nil
}

// SendCancelEvent registers a cancellation event against an authorized
// protocol.
func (c *Client) SendCancelEvent(ctx context.Context, key manifest.Key, env manifest.Environment, sequence int, protocol, reason string) (*EventResponse, error) {
	detail := buildCancelDetail(protocol, reason)
	return c.sendEvent(ctx, key, env, sequence, EventTypeCancel, detail)
}

// SendCloseEvent registers a closure event against an authorized
// protocol with the closure jurisdiction and location codes.
func (c *Client) SendCloseEvent(ctx context.Context, key manifest.Key, env manifest.Environment, sequence int, protocol, ufCode, municipalityCode string) (*EventResponse, error) {
	detail := buildCloseDetail(protocol, ufCode, municipalityCode, c.now())
	return c.sendEvent(ctx, key, env, sequence, EventTypeClose, detail)
}

func (c *Client) sendEvent(ctx context.Context, key manifest.Key, env manifest.Environment, sequence int, eventType string, detail *etree.Element) (*EventResponse, error) {
	eventXML, err := buildEventDocument(eventParams{
		key:      key,
		env:      env,
		sequence: sequence,
		issuedAt: c.now(),
	}, eventType, detail)
	if err != nil {
		return nil, &ProtocolError{Operation: "send event", Reason: err.Error()}
	}

	if c.signEvent != nil {
		eventXML, err = c.signEvent(ctx, eventXML)
		if err != nil {
			return nil, err
		}
	}

	envelope, err := buildEventEnvelope(eventXML, key.UF())
	if err != nil {
		return nil, &ProtocolError{Operation: "send event", Reason: err.Error()}
	}

	body, err := c.post(ctx, env, ServiceEventReception, "send event", envelope)
	if err != nil {
		return nil, err
	}

	resp, err := parseEventResponse(body)
	if err != nil {
		return nil, err
	}

	c.logger.Info("event sent",
		"key", key.String(),
		"event_type", eventType,
		"status", resp.StatusCode,
	)
	return resp, nil
}

func (c *Client) post(ctx context.Context, env manifest.Environment, svc Service, op string, envelope []byte) ([]byte, error) {
	url, err := c.endpoints.URL(env, svc)
	if err != nil {
		return nil, &TransportError{Operation: op, Err: err}
	}
	body, err := c.transport.Post(ctx, url, envelope)
	if err != nil {
		return nil, &TransportError{Operation: op, Err: err}
	}
	return body, nil
}
